package counting

// LineCounts are one line's counters.
type LineCounts struct {
	Name      string `json:"name"`
	Door      string `json:"door"`
	Enter     int64  `json:"enter"`
	Exit      int64  `json:"exit"`
	Occupancy int64  `json:"occupancy"`
}

// DoorCounts aggregate every line of one door.
type DoorCounts struct {
	Door      string `json:"door"`
	Enter     int64  `json:"enter"`
	Exit      int64  `json:"exit"`
	Occupancy int64  `json:"occupancy"`
}

// Totals aggregate every line.
type Totals struct {
	Enter     int64 `json:"enter"`
	Exit      int64 `json:"exit"`
	Occupancy int64 `json:"occupancy"`
}

// Snapshot is an immutable copy of the counts. Lines and doors keep
// configuration order.
type Snapshot struct {
	Lines  []LineCounts `json:"lines"`
	Doors  []DoorCounts `json:"doors"`
	Totals Totals       `json:"totals"`
}

// Snapshot returns the current counts.
func (c *Counter) Snapshot() Snapshot {
	s := Snapshot{Lines: make([]LineCounts, 0, len(c.lines))}
	doorIdx := make(map[string]int)
	for _, l := range c.lines {
		s.Lines = append(s.Lines, LineCounts{
			Name:      l.Name,
			Door:      l.Door,
			Enter:     l.Enter,
			Exit:      l.Exit,
			Occupancy: l.Occupancy(),
		})
		i, ok := doorIdx[l.Door]
		if !ok {
			i = len(s.Doors)
			doorIdx[l.Door] = i
			s.Doors = append(s.Doors, DoorCounts{Door: l.Door})
		}
		s.Doors[i].Enter += l.Enter
		s.Doors[i].Exit += l.Exit
		s.Totals.Enter += l.Enter
		s.Totals.Exit += l.Exit
	}
	for i := range s.Doors {
		s.Doors[i].Occupancy = max(s.Doors[i].Enter-s.Doors[i].Exit, 0)
	}
	s.Totals.Occupancy = max(s.Totals.Enter-s.Totals.Exit, 0)
	return s
}

// Equal reports whether two snapshots hold the same counts.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Totals != o.Totals || len(s.Lines) != len(o.Lines) || len(s.Doors) != len(o.Doors) {
		return false
	}
	for i := range s.Lines {
		if s.Lines[i] != o.Lines[i] {
			return false
		}
	}
	for i := range s.Doors {
		if s.Doors[i] != o.Doors[i] {
			return false
		}
	}
	return true
}
