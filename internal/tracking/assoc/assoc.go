// Package assoc matches predicted track boxes to detections by solving the
// optimal assignment over a 1 - IoU cost matrix. Everything here is a pure
// function of its inputs.
package assoc

import (
	"github.com/banshee-data/occupancy.report/internal/detect"
)

// Match pairs a track index with a detection index.
type Match struct {
	Track     int
	Detection int
	IoU       float64
}

// Result is the outcome of one association round. All index lists are in
// ascending order.
type Result struct {
	Matches             []Match
	UnmatchedTracks     []int
	UnmatchedDetections []int
}

// CostMatrix returns the len(tracks)×len(dets) matrix of 1 - IoU.
func CostMatrix(tracks, dets []detect.Box) [][]float64 {
	cost := make([][]float64, len(tracks))
	for i, tb := range tracks {
		cost[i] = make([]float64, len(dets))
		for j, db := range dets {
			cost[i][j] = 1 - detect.IoU(tb, db)
		}
	}
	return cost
}

// Associate assigns detections to tracks. Pairs whose IoU is below minIoU
// are reported as unmatched even when the solver picked them, and a pair
// with no overlap at all is never a match.
func Associate(tracks, dets []detect.Box, minIoU float64) Result {
	var res Result
	if len(tracks) == 0 || len(dets) == 0 {
		res.UnmatchedTracks = seq(len(tracks))
		res.UnmatchedDetections = seq(len(dets))
		return res
	}

	cost := CostMatrix(tracks, dets)
	assign := HungarianAssign(cost)

	detUsed := make([]bool, len(dets))
	for i, j := range assign {
		if j < 0 {
			res.UnmatchedTracks = append(res.UnmatchedTracks, i)
			continue
		}
		iou := 1 - cost[i][j]
		if iou <= 0 || iou < minIoU {
			res.UnmatchedTracks = append(res.UnmatchedTracks, i)
			continue
		}
		detUsed[j] = true
		res.Matches = append(res.Matches, Match{Track: i, Detection: j, IoU: iou})
	}
	for j, used := range detUsed {
		if !used {
			res.UnmatchedDetections = append(res.UnmatchedDetections, j)
		}
	}
	return res
}

func seq(n int) []int {
	if n == 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
