package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Orientation names accepted for counting lines. "vertical" and
// "horizontal" are the legacy names for down and right respectively.
var validOrientations = map[string]bool{
	"down": true, "up": true, "left": true, "right": true,
	"positive": true, "negative": true,
	"vertical": true, "horizontal": true,
}

// LineConfig describes one counting line in frame pixel coordinates.
type LineConfig struct {
	Name string `json:"name"`
	// Door groups lines for per-door totals. Empty means the line name.
	Door string `json:"door,omitempty"`
	// Coords is x1, y1, x2, y2.
	Coords [4]float64 `json:"coords"`
	// Orientation is the direction of travel counted as an entry.
	Orientation string `json:"orientation"`
	// Margin overrides rearm_margin_px for this line.
	Margin *float64 `json:"margin,omitempty"`
}

// TuningConfig represents the root configuration for the counter.
// Fields omitted from the JSON keep the defaults returned by the Get*
// accessors, so partial configs are safe.
type TuningConfig struct {
	// Detection filtering
	ConfidenceFloor *float64 `json:"confidence_floor,omitempty"`
	Classes         *[]int   `json:"classes,omitempty"` // empty list accepts every class

	// Tracker params
	IoUThreshold            *float64 `json:"iou_threshold,omitempty"`
	MaxAge                  *int     `json:"max_age,omitempty"`
	MinHits                 *int     `json:"min_hits,omitempty"`
	MaxTrackHistoryLength   *int     `json:"max_track_history_length,omitempty"`
	MaxTimeSkip             *int     `json:"max_time_skip,omitempty"`
	MeasurementNoisePos     *float64 `json:"measurement_noise_pos,omitempty"`
	MeasurementNoiseShape   *float64 `json:"measurement_noise_shape,omitempty"`
	ProcessNoisePos         *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel         *float64 `json:"process_noise_vel,omitempty"`
	InitialVelocityVariance *float64 `json:"initial_velocity_variance,omitempty"`

	// Re-identification
	ReIDEnabled     *bool    `json:"reid_enabled,omitempty"`
	ReIDSimilarity  *float64 `json:"reid_similarity,omitempty"`
	ReIDTTLFrames   *int     `json:"reid_ttl_frames,omitempty"`
	ReIDGallerySize *int     `json:"reid_gallery_size,omitempty"`

	// Counting
	RearmMarginPx *float64     `json:"rearm_margin_px,omitempty"`
	Lines         []LineConfig `json:"lines,omitempty"`

	// Ingestion
	BufferSize           *int     `json:"buffer_size,omitempty"`
	BufferPolicy         *string  `json:"buffer_policy,omitempty"` // "block" or "drop_oldest"
	StallTimeout         *string  `json:"stall_timeout,omitempty"` // duration string like "2s"
	FrameInterval        *string  `json:"frame_interval,omitempty"`
	TimeSkipFactor       *float64 `json:"time_skip_factor,omitempty"`
	Reconnect            *bool    `json:"reconnect,omitempty"`
	ReconnectMaxInterval *string  `json:"reconnect_max_interval,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/tracking/motion/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. It runs before
// any frame is processed so that bad thresholds or degenerate lines fail
// the process at startup.
func (c *TuningConfig) Validate() error {
	if v := c.GetConfidenceFloor(); v < 0 || v > 1 {
		return fmt.Errorf("confidence_floor must be between 0 and 1, got %f", v)
	}
	if v := c.GetIoUThreshold(); v < 0 || v > 1 {
		return fmt.Errorf("iou_threshold must be between 0 and 1, got %f", v)
	}
	if v := c.GetMaxAge(); v < 0 {
		return fmt.Errorf("max_age must be non-negative, got %d", v)
	}
	if v := c.GetMinHits(); v < 1 {
		return fmt.Errorf("min_hits must be at least 1, got %d", v)
	}
	if v := c.GetMaxTrackHistoryLength(); v < 2 {
		return fmt.Errorf("max_track_history_length must be at least 2, got %d", v)
	}
	if v := c.GetMaxTimeSkip(); v < 0 {
		return fmt.Errorf("max_time_skip must be non-negative, got %d", v)
	}
	for name, v := range map[string]float64{
		"measurement_noise_pos":     c.GetMeasurementNoisePos(),
		"measurement_noise_shape":   c.GetMeasurementNoiseShape(),
		"process_noise_pos":         c.GetProcessNoisePos(),
		"process_noise_vel":         c.GetProcessNoiseVel(),
		"initial_velocity_variance": c.GetInitialVelocityVariance(),
	} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be positive, got %f", name, v)
		}
	}
	if v := c.GetReIDSimilarity(); v < -1 || v > 1 {
		return fmt.Errorf("reid_similarity must be between -1 and 1, got %f", v)
	}
	if v := c.GetReIDTTLFrames(); v < 1 {
		return fmt.Errorf("reid_ttl_frames must be at least 1, got %d", v)
	}
	if v := c.GetReIDGallerySize(); v < 1 {
		return fmt.Errorf("reid_gallery_size must be at least 1, got %d", v)
	}
	if v := c.GetRearmMarginPx(); v < 0 || math.IsNaN(v) {
		return fmt.Errorf("rearm_margin_px must be non-negative, got %f", v)
	}
	if err := validateLines(c.Lines); err != nil {
		return err
	}
	if v := c.GetBufferSize(); v < 1 {
		return fmt.Errorf("buffer_size must be at least 1, got %d", v)
	}
	if p := c.GetBufferPolicy(); p != "block" && p != "drop_oldest" {
		return fmt.Errorf("buffer_policy must be \"block\" or \"drop_oldest\", got %q", p)
	}
	for name, s := range map[string]*string{
		"stall_timeout":          c.StallTimeout,
		"frame_interval":         c.FrameInterval,
		"reconnect_max_interval": c.ReconnectMaxInterval,
	} {
		if s == nil || *s == "" {
			continue
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if v := c.GetTimeSkipFactor(); v < 1 {
		return fmt.Errorf("time_skip_factor must be at least 1, got %f", v)
	}
	return nil
}

func validateLines(lines []LineConfig) error {
	seen := make(map[string]bool, len(lines))
	for i, l := range lines {
		if l.Name == "" {
			return fmt.Errorf("lines[%d]: name is required", i)
		}
		if seen[l.Name] {
			return fmt.Errorf("lines[%d]: duplicate line name %q", i, l.Name)
		}
		seen[l.Name] = true
		for _, v := range l.Coords {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("line %q: coordinates must be finite", l.Name)
			}
		}
		dx := l.Coords[2] - l.Coords[0]
		dy := l.Coords[3] - l.Coords[1]
		if math.Hypot(dx, dy) < 1e-6 {
			return fmt.Errorf("line %q: endpoints coincide", l.Name)
		}
		if !validOrientations[l.Orientation] {
			return fmt.Errorf("line %q: unknown orientation %q", l.Name, l.Orientation)
		}
		if l.Margin != nil && (*l.Margin < 0 || math.IsNaN(*l.Margin)) {
			return fmt.Errorf("line %q: margin must be non-negative", l.Name)
		}
	}
	return nil
}

// GetConfidenceFloor returns the confidence_floor value or the default.
func (c *TuningConfig) GetConfidenceFloor() float64 {
	if c.ConfidenceFloor == nil {
		return 0.4
	}
	return *c.ConfidenceFloor
}

// GetClasses returns the accepted detection classes. An empty result means
// every class is accepted; the default is the person class only.
func (c *TuningConfig) GetClasses() []int {
	if c.Classes == nil {
		return []int{0}
	}
	out := make([]int, len(*c.Classes))
	copy(out, *c.Classes)
	return out
}

// GetIoUThreshold returns the iou_threshold value or the default.
func (c *TuningConfig) GetIoUThreshold() float64 {
	if c.IoUThreshold == nil {
		return 0.3
	}
	return *c.IoUThreshold
}

// GetMaxAge returns the max_age value or the default.
func (c *TuningConfig) GetMaxAge() int {
	if c.MaxAge == nil {
		return 30
	}
	return *c.MaxAge
}

// GetMinHits returns the min_hits value or the default.
func (c *TuningConfig) GetMinHits() int {
	if c.MinHits == nil {
		return 3
	}
	return *c.MinHits
}

// GetMaxTrackHistoryLength returns the max_track_history_length value or the default.
func (c *TuningConfig) GetMaxTrackHistoryLength() int {
	if c.MaxTrackHistoryLength == nil {
		return 64
	}
	return *c.MaxTrackHistoryLength
}

// GetMaxTimeSkip returns the max_time_skip value or the default.
func (c *TuningConfig) GetMaxTimeSkip() int {
	if c.MaxTimeSkip == nil {
		return 30
	}
	return *c.MaxTimeSkip
}

// GetMeasurementNoisePos returns the measurement_noise_pos value or the default.
func (c *TuningConfig) GetMeasurementNoisePos() float64 {
	if c.MeasurementNoisePos == nil {
		return 1
	}
	return *c.MeasurementNoisePos
}

// GetMeasurementNoiseShape returns the measurement_noise_shape value or the default.
func (c *TuningConfig) GetMeasurementNoiseShape() float64 {
	if c.MeasurementNoiseShape == nil {
		return 10
	}
	return *c.MeasurementNoiseShape
}

// GetProcessNoisePos returns the process_noise_pos value or the default.
func (c *TuningConfig) GetProcessNoisePos() float64 {
	if c.ProcessNoisePos == nil {
		return 1
	}
	return *c.ProcessNoisePos
}

// GetProcessNoiseVel returns the process_noise_vel value or the default.
func (c *TuningConfig) GetProcessNoiseVel() float64 {
	if c.ProcessNoiseVel == nil {
		return 0.01
	}
	return *c.ProcessNoiseVel
}

// GetInitialVelocityVariance returns the initial_velocity_variance value or the default.
func (c *TuningConfig) GetInitialVelocityVariance() float64 {
	if c.InitialVelocityVariance == nil {
		return 1e4
	}
	return *c.InitialVelocityVariance
}

// GetReIDEnabled returns the reid_enabled value or the default.
func (c *TuningConfig) GetReIDEnabled() bool {
	if c.ReIDEnabled == nil {
		return false
	}
	return *c.ReIDEnabled
}

// GetReIDSimilarity returns the reid_similarity value or the default.
func (c *TuningConfig) GetReIDSimilarity() float64 {
	if c.ReIDSimilarity == nil {
		return 0.6
	}
	return *c.ReIDSimilarity
}

// GetReIDTTLFrames returns the reid_ttl_frames value or the default.
func (c *TuningConfig) GetReIDTTLFrames() int {
	if c.ReIDTTLFrames == nil {
		return 150
	}
	return *c.ReIDTTLFrames
}

// GetReIDGallerySize returns the reid_gallery_size value or the default.
func (c *TuningConfig) GetReIDGallerySize() int {
	if c.ReIDGallerySize == nil {
		return 64
	}
	return *c.ReIDGallerySize
}

// GetRearmMarginPx returns the rearm_margin_px value or the default.
func (c *TuningConfig) GetRearmMarginPx() float64 {
	if c.RearmMarginPx == nil {
		return 4
	}
	return *c.RearmMarginPx
}

// GetLines returns the configured counting lines, or a single horizontal
// entry line across a 1280x720 frame when none are configured.
func (c *TuningConfig) GetLines() []LineConfig {
	if len(c.Lines) == 0 {
		return []LineConfig{{
			Name:        "entry",
			Coords:      [4]float64{0, 360, 1280, 360},
			Orientation: "down",
		}}
	}
	out := make([]LineConfig, len(c.Lines))
	copy(out, c.Lines)
	return out
}

// GetBufferSize returns the buffer_size value or the default.
func (c *TuningConfig) GetBufferSize() int {
	if c.BufferSize == nil {
		return 8
	}
	return *c.BufferSize
}

// GetBufferPolicy returns the buffer_policy value or the default.
func (c *TuningConfig) GetBufferPolicy() string {
	if c.BufferPolicy == nil || *c.BufferPolicy == "" {
		return "drop_oldest"
	}
	return *c.BufferPolicy
}

// GetStallTimeout parses and returns the StallTimeout as a time.Duration.
func (c *TuningConfig) GetStallTimeout() time.Duration {
	return parseDurationOr(c.StallTimeout, 2*time.Second)
}

// GetFrameInterval parses and returns the FrameInterval as a time.Duration.
func (c *TuningConfig) GetFrameInterval() time.Duration {
	return parseDurationOr(c.FrameInterval, time.Second/30)
}

// GetTimeSkipFactor returns the time_skip_factor value or the default.
func (c *TuningConfig) GetTimeSkipFactor() float64 {
	if c.TimeSkipFactor == nil {
		return 2.5
	}
	return *c.TimeSkipFactor
}

// GetReconnect returns the reconnect value or the default.
func (c *TuningConfig) GetReconnect() bool {
	if c.Reconnect == nil {
		return true
	}
	return *c.Reconnect
}

// GetReconnectMaxInterval parses and returns the ReconnectMaxInterval as a time.Duration.
func (c *TuningConfig) GetReconnectMaxInterval() time.Duration {
	return parseDurationOr(c.ReconnectMaxInterval, 30*time.Second)
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}
