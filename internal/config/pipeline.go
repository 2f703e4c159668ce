package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

// maxConfigFileSize bounds config files read from disk.
const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

// PipelineConfig holds the tuning parameters of every pipeline stage. Fields
// are pointers so a partial JSON file only overrides what it names; the Get*
// accessors supply the defaults for everything else.
type PipelineConfig struct {
	// Corner detection
	ImageUpsampleFactor *int     `json:"image_upsample_factor,omitempty"`
	MinSharpness        *float64 `json:"min_sharpness,omitempty"`
	CornerSigma         *float64 `json:"corner_sigma,omitempty"`
	CornerNMSRadius     *int     `json:"corner_nms_radius,omitempty"`
	CornerRingRadius    *float64 `json:"corner_ring_radius,omitempty"`
	CornerMinContrast   *float64 `json:"corner_min_contrast,omitempty"`
	SubpixelWindow      *int     `json:"subpixel_window,omitempty"`

	// Intrinsics
	IntrinsicsImages       *int     `json:"intrinsics_images,omitempty"`
	MinCalibrationFrames   *int     `json:"min_calibration_frames,omitempty"`
	MaxReprojectionErrorPx *float64 `json:"max_reprojection_error_px,omitempty"`
	MaxIterations          *int     `json:"max_iterations,omitempty"`

	// Extrinsics and ambiguity resolution
	MinBoardDistanceM     *float64 `json:"min_board_distance_m,omitempty"`
	MaxBoardDistanceM     *float64 `json:"max_board_distance_m,omitempty"`
	AmbiguityErrorRatio   *float64 `json:"ambiguity_error_ratio,omitempty"`
	AmbiguityErrorFloorPx *float64 `json:"ambiguity_error_floor_px,omitempty"`
	OrientationMargin     *float64 `json:"orientation_margin,omitempty"`
	CrossCheckMaxAngleDeg *float64 `json:"cross_check_max_angle_deg,omitempty"`

	// Synchronization
	SyncReferenceCamera *string  `json:"sync_reference_camera,omitempty"`
	MaxLagFrames        *int     `json:"max_lag_frames,omitempty"`
	MinOverlapFrames    *int     `json:"min_overlap_frames,omitempty"`
	MinSyncCorrelation  *float64 `json:"min_sync_correlation,omitempty"`
	SyncSmoothingFrames *int     `json:"sync_smoothing_frames,omitempty"`
	SyncMinConfidence   *float64 `json:"sync_min_confidence,omitempty"`

	// Triangulation
	MinConfidence       *float64           `json:"min_confidence,omitempty"`
	JointMinConfidence  map[string]float64 `json:"joint_min_confidence,omitempty"`
	RefineTriangulation *bool              `json:"refine_triangulation,omitempty"`
	MinRayAngleDeg      *float64           `json:"min_ray_angle_deg,omitempty"`
	DegenerateResidualM *float64           `json:"degenerate_residual_m,omitempty"`
	MaxResidualM        *float64           `json:"max_residual_m,omitempty"`
	MinValidFrames      *int               `json:"min_valid_frames,omitempty"`

	// Workers bounds every worker pool; 0 means runtime.NumCPU().
	Workers *int `json:"workers,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// EmptyPipelineConfig returns a config with every field unset, so all Get*
// accessors return defaults.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// DefaultPipelineConfig returns a config with every field populated from the
// defaults. Useful for writing a complete defaults file.
func DefaultPipelineConfig() *PipelineConfig {
	e := EmptyPipelineConfig()
	return &PipelineConfig{
		ImageUpsampleFactor:    ptrInt(e.GetImageUpsampleFactor()),
		MinSharpness:           ptrFloat64(e.GetMinSharpness()),
		CornerSigma:            ptrFloat64(e.GetCornerSigma()),
		CornerNMSRadius:        ptrInt(e.GetCornerNMSRadius()),
		CornerRingRadius:       ptrFloat64(e.GetCornerRingRadius()),
		CornerMinContrast:      ptrFloat64(e.GetCornerMinContrast()),
		SubpixelWindow:         ptrInt(e.GetSubpixelWindow()),
		IntrinsicsImages:       ptrInt(e.GetIntrinsicsImages()),
		MinCalibrationFrames:   ptrInt(e.GetMinCalibrationFrames()),
		MaxReprojectionErrorPx: ptrFloat64(e.GetMaxReprojectionErrorPx()),
		MaxIterations:          ptrInt(e.GetMaxIterations()),
		MinBoardDistanceM:      ptrFloat64(e.GetMinBoardDistanceM()),
		MaxBoardDistanceM:      ptrFloat64(e.GetMaxBoardDistanceM()),
		AmbiguityErrorRatio:    ptrFloat64(e.GetAmbiguityErrorRatio()),
		AmbiguityErrorFloorPx:  ptrFloat64(e.GetAmbiguityErrorFloorPx()),
		OrientationMargin:      ptrFloat64(e.GetOrientationMargin()),
		CrossCheckMaxAngleDeg:  ptrFloat64(e.GetCrossCheckMaxAngleDeg()),
		SyncReferenceCamera:    ptrString(e.GetSyncReferenceCamera()),
		MaxLagFrames:           ptrInt(e.GetMaxLagFrames()),
		MinOverlapFrames:       ptrInt(e.GetMinOverlapFrames()),
		MinSyncCorrelation:     ptrFloat64(e.GetMinSyncCorrelation()),
		SyncSmoothingFrames:    ptrInt(e.GetSyncSmoothingFrames()),
		SyncMinConfidence:      ptrFloat64(e.GetSyncMinConfidence()),
		MinConfidence:          ptrFloat64(e.GetMinConfidence()),
		RefineTriangulation:    ptrBool(e.GetRefineTriangulation()),
		MinRayAngleDeg:         ptrFloat64(e.GetMinRayAngleDeg()),
		DegenerateResidualM:    ptrFloat64(e.GetDegenerateResidualM()),
		MaxResidualM:           ptrFloat64(e.GetMaxResidualM()),
		MinValidFrames:         ptrInt(e.GetMinValidFrames()),
		Workers:                ptrInt(0),
	}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file keep their defaults.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent directories
// so tests in nested packages find it. Panics if the file cannot be loaded.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *PipelineConfig) Validate() error {
	if c.ImageUpsampleFactor != nil && (*c.ImageUpsampleFactor < 1 || *c.ImageUpsampleFactor > 4) {
		return fmt.Errorf("image_upsample_factor must be between 1 and 4, got %d", *c.ImageUpsampleFactor)
	}
	if c.MinSharpness != nil && *c.MinSharpness < 0 {
		return fmt.Errorf("min_sharpness must be non-negative, got %f", *c.MinSharpness)
	}
	if c.CornerSigma != nil && *c.CornerSigma <= 0 {
		return fmt.Errorf("corner_sigma must be positive, got %f", *c.CornerSigma)
	}
	if c.SubpixelWindow != nil && *c.SubpixelWindow < 1 {
		return fmt.Errorf("subpixel_window must be at least 1, got %d", *c.SubpixelWindow)
	}
	if c.MinCalibrationFrames != nil && *c.MinCalibrationFrames < 3 {
		return fmt.Errorf("min_calibration_frames must be at least 3, got %d", *c.MinCalibrationFrames)
	}
	if c.IntrinsicsImages != nil && *c.IntrinsicsImages < 1 {
		return fmt.Errorf("intrinsics_images must be positive, got %d", *c.IntrinsicsImages)
	}
	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", *c.MaxIterations)
	}
	if c.GetMinBoardDistanceM() >= c.GetMaxBoardDistanceM() {
		return fmt.Errorf("min_board_distance_m (%f) must be less than max_board_distance_m (%f)",
			c.GetMinBoardDistanceM(), c.GetMaxBoardDistanceM())
	}
	if c.AmbiguityErrorRatio != nil && *c.AmbiguityErrorRatio < 1 {
		return fmt.Errorf("ambiguity_error_ratio must be at least 1, got %f", *c.AmbiguityErrorRatio)
	}
	if c.OrientationMargin != nil && (*c.OrientationMargin < 0 || *c.OrientationMargin > 1) {
		return fmt.Errorf("orientation_margin must be between 0 and 1, got %f", *c.OrientationMargin)
	}
	if c.MinSyncCorrelation != nil && (*c.MinSyncCorrelation < -1 || *c.MinSyncCorrelation > 1) {
		return fmt.Errorf("min_sync_correlation must be between -1 and 1, got %f", *c.MinSyncCorrelation)
	}
	if c.MaxLagFrames != nil && *c.MaxLagFrames < 0 {
		return fmt.Errorf("max_lag_frames must be non-negative, got %d", *c.MaxLagFrames)
	}
	if c.MinOverlapFrames != nil && *c.MinOverlapFrames < 3 {
		return fmt.Errorf("min_overlap_frames must be at least 3, got %d", *c.MinOverlapFrames)
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
	}
	for joint, v := range c.JointMinConfidence {
		if v < 0 || v > 1 {
			return fmt.Errorf("joint_min_confidence[%s] must be between 0 and 1, got %f", joint, v)
		}
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	return nil
}

// GetImageUpsampleFactor returns the image_upsample_factor value or the default.
func (c *PipelineConfig) GetImageUpsampleFactor() int {
	if c.ImageUpsampleFactor == nil {
		return 1
	}
	return *c.ImageUpsampleFactor
}

// GetMinSharpness returns the min_sharpness value or the default.
func (c *PipelineConfig) GetMinSharpness() float64 {
	if c.MinSharpness == nil {
		return 15
	}
	return *c.MinSharpness
}

// GetCornerSigma returns the corner_sigma value or the default.
func (c *PipelineConfig) GetCornerSigma() float64 {
	if c.CornerSigma == nil {
		return 1.5
	}
	return *c.CornerSigma
}

// GetCornerNMSRadius returns the corner_nms_radius value or the default.
func (c *PipelineConfig) GetCornerNMSRadius() int {
	if c.CornerNMSRadius == nil {
		return 4
	}
	return *c.CornerNMSRadius
}

// GetCornerRingRadius returns the corner_ring_radius value or the default.
func (c *PipelineConfig) GetCornerRingRadius() float64 {
	if c.CornerRingRadius == nil {
		return 5
	}
	return *c.CornerRingRadius
}

// GetCornerMinContrast returns the corner_min_contrast value or the default.
func (c *PipelineConfig) GetCornerMinContrast() float64 {
	if c.CornerMinContrast == nil {
		return 30
	}
	return *c.CornerMinContrast
}

// GetSubpixelWindow returns the subpixel_window half-size or the default.
func (c *PipelineConfig) GetSubpixelWindow() int {
	if c.SubpixelWindow == nil {
		return 5
	}
	return *c.SubpixelWindow
}

// GetIntrinsicsImages returns the intrinsics_images value or the default.
func (c *PipelineConfig) GetIntrinsicsImages() int {
	if c.IntrinsicsImages == nil {
		return 25
	}
	return *c.IntrinsicsImages
}

// GetMinCalibrationFrames returns the min_calibration_frames value or the default.
func (c *PipelineConfig) GetMinCalibrationFrames() int {
	if c.MinCalibrationFrames == nil {
		return 10
	}
	return *c.MinCalibrationFrames
}

// GetMaxReprojectionErrorPx returns the max_reprojection_error_px value or the default.
func (c *PipelineConfig) GetMaxReprojectionErrorPx() float64 {
	if c.MaxReprojectionErrorPx == nil {
		return 1.0
	}
	return *c.MaxReprojectionErrorPx
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *PipelineConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 100
	}
	return *c.MaxIterations
}

// GetMinBoardDistanceM returns the min_board_distance_m value or the default.
func (c *PipelineConfig) GetMinBoardDistanceM() float64 {
	if c.MinBoardDistanceM == nil {
		return 0.1
	}
	return *c.MinBoardDistanceM
}

// GetMaxBoardDistanceM returns the max_board_distance_m value or the default.
func (c *PipelineConfig) GetMaxBoardDistanceM() float64 {
	if c.MaxBoardDistanceM == nil {
		return 20
	}
	return *c.MaxBoardDistanceM
}

// GetAmbiguityErrorRatio returns the ambiguity_error_ratio value or the default.
func (c *PipelineConfig) GetAmbiguityErrorRatio() float64 {
	if c.AmbiguityErrorRatio == nil {
		return 3
	}
	return *c.AmbiguityErrorRatio
}

// GetAmbiguityErrorFloorPx returns the ambiguity_error_floor_px value or the default.
func (c *PipelineConfig) GetAmbiguityErrorFloorPx() float64 {
	if c.AmbiguityErrorFloorPx == nil {
		return 1
	}
	return *c.AmbiguityErrorFloorPx
}

// GetOrientationMargin returns the orientation_margin value or the default.
func (c *PipelineConfig) GetOrientationMargin() float64 {
	if c.OrientationMargin == nil {
		return 0.1
	}
	return *c.OrientationMargin
}

// GetCrossCheckMaxAngleDeg returns the cross_check_max_angle_deg value or the default.
func (c *PipelineConfig) GetCrossCheckMaxAngleDeg() float64 {
	if c.CrossCheckMaxAngleDeg == nil {
		return 15
	}
	return *c.CrossCheckMaxAngleDeg
}

// GetSyncReferenceCamera returns the configured reference camera; empty means
// the first camera id in sorted order.
func (c *PipelineConfig) GetSyncReferenceCamera() string {
	if c.SyncReferenceCamera == nil {
		return ""
	}
	return *c.SyncReferenceCamera
}

// GetMaxLagFrames returns the max_lag_frames value or the default.
func (c *PipelineConfig) GetMaxLagFrames() int {
	if c.MaxLagFrames == nil {
		return 120
	}
	return *c.MaxLagFrames
}

// GetMinOverlapFrames returns the min_overlap_frames value or the default.
func (c *PipelineConfig) GetMinOverlapFrames() int {
	if c.MinOverlapFrames == nil {
		return 30
	}
	return *c.MinOverlapFrames
}

// GetMinSyncCorrelation returns the min_sync_correlation value or the default.
func (c *PipelineConfig) GetMinSyncCorrelation() float64 {
	if c.MinSyncCorrelation == nil {
		return 0.7
	}
	return *c.MinSyncCorrelation
}

// GetSyncSmoothingFrames returns the sync_smoothing_frames value or the default.
func (c *PipelineConfig) GetSyncSmoothingFrames() int {
	if c.SyncSmoothingFrames == nil {
		return 3
	}
	return *c.SyncSmoothingFrames
}

// GetSyncMinConfidence returns the sync_min_confidence value or the default.
func (c *PipelineConfig) GetSyncMinConfidence() float64 {
	if c.SyncMinConfidence == nil {
		return 0.3
	}
	return *c.SyncMinConfidence
}

// GetMinConfidence returns the min_confidence value or the default.
func (c *PipelineConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0.3
	}
	return *c.MinConfidence
}

// GetJointMinConfidence returns the threshold for joint, falling back to
// min_confidence.
func (c *PipelineConfig) GetJointMinConfidence(joint string) float64 {
	if v, ok := c.JointMinConfidence[joint]; ok {
		return v
	}
	return c.GetMinConfidence()
}

// GetRefineTriangulation returns the refine_triangulation value or the default.
func (c *PipelineConfig) GetRefineTriangulation() bool {
	if c.RefineTriangulation == nil {
		return true
	}
	return *c.RefineTriangulation
}

// GetMinRayAngleDeg returns the min_ray_angle_deg value or the default.
func (c *PipelineConfig) GetMinRayAngleDeg() float64 {
	if c.MinRayAngleDeg == nil {
		return 2
	}
	return *c.MinRayAngleDeg
}

// GetDegenerateResidualM returns the degenerate_residual_m value or the default.
func (c *PipelineConfig) GetDegenerateResidualM() float64 {
	if c.DegenerateResidualM == nil {
		return 1.0
	}
	return *c.DegenerateResidualM
}

// GetMaxResidualM returns the max_residual_m value or the default. Points
// above it are kept but counted in the trial summary.
func (c *PipelineConfig) GetMaxResidualM() float64 {
	if c.MaxResidualM == nil {
		return 0.01
	}
	return *c.MaxResidualM
}

// GetMinValidFrames returns the min_valid_frames value or the default.
func (c *PipelineConfig) GetMinValidFrames() int {
	if c.MinValidFrames == nil {
		return 10
	}
	return *c.MinValidFrames
}

// GetWorkers returns the worker pool size; unset or 0 means runtime.NumCPU().
func (c *PipelineConfig) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return runtime.NumCPU()
	}
	return *c.Workers
}
