// Package camera owns the per-camera calibration model shared by every stage
// of the pipeline: intrinsics, lens distortion, pose relative to the board
// (world) frame, the checkerboard geometry, and the session registry that
// freezes calibration results before synchronization and triangulation.
//
// Units: pixels for image quantities, meters for world quantities.
//
// Dependency rule: camera may depend on geometry, never on the estimation
// packages (intrinsics, extrinsics, triangulate).
package camera
