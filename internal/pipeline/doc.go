// Package pipeline runs a capture session end to end: per-camera intrinsic
// and extrinsic calibration with ambiguity resolution, registry sealing,
// then per trial synchronization, triangulation and the transform into the
// Y-up output frame.
//
// Persistence and diagnostic rendering are optional: a Session without a
// store or report directory runs entirely in memory.
package pipeline
