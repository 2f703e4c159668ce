// Package triangulate reconstructs 3D joint positions from synchronized 2D
// keypoints of a calibrated, sealed camera rig.
//
// Each (joint, frame) is solved independently: a confidence- and
// quality-weighted DLT on undistorted normalized coordinates, optionally
// polished by Levenberg–Marquardt on weighted pixel reprojection error.
// Points with fewer than two views are reported missing; near-parallel or
// behind-camera geometry is kept but flagged degenerate with an inflated
// residual.
package triangulate
