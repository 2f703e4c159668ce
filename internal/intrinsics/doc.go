// Package intrinsics estimates a camera's intrinsic matrix and lens
// distortion from checkerboard corner sets observed across many frames.
//
// Estimation is Zhang's closed form on per-frame homographies, followed by a
// joint Levenberg–Marquardt refinement of the intrinsics, the five
// distortion coefficients and one board pose per frame. The package also
// averages repeated calibrations of one camera model and adapts intrinsics to
// rotated (portrait) recordings.
package intrinsics
