// Package geometry holds the small rigid-body and projective primitives shared
// by calibration, triangulation and the frame transform: 3×3 matrices,
// axis-angle rotations, rotation validation and plane homographies.
//
// Vectors are github.com/golang/geo/r3 values. Anything heavier than a 3×3
// product (SVD, least squares) goes through gonum/mat.
//
// Coordinate convention: right-handed camera frame with X right, Y down and
// Z forward along the optical axis (the OpenCV convention).
package geometry
