// Package corners locates checkerboard inner corners in single grayscale
// frames.
//
// Detection is a pure function of one frame and the expected board geometry:
// a Hessian saddle response proposes candidates, a ring test keeps only
// X-junctions, the candidates are ordered into the board grid through the
// convex hull's outer quadrilateral and a homography, and each corner is
// refined to subpixel accuracy. A frame that fails produces an Observation
// with Valid=false and a *DetectionFailure describing why; batch callers
// aggregate those into DetectionStats instead of aborting.
//
// Dependency rule: corners depends on camera and geometry only.
package corners
