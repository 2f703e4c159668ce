// Package extrinsics recovers a camera's pose relative to the calibration
// board from a single frame, and resolves the planar-pose ambiguity.
//
// A planar target seen by one camera is consistent with up to two poses.
// Estimate returns both (collapsed to one when they coincide), each refined
// and scored. Resolve applies an ordered set of rules to pick one, and leaves
// the camera Pending with both candidates when no rule is decisive, so an
// operator can choose with ResolveManually. No rule ever guesses.
package extrinsics
