// Package syncer aligns the per-camera keypoint streams of a trial to a
// common timeline.
//
// Each camera's stream is reduced to a motion-energy signal (how much the
// confidently detected joints moved between consecutive frames). The offset
// of every camera relative to the reference camera is the lag that maximizes
// the Pearson correlation of the two signals, refined to a fraction of a
// frame. A weak or flat correlation leaves the trial unresolved; downstream
// triangulation refuses unresolved trials.
package syncer
