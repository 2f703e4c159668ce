// Package report renders diagnostics for operators: PNG visual checks of
// pending extrinsic ambiguities and synchronization correlation curves
// (gonum/plot), and an HTML summary of a reconstructed trial (go-echarts).
package report
