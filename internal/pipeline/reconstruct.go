package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/export"
	"github.com/banshee-data/multicam/internal/frames"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/report"
	"github.com/banshee-data/multicam/internal/security"
	"github.com/banshee-data/multicam/internal/store"
	"github.com/banshee-data/multicam/internal/syncer"
	"github.com/banshee-data/multicam/internal/triangulate"
)

// TrialOutcome is a reconstructed trial.
type TrialOutcome struct {
	Sync *syncer.Result
	// BoardFrame holds the keypoints in board coordinates; Output holds the
	// same keypoints after Transform.
	BoardFrame *triangulate.Result
	Output     *triangulate.Result
	Transform  frames.Transform
	SyncPlot   string
	ReportPath string
}

// Document returns the export hand-off of the trial.
func (o *TrialOutcome) Document(frameRate float64) export.Document {
	return export.NewDocument(o.Output, frameRate, o.Transform)
}

// Reconstruct synchronizes, triangulates and transforms one trial against a
// sealed registry. An unresolved synchronization stops the trial and is
// returned together with the partial outcome.
func Reconstruct(ctx context.Context, sess *Session, reg *camera.Registry, trial *keypoints.Trial) (*TrialOutcome, error) {
	if reg == nil || !reg.Sealed() {
		return nil, ErrNotCalibrated
	}
	if err := trial.Validate(); err != nil {
		return nil, err
	}
	for _, id := range trial.CameraIDs() {
		if _, ok := reg.Get(id); !ok {
			return nil, fmt.Errorf("trial %s: camera %s is not calibrated", trial.Name, id)
		}
	}
	cfg := sess.config()
	out := &TrialOutcome{}

	res, syncErr := syncer.Synchronize(ctx, trial, reg, syncer.OptionsFromConfig(cfg))
	if res == nil {
		return nil, syncErr
	}
	out.Sync = res
	if sess.DB != nil {
		if err := store.NewSyncStore(sess.DB).Save(sess.ID, res); err != nil {
			return nil, err
		}
	}
	if sess.ReportDir != "" {
		if err := os.MkdirAll(sess.ReportDir, 0o755); err != nil {
			return nil, err
		}
		plot, err := security.OutputPath(sess.ReportDir, trial.Name, "_sync.png")
		if err != nil {
			return nil, err
		}
		out.SyncPlot = plot
		if err := report.SyncPlot(res, plot); err != nil {
			return nil, err
		}
	}
	if syncErr != nil {
		return out, syncErr
	}

	align, err := syncer.Align(trial, res)
	if err != nil {
		return out, err
	}
	board, err := triangulate.Triangulate(ctx, reg, align, triangulate.OptionsFromConfig(cfg))
	if board == nil {
		return out, err
	}
	out.BoardFrame = board
	tr, trErr := frames.ForRig(sess.Board, reg)
	if trErr != nil {
		return out, trErr
	}
	out.Transform = tr
	output := *board
	output.Frames = tr.Apply(board.Frames)
	out.Output = &output

	if sess.ReportDir != "" {
		path, perr := security.OutputPath(sess.ReportDir, trial.Name, ".html")
		if perr != nil {
			return out, perr
		}
		out.ReportPath = path
		if rerr := report.WriteTrialReport(path, out.Output, res); rerr != nil {
			return out, rerr
		}
	}
	logf("trial %s: reconstructed %d frames (%s %s)", trial.Name, len(output.Frames), tr.Mount, tr.Orientation)
	return out, err
}
