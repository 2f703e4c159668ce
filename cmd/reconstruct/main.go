// Command reconstruct synchronizes and triangulates one trial of 2D keypoints
// against a calibrated session and writes the 3D keypoints as TRC and JSON.
//
// Calibration is read from the session database (-db, -id) or from a
// directory of <camera>.json artifacts (-calib).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/export"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/pipeline"
	"github.com/banshee-data/multicam/internal/report"
	"github.com/banshee-data/multicam/internal/store"
	"github.com/banshee-data/multicam/internal/syncer"
	"github.com/banshee-data/multicam/internal/triangulate"
	"github.com/banshee-data/multicam/internal/version"
)

var (
	sessionPath = flag.String("session", "sessionMetadata.yaml", "Session metadata YAML")
	configPath  = flag.String("config", "", "Pipeline tuning JSON (defaults when empty)")
	dbPath      = flag.String("db", "", "SQLite database with the session's calibration")
	sessionID   = flag.String("id", "", "Session id in -db (defaults to the session file's directory name)")
	calibDir    = flag.String("calib", "", "Directory of <camera>.json calibration artifacts (instead of -db)")
	trialPath   = flag.String("trial", "", "Trial keypoints JSON")
	trcPath     = flag.String("trc", "", "Output TRC path (defaults to <trial>.trc)")
	jsonPath    = flag.String("json", "", "Output JSON path (defaults to <trial>_3d.json)")
	reportPath  = flag.String("report", "", "Output HTML report path (skipped when empty)")
	plotDir     = flag.String("plots", "", "Directory for the sync diagnostic PNG (skipped when empty)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("reconstruct"))
		return
	}
	if *trialPath == "" {
		log.Fatal("-trial is required")
	}
	if (*dbPath == "") == (*calibDir == "") {
		log.Fatal("exactly one of -db or -calib is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx)
	if err != nil {
		log.Printf("reconstruct: %v", err)
	}
	os.Exit(code)
}

func run(ctx context.Context) (int, error) {
	md, err := config.LoadSessionMetadata(*sessionPath)
	if err != nil {
		return 1, err
	}
	board, err := md.Board()
	if err != nil {
		return 1, err
	}
	cfg := config.EmptyPipelineConfig()
	if *configPath != "" {
		if cfg, err = config.LoadPipelineConfig(*configPath); err != nil {
			return 1, err
		}
	}
	trial, err := keypoints.LoadTrial(*trialPath)
	if err != nil {
		return 1, err
	}
	if trial.FrameRate <= 0 {
		trial.FrameRate = md.FrameRate
	}

	sess := &pipeline.Session{ID: sessionName(), Board: board, Config: cfg, ReportDir: *plotDir}
	var reg *camera.Registry
	if *dbPath != "" {
		db, err := store.Open(*dbPath)
		if err != nil {
			return 1, err
		}
		defer db.Close()
		sess.DB = db
		if reg, err = store.NewArtifactStore(db).LoadRegistry(sess.ID); err != nil {
			return 1, err
		}
	} else if reg, err = loadArtifacts(*calibDir); err != nil {
		return 1, err
	}

	out, err := pipeline.Reconstruct(ctx, sess, reg, trial)
	var short *triangulate.InsufficientFramesError
	switch {
	case errors.Is(err, syncer.ErrSyncUnresolved):
		if out != nil && out.SyncPlot != "" {
			log.Printf("sync diagnostics: %s", out.SyncPlot)
		}
		return 2, err
	case errors.As(err, &short):
		log.Printf("warning: %v; writing partial output", err)
	case err != nil:
		return 1, err
	}

	doc := out.Document(trial.FrameRate)
	trc := outputPath(*trcPath, ".trc")
	js := outputPath(*jsonPath, "_3d.json")
	if err := export.WriteTRCFile(trc, doc); err != nil {
		return 1, err
	}
	if err := export.WriteJSONFile(js, doc); err != nil {
		return 1, err
	}
	if *reportPath != "" {
		if err := report.WriteTrialReport(*reportPath, out.Output, out.Sync); err != nil {
			return 1, err
		}
	}

	s := out.Output.Summary
	fmt.Printf("trial %s: %d frames, %d/%d points present, residual p50 %.1f mm p95 %.1f mm\n",
		trial.Name, s.Frames, s.Present, s.Points, s.ResidualP50*1000, s.ResidualP95*1000)
	fmt.Printf("wrote %s and %s\n", trc, js)
	if short != nil {
		return 2, nil
	}
	return 0, nil
}

func sessionName() string {
	if *sessionID != "" {
		return *sessionID
	}
	abs, err := filepath.Abs(*sessionPath)
	if err != nil {
		return "session"
	}
	return filepath.Base(filepath.Dir(abs))
}

// outputPath returns flagValue, or the trial path with its extension
// replaced by suffix.
func outputPath(flagValue, suffix string) string {
	if flagValue != "" {
		return flagValue
	}
	base := *trialPath
	return base[:len(base)-len(filepath.Ext(base))] + suffix
}

// loadArtifacts builds a sealed registry from every *.json artifact in dir.
func loadArtifacts(dir string) (*camera.Registry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	reg := camera.NewRegistry()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		c, err := camera.UnmarshalArtifact(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if err := reg.Add(c); err != nil {
			return nil, err
		}
	}
	if err := reg.Seal(); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	return reg, nil
}
