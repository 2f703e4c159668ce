// Command calibrate estimates per-camera intrinsics and extrinsics from
// checkerboard footage and stores the calibration artifacts of a session.
//
// Frames are read from <frames>/<camera>/intrinsics/*.png and
// <frames>/<camera>/extrinsics.png. Cameras whose extrinsic pose cannot be
// decided automatically are left pending; re-run with -resolve camera=index
// to pick a candidate after checking the rendered ambiguity image.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/pipeline"
	"github.com/banshee-data/multicam/internal/security"
	"github.com/banshee-data/multicam/internal/store"
	"github.com/banshee-data/multicam/internal/version"
)

var (
	sessionPath = flag.String("session", "sessionMetadata.yaml", "Session metadata YAML")
	configPath  = flag.String("config", "", "Pipeline tuning JSON (defaults when empty)")
	framesDir   = flag.String("frames", "", "Directory holding <camera>/intrinsics/*.png and <camera>/extrinsics.png")
	dbPath      = flag.String("db", "multicam.db", "SQLite database for artifacts and reviews")
	outDir      = flag.String("out", "", "Directory for <camera>.json artifacts (skipped when empty)")
	reportDir   = flag.String("reports", "", "Directory for ambiguity images (defaults to -out)")
	sessionID   = flag.String("id", "", "Session id (defaults to the session file's directory name)")
	showVersion = flag.Bool("version", false, "Print version and exit")
	resolves    = resolveFlags{}
)

func init() {
	flag.Var(&resolves, "resolve", "Manual candidate choice camera=index (repeatable)")
}

// resolveFlags collects repeated -resolve camera=index values.
type resolveFlags map[string]int

func (r resolveFlags) String() string {
	parts := make([]string, 0, len(r))
	for id, idx := range r {
		parts = append(parts, fmt.Sprintf("%s=%d", id, idx))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (r resolveFlags) Set(v string) error {
	id, idx, ok := strings.Cut(v, "=")
	if !ok || id == "" {
		return fmt.Errorf("expected camera=index, got %q", v)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid candidate index %q", idx)
	}
	r[id] = n
	return nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("calibrate"))
		return
	}
	if *framesDir == "" {
		log.Fatal("-frames is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx)
	if err != nil {
		log.Fatalf("calibrate: %v", err)
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

	available, err := cameraDirs(*framesDir)
	if err != nil {
		return 1, err
	}
	ids, err := md.SelectCameras(available)
	if err != nil {
		return 1, err
	}
	inputs := make([]pipeline.CameraInput, 0, len(ids))
	for _, id := range ids {
		in, err := cameraInput(filepath.Join(*framesDir, id), id, md.ModelFor(id))
		if err != nil {
			return 1, err
		}
		inputs = append(inputs, in)
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		return 1, err
	}
	defer db.Close()

	sess := &pipeline.Session{
		ID:        sessionName(),
		Board:     board,
		Config:    cfg,
		DB:        db,
		ReportDir: *reportDir,
	}
	if sess.ReportDir == "" {
		sess.ReportDir = *outDir
	}

	outcome, err := pipeline.Calibrate(ctx, sess, inputs)
	if err != nil {
		return 1, err
	}
	for id, idx := range resolves {
		if out, ok := outcome.Cameras[id]; ok && out.Parameters.PoseResolved {
			log.Printf("camera %s: already resolved, ignoring -resolve", id)
			continue
		}
		if err := pipeline.ResolveReview(sess, outcome, id, idx); err != nil {
			return 1, fmt.Errorf("resolve %s: %w", id, err)
		}
		log.Printf("camera %s: candidate %d selected manually", id, idx)
	}

	for _, id := range ids {
		out := outcome.Cameras[id]
		switch {
		case out.Err != nil:
			fmt.Printf("%-8s failed: %v\n", id, out.Err)
		case !out.Parameters.PoseResolved:
			fmt.Printf("%-8s pending review %s (%s)\n", id, out.ReviewID, out.Resolution.Reason)
			for i, c := range out.Resolution.Candidates {
				fmt.Printf("         candidate %d: rms %.3f px plausible=%v %v\n", i, c.RMSError, c.Plausible, c.Issues)
			}
			if out.AmbiguityPlot != "" {
				fmt.Printf("         check image: %s\n", out.AmbiguityPlot)
			}
		default:
			fmt.Printf("%-8s ok: reprojection %.3f px, artifact %s\n", id, out.Parameters.ReprojectionError, out.ArtifactID)
			if *outDir != "" {
				if err := writeArtifact(*outDir, out.Parameters); err != nil {
					return 1, err
				}
			}
		}
	}

	if !outcome.Calibrated() {
		fmt.Printf("session %s not calibrated: %d pending, %d failed\n", sess.ID, len(outcome.Pending), len(outcome.Failed))
		return 2, nil
	}
	fmt.Printf("session %s calibrated (%d cameras)\n", sess.ID, outcome.Registry.Len())
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

// cameraDirs lists the camera subdirectories of dir.
func cameraDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no camera directories in %s", dir)
	}
	sort.Strings(ids)
	return ids, nil
}

// cameraInput lists a camera's footage. The image size is taken from the
// extrinsics frame.
func cameraInput(dir, id, model string) (pipeline.CameraInput, error) {
	calib, err := filepath.Glob(filepath.Join(dir, "intrinsics", "*.png"))
	if err != nil {
		return pipeline.CameraInput{}, err
	}
	sort.Strings(calib)
	extr := filepath.Join(dir, "extrinsics.png")
	size, err := imageSize(extr)
	if err != nil {
		return pipeline.CameraInput{}, fmt.Errorf("camera %s: %w", id, err)
	}
	return pipeline.CameraInput{
		CameraID:          id,
		Model:             model,
		Size:              size,
		CalibrationFrames: len(calib),
		LoadCalibration:   func(frame int) (image.Image, error) { return loadPNG(calib[frame]) },
		ExtrinsicsFrames:  1,
		LoadExtrinsics:    func(int) (image.Image, error) { return loadPNG(extr) },
	}, nil
}

func imageSize(path string) (camera.ImageSize, error) {
	f, err := os.Open(path)
	if err != nil {
		return camera.ImageSize{}, err
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return camera.ImageSize{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return camera.ImageSize{Width: cfg.Width, Height: cfg.Height}, nil
}

func loadPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func writeArtifact(dir string, c camera.CameraParameters) error {
	data, err := camera.MarshalArtifact(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path, err := security.OutputPath(dir, c.ID, ".json")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
