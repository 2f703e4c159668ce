package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/timeutil"
	"github.com/google/uuid"
)

// ErrCalibrationPending is returned by LoadRegistry while a camera of the
// session awaits a manual extrinsics decision.
var ErrCalibrationPending = errors.New("calibration pending manual review")

// ArtifactRecord is a stored calibration artifact.
type ArtifactRecord struct {
	ArtifactID  string                  `json:"artifact_id"`
	SessionID   string                  `json:"session_id"`
	Camera      camera.CameraParameters `json:"-"`
	CreatedAtNs int64                   `json:"created_at_ns"`
}

// ArtifactStore persists calibration artifacts.
type ArtifactStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewArtifactStore creates an ArtifactStore.
func NewArtifactStore(db *DB) *ArtifactStore {
	return &ArtifactStore{db: db.DB, clock: db.Clock}
}

// Insert stores a resolved camera's artifact for a session and returns its
// generated id. Pending reviews of the camera are superseded by it.
func (s *ArtifactStore) Insert(sessionID string, c camera.CameraParameters) (string, error) {
	blob, err := camera.MarshalArtifact(c)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := s.clock.Now().UnixNano()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin insert artifact tx: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO calibration_artifacts (
			artifact_id, session_id, camera_id, version, reprojection_px, artifact_json, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, c.ID, camera.ArtifactVersion, c.ReprojectionError, string(blob), now,
	)
	if err != nil {
		tx.Rollback()
		return "", fmt.Errorf("insert calibration artifact: %w", err)
	}
	if _, err := tx.Exec(supersedePendingSQL, sessionID, c.ID); err != nil {
		tx.Rollback()
		return "", fmt.Errorf("supersede pending reviews: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit insert artifact tx: %w", err)
	}
	return id, nil
}

// Latest returns the most recent artifact of a camera in a session, or
// sql.ErrNoRows.
func (s *ArtifactStore) Latest(sessionID, cameraID string) (*ArtifactRecord, error) {
	row := s.db.QueryRow(`
		SELECT artifact_id, session_id, artifact_json, created_at_ns
		FROM calibration_artifacts
		WHERE session_id = ? AND camera_id = ?
		ORDER BY created_at_ns DESC, rowid DESC
		LIMIT 1`, sessionID, cameraID)
	rec, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	return rec, err
}

// ListBySession returns the latest artifact of every camera in a session,
// ordered by camera id.
func (s *ArtifactStore) ListBySession(sessionID string) ([]*ArtifactRecord, error) {
	rows, err := s.db.Query(`
		SELECT a.artifact_id, a.session_id, a.artifact_json, a.created_at_ns
		FROM calibration_artifacts a
		WHERE a.session_id = ?
		  AND a.rowid = (
			SELECT b.rowid FROM calibration_artifacts b
			WHERE b.session_id = a.session_id AND b.camera_id = a.camera_id
			ORDER BY b.created_at_ns DESC, b.rowid DESC LIMIT 1)
		ORDER BY a.camera_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list calibration artifacts: %w", err)
	}
	defer rows.Close()

	var out []*ArtifactRecord
	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*ArtifactRecord, error) {
	rec := &ArtifactRecord{}
	var blob string
	if err := row.Scan(&rec.ArtifactID, &rec.SessionID, &blob, &rec.CreatedAtNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan calibration artifact: %w", err)
	}
	c, err := camera.UnmarshalArtifact([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", rec.ArtifactID, err)
	}
	rec.Camera = c
	return rec, nil
}

// LoadRegistry builds a sealed registry from the latest artifact of every
// camera in a session. A camera whose latest calibration ended pending has
// no usable pose, so the session is refused with ErrCalibrationPending.
func (s *ArtifactStore) LoadRegistry(sessionID string) (*camera.Registry, error) {
	pending, err := s.pendingCameras(sessionID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("%w: session %s cameras %v", ErrCalibrationPending, sessionID, pending)
	}
	recs, err := s.ListBySession(sessionID)
	if err != nil {
		return nil, err
	}
	reg := camera.NewRegistry()
	for _, rec := range recs {
		if err := reg.Add(rec.Camera); err != nil {
			return nil, err
		}
	}
	if err := reg.Seal(); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return reg, nil
}

func (s *ArtifactStore) pendingCameras(sessionID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT camera_id FROM ambiguity_reviews
		WHERE session_id = ? AND status = ?
		ORDER BY camera_id`, sessionID, ReviewPending)
	if err != nil {
		return nil, fmt.Errorf("list pending cameras: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
