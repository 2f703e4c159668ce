package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/multicam/internal/syncer"
	"github.com/banshee-data/multicam/internal/timeutil"
	"github.com/google/uuid"
)

// SyncStore persists trial synchronization results, one per session and
// trial.
type SyncStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewSyncStore creates a SyncStore.
func NewSyncStore(db *DB) *SyncStore {
	return &SyncStore{db: db.DB, clock: db.Clock}
}

// Save stores res, replacing any earlier result for the same trial.
func (s *SyncStore) Save(sessionID string, res *syncer.Result) error {
	blob, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal sync result: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sync_results (sync_id, session_id, trial, reference_camera, status, result_json, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, trial) DO UPDATE SET
			reference_camera = excluded.reference_camera,
			status = excluded.status,
			result_json = excluded.result_json,
			created_at_ns = excluded.created_at_ns`,
		uuid.New().String(), sessionID, res.Trial, res.Reference, string(res.Status), string(blob), s.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save sync result: %w", err)
	}
	return nil
}

// Get loads a trial's synchronization, or sql.ErrNoRows.
func (s *SyncStore) Get(sessionID, trial string) (*syncer.Result, error) {
	var blob string
	err := s.db.QueryRow(`SELECT result_json FROM sync_results WHERE session_id = ? AND trial = ?`, sessionID, trial).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get sync result: %w", err)
	}
	res := &syncer.Result{}
	if err := json.Unmarshal([]byte(blob), res); err != nil {
		return nil, fmt.Errorf("decode sync result: %w", err)
	}
	return res, nil
}
