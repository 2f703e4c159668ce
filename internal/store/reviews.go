package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/multicam/internal/extrinsics"
	"github.com/banshee-data/multicam/internal/timeutil"
	"github.com/google/uuid"
)

// Review statuses. A pending review is superseded when a later calibration
// of the same camera records a new pending review or a resolved artifact.
const (
	ReviewPending    = "pending"
	ReviewResolved   = "resolved"
	ReviewSuperseded = "superseded"
)

const supersedePendingSQL = `
	UPDATE ambiguity_reviews SET status = '` + ReviewSuperseded + `'
	WHERE session_id = ? AND camera_id = ? AND status = '` + ReviewPending + `'`

// AmbiguityReview is a camera whose extrinsics await an operator decision.
type AmbiguityReview struct {
	ReviewID     string                `json:"review_id"`
	SessionID    string                `json:"session_id"`
	CameraID     string                `json:"camera_id"`
	Frame        int                   `json:"frame"`
	Status       string                `json:"status"`
	Reason       string                `json:"reason,omitempty"`
	Resolution   extrinsics.Resolution `json:"resolution"`
	ImagePath    string                `json:"image_path,omitempty"`
	ChosenIndex  *int                  `json:"chosen_index,omitempty"`
	CreatedAtNs  int64                 `json:"created_at_ns"`
	ResolvedAtNs *int64                `json:"resolved_at_ns,omitempty"`
}

// ReviewStore persists pending ambiguity reviews.
type ReviewStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewReviewStore creates a ReviewStore.
func NewReviewStore(db *DB) *ReviewStore {
	return &ReviewStore{db: db.DB, clock: db.Clock}
}

// InsertPending records an unresolved resolution and its rendered check
// image, superseding earlier pending reviews of the same camera. The
// generated id is stored in the returned review.
func (s *ReviewStore) InsertPending(sessionID string, res extrinsics.Resolution, imagePath string) (*AmbiguityReview, error) {
	if res.Resolved() {
		return nil, fmt.Errorf("camera %s: resolution is not pending", res.CameraID)
	}
	blob, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal resolution: %w", err)
	}
	r := &AmbiguityReview{
		ReviewID:    uuid.New().String(),
		SessionID:   sessionID,
		CameraID:    res.CameraID,
		Frame:       res.Frame,
		Status:      ReviewPending,
		Reason:      res.Reason,
		Resolution:  res,
		ImagePath:   imagePath,
		CreatedAtNs: s.clock.Now().UnixNano(),
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin insert review tx: %w", err)
	}
	if _, err := tx.Exec(supersedePendingSQL, sessionID, r.CameraID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("supersede pending reviews: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO ambiguity_reviews (
			review_id, session_id, camera_id, frame, status, reason,
			resolution_json, image_path, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReviewID, r.SessionID, r.CameraID, r.Frame, r.Status, nullString(r.Reason),
		string(blob), nullString(r.ImagePath), r.CreatedAtNs,
	)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("insert ambiguity review: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert review tx: %w", err)
	}
	return r, nil
}

// ListPending returns the pending reviews of a session ordered by camera. At
// most one review per camera is pending.
func (s *ReviewStore) ListPending(sessionID string) ([]*AmbiguityReview, error) {
	return s.list(`WHERE session_id = ? AND status = ? ORDER BY camera_id, created_at_ns`, sessionID, ReviewPending)
}

// Get returns one review or sql.ErrNoRows.
func (s *ReviewStore) Get(reviewID string) (*AmbiguityReview, error) {
	out, err := s.list(`WHERE review_id = ?`, reviewID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return out[0], nil
}

// Resolve applies an operator's candidate choice and marks the review
// resolved. The promoted resolution is returned.
func (s *ReviewStore) Resolve(reviewID string, index int) (extrinsics.Resolution, error) {
	r, err := s.Get(reviewID)
	if err != nil {
		return extrinsics.Resolution{}, err
	}
	if r.Status != ReviewPending {
		return extrinsics.Resolution{}, fmt.Errorf("review %s is already %s", reviewID, r.Status)
	}
	res, err := extrinsics.ResolveManually(r.Resolution, index)
	if err != nil {
		return extrinsics.Resolution{}, err
	}
	blob, err := json.Marshal(res)
	if err != nil {
		return extrinsics.Resolution{}, fmt.Errorf("marshal resolution: %w", err)
	}
	now := s.clock.Now().UnixNano()
	_, err = s.db.Exec(`
		UPDATE ambiguity_reviews
		SET status = ?, chosen_index = ?, resolution_json = ?, resolved_at_ns = ?
		WHERE review_id = ?`,
		ReviewResolved, index, string(blob), now, reviewID,
	)
	if err != nil {
		return extrinsics.Resolution{}, fmt.Errorf("resolve ambiguity review: %w", err)
	}
	return res, nil
}

func (s *ReviewStore) list(where string, args ...any) ([]*AmbiguityReview, error) {
	rows, err := s.db.Query(`
		SELECT review_id, session_id, camera_id, frame, status, reason,
		       resolution_json, image_path, chosen_index, created_at_ns, resolved_at_ns
		FROM ambiguity_reviews `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list ambiguity reviews: %w", err)
	}
	defer rows.Close()

	var out []*AmbiguityReview
	for rows.Next() {
		r := &AmbiguityReview{}
		var reason, imagePath sql.NullString
		var chosen, resolvedAt sql.NullInt64
		var blob string
		if err := rows.Scan(&r.ReviewID, &r.SessionID, &r.CameraID, &r.Frame, &r.Status, &reason,
			&blob, &imagePath, &chosen, &r.CreatedAtNs, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan ambiguity review: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &r.Resolution); err != nil {
			return nil, fmt.Errorf("review %s: %w", r.ReviewID, err)
		}
		r.Reason = reason.String
		r.ImagePath = imagePath.String
		if chosen.Valid {
			c := int(chosen.Int64)
			r.ChosenIndex = &c
		}
		if resolvedAt.Valid {
			r.ResolvedAtNs = &resolvedAt.Int64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
