package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeRunning      Outcome = "running"
	OutcomeStreamClosed Outcome = "stream_closed"
	OutcomeStopped      Outcome = "stopped"
	OutcomeFailed       Outcome = "failed"
)

// Run is the aggregate summary of one pipeline run.
type Run struct {
	ID              string
	Calibration     string
	StartedAt       time.Time
	EndedAt         time.Time
	Frames          int64
	Published       int64
	PublishFailures int64
	DetectFailures  int64
	Outcome         Outcome
}

// RunRepository records run summaries.
type RunRepository struct {
	db *sql.DB
}

// Runs returns the run repository for this store.
func (s *Store) Runs() *RunRepository {
	return &RunRepository{db: s.db}
}

// Start records the beginning of a run.
func (r *RunRepository) Start(run *Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Outcome = OutcomeRunning

	var calibration any
	if run.Calibration != "" {
		calibration = run.Calibration
	}

	_, err := r.db.Exec(
		`INSERT INTO runs (id, calibration, started_at, outcome) VALUES (?, ?, ?, ?)`,
		run.ID, calibration, run.StartedAt, string(run.Outcome),
	)
	if err != nil {
		return errors.Wrapf(err, "record run %s", run.ID)
	}
	return nil
}

// Finish stores the final counters and outcome of a run.
func (r *RunRepository) Finish(run *Run) error {
	if run.EndedAt.IsZero() {
		run.EndedAt = time.Now()
	}

	result, err := r.db.Exec(
		`UPDATE runs SET ended_at = ?, frames = ?, published = ?, publish_failures = ?,
			detect_failures = ?, outcome = ?
		 WHERE id = ?`,
		run.EndedAt, run.Frames, run.Published, run.PublishFailures,
		run.DetectFailures, string(run.Outcome), run.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "finish run %s", run.ID)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a run by id.
func (r *RunRepository) Get(id string) (*Run, error) {
	run := &Run{}
	var calibration sql.NullString
	var endedAt sql.NullTime
	var outcome string

	err := r.db.QueryRow(
		`SELECT id, calibration, started_at, ended_at, frames, published,
			publish_failures, detect_failures, outcome
		 FROM runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &calibration, &run.StartedAt, &endedAt, &run.Frames, &run.Published,
		&run.PublishFailures, &run.DetectFailures, &outcome)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	run.Calibration = calibration.String
	if endedAt.Valid {
		run.EndedAt = endedAt.Time
	}
	run.Outcome = Outcome(outcome)
	return run, nil
}

// Recent returns up to limit runs, newest first.
func (r *RunRepository) Recent(limit int) ([]*Run, error) {
	rows, err := r.db.Query(`SELECT id FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
