package postgres

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
)

// ProcessEventRepository stores lifecycle transitions
type ProcessEventRepository struct {
	db *sql.DB
}

// NewProcessEventRepository creates a new process event repository
func NewProcessEventRepository(db *sql.DB) *ProcessEventRepository {
	return &ProcessEventRepository{db: db}
}

// Create inserts ev and sets its ID
func (r *ProcessEventRepository) Create(ctx context.Context, ev *ProcessEvent) error {
	query := `
		INSERT INTO process_events (name, pid, state, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		ev.Name, ev.PID, ev.State, ev.Reason, ev.OccurredAt,
	).Scan(&ev.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "create_process_event", "failed to insert process event").
			WithContext("name", ev.Name)
	}
	return nil
}

// Recent returns the latest events for name, newest first
func (r *ProcessEventRepository) Recent(ctx context.Context, name string, limit int) ([]*ProcessEvent, error) {
	query := `
		SELECT id, name, pid, state, reason, occurred_at
		FROM process_events
		WHERE name = $1
		ORDER BY occurred_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, name, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "recent_process_events", "failed to query process events")
	}
	defer func() { _ = rows.Close() }()

	var events []*ProcessEvent
	for rows.Next() {
		ev := &ProcessEvent{}
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.PID, &ev.State, &ev.Reason, &ev.OccurredAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "recent_process_events", "failed to scan process event")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "recent_process_events", "error iterating process events")
	}
	return events, nil
}

// ShareRepository stores share submissions
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// Create inserts share and sets its ID
func (r *ShareRepository) Create(ctx context.Context, share *ShareSubmission) error {
	query := `
		INSERT INTO share_submissions (worker, job_id, extra_nonce2, ntime, nonce, difficulty, status, reason, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.Worker, share.JobID, share.ExtraNonce2, share.NTime, share.Nonce,
		share.Difficulty, share.Status, share.Reason, share.SubmittedAt,
	).Scan(&share.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "create_share", "failed to insert share").
			WithContext("job_id", share.JobID)
	}
	return nil
}

// CountByStatus counts the worker's submissions since the given time
func (r *ShareRepository) CountByStatus(ctx context.Context, worker string, since time.Time) (ShareCounts, error) {
	query := `
		SELECT status, COUNT(*)
		FROM share_submissions
		WHERE worker = $1 AND submitted_at >= $2
		GROUP BY status`

	var counts ShareCounts
	rows, err := r.db.QueryContext(ctx, query, worker, since)
	if err != nil {
		return counts, errors.Wrap(err, errors.ErrorTypeDatabase, "count_shares", "failed to count shares")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return counts, errors.Wrap(err, errors.ErrorTypeDatabase, "count_shares", "failed to scan share count")
		}
		counts.add(status, n)
	}
	if err := rows.Err(); err != nil {
		return counts, errors.Wrap(err, errors.ErrorTypeDatabase, "count_shares", "error iterating share counts")
	}
	return counts, nil
}

// BlockRepository stores solo-mined blocks
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// Create inserts block and sets its ID. A hash already recorded is left as is.
func (r *BlockRepository) Create(ctx context.Context, block *FoundBlock) error {
	query := `
		INSERT INTO found_blocks (height, hash, job_id, accepted, reason, found_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		block.Height, block.Hash, block.JobID, block.Accepted, block.Reason, block.FoundAt,
	).Scan(&block.ID)
	if err != nil && !stdErrors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "create_block", "failed to insert block").
			WithContext("hash", block.Hash)
	}
	return nil
}

// ByHash looks up a recorded block
func (r *BlockRepository) ByHash(ctx context.Context, hash string) (*FoundBlock, error) {
	query := `
		SELECT id, height, hash, job_id, accepted, reason, found_at
		FROM found_blocks WHERE hash = $1`

	b := &FoundBlock{}
	err := r.db.QueryRowContext(ctx, query, hash).Scan(
		&b.ID, &b.Height, &b.Hash, &b.JobID, &b.Accepted, &b.Reason, &b.FoundAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("block_by_hash", hash)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "block_by_hash", "failed to get block")
	}
	return b, nil
}
