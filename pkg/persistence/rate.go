package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// pruneBatchSize bounds how many expired rows one prune pass deletes,
// keeping Record latency flat under load.
const pruneBatchSize = 64

// InsertRateRecord appends one usage event for an operation.
func (s *Store) InsertRateRecord(ctx context.Context, operation string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rate_limits (operation, ts) VALUES (?, ?)",
		operation, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert rate record for %s: %w", operation, err)
	}
	return nil
}

// CountRateRecordsSince counts usage events for an operation strictly
// newer than cutoff.
func (s *Store) CountRateRecordsSince(ctx context.Context, operation string, cutoff time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rate_limits WHERE operation = ? AND ts > ?",
		operation, cutoff.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rate records for %s: %w", operation, err)
	}
	return count, nil
}

// OldestRateRecordSince returns the timestamp of the oldest counted
// event for an operation, used to compute when the window resets.
// Returns ErrNotFound when no event is inside the window.
func (s *Store) OldestRateRecordSince(ctx context.Context, operation string, cutoff time.Time) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT ts FROM rate_limits WHERE operation = ? AND ts > ? ORDER BY ts ASC LIMIT 1",
		operation, cutoff.UTC(),
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("rate records for %s: %w", operation, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get oldest rate record for %s: %w", operation, err)
	}
	return ts, nil
}

// PruneRateRecords deletes up to pruneBatchSize expired events for an
// operation. Bounded on purpose: full sweeps belong to the scheduled
// prune, not the write path.
func (s *Store) PruneRateRecords(ctx context.Context, operation string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limits WHERE id IN (
			SELECT id FROM rate_limits WHERE operation = ? AND ts <= ?
			ORDER BY ts ASC LIMIT ?
		)`,
		operation, cutoff.UTC(), pruneBatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune rate records for %s: %w", operation, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result for %s: %w", operation, err)
	}
	return rows, nil
}

// PruneAllRateRecords deletes every expired event regardless of
// operation. Used by the scheduled hourly sweep.
func (s *Store) PruneAllRateRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM rate_limits WHERE ts <= ?", cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune rate records: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return rows, nil
}
