// Package limiter provides admission control for sandbox provider
// calls using a sliding window of persisted usage events.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"appforge/pkg/logx"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
)

// RateStore is the persistence surface the limiter needs. Implemented
// by *persistence.Store; tests substitute fakes.
type RateStore interface {
	InsertRateRecord(ctx context.Context, operation string, ts time.Time) error
	CountRateRecordsSince(ctx context.Context, operation string, cutoff time.Time) (int, error)
	OldestRateRecordSince(ctx context.Context, operation string, cutoff time.Time) (time.Time, error)
	PruneRateRecords(ctx context.Context, operation string, cutoff time.Time) (int64, error)
}

// Status is the result of an admission-control check.
type Status struct {
	ResetAt   time.Time `json:"reset_at"` // When the oldest counted event expires
	Operation string    `json:"operation"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Exceeded  bool      `json:"exceeded"`
}

// Limiter answers admission-control queries over a fixed trailing
// window. It never blocks or queues; callers decide when to retry.
type Limiter struct {
	store  RateStore
	logger *logx.Logger
	window time.Duration
	now    func() time.Time
}

// New creates a limiter over the given store and window.
func New(store RateStore, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		logger: logx.NewLogger("limiter"),
		window: window,
		now:    time.Now,
	}
}

// Record appends a usage event for the operation and opportunistically
// prunes a bounded batch of expired events for it. Call this only
// after the provider call has confirmed success, so failed attempts
// never consume quota.
func (l *Limiter) Record(ctx context.Context, op proto.RateOp) error {
	now := l.now().UTC()
	if err := l.store.InsertRateRecord(ctx, string(op), now); err != nil {
		return fmt.Errorf("failed to record %s usage: %w", op, err)
	}

	// Prune failures don't invalidate the recording; expired rows are
	// also collected by the scheduled sweep.
	if _, err := l.store.PruneRateRecords(ctx, string(op), now.Add(-l.window)); err != nil {
		l.logger.Warn("prune after record failed for %s: %v", op, err)
	}
	return nil
}

// Check computes the admission status for the operation against the
// given per-window limit. When the store is unavailable it fails
// closed: the caller sees Exceeded=true rather than risking a breach
// of the provider's hard quota.
func (l *Limiter) Check(ctx context.Context, op proto.RateOp, maxPerWindow int) Status {
	now := l.now().UTC()
	cutoff := now.Add(-l.window)

	status := Status{
		Operation: string(op),
		Limit:     maxPerWindow,
	}

	count, err := l.store.CountRateRecordsSince(ctx, string(op), cutoff)
	if err != nil {
		l.logger.Error("rate check failed for %s, failing closed: %v", op, err)
		status.Count = maxPerWindow
		status.Exceeded = true
		status.ResetAt = now.Add(l.window)
		return status
	}

	status.Count = count
	status.Exceeded = count >= maxPerWindow
	status.Remaining = maxPerWindow - count
	if status.Remaining < 0 {
		status.Remaining = 0
	}

	if count > 0 {
		oldest, err := l.store.OldestRateRecordSince(ctx, string(op), cutoff)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				l.logger.Warn("reset time lookup failed for %s: %v", op, err)
			}
			status.ResetAt = now.Add(l.window)
		} else {
			status.ResetAt = oldest.Add(l.window)
		}
	} else {
		status.ResetAt = now
	}

	return status
}

// GetStats returns the current window status without a limit applied,
// for the operational stats surface.
func (l *Limiter) GetStats(ctx context.Context, op proto.RateOp) (Status, error) {
	now := l.now().UTC()
	cutoff := now.Add(-l.window)

	count, err := l.store.CountRateRecordsSince(ctx, string(op), cutoff)
	if err != nil {
		return Status{}, fmt.Errorf("failed to get stats for %s: %w", op, err)
	}

	status := Status{Operation: string(op), Count: count, ResetAt: now}
	if count > 0 {
		if oldest, err := l.store.OldestRateRecordSince(ctx, string(op), cutoff); err == nil {
			status.ResetAt = oldest.Add(l.window)
		}
	}
	return status, nil
}

// Window returns the trailing window duration.
func (l *Limiter) Window() time.Duration {
	return l.window
}
