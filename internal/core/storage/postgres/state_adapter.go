package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/monstera-lab/monstera/internal/core/lifecycle"
	"github.com/monstera-lab/monstera/internal/core/storage"
)

// checkpointName is the singleton cursor row for the state compute pass.
const checkpointName = "state_engine"

// StateAdapter implements storage.StateStore using PostgreSQL.
// State upserts, transition appends, and the checkpoint write happen in a
// single transaction — the atomicity contract that makes crash recovery and
// replay safe.
type StateAdapter struct {
	db *sql.DB
}

// NewStateAdapter creates a StateAdapter sharing the given connection.
func NewStateAdapter(db *sql.DB) *StateAdapter {
	return &StateAdapter{db: db}
}

func (a *StateAdapter) GetPlatformState(ctx context.Context, userID string) (*lifecycle.UserPlatformState, error) {
	s, err := scanPlatformState(a.db.QueryRowContext(ctx, queryGetPlatformState, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get platform state %q: %w", userID, err)
	}
	return s, nil
}

func (a *StateAdapter) GetProductStates(ctx context.Context, userID string) ([]*lifecycle.UserProductState, error) {
	rows, err := a.db.QueryContext(ctx, queryGetProductStates, userID)
	if err != nil {
		return nil, fmt.Errorf("get product states %q: %w", userID, err)
	}
	defer rows.Close()

	var states []*lifecycle.UserProductState
	for rows.Next() {
		s, err := scanProductState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating product states: %w", err)
	}
	return states, nil
}

func (a *StateAdapter) GetAccountState(ctx context.Context, accountID string) (*lifecycle.AccountStateRecord, error) {
	var s lifecycle.AccountStateRecord
	err := a.db.QueryRowContext(ctx, queryGetAccountState, accountID).Scan(
		&s.AccountID,
		&s.State,
		&s.Dunning,
		&s.HealthScore,
		&s.Components.SeatUtilization,
		&s.Components.ProductBreadth,
		&s.Components.RecentActivity,
		&s.Components.ContractStatus,
		&s.StateSince,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account state %q: %w", accountID, err)
	}
	s.SeatUtilizationPct = s.Components.SeatUtilization
	return &s, nil
}

// FlushStates upserts the batch's state records, appends its transitions,
// and advances the checkpoint cursor in one transaction.
// cursor is the last ingest_seq included in this state snapshot.
func (a *StateAdapter) FlushStates(ctx context.Context, batch storage.StateBatch, cursor int64) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state flush: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Lock the checkpoint row first and enforce monotonic checkpoint writes.
	// This prevents stale, out-of-order flushes from overwriting newer
	// durable state.
	var durableCursor int64
	err = tx.QueryRowContext(ctx, querySelectCheckpointForUpdate, checkpointName).Scan(&durableCursor)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, queryInitCheckpointRow, checkpointName, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("state flush: init checkpoint row: %w", err)
		}

		err = tx.QueryRowContext(ctx, querySelectCheckpointForUpdate, checkpointName).Scan(&durableCursor)
		if err != nil {
			return fmt.Errorf("state flush: read initialized checkpoint for update: %w", err)
		}
	}
	if err != nil {
		return fmt.Errorf("state flush: read checkpoint for update: %w", err)
	}

	if cursor <= durableCursor {
		slog.Warn("[StateAdapter] Skipping stale/no-op flush",
			"cursor", cursor,
			"durable_cursor", durableCursor,
			"platform_states", len(batch.PlatformStates),
			"transitions", len(batch.Transitions))
		return nil
	}

	now := time.Now().UTC()

	if err := flushPlatformStates(ctx, tx, batch.PlatformStates, now); err != nil {
		return err
	}
	if err := flushProductStates(ctx, tx, batch.ProductStates, now); err != nil {
		return err
	}
	if err := flushAccountStates(ctx, tx, batch.AccountStates, now); err != nil {
		return err
	}
	if err := appendTransitions(ctx, tx, batch.Transitions, now); err != nil {
		return err
	}

	// Checkpoint write in the same transaction as the state upserts.
	result, err := tx.ExecContext(ctx, queryUpdateCheckpoint, cursor, now, checkpointName)
	if err != nil {
		return fmt.Errorf("state flush: write checkpoint: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("state flush: check checkpoint write: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("state flush: checkpoint row missing (name=%s)", checkpointName)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state flush: commit: %w", err)
	}

	slog.Info("[StateAdapter] Flushed",
		"platform_states", len(batch.PlatformStates),
		"product_states", len(batch.ProductStates),
		"account_states", len(batch.AccountStates),
		"transitions", len(batch.Transitions),
		"cursor", cursor)
	return nil
}

func flushPlatformStates(ctx context.Context, tx *sql.Tx, states []*lifecycle.UserPlatformState, now time.Time) error {
	if len(states) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, queryUpsertPlatformState)
	if err != nil {
		return fmt.Errorf("state flush: prepare platform upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range states {
		if _, err := stmt.ExecContext(ctx,
			s.UserID,
			s.State,
			s.Dunning,
			s.StateSince,
			nullTime(s.LastQualifyingEventAt),
			s.TotalQualifyingEvents,
			s.DaysSinceSignup,
			nullString(s.TriggeringEventID),
			now,
		); err != nil {
			return fmt.Errorf("state flush: upsert platform state %q: %w", s.UserID, err)
		}
	}
	return nil
}

func flushProductStates(ctx context.Context, tx *sql.Tx, states []*lifecycle.UserProductState, now time.Time) error {
	if len(states) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, queryUpsertProductState)
	if err != nil {
		return fmt.Errorf("state flush: prepare product upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range states {
		var activation sql.NullTime
		if s.ActivationAt != nil {
			activation = sql.NullTime{Time: *s.ActivationAt, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			s.UserID,
			s.ProductID,
			s.State,
			s.StateSince,
			s.FirstAccessAt,
			activation,
			nullTime(s.LastQualifyingEventAt),
			s.TotalQualifyingEvents,
			nullString(s.TriggeringEventID),
			now,
		); err != nil {
			return fmt.Errorf("state flush: upsert product state %q/%q: %w", s.UserID, s.ProductID, err)
		}
	}
	return nil
}

func flushAccountStates(ctx context.Context, tx *sql.Tx, states []*lifecycle.AccountStateRecord, now time.Time) error {
	if len(states) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, queryUpsertAccountState)
	if err != nil {
		return fmt.Errorf("state flush: prepare account upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range states {
		if _, err := stmt.ExecContext(ctx,
			s.AccountID,
			s.State,
			s.Dunning,
			s.HealthScore,
			s.Components.SeatUtilization,
			s.Components.ProductBreadth,
			s.Components.RecentActivity,
			s.Components.ContractStatus,
			s.StateSince,
			now,
		); err != nil {
			return fmt.Errorf("state flush: upsert account state %q: %w", s.AccountID, err)
		}
	}
	return nil
}

func appendTransitions(ctx context.Context, tx *sql.Tx, transitions []lifecycle.StateTransition, now time.Time) error {
	if len(transitions) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, queryInsertTransition)
	if err != nil {
		return fmt.Errorf("state flush: prepare transition insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range transitions {
		if _, err := stmt.ExecContext(ctx,
			t.ID,
			t.EntityType,
			t.EntityID,
			t.Scope,
			t.FromState,
			t.ToState,
			t.OccurredAt,
			nullString(t.TriggeringEventID),
			t.DaysInPrevious,
			now,
		); err != nil {
			return fmt.Errorf("state flush: append transition %s: %w", t.ID, err)
		}
	}
	return nil
}

// ReadCheckpoint returns the durable checkpoint cursor.
// Returns 0 if no checkpoint exists yet (meaning "replay from beginning").
func (a *StateAdapter) ReadCheckpoint(ctx context.Context) (int64, error) {
	var cursor int64
	err := a.db.QueryRowContext(ctx, queryReadCheckpoint, checkpointName).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	return cursor, nil
}

// ResetCheckpoint rewinds the cursor to 0, forcing the next pass to replay
// the full event log.
func (a *StateAdapter) ResetCheckpoint(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, queryResetCheckpoint, time.Now().UTC(), checkpointName); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	slog.Info("[StateAdapter] Checkpoint reset to 0")
	return nil
}

