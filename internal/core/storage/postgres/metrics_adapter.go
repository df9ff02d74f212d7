package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/monstera-lab/monstera/internal/core/lifecycle"
	"github.com/monstera-lab/monstera/internal/core/storage"
)

// Bounds for the transition-log query when the filter leaves them open.
// sentinelFuture is far enough out to behave as "unbounded" without
// resorting to NULL-parameter special cases in the SQL.
var (
	sentinelPast   = time.Unix(0, 0).UTC()
	sentinelFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
)

const defaultTransitionLimit = 500

// MetricsAdapter implements storage.MetricsStore using PostgreSQL, sharing
// the event adapter's connection.
type MetricsAdapter struct {
	db *sql.DB
}

// NewMetricsAdapter creates a MetricsAdapter on the given connection.
func NewMetricsAdapter(db *sql.DB) *MetricsAdapter {
	return &MetricsAdapter{db: db}
}

// ListTransitions fetches transition-log rows matching the filter, most
// recent first.
func (a *MetricsAdapter) ListTransitions(ctx context.Context, f storage.TransitionFilter) ([]lifecycle.StateTransition, error) {
	since, until := boundWindow(f.Since, f.Until)
	limit := f.Limit
	if limit <= 0 {
		limit = defaultTransitionLimit
	}

	rows, err := a.db.QueryContext(ctx, queryListTransitions,
		f.EntityType, f.EntityID, f.Scope, f.ToState, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.StateTransition
	for rows.Next() {
		var (
			t       lifecycle.StateTransition
			from    sql.NullString
			trigger sql.NullString
		)
		if err := rows.Scan(
			&t.ID,
			&t.EntityType,
			&t.EntityID,
			&t.Scope,
			&from,
			&t.ToState,
			&t.OccurredAt,
			&trigger,
			&t.DaysInPrevious,
		); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		t.FromState = from.String
		t.TriggeringEventID = trigger.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// CountStates rolls up current state counts for one scope, optionally
// segmented. Platform scope segments by a user attribute (plan_type,
// country, acquisition_source); account scope by subscription_tier; product
// scope always segments by product_id.
func (a *MetricsAdapter) CountStates(ctx context.Context, scope, segmentBy string) ([]storage.StateCount, error) {
	var rows *sql.Rows
	var err error
	switch scope {
	case lifecycle.ScopePlatform:
		rows, err = a.db.QueryContext(ctx, queryCountPlatformStates, segmentBy)
	case lifecycle.ScopeAccount:
		rows, err = a.db.QueryContext(ctx, queryCountAccountStates, segmentBy)
	case "product":
		rows, err = a.db.QueryContext(ctx, queryCountProductStates)
	default:
		return nil, fmt.Errorf("count states: unknown scope %q", scope)
	}
	if err != nil {
		return nil, fmt.Errorf("count states (%s): %w", scope, err)
	}
	defer rows.Close()

	var out []storage.StateCount
	for rows.Next() {
		c := storage.StateCount{Scope: scope}
		if err := rows.Scan(&c.State, &c.Segment, &c.Count); err != nil {
			return nil, fmt.Errorf("scan state count row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	return out, nil
}

// TransitionSeries buckets transition volume by day for trend queries.
func (a *MetricsAdapter) TransitionSeries(ctx context.Context, f storage.TransitionFilter) ([]storage.TransitionBucket, error) {
	since, until := boundWindow(f.Since, f.Until)

	rows, err := a.db.QueryContext(ctx, queryTransitionSeries, f.Scope, f.ToState, since, until)
	if err != nil {
		return nil, fmt.Errorf("transition series: %w", err)
	}
	defer rows.Close()

	var out []storage.TransitionBucket
	for rows.Next() {
		var b storage.TransitionBucket
		var from sql.NullString
		if err := rows.Scan(&b.Day, &b.Scope, &from, &b.ToState, &b.Count); err != nil {
			return nil, fmt.Errorf("scan transition bucket: %w", err)
		}
		b.FromState = from.String
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition buckets: %w", err)
	}
	return out, nil
}

// HealthByTier averages account health scores per subscription tier.
// Averages are computed in SQL and rendered through decimal so the API
// never exposes float artifacts.
func (a *MetricsAdapter) HealthByTier(ctx context.Context) ([]storage.TierHealth, error) {
	rows, err := a.db.QueryContext(ctx, queryHealthByTier)
	if err != nil {
		return nil, fmt.Errorf("health by tier: %w", err)
	}
	defer rows.Close()

	var out []storage.TierHealth
	for rows.Next() {
		var t storage.TierHealth
		var avg string
		if err := rows.Scan(&t.SubscriptionTier, &t.Accounts, &avg); err != nil {
			return nil, fmt.Errorf("scan tier health row: %w", err)
		}
		d, err := decimal.NewFromString(avg)
		if err != nil {
			return nil, fmt.Errorf("parse avg health %q: %w", avg, err)
		}
		t.AvgHealthScore = d.Round(2).String()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tier health: %w", err)
	}
	return out, nil
}

func boundWindow(since, until time.Time) (time.Time, time.Time) {
	if since.IsZero() {
		since = sentinelPast
	}
	if until.IsZero() {
		until = sentinelFuture
	}
	return since, until
}
