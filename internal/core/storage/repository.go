// Package storage defines the persistence interfaces the engine depends on.
// Adapters live in subpackages; the postgres implementation is the only one
// shipped.
package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	"github.com/monstera-lab/monstera/internal/core/lifecycle"
)

// ErrDuplicate is returned when an event with the same (entity_id, id)
// already exists. Re-submissions of an already-accepted event are rejected
// rather than silently swallowed so producers can detect replay bugs.
var ErrDuplicate = errors.New("event already exists")

// ErrNotFound is returned by lookups whose subject does not exist.
var ErrNotFound = errors.New("not found")

// EventStore persists the append-only event log.
type EventStore interface {
	// SaveEvent stores one accepted event and populates event.IngestSeq
	// from the database sequence. Returns ErrDuplicate on replay.
	SaveEvent(ctx context.Context, event *v1.Event) error

	// RetrieveEventsAfterCursor fetches accepted events with
	// ingest_seq > cursor in strict total order. cursor=0 means "from the
	// beginning". The compute pass pages through the log with this.
	RetrieveEventsAfterCursor(ctx context.Context, cursor int64, limit int) ([]*v1.Event, error)

	// RetrieveEntityHistory fetches one entity's full accepted history in
	// OccurredAt order, up to and including the watermark.
	RetrieveEntityHistory(ctx context.Context, entityID string, watermark time.Time) ([]*v1.Event, error)

	// RetrieveAccountHistory fetches the accepted history of every user
	// belonging to an account, plus the account's own events, in OccurredAt
	// order up to the watermark. Drives account-level usage figures.
	RetrieveAccountHistory(ctx context.Context, accountID string, watermark time.Time) ([]*v1.Event, error)

	// SaveQuarantined records a rejected event with its reason code.
	SaveQuarantined(ctx context.Context, q *QuarantinedEvent) error

	// QuarantineCounts returns quarantined-event totals grouped by reason.
	QuarantineCounts(ctx context.Context) (map[string]int64, error)
}

// QuarantinedEvent is a rejected submission held for inspection. The raw
// payload is stored verbatim; nothing in the quarantine ever feeds state
// computation.
type QuarantinedEvent struct {
	ID            string         `json:"id"`
	EntityID      string         `json:"entity_id"`
	EntityType    string         `json:"entity_type"`
	EventType     string         `json:"event_type"`
	OccurredAt    time.Time      `json:"timestamp,omitempty"`
	Payload       v1.RawMetadata `json:"payload,omitempty"`
	Reason        string         `json:"reason"`
	Detail        string         `json:"detail,omitempty"`
	QuarantinedAt time.Time      `json:"quarantined_at"`
}

// EntityStore serves the reference-data directory: users, products, accounts.
type EntityStore interface {
	GetUser(ctx context.Context, userID string) (*v1.User, error)
	GetAccount(ctx context.Context, accountID string) (*v1.Account, error)
	GetProduct(ctx context.Context, productID string) (*v1.Product, error)

	ListUsersByAccount(ctx context.Context, accountID string) ([]*v1.User, error)
	ListAccounts(ctx context.Context) ([]*v1.Account, error)
	ListProducts(ctx context.Context) ([]*v1.Product, error)

	// EntityExists answers the ingestion validator's referential check.
	EntityExists(ctx context.Context, entityType v1.EntityType, entityID string) (bool, error)

	// Upserts used by the seed tool and reference-data sync.
	SaveUser(ctx context.Context, u *v1.User) error
	SaveAccount(ctx context.Context, a *v1.Account) error
	SaveProduct(ctx context.Context, p *v1.Product) error
}

// StateBatch is everything one compute pass flushes: the superseding state
// records plus the transition rows they imply. Flush writes the batch and
// the checkpoint cursor in a single transaction.
type StateBatch struct {
	PlatformStates []*lifecycle.UserPlatformState
	ProductStates  []*lifecycle.UserProductState
	AccountStates  []*lifecycle.AccountStateRecord
	Transitions    []lifecycle.StateTransition
}

// StateStore persists derived lifecycle state and the append-only
// transition log.
type StateStore interface {
	GetPlatformState(ctx context.Context, userID string) (*lifecycle.UserPlatformState, error)
	GetProductStates(ctx context.Context, userID string) ([]*lifecycle.UserProductState, error)
	GetAccountState(ctx context.Context, accountID string) (*lifecycle.AccountStateRecord, error)

	// FlushStates upserts all state records, appends the transitions, and
	// advances the checkpoint cursor in one transaction. Stale flushes
	// (cursor at or below the durable checkpoint) are skipped, keeping the
	// checkpoint monotonic under concurrent or replayed passes.
	FlushStates(ctx context.Context, batch StateBatch, cursor int64) error

	// ReadCheckpoint returns the last durable cursor, 0 when none exists.
	ReadCheckpoint(ctx context.Context) (int64, error)

	// ResetCheckpoint rewinds the cursor to 0 for a full recompute.
	ResetCheckpoint(ctx context.Context) error
}

// TransitionFilter scopes a transition-log query. Zero values mean "any".
type TransitionFilter struct {
	EntityType string
	EntityID   string
	Scope      string
	ToState    string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// StateCount is one row of a current-state rollup.
type StateCount struct {
	Scope   string `json:"scope"`
	State   string `json:"state"`
	Segment string `json:"segment,omitempty"`
	Count   int64  `json:"count"`
}

// TransitionBucket is one day of transition volume for one edge.
type TransitionBucket struct {
	Day       time.Time `json:"day"`
	Scope     string    `json:"scope"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Count     int64     `json:"count"`
}

// TierHealth is the average health score across the accounts of one
// subscription tier.
type TierHealth struct {
	SubscriptionTier string `json:"subscription_tier"`
	Accounts         int64  `json:"accounts"`
	AvgHealthScore   string `json:"avg_health_score"`
}

// MetricsStore serves the read-side rollups over current state and the
// transition log.
type MetricsStore interface {
	ListTransitions(ctx context.Context, f TransitionFilter) ([]lifecycle.StateTransition, error)
	CountStates(ctx context.Context, scope, segmentBy string) ([]StateCount, error)
	TransitionSeries(ctx context.Context, f TransitionFilter) ([]TransitionBucket, error)
	HealthByTier(ctx context.Context) ([]TierHealth, error)
}
