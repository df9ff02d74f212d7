package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
)

// ScopePlatform is the scope label for platform-wide user state.
// Product scopes are "product:<product_id>"; account scope is "account".
const (
	ScopePlatform = "platform"
	ScopeAccount  = "account"
)

// ProductScope returns the scope label for one product.
func ProductScope(productID string) string {
	return "product:" + productID
}

// StateTransition is one append-only row of the transition log: the record
// that an entity's state in one scope changed. Rows are never updated or
// deleted; the log is the sole source for historical trend queries, since
// current-state tables are overwritten on every recompute.
type StateTransition struct {
	ID                string        `json:"id"`
	EntityType        v1.EntityType `json:"entity_type"`
	EntityID          string        `json:"entity_id"`
	Scope             string        `json:"scope"`
	FromState         string        `json:"from_state"`
	ToState           string        `json:"to_state"`
	OccurredAt        time.Time     `json:"timestamp"`
	TriggeringEventID string        `json:"triggering_event_id,omitempty"`
	DaysInPrevious    int           `json:"days_in_previous_state"`
}

// NewTransition builds a transition row. DaysInPrevious is measured from the
// previous state's start; a bootstrap transition (from == "") counts zero.
func NewTransition(
	entityType v1.EntityType,
	entityID, scope, from, to string,
	prevSince, at time.Time,
	triggeringEventID string,
) StateTransition {
	days := 0
	if from != "" && !prevSince.IsZero() {
		days = wholeDays(at.Sub(prevSince))
	}
	return StateTransition{
		ID:                uuid.New().String(),
		EntityType:        entityType,
		EntityID:          entityID,
		Scope:             scope,
		FromState:         from,
		ToState:           to,
		OccurredAt:        at,
		TriggeringEventID: triggeringEventID,
		DaysInPrevious:    days,
	}
}

// Anomaly records a computed transition that violates the valid-edge set.
// The previous state is retained and processing continues; anomalies are
// reported, never fatal.
type Anomaly struct {
	EntityType        v1.EntityType `json:"entity_type"`
	EntityID          string        `json:"entity_id"`
	Scope             string        `json:"scope"`
	FromState         string        `json:"from_state"`
	ToState           string        `json:"to_state"`
	TriggeringEventID string        `json:"triggering_event_id,omitempty"`
	DetectedAt        time.Time     `json:"detected_at"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("invalid transition %s/%s scope=%s: %s -> %s",
		a.EntityType, a.EntityID, a.Scope, a.FromState, a.ToState)
}
