package v1

import (
	"fmt"
	"time"
)

// EntityType identifies which kind of actor an event is attributed to.
type EntityType string

const (
	EntityUser    EntityType = "user"
	EntityAccount EntityType = "account"
	EntitySystem  EntityType = "system"
	EntityAdmin   EntityType = "admin"
)

// ValidEntityType reports whether t is a recognized entity type.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityUser, EntityAccount, EntitySystem, EntityAdmin:
		return true
	}
	return false
}

// Event is the atomic unit of the system: one interaction, attributed to one
// entity, immutable once accepted. All lifecycle state is re-derivable from
// the event log alone.
type Event struct {
	// ID is the unique immutable identifier provided by the producer.
	// It MUST be unique per EntityID to enforce idempotency.
	ID string `json:"id"`

	// EntityID identifies the entity this event is attributed to
	// (a user_id, account_id, or system component name).
	// This field is REQUIRED and has no default value.
	EntityID string `json:"entity_id"`

	// EntityType is the kind of entity: user, account, system, or admin.
	EntityType EntityType `json:"entity_type"`

	// Type is the domain-specific event name (e.g. "user_login", "video_create").
	// It keys both the qualifying-event policy and the metadata spec lookup.
	Type string `json:"event_type"`

	// OccurredAt is when the event happened in the real world (producer clock).
	// Distinct from IngestedAt (server clock); all lifecycle windows are
	// evaluated against OccurredAt.
	OccurredAt time.Time `json:"timestamp"`

	// Location names the surface the event came from
	// (web_app, mobile_app, api, desktop_app).
	Location string `json:"location"`

	// SessionID optionally groups events belonging to one user session.
	SessionID string `json:"session_id,omitempty"`

	// ProductID optionally scopes the event to one product in the catalog.
	// Events without a ProductID are classified against the platform-level
	// policy table.
	ProductID string `json:"product_id,omitempty"`

	// Metadata is the raw per-event-type payload as received on the wire.
	// DecodeMetadata resolves it into the tagged variant in Meta.
	Metadata RawMetadata `json:"metadata,omitempty"`

	// Meta is the decoded tagged-variant view of Metadata.
	// Populated by the ingestion validator, never bound from the wire.
	Meta Metadata `json:"-"`

	// IsQualifying marks meaningful, intentional engagement per the
	// per-product policy table. Derived at ingestion, stored with the event.
	IsQualifying bool `json:"is_qualifying"`

	// IsActivation marks the event type that first demonstrates core product
	// value. Derived at ingestion alongside IsQualifying.
	IsActivation bool `json:"is_activation"`

	// IngestedAt is when the engine accepted the event (audit trail).
	IngestedAt time.Time `json:"ingested_at"`

	// IngestSeq is a monotonic sequence number assigned on ingestion.
	// It provides strict total ordering for incremental recompute cursors.
	// Set by the database (BIGSERIAL), not exposed in the public API.
	IngestSeq int64 `json:"-"`
}

// RawMetadata is the wire shape of an event's metadata payload.
type RawMetadata map[string]interface{}

// Validate ensures the event has all required envelope attributes.
// Timestamp sanity and referential checks live in the validation package;
// this covers presence and enum membership only.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}

	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}

	if !ValidEntityType(e.EntityType) {
		return fmt.Errorf("entity_type %q is not one of user, account, system, admin", e.EntityType)
	}

	if e.Type == "" {
		return fmt.Errorf("event_type is required")
	}

	if e.OccurredAt.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if e.Location == "" {
		return fmt.Errorf("location is required")
	}

	return nil
}
