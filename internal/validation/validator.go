// Package validation implements the event validator: the first stage of the
// pipeline, partitioning incoming events into accepted and quarantined.
package validation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	"github.com/monstera-lab/monstera/internal/metaschema"
)

// ReasonCode classifies why an event was quarantined.
type ReasonCode string

const (
	ReasonMissingField      ReasonCode = "missing_field"
	ReasonFutureTimestamp   ReasonCode = "future_timestamp"
	ReasonStaleTimestamp    ReasonCode = "stale_timestamp"
	ReasonUnknownEntity     ReasonCode = "unknown_entity"
	ReasonMalformedMetadata ReasonCode = "malformed_metadata"
)

// EntityDirectory answers referential checks: does the entity an event
// points at exist? System and admin entities are exempt (they are component
// names, not records).
type EntityDirectory interface {
	EntityExists(ctx context.Context, entityType v1.EntityType, entityID string) (bool, error)
}

// Result is the validator's verdict for one event.
type Result struct {
	Accepted bool
	Reason   ReasonCode
	Detail   string
}

// Counters tracks compliance figures across the validator's lifetime.
// Consumed by the metrics surface for quality monitoring; all fields are
// updated atomically so ingestion handlers never contend.
type Counters struct {
	accepted    atomic.Int64
	quarantined atomic.Int64
	orphaned    atomic.Int64
}

// Snapshot is a point-in-time copy of the compliance counters.
type Snapshot struct {
	Accepted    int64 `json:"accepted"`
	Quarantined int64 `json:"quarantined"`
	Orphaned    int64 `json:"orphaned"`
}

// ComplianceRate returns accepted / (accepted + quarantined + orphaned) as a
// percentage, or 100 when nothing has been seen yet.
func (s Snapshot) ComplianceRate() float64 {
	total := s.Accepted + s.Quarantined + s.Orphaned
	if total == 0 {
		return 100
	}
	return float64(s.Accepted) / float64(total) * 100
}

func (c *Counters) snapshot() Snapshot {
	return Snapshot{
		Accepted:    c.accepted.Load(),
		Quarantined: c.quarantined.Load(),
		Orphaned:    c.orphaned.Load(),
	}
}

// Validator checks events against the required-field contract, timestamp
// sanity rules, the referential directory, and the metadata spec registry.
// A failing event is quarantined with a reason code; failure is never fatal
// to the batch it arrived in.
type Validator struct {
	directory      EntityDirectory
	specs          *metaschema.Registry
	stalenessBound time.Duration
	counters       Counters
	nowFn          func() time.Time
}

// New creates a validator. specs may be nil (no metadata contract
// enforcement beyond the tagged-variant decode).
func New(directory EntityDirectory, specs *metaschema.Registry, stalenessBound time.Duration) *Validator {
	if directory == nil {
		panic("validation: entity directory must not be nil")
	}
	if stalenessBound <= 0 {
		panic("validation: staleness bound must be positive")
	}
	return &Validator{
		directory:      directory,
		specs:          specs,
		stalenessBound: stalenessBound,
		nowFn:          func() time.Time { return time.Now().UTC() },
	}
}

// Check validates one event. On acceptance it also stamps the decoded
// metadata variant onto the event. The result reason is set only when
// Accepted is false.
func (v *Validator) Check(ctx context.Context, evt *v1.Event) (Result, error) {
	if err := evt.Validate(); err != nil {
		return v.quarantine(ReasonMissingField, err.Error()), nil
	}

	now := v.nowFn()
	if evt.OccurredAt.After(now) {
		return v.quarantine(ReasonFutureTimestamp,
			fmt.Sprintf("timestamp %s is in the future", evt.OccurredAt.Format(time.RFC3339))), nil
	}
	if !evt.OccurredAt.After(now.Add(-v.stalenessBound)) {
		return v.quarantine(ReasonStaleTimestamp,
			fmt.Sprintf("timestamp %s is older than the staleness bound", evt.OccurredAt.Format(time.RFC3339))), nil
	}

	// Referential check: user and account events must point at a known
	// entity record. Orphans are counted separately from schema violations.
	if evt.EntityType == v1.EntityUser || evt.EntityType == v1.EntityAccount {
		exists, err := v.directory.EntityExists(ctx, evt.EntityType, evt.EntityID)
		if err != nil {
			return Result{}, fmt.Errorf("entity directory lookup: %w", err)
		}
		if !exists {
			v.counters.orphaned.Add(1)
			return Result{
				Accepted: false,
				Reason:   ReasonUnknownEntity,
				Detail:   fmt.Sprintf("%s %q has no entity record", evt.EntityType, evt.EntityID),
			}, nil
		}
	}

	if v.specs != nil {
		if err := v.specs.Validate(evt.Type, evt.Metadata); err != nil {
			return v.quarantine(ReasonMalformedMetadata, err.Error()), nil
		}
	}

	meta, err := v1.DecodeMetadata(evt.Type, evt.Metadata)
	if err != nil {
		return v.quarantine(ReasonMalformedMetadata, err.Error()), nil
	}
	evt.Meta = meta

	v.counters.accepted.Add(1)
	return Result{Accepted: true}, nil
}

func (v *Validator) quarantine(reason ReasonCode, detail string) Result {
	v.counters.quarantined.Add(1)
	return Result{Accepted: false, Reason: reason, Detail: detail}
}

// Compliance returns a snapshot of the quality counters.
func (v *Validator) Compliance() Snapshot {
	return v.counters.snapshot()
}
