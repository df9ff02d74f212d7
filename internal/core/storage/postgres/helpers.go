package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	"github.com/monstera-lab/monstera/internal/core/lifecycle"
)

// marshalMetadata marshals an event's metadata payload to JSON.
// Nil or empty metadata produces nil (SQL NULL) rather than a JSON "null".
func marshalMetadata(meta v1.RawMetadata) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEventRow scans a database row into an Event.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanEventRow(row scanner) (*v1.Event, error) {
	var (
		evt          v1.Event
		metadataJSON []byte
		sessionID    sql.NullString
		productID    sql.NullString
	)

	err := row.Scan(
		&evt.ID,
		&evt.EntityID,
		&evt.EntityType,
		&evt.Type,
		&evt.OccurredAt,
		&evt.Location,
		&sessionID,
		&productID,
		&metadataJSON,
		&evt.IsQualifying,
		&evt.IsActivation,
		&evt.IngestedAt,
		&evt.IngestSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	evt.SessionID = sessionID.String
	evt.ProductID = productID.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &evt, nil
}

func scanPlatformState(row scanner) (*lifecycle.UserPlatformState, error) {
	var (
		s       lifecycle.UserPlatformState
		lastQ   sql.NullTime
		trigger sql.NullString
	)
	err := row.Scan(
		&s.UserID,
		&s.State,
		&s.Dunning,
		&s.StateSince,
		&lastQ,
		&s.TotalQualifyingEvents,
		&s.DaysSinceSignup,
		&trigger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan platform state row: %w", err)
	}
	s.LastQualifyingEventAt = lastQ.Time
	s.TriggeringEventID = trigger.String
	return &s, nil
}

func scanProductState(row scanner) (*lifecycle.UserProductState, error) {
	var (
		s          lifecycle.UserProductState
		activation sql.NullTime
		lastQ      sql.NullTime
		trigger    sql.NullString
	)
	err := row.Scan(
		&s.UserID,
		&s.ProductID,
		&s.State,
		&s.StateSince,
		&s.FirstAccessAt,
		&activation,
		&lastQ,
		&s.TotalQualifyingEvents,
		&trigger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan product state row: %w", err)
	}
	if activation.Valid {
		ts := activation.Time
		s.ActivationAt = &ts
	}
	s.LastQualifyingEventAt = lastQ.Time
	s.TriggeringEventID = trigger.String
	return &s, nil
}

// nullTime maps a zero time to SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// nullString maps an empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
