package v1

import (
	"fmt"
)

// MetadataKind discriminates the tagged metadata variants.
type MetadataKind string

const (
	MetaSession MetadataKind = "session"
	MetaContent MetadataKind = "content"
	MetaBilling MetadataKind = "billing"
	MetaAdmin   MetadataKind = "admin"
	MetaGeneric MetadataKind = "generic"
)

// Metadata is the decoded, typed view of an event's metadata payload.
// Uses a discriminated-union pattern: Kind identifies which variant field is
// populated; exactly one is non-nil for non-generic kinds. This replaces the
// free-form key/value bag with a field set the engine can rely on downstream.
type Metadata struct {
	Kind MetadataKind

	Session *SessionMeta // Kind = session
	Content *ContentMeta // Kind = content
	Billing *BillingMeta // Kind = billing
	Admin   *AdminMeta   // Kind = admin

	// Fields carries the raw payload for event types with no registered
	// variant. Contract enforcement for these comes from the metadata spec
	// registry, not from this package.
	Fields RawMetadata // Kind = generic
}

// SessionMeta annotates login/logout and other session-boundary events.
type SessionMeta struct {
	AccountID              string
	DeviceType             string
	SessionDurationMinutes int
}

// ContentMeta carries attribution for product-content events
// (project and video operations, comments).
type ContentMeta struct {
	AccountID string
	ProjectID string
	VideoID   string
}

// BillingMeta annotates payment outcome events.
type BillingMeta struct {
	AccountID string
	InvoiceID string
	Amount    float64
	Currency  string
}

// AdminMeta annotates administrative lifecycle events
// (deletion, restoration, account freezes).
type AdminMeta struct {
	AccountID string
	Actor     string
	Reason    string
}

// metadataKinds routes well-known event types to their variant family.
// Event types not listed here decode as generic.
var metadataKinds = map[string]MetadataKind{
	"user_signup":       MetaSession,
	"user_login":        MetaSession,
	"user_logout":       MetaSession,
	"project_create":    MetaContent,
	"project_update":    MetaContent,
	"video_create":      MetaContent,
	"video_upload":      MetaContent,
	"video_publish":     MetaContent,
	"comment_add":       MetaContent,
	"payment_succeeded": MetaBilling,
	"payment_failed":    MetaBilling,
	"user_deleted":      MetaAdmin,
	"user_restored":     MetaAdmin,
	"account_frozen":    MetaAdmin,
	"account_unfrozen":  MetaAdmin,
}

// DecodeMetadata resolves a raw metadata payload into its tagged variant
// based on the event type. Unknown event types pass through as generic;
// a malformed payload for a known type is an error (the event is then
// quarantined by the validator rather than silently mistyped).
func DecodeMetadata(eventType string, raw RawMetadata) (Metadata, error) {
	kind, ok := metadataKinds[eventType]
	if !ok {
		return Metadata{Kind: MetaGeneric, Fields: raw}, nil
	}

	switch kind {
	case MetaSession:
		m := &SessionMeta{
			AccountID:  stringField(raw, "account_id"),
			DeviceType: stringField(raw, "device_type"),
		}
		n, err := intField(raw, "session_duration_minutes")
		if err != nil {
			return Metadata{}, err
		}
		m.SessionDurationMinutes = n
		return Metadata{Kind: MetaSession, Session: m}, nil

	case MetaContent:
		return Metadata{Kind: MetaContent, Content: &ContentMeta{
			AccountID: stringField(raw, "account_id"),
			ProjectID: stringField(raw, "project_id"),
			VideoID:   stringField(raw, "video_id"),
		}}, nil

	case MetaBilling:
		m := &BillingMeta{
			AccountID: stringField(raw, "account_id"),
			InvoiceID: stringField(raw, "invoice_id"),
			Currency:  stringField(raw, "currency"),
		}
		amt, err := floatField(raw, "amount")
		if err != nil {
			return Metadata{}, err
		}
		m.Amount = amt
		return Metadata{Kind: MetaBilling, Billing: m}, nil

	case MetaAdmin:
		return Metadata{Kind: MetaAdmin, Admin: &AdminMeta{
			AccountID: stringField(raw, "account_id"),
			Actor:     stringField(raw, "actor"),
			Reason:    stringField(raw, "reason"),
		}}, nil
	}

	return Metadata{Kind: MetaGeneric, Fields: raw}, nil
}

// AccountID returns the account attribution regardless of variant, or ""
// when the payload carries none.
func (m Metadata) AccountID() string {
	switch m.Kind {
	case MetaSession:
		if m.Session != nil {
			return m.Session.AccountID
		}
	case MetaContent:
		if m.Content != nil {
			return m.Content.AccountID
		}
	case MetaBilling:
		if m.Billing != nil {
			return m.Billing.AccountID
		}
	case MetaAdmin:
		if m.Admin != nil {
			return m.Admin.AccountID
		}
	case MetaGeneric:
		if v, ok := m.Fields["account_id"].(string); ok {
			return v
		}
	}
	return ""
}

func stringField(raw RawMetadata, key string) string {
	v, ok := raw[key].(string)
	if !ok {
		return ""
	}
	return v
}

// intField tolerates the numeric types JSON decoding produces.
func intField(raw RawMetadata, key string) (int, error) {
	v, ok := raw[key]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	}
	return 0, fmt.Errorf("metadata field %q: expected number, got %T", key, v)
}

func floatField(raw RawMetadata, key string) (float64, error) {
	v, ok := raw[key]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("metadata field %q: expected number, got %T", key, v)
}
