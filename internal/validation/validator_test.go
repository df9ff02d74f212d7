package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
)

type stubDirectory struct {
	known map[string]bool
	err   error
}

func (d *stubDirectory) EntityExists(_ context.Context, entityType v1.EntityType, entityID string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	return d.known[string(entityType)+"/"+entityID], nil
}

func newTestValidator(dir *stubDirectory, now time.Time) *Validator {
	v := New(dir, nil, 90*24*time.Hour)
	v.nowFn = func() time.Time { return now }
	return v
}

func baseEvent(now time.Time) *v1.Event {
	return &v1.Event{
		ID:         "evt-1",
		EntityID:   "user-1",
		EntityType: v1.EntityUser,
		Type:       "user_login",
		OccurredAt: now.Add(-time.Hour),
		Location:   "web_app",
	}
}

func TestCheckReasonCodes(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	dir := &stubDirectory{known: map[string]bool{"user/user-1": true}}

	tests := []struct {
		name   string
		mutate func(*v1.Event)
		reason ReasonCode
	}{
		{
			name:   "missing entity id",
			mutate: func(e *v1.Event) { e.EntityID = "" },
			reason: ReasonMissingField,
		},
		{
			name:   "missing location",
			mutate: func(e *v1.Event) { e.Location = "" },
			reason: ReasonMissingField,
		},
		{
			name:   "bad entity type",
			mutate: func(e *v1.Event) { e.EntityType = "robot" },
			reason: ReasonMissingField,
		},
		{
			name:   "future timestamp",
			mutate: func(e *v1.Event) { e.OccurredAt = now.Add(time.Minute) },
			reason: ReasonFutureTimestamp,
		},
		{
			name:   "stale timestamp past the bound",
			mutate: func(e *v1.Event) { e.OccurredAt = now.Add(-91 * 24 * time.Hour) },
			reason: ReasonStaleTimestamp,
		},
		{
			name:   "unknown user",
			mutate: func(e *v1.Event) { e.EntityID = "user-nobody" },
			reason: ReasonUnknownEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(dir, now)
			evt := baseEvent(now)
			tt.mutate(evt)

			res, err := v.Check(context.Background(), evt)
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.reason, res.Reason)
			assert.NotEmpty(t, res.Detail)
		})
	}
}

func TestCheckStalenessBoundary(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	dir := &stubDirectory{known: map[string]bool{"user/user-1": true}}
	v := newTestValidator(dir, now)

	// Exactly at the bound is excluded; one second inside is accepted.
	evt := baseEvent(now)
	evt.OccurredAt = now.Add(-90 * 24 * time.Hour)
	res, err := v.Check(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, ReasonStaleTimestamp, res.Reason)

	evt = baseEvent(now)
	evt.OccurredAt = now.Add(-90*24*time.Hour + time.Second)
	res, err = v.Check(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestCheckAcceptsAndDecodesMetadata(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	dir := &stubDirectory{known: map[string]bool{"user/user-1": true}}
	v := newTestValidator(dir, now)

	evt := baseEvent(now)
	evt.Metadata = v1.RawMetadata{"session_duration_minutes": float64(42), "device_type": "desktop"}

	res, err := v.Check(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, v1.MetaSession, evt.Meta.Kind)
	assert.Equal(t, 42, evt.Meta.Session.SessionDurationMinutes)
}

func TestSystemEventsSkipDirectory(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	// Empty directory: any user lookup would be an orphan.
	v := newTestValidator(&stubDirectory{known: map[string]bool{}}, now)

	evt := baseEvent(now)
	evt.EntityID = "ingest-worker-3"
	evt.EntityType = v1.EntitySystem
	evt.Type = "batch_compute_complete"

	res, err := v.Check(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestComplianceCounters(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	dir := &stubDirectory{known: map[string]bool{"user/user-1": true}}
	v := newTestValidator(dir, now)

	good := baseEvent(now)
	_, err := v.Check(context.Background(), good)
	require.NoError(t, err)

	bad := baseEvent(now)
	bad.Location = ""
	_, err = v.Check(context.Background(), bad)
	require.NoError(t, err)

	orphan := baseEvent(now)
	orphan.EntityID = "user-nobody"
	_, err = v.Check(context.Background(), orphan)
	require.NoError(t, err)

	snap := v.Compliance()
	assert.Equal(t, int64(1), snap.Accepted)
	assert.Equal(t, int64(1), snap.Quarantined)
	assert.Equal(t, int64(1), snap.Orphaned)
	assert.InDelta(t, 33.33, snap.ComplianceRate(), 0.01)
}
