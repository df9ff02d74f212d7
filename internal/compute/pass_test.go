package compute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	"github.com/monstera-lab/monstera/internal/core/config"
	"github.com/monstera-lab/monstera/internal/core/lifecycle"
	"github.com/monstera-lab/monstera/internal/core/policy"
	"github.com/monstera-lab/monstera/internal/core/storage"
)

// memEventStore is an in-memory event log keyed by ingest sequence.
type memEventStore struct {
	mu     sync.Mutex
	events []*v1.Event
	users  map[string]string // user id -> account id, for account history
}

func (s *memEventStore) append(evt *v1.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt.IngestSeq = int64(len(s.events) + 1)
	s.events = append(s.events, evt)
}

func (s *memEventStore) SaveEvent(_ context.Context, evt *v1.Event) error {
	s.append(evt)
	return nil
}

func (s *memEventStore) RetrieveEventsAfterCursor(_ context.Context, cursor int64, limit int) ([]*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Event
	for _, evt := range s.events {
		if evt.IngestSeq > cursor {
			out = append(out, evt)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memEventStore) RetrieveEntityHistory(_ context.Context, entityID string, watermark time.Time) ([]*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Event
	for _, evt := range s.events {
		if evt.EntityID == entityID && !evt.OccurredAt.After(watermark) {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (s *memEventStore) RetrieveAccountHistory(_ context.Context, accountID string, watermark time.Time) ([]*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Event
	for _, evt := range s.events {
		if evt.OccurredAt.After(watermark) {
			continue
		}
		if evt.EntityID == accountID || s.users[evt.EntityID] == accountID {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (s *memEventStore) SaveQuarantined(context.Context, *storage.QuarantinedEvent) error {
	return nil
}

func (s *memEventStore) QuarantineCounts(context.Context) (map[string]int64, error) {
	return nil, nil
}

// memEntityStore serves reference data from maps.
type memEntityStore struct {
	users    map[string]*v1.User
	accounts map[string]*v1.Account
	products []*v1.Product
}

func (s *memEntityStore) GetUser(_ context.Context, id string) (*v1.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memEntityStore) GetAccount(_ context.Context, id string) (*v1.Account, error) {
	if a, ok := s.accounts[id]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memEntityStore) GetProduct(context.Context, string) (*v1.Product, error) {
	return nil, storage.ErrNotFound
}

func (s *memEntityStore) ListUsersByAccount(_ context.Context, accountID string) ([]*v1.User, error) {
	var out []*v1.User
	for _, u := range s.users {
		if u.AccountID == accountID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *memEntityStore) ListAccounts(context.Context) ([]*v1.Account, error) { return nil, nil }

func (s *memEntityStore) ListProducts(context.Context) ([]*v1.Product, error) {
	return s.products, nil
}

func (s *memEntityStore) EntityExists(_ context.Context, t v1.EntityType, id string) (bool, error) {
	switch t {
	case v1.EntityUser:
		_, ok := s.users[id]
		return ok, nil
	case v1.EntityAccount:
		_, ok := s.accounts[id]
		return ok, nil
	}
	return true, nil
}

func (s *memEntityStore) SaveUser(context.Context, *v1.User) error       { return nil }
func (s *memEntityStore) SaveAccount(context.Context, *v1.Account) error { return nil }
func (s *memEntityStore) SaveProduct(context.Context, *v1.Product) error { return nil }

type transitionKey struct {
	entityType, entityID, scope, toState string
	occurredAt                           time.Time
}

// memStateStore mimics the postgres adapter's monotonic-checkpoint flush and
// transition natural-key dedup.
type memStateStore struct {
	mu          sync.Mutex
	platform    map[string]*lifecycle.UserPlatformState
	products    map[string][]*lifecycle.UserProductState
	accounts    map[string]*lifecycle.AccountStateRecord
	transitions map[transitionKey]lifecycle.StateTransition
	checkpoint  int64
	flushes     int

	platformErr error // injected fault for one user id
	failUserID  string
}

func newMemStateStore() *memStateStore {
	return &memStateStore{
		platform:    make(map[string]*lifecycle.UserPlatformState),
		products:    make(map[string][]*lifecycle.UserProductState),
		accounts:    make(map[string]*lifecycle.AccountStateRecord),
		transitions: make(map[transitionKey]lifecycle.StateTransition),
	}
}

func (s *memStateStore) GetPlatformState(_ context.Context, userID string) (*lifecycle.UserPlatformState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.platformErr != nil && userID == s.failUserID {
		return nil, s.platformErr
	}
	if st, ok := s.platform[userID]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memStateStore) GetProductStates(_ context.Context, userID string) ([]*lifecycle.UserProductState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[userID], nil
}

func (s *memStateStore) GetAccountState(_ context.Context, accountID string) (*lifecycle.AccountStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.accounts[accountID]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memStateStore) FlushStates(_ context.Context, batch storage.StateBatch, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor <= s.checkpoint {
		return nil
	}
	for _, st := range batch.PlatformStates {
		cp := *st
		s.platform[st.UserID] = &cp
	}
	for _, st := range batch.ProductStates {
		cp := *st
		kept := s.products[st.UserID][:0]
		for _, prior := range s.products[st.UserID] {
			if prior.ProductID != st.ProductID {
				kept = append(kept, prior)
			}
		}
		s.products[st.UserID] = append(kept, &cp)
	}
	for _, st := range batch.AccountStates {
		cp := *st
		s.accounts[st.AccountID] = &cp
	}
	for _, t := range batch.Transitions {
		key := transitionKey{string(t.EntityType), t.EntityID, t.Scope, t.ToState, t.OccurredAt}
		if _, dup := s.transitions[key]; !dup {
			s.transitions[key] = t
		}
	}
	s.checkpoint = cursor
	s.flushes++
	return nil
}

func (s *memStateStore) ReadCheckpoint(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, nil
}

func (s *memStateStore) ResetCheckpoint(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = 0
	return nil
}

func passConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Compute.BatchSize = 100
	cfg.Compute.WorkerCount = 4
	cfg.Lifecycle.HealthWeights = config.WeightsConfig{
		SeatUtilization: 0.25,
		ProductBreadth:  0.25,
		RecentActivity:  0.25,
		ContractStatus:  0.25,
	}
	cfg.Lifecycle.AtRiskThreshold = 40
	return cfg
}

func passClassifier(t *testing.T) *policy.Classifier {
	t.Helper()
	dir := t.TempDir()
	platform := `
product_id: ""
events:
  user_login:
    qualifying: true
`
	product := `
product_id: "video-editor"
events:
  video_create:
    qualifying: true
    activation: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "platform.yaml"), []byte(platform), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video-editor.yaml"), []byte(product), 0o644))
	cls, err := policy.NewFileSystemClassifier(dir)
	require.NoError(t, err)
	return cls
}

type passFixture struct {
	events   *memEventStore
	states   *memStateStore
	entities *memEntityStore
	engine   *Engine
	now      time.Time
}

func newPassFixture(t *testing.T) *passFixture {
	t.Helper()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	entities := &memEntityStore{
		users: map[string]*v1.User{
			"user-1": {UserID: "user-1", AccountID: "acct-1", PlanType: "pro", Country: "DE", CreatedAt: now.Add(-10 * 24 * time.Hour)},
		},
		accounts: map[string]*v1.Account{
			"acct-1": {AccountID: "acct-1", Name: "Acme", SubscriptionTier: "enterprise", TotalSeats: 5, RenewalDate: now.Add(90 * 24 * time.Hour), CreatedAt: now.Add(-100 * 24 * time.Hour)},
		},
		products: []*v1.Product{
			{ProductID: "video-editor", Name: "Video Editor", Tier: v1.TierProduct, Active: true},
		},
	}
	events := &memEventStore{users: map[string]string{"user-1": "acct-1"}}
	states := newMemStateStore()

	engine := NewEngine(events, states, entities, passClassifier(t), passConfig())
	engine.nowFn = func() time.Time { return now }

	return &passFixture{events: events, states: states, entities: entities, engine: engine, now: now}
}

func (f *passFixture) ingestUserEvent(id, eventType, productID string, occurred time.Time) {
	f.events.append(&v1.Event{
		ID:         id,
		EntityID:   "user-1",
		EntityType: v1.EntityUser,
		Type:       eventType,
		ProductID:  productID,
		OccurredAt: occurred,
		Location:   "web_app",
	})
}

func TestRunPass_EmptyBacklog(t *testing.T) {
	f := newPassFixture(t)

	report, err := f.engine.RunPass(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, SignalOK, report.Signal())
	assert.False(t, report.Advanced())
	assert.Zero(t, report.EventsProcessed)
	assert.Zero(t, f.states.flushes)
}

func TestRunPass_DerivesStatesAndTransitions(t *testing.T) {
	f := newPassFixture(t)
	f.ingestUserEvent("evt-1", "user_login", "", f.now.Add(-24*time.Hour))
	f.ingestUserEvent("evt-2", "video_create", "video-editor", f.now.Add(-48*time.Hour))

	report, err := f.engine.RunPass(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, SignalOK, report.Signal())
	assert.Equal(t, 2, report.EventsProcessed)
	assert.Equal(t, 1, report.UsersComputed)
	assert.Equal(t, 1, report.AccountsComputed)
	assert.True(t, report.Advanced())
	assert.Equal(t, int64(2), report.ToCursor)

	platform := f.states.platform["user-1"]
	require.NotNil(t, platform)
	assert.Equal(t, lifecycle.PlatformActive, platform.State)
	assert.Equal(t, 2, platform.TotalQualifyingEvents)
	assert.Equal(t, "evt-1", platform.TriggeringEventID)

	products := f.states.products["user-1"]
	require.Len(t, products, 1)
	assert.Equal(t, lifecycle.ProductActive, products[0].State)
	assert.Equal(t, "video-editor", products[0].ProductID)
	require.NotNil(t, products[0].ActivationAt)

	acct := f.states.accounts["acct-1"]
	require.NotNil(t, acct)
	assert.Equal(t, lifecycle.AccountActive, acct.State)
	// 1 of 5 seats, 1 of 1 products, fresh activity, renewal 90d out:
	// (20 + 100 + 100 + 100) * 0.25
	assert.Equal(t, "80", acct.HealthScore.String())
	assert.Equal(t, "20", acct.SeatUtilizationPct.String())

	// One bootstrap transition per scope.
	assert.Len(t, f.states.transitions, 3)
	for _, tr := range f.states.transitions {
		assert.Empty(t, tr.FromState)
	}
}

func TestRunPass_SecondPassIsIdempotent(t *testing.T) {
	f := newPassFixture(t)
	f.ingestUserEvent("evt-1", "user_login", "", f.now.Add(-24*time.Hour))

	_, err := f.engine.RunPass(context.Background(), Options{})
	require.NoError(t, err)
	firstSince := f.states.platform["user-1"].StateSince

	report, err := f.engine.RunPass(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, report.EventsProcessed)
	assert.False(t, report.Advanced())

	// A full replay over the same log reproduces the same records and adds
	// no transitions.
	report, err = f.engine.RunPass(context.Background(), Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, SignalOK, report.Signal())
	assert.Equal(t, 1, report.EventsProcessed)
	assert.Equal(t, firstSince, f.states.platform["user-1"].StateSince)
	assert.Len(t, f.states.transitions, 1)
}

func TestRunPass_MissingEntityIsDataQuality(t *testing.T) {
	f := newPassFixture(t)
	f.events.append(&v1.Event{
		ID:         "evt-ghost",
		EntityID:   "user-ghost",
		EntityType: v1.EntityUser,
		Type:       "user_login",
		OccurredAt: f.now.Add(-time.Hour),
		Location:   "web_app",
	})

	report, err := f.engine.RunPass(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, SignalDataQuality, report.Signal())
	assert.Contains(t, report.MissingEntities, "user/user-ghost")
	// Data-quality findings do not block the checkpoint.
	assert.True(t, report.Advanced())
}

func TestRunPass_PartitionFailureHoldsCheckpoint(t *testing.T) {
	f := newPassFixture(t)
	f.ingestUserEvent("evt-1", "user_login", "", f.now.Add(-24*time.Hour))
	f.states.failUserID = "user-1"
	f.states.platformErr = errors.New("connection reset")

	report, err := f.engine.RunPass(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, SignalComputationError, report.Signal())
	assert.NotEmpty(t, report.PartitionErrors)
	assert.False(t, report.Advanced())
	assert.Zero(t, f.states.flushes)

	// Clearing the fault lets the retried batch complete.
	f.states.platformErr = nil
	report, err = f.engine.RunPass(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, SignalOK, report.Signal())
	assert.True(t, report.Advanced())
}

func TestRunPass_DormantUserReturnsOnNewActivity(t *testing.T) {
	f := newPassFixture(t)

	// Stored dormant state from a prior pass.
	f.states.platform["user-1"] = &lifecycle.UserPlatformState{
		UserID:     "user-1",
		State:      lifecycle.PlatformDormant,
		StateSince: f.now.Add(-20 * 24 * time.Hour),
	}

	// Old activity that put the user in the dormant band, plus a fresh event.
	f.ingestUserEvent("evt-old", "user_login", "", f.now.Add(-45*24*time.Hour))
	f.ingestUserEvent("evt-new", "user_login", "", f.now.Add(-time.Hour))

	report, err := f.engine.RunPass(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, SignalOK, report.Signal())

	platform := f.states.platform["user-1"]
	assert.Equal(t, lifecycle.PlatformReturning, platform.State)

	var found bool
	for _, tr := range f.states.transitions {
		if tr.Scope == lifecycle.ScopePlatform && tr.ToState == string(lifecycle.PlatformReturning) {
			found = true
			assert.Equal(t, string(lifecycle.PlatformDormant), tr.FromState)
		}
	}
	assert.True(t, found, "expected a dormant -> returning transition")
}

func TestRunPass_InvalidEdgeYieldsAnomaly(t *testing.T) {
	f := newPassFixture(t)

	// A stored churned state with recent qualifying activity would compute to
	// reactivated (valid). Force an invalid edge instead: stored deleted, no
	// restoration event, fresh activity computes active. deleted -> active is
	// not an admissible edge.
	f.states.platform["user-1"] = &lifecycle.UserPlatformState{
		UserID:     "user-1",
		State:      lifecycle.PlatformDeleted,
		StateSince: f.now.Add(-5 * 24 * time.Hour),
	}
	f.ingestUserEvent("evt-1", "user_login", "", f.now.Add(-time.Hour))

	report, err := f.engine.RunPass(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, SignalDataQuality, report.Signal())
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, string(lifecycle.PlatformDeleted), report.Anomalies[0].FromState)
	assert.Equal(t, string(lifecycle.PlatformActive), report.Anomalies[0].ToState)

	// The stored record is retained, not overwritten with the invalid target.
	assert.Equal(t, lifecycle.PlatformDeleted, f.states.platform["user-1"].State)
}

func TestDrainBacklog_PagesThroughBacklog(t *testing.T) {
	f := newPassFixture(t)
	for i := 0; i < 5; i++ {
		f.ingestUserEvent(fmt.Sprintf("evt-%d", i), "user_login", "", f.now.Add(-time.Duration(i+1)*time.Hour))
	}

	sched := NewScheduler(time.Minute, f.engine, Options{BatchSize: 2, WorkerCount: 2})
	sched.drainBacklog(context.Background())

	cp, err := f.states.ReadCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), cp)
	// 2 + 2 + 1: three flushing passes.
	assert.Equal(t, 3, f.states.flushes)
}
