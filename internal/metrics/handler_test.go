package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	"github.com/monstera-lab/monstera/internal/core/lifecycle"
	"github.com/monstera-lab/monstera/internal/core/storage"
	"github.com/monstera-lab/monstera/internal/validation"
)

type stubMetricsStore struct {
	transitions []lifecycle.StateTransition
	counts      []storage.StateCount
	series      []storage.TransitionBucket
	tiers       []storage.TierHealth

	lastFilter  storage.TransitionFilter
	lastScope   string
	lastSegment string
}

func (s *stubMetricsStore) ListTransitions(_ context.Context, f storage.TransitionFilter) ([]lifecycle.StateTransition, error) {
	s.lastFilter = f
	return s.transitions, nil
}

func (s *stubMetricsStore) CountStates(_ context.Context, scope, segmentBy string) ([]storage.StateCount, error) {
	s.lastScope, s.lastSegment = scope, segmentBy
	return s.counts, nil
}

func (s *stubMetricsStore) TransitionSeries(_ context.Context, f storage.TransitionFilter) ([]storage.TransitionBucket, error) {
	s.lastFilter = f
	return s.series, nil
}

func (s *stubMetricsStore) HealthByTier(context.Context) ([]storage.TierHealth, error) {
	return s.tiers, nil
}

type stubStateStore struct {
	platform map[string]*lifecycle.UserPlatformState
	products map[string][]*lifecycle.UserProductState
	accounts map[string]*lifecycle.AccountStateRecord
}

func (s *stubStateStore) GetPlatformState(_ context.Context, userID string) (*lifecycle.UserPlatformState, error) {
	if st, ok := s.platform[userID]; ok {
		return st, nil
	}
	return nil, storage.ErrNotFound
}

func (s *stubStateStore) GetProductStates(_ context.Context, userID string) ([]*lifecycle.UserProductState, error) {
	return s.products[userID], nil
}

func (s *stubStateStore) GetAccountState(_ context.Context, accountID string) (*lifecycle.AccountStateRecord, error) {
	if st, ok := s.accounts[accountID]; ok {
		return st, nil
	}
	return nil, storage.ErrNotFound
}

func (s *stubStateStore) FlushStates(context.Context, storage.StateBatch, int64) error { return nil }
func (s *stubStateStore) ReadCheckpoint(context.Context) (int64, error)               { return 0, nil }
func (s *stubStateStore) ResetCheckpoint(context.Context) error                       { return nil }

type stubQualityStore struct {
	counts map[string]int64
}

func (s *stubQualityStore) SaveEvent(context.Context, *v1.Event) error { return nil }
func (s *stubQualityStore) RetrieveEventsAfterCursor(context.Context, int64, int) ([]*v1.Event, error) {
	return nil, nil
}
func (s *stubQualityStore) RetrieveEntityHistory(context.Context, string, time.Time) ([]*v1.Event, error) {
	return nil, nil
}
func (s *stubQualityStore) RetrieveAccountHistory(context.Context, string, time.Time) ([]*v1.Event, error) {
	return nil, nil
}
func (s *stubQualityStore) SaveQuarantined(context.Context, *storage.QuarantinedEvent) error {
	return nil
}
func (s *stubQualityStore) QuarantineCounts(context.Context) (map[string]int64, error) {
	return s.counts, nil
}

func performGet(t *testing.T, svc *Service, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	svc.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func newTestService(metrics *stubMetricsStore, states *stubStateStore, events *stubQualityStore) *Service {
	if metrics == nil {
		metrics = &stubMetricsStore{}
	}
	if states == nil {
		states = &stubStateStore{}
	}
	if events == nil {
		events = &stubQualityStore{}
	}
	compliance := func() validation.Snapshot {
		return validation.Snapshot{Accepted: 8, Quarantined: 1, Orphaned: 1}
	}
	return NewService(metrics, states, events, compliance)
}

func TestUserStateHandler_ReturnsPlatformAndProducts(t *testing.T) {
	states := &stubStateStore{
		platform: map[string]*lifecycle.UserPlatformState{
			"user-1": {UserID: "user-1", State: lifecycle.PlatformActive, TotalQualifyingEvents: 12},
		},
		products: map[string][]*lifecycle.UserProductState{
			"user-1": {
				{UserID: "user-1", ProductID: "video-editor", State: lifecycle.ProductActive},
			},
		},
	}
	svc := newTestService(nil, states, nil)

	w := performGet(t, svc, "/v1/states/user-1")

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		UserID   string                       `json:"user_id"`
		Platform lifecycle.UserPlatformState  `json:"platform"`
		Products []lifecycle.UserProductState `json:"products"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
	assert.Equal(t, lifecycle.PlatformActive, resp.Platform.State)
	require.Len(t, resp.Products, 1)
	assert.Equal(t, "video-editor", resp.Products[0].ProductID)
}

func TestUserStateHandler_NotFound(t *testing.T) {
	svc := newTestService(nil, &stubStateStore{}, nil)
	w := performGet(t, svc, "/v1/states/nobody")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAccountStateHandler_ReturnsRecord(t *testing.T) {
	states := &stubStateStore{
		accounts: map[string]*lifecycle.AccountStateRecord{
			"acct-1": {
				AccountID:   "acct-1",
				State:       lifecycle.AccountAtRisk,
				HealthScore: decimal.RequireFromString("32.50"),
			},
		},
	}
	svc := newTestService(nil, states, nil)

	w := performGet(t, svc, "/v1/accounts/acct-1/state")

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		AccountID   string `json:"account_id"`
		State       string `json:"state"`
		HealthScore string `json:"health_score"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acct-1", resp.AccountID)
	assert.Equal(t, string(lifecycle.AccountAtRisk), resp.State)
	assert.Equal(t, "32.5", resp.HealthScore)
}

func TestListTransitionsHandler_ParsesFilter(t *testing.T) {
	metrics := &stubMetricsStore{
		transitions: []lifecycle.StateTransition{
			{EntityID: "user-1", Scope: lifecycle.ScopePlatform, ToState: "dormant"},
		},
	}
	svc := newTestService(metrics, nil, nil)

	w := performGet(t, svc, "/v1/transitions?scope=platform&to_state=dormant&since=2026-01-01T00:00:00Z&limit=50")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "platform", metrics.lastFilter.Scope)
	assert.Equal(t, "dormant", metrics.lastFilter.ToState)
	assert.Equal(t, 50, metrics.lastFilter.Limit)
	assert.Equal(t, 2026, metrics.lastFilter.Since.Year())
}

func TestListTransitionsHandler_RejectsBadTimestamp(t *testing.T) {
	svc := newTestService(nil, nil, nil)
	w := performGet(t, svc, "/v1/transitions?since=lastweek")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTransitionsHandler_CapsLimit(t *testing.T) {
	metrics := &stubMetricsStore{}
	svc := newTestService(metrics, nil, nil)

	w := performGet(t, svc, "/v1/transitions?limit=99999")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxTransitionLimit, metrics.lastFilter.Limit)
}

func TestStateCountsHandler_ValidatesScopeAndSegment(t *testing.T) {
	metrics := &stubMetricsStore{
		counts: []storage.StateCount{{Scope: "platform", State: "active", Segment: "pro", Count: 10}},
	}
	svc := newTestService(metrics, nil, nil)

	w := performGet(t, svc, "/v1/metrics/states?scope=platform&segment_by=plan_type")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "platform", metrics.lastScope)
	assert.Equal(t, "plan_type", metrics.lastSegment)

	w = performGet(t, svc, "/v1/metrics/states?scope=galaxy")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = performGet(t, svc, "/v1/metrics/states?scope=account&segment_by=country")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQualityHandler_CombinesCountersAndQuarantine(t *testing.T) {
	events := &stubQualityStore{counts: map[string]int64{"missing_field": 3, "unknown_entity": 2}}
	svc := newTestService(nil, nil, events)

	w := performGet(t, svc, "/v1/metrics/quality")

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Accepted       int64            `json:"accepted"`
		ComplianceRate float64          `json:"compliance_rate"`
		ByReason       map[string]int64 `json:"quarantined_by_reason"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(8), resp.Accepted)
	assert.InDelta(t, 80.0, resp.ComplianceRate, 0.001)
	assert.Equal(t, int64(3), resp.ByReason["missing_field"])
}
