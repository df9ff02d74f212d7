package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/monstera-lab/monstera/internal/core/lifecycle"
	"github.com/monstera-lab/monstera/internal/core/storage"
)

// maxTransitionLimit caps transition-log page sizes regardless of what the
// caller asks for.
const maxTransitionLimit = 1000

// segmentsByScope enumerates the allowed segment_by values per scope.
// Product scope is always segmented by product id, so it admits none.
var segmentsByScope = map[string]map[string]bool{
	lifecycle.ScopePlatform: {"": true, "plan_type": true, "country": true, "acquisition_source": true},
	lifecycle.ScopeAccount:  {"": true, "subscription_tier": true},
	"product":               {"": true},
}

// UserStateHandler returns a user's current platform state plus every
// materialized product state. Users the engine has never computed
// return 404; product pairs with no record are omitted (never_adopted is
// implicit, not stored).
func (s *Service) UserStateHandler(c *gin.Context) {
	userID := c.Param("user_id")

	platform, err := s.states.GetPlatformState(c.Request.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "state_not_found",
			"message": "No computed state for user " + userID,
		})
		return
	}
	if err != nil {
		slog.Error("[Metrics] Platform state lookup failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	products, err := s.states.GetProductStates(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Error("[Metrics] Product state lookup failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if products == nil {
		products = []*lifecycle.UserProductState{}
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":  userID,
		"platform": platform,
		"products": products,
	})
}

// AccountStateHandler returns an account's current derived record, health
// score and component breakdown included.
func (s *Service) AccountStateHandler(c *gin.Context) {
	accountID := c.Param("account_id")

	state, err := s.states.GetAccountState(c.Request.Context(), accountID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "state_not_found",
			"message": "No computed state for account " + accountID,
		})
		return
	}
	if err != nil {
		slog.Error("[Metrics] Account state lookup failed", "account_id", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, state)
}

// ListTransitionsHandler queries the transition log. All filters are
// optional: entity_type, entity_id, scope, to_state, since, until, limit.
func (s *Service) ListTransitionsHandler(c *gin.Context) {
	filter, ok := transitionFilter(c)
	if !ok {
		return
	}

	transitions, err := s.metrics.ListTransitions(c.Request.Context(), filter)
	if err != nil {
		slog.Error("[Metrics] Transition query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if transitions == nil {
		transitions = []lifecycle.StateTransition{}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":       len(transitions),
		"transitions": transitions,
	})
}

// StateCountsHandler rolls up current state counts for one scope.
// ?scope=platform|product|account, optional ?segment_by= per scope.
func (s *Service) StateCountsHandler(c *gin.Context) {
	scope := c.DefaultQuery("scope", lifecycle.ScopePlatform)
	segmentBy := c.Query("segment_by")

	allowed, knownScope := segmentsByScope[scope]
	if !knownScope {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_query",
			"message": "scope must be platform, product, or account",
		})
		return
	}
	if !allowed[segmentBy] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_query",
			"message": "segment_by " + segmentBy + " is not valid for scope " + scope,
		})
		return
	}

	counts, err := s.metrics.CountStates(c.Request.Context(), scope, segmentBy)
	if err != nil {
		slog.Error("[Metrics] State count query failed", "scope", scope, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if counts == nil {
		counts = []storage.StateCount{}
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":      scope,
		"segment_by": segmentBy,
		"counts":     counts,
	})
}

// TransitionSeriesHandler buckets transition volume by day, for churn and
// reactivation trend charts. Optional ?scope=, ?to_state=, ?since=, ?until=.
func (s *Service) TransitionSeriesHandler(c *gin.Context) {
	filter, ok := transitionFilter(c)
	if !ok {
		return
	}

	series, err := s.metrics.TransitionSeries(c.Request.Context(), filter)
	if err != nil {
		slog.Error("[Metrics] Transition series query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if series == nil {
		series = []storage.TransitionBucket{}
	}

	c.JSON(http.StatusOK, gin.H{"series": series})
}

// HealthByTierHandler averages account health per subscription tier.
func (s *Service) HealthByTierHandler(c *gin.Context) {
	tiers, err := s.metrics.HealthByTier(c.Request.Context())
	if err != nil {
		slog.Error("[Metrics] Health rollup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if tiers == nil {
		tiers = []storage.TierHealth{}
	}

	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}

// QualityHandler reports ingestion compliance: the validator's lifetime
// counters plus the persistent quarantine totals grouped by reason.
func (s *Service) QualityHandler(c *gin.Context) {
	quarantine, err := s.events.QuarantineCounts(c.Request.Context())
	if err != nil {
		slog.Error("[Metrics] Quarantine count query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if quarantine == nil {
		quarantine = map[string]int64{}
	}

	snap := s.compliance()
	c.JSON(http.StatusOK, gin.H{
		"accepted":              snap.Accepted,
		"quarantined":           snap.Quarantined,
		"orphaned":              snap.Orphaned,
		"compliance_rate":       snap.ComplianceRate(),
		"quarantined_by_reason": quarantine,
	})
}

// transitionFilter parses the shared transition query parameters. On a parse
// failure it writes the 400 itself and returns ok=false.
func transitionFilter(c *gin.Context) (storage.TransitionFilter, bool) {
	f := storage.TransitionFilter{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Scope:      c.Query("scope"),
		ToState:    c.Query("to_state"),
	}

	badParam := func(name string) (storage.TransitionFilter, bool) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_query",
			"message": name + " must be an RFC3339 timestamp",
		})
		return storage.TransitionFilter{}, false
	}

	if raw := c.Query("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badParam("since")
		}
		f.Since = ts
	}
	if raw := c.Query("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badParam("until")
		}
		f.Until = ts
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_query",
				"message": "limit must be a positive integer",
			})
			return storage.TransitionFilter{}, false
		}
		if n > maxTransitionLimit {
			n = maxTransitionLimit
		}
		f.Limit = n
	}
	return f, true
}
