// Package metrics is the read-only query surface: current state lookups,
// transition-log queries, rollups, and data-quality figures. It never writes;
// everything it serves is produced by ingestion and the compute pass.
package metrics

import (
	"github.com/gin-gonic/gin"

	"github.com/monstera-lab/monstera/internal/core/storage"
	"github.com/monstera-lab/monstera/internal/validation"
)

// ComplianceFunc supplies the ingestion validator's live counters.
type ComplianceFunc func() validation.Snapshot

type Service struct {
	metrics    storage.MetricsStore
	states     storage.StateStore
	events     storage.EventStore
	compliance ComplianceFunc
}

func NewService(
	metrics storage.MetricsStore,
	states storage.StateStore,
	events storage.EventStore,
	compliance ComplianceFunc,
) *Service {
	if metrics == nil {
		panic("metrics: metrics store must not be nil")
	}
	if states == nil {
		panic("metrics: state store must not be nil")
	}
	if events == nil {
		panic("metrics: event store must not be nil")
	}
	if compliance == nil {
		compliance = func() validation.Snapshot { return validation.Snapshot{} }
	}
	return &Service{
		metrics:    metrics,
		states:     states,
		events:     events,
		compliance: compliance,
	}
}

func (s *Service) RegisterRoutes(router gin.IRouter) {
	router.GET("/v1/states/:user_id", s.UserStateHandler)
	router.GET("/v1/accounts/:account_id/state", s.AccountStateHandler)
	router.GET("/v1/transitions", s.ListTransitionsHandler)
	router.GET("/v1/metrics/states", s.StateCountsHandler)
	router.GET("/v1/metrics/transitions/daily", s.TransitionSeriesHandler)
	router.GET("/v1/metrics/health", s.HealthByTierHandler)
	router.GET("/v1/metrics/quality", s.QualityHandler)
}
