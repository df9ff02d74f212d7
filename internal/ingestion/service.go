// Package ingestion is the write-side HTTP surface: it accepts raw events,
// validates them, classifies them against the policy tables, and appends
// them to the event log. Rejected events land in quarantine, never in the
// log.
package ingestion

import (
	"github.com/gin-gonic/gin"

	"github.com/monstera-lab/monstera/internal/core/policy"
	"github.com/monstera-lab/monstera/internal/core/storage"
	"github.com/monstera-lab/monstera/internal/validation"
)

type Service struct {
	validator        *validation.Validator
	classifier       *policy.Classifier
	store            storage.EventStore
	maxBodySizeBytes int
}

func NewService(val *validation.Validator, cls *policy.Classifier, repo storage.EventStore, maxBodySizeMB int) *Service {
	if val == nil {
		panic("ingestion: validator must not be nil")
	}
	if cls == nil {
		panic("ingestion: classifier must not be nil")
	}
	if repo == nil {
		panic("ingestion: store must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		validator:        val,
		classifier:       cls,
		store:            repo,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// Compliance exposes the validator's quality counters to the metrics surface.
func (s *Service) Compliance() validation.Snapshot {
	return s.validator.Compliance()
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/events", s.IngestHandler)
	r.POST("/v1/events/batch", s.IngestBatchHandler)
	r.GET("/v1/events/:entity_id", s.ListEventsHandler)
	r.POST("/v1/policies/reload", s.ReloadPoliciesHandler)
}
