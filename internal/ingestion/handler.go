package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	httperr "github.com/monstera-lab/monstera/internal/core/errors"
	"github.com/monstera-lab/monstera/internal/core/storage"
	"github.com/monstera-lab/monstera/internal/validation"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgPersistFailed  = "Failed to persist event"
	msgDuplicateEvent = "Event already exists"
)

// maxBatchEvents bounds a single batch submission.
const maxBatchEvents = 1000

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles HTTP POST requests for single-event ingestion.
// A validation failure quarantines the event and answers 422 with the
// reason code; quarantined submissions are not errors from the producer's
// point of view, they are recorded verdicts.
func (s *Service) IngestHandler(c *gin.Context) {
	body, ierr := s.readBody(c)
	if ierr != nil {
		writeError(c, ierr)
		return
	}

	var evt v1.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(body))
		writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		})
		return
	}
	evt.IngestedAt = time.Now().UTC()

	verdict, ierr := s.processEvent(c.Request.Context(), &evt)
	if ierr != nil {
		writeError(c, ierr)
		return
	}
	if !verdict.Accepted {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"status": "quarantined",
			"reason": verdict.Reason,
			"detail": verdict.Detail,
		})
		return
	}

	// Event is durable. The compute scheduler picks it up on its next tick.
	c.JSON(http.StatusAccepted, gin.H{
		"status":        "accepted",
		"is_qualifying": evt.IsQualifying,
		"is_activation": evt.IsActivation,
	})
}

// batchResult is the per-event outcome of a batch submission.
type batchResult struct {
	ID     string `json:"id"`
	Status string `json:"status"` // accepted | quarantined | duplicate | error
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// IngestBatchHandler accepts a JSON array of events and processes each
// independently: one bad event never rejects its batch.
func (s *Service) IngestBatchHandler(c *gin.Context) {
	body, ierr := s.readBody(c)
	if ierr != nil {
		writeError(c, ierr)
		return
	}

	var events []v1.Event
	if err := json.Unmarshal(body, &events); err != nil {
		slog.Warn("Invalid JSON batch received", "error", err, "payload_size", len(body))
		writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		})
		return
	}
	if len(events) == 0 || len(events) > maxBatchEvents {
		writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Batch must contain between 1 and 1000 events",
		})
		return
	}

	now := time.Now().UTC()
	results := make([]batchResult, 0, len(events))
	accepted := 0
	for i := range events {
		evt := &events[i]
		evt.IngestedAt = now

		res := batchResult{ID: evt.ID}
		verdict, ierr := s.processEvent(c.Request.Context(), evt)
		switch {
		case ierr != nil && ierr.errorType == httperr.HttpDuplicateEventError:
			res.Status = "duplicate"
		case ierr != nil:
			res.Status = "error"
			res.Detail = ierr.message
		case !verdict.Accepted:
			res.Status = "quarantined"
			res.Reason = string(verdict.Reason)
			res.Detail = verdict.Detail
		default:
			res.Status = "accepted"
			accepted++
		}
		results = append(results, res)
	}

	c.JSON(http.StatusOK, gin.H{
		"received": len(events),
		"accepted": accepted,
		"results":  results,
	})
}

// ListEventsHandler returns one entity's accepted event history, most
// recent last, optionally bounded by an RFC3339 `until` query parameter.
func (s *Service) ListEventsHandler(c *gin.Context) {
	entityID := c.Param("entity_id")

	until := time.Now().UTC()
	if raw := c.Query("until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, &ingestionError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpInvalidQueryError,
				message:    "until must be RFC3339",
			})
			return
		}
		until = parsed
	}

	events, err := s.store.RetrieveEntityHistory(c.Request.Context(), entityID, until)
	if err != nil {
		slog.Error("Failed to query entity history", "error", err, "entity_id", entityID)
		writeError(c, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to query events",
		})
		return
	}
	if events == nil {
		events = []*v1.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entity_id": entityID,
		"count":     len(events),
		"events":    events,
	})
}

// processEvent runs the validate -> quarantine-or-classify -> persist
// pipeline for one event.
func (s *Service) processEvent(ctx context.Context, evt *v1.Event) (validation.Result, *ingestionError) {
	verdict, err := s.validator.Check(ctx, evt)
	if err != nil {
		slog.Error("Validation infrastructure failure", "error", err, "event_id", evt.ID)
		return verdict, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Validation failed",
		}
	}

	if !verdict.Accepted {
		s.quarantine(ctx, evt, verdict)
		return verdict, nil
	}

	class := s.classifier.Classify(evt)

	slog.Info("Received Event",
		"event_id", evt.ID,
		"entity_id", evt.EntityID,
		"event_type", evt.Type,
		"product_id", evt.ProductID,
		"is_qualifying", class.Qualifying)

	if ierr := s.persistEvent(ctx, evt); ierr != nil {
		return verdict, ierr
	}
	return verdict, nil
}

// quarantine records the rejected submission. A quarantine write failure is
// logged but never surfaces: losing a quarantine row must not fail the
// producer's request twice over.
func (s *Service) quarantine(ctx context.Context, evt *v1.Event, verdict validation.Result) {
	q := &storage.QuarantinedEvent{
		ID:            evt.ID,
		EntityID:      evt.EntityID,
		EntityType:    string(evt.EntityType),
		EventType:     evt.Type,
		OccurredAt:    evt.OccurredAt,
		Payload:       evt.Metadata,
		Reason:        string(verdict.Reason),
		Detail:        verdict.Detail,
		QuarantinedAt: time.Now().UTC(),
	}
	if err := s.store.SaveQuarantined(ctx, q); err != nil {
		slog.Error("Failed to write quarantine row", "error", err, "event_id", evt.ID)
	}
	slog.Warn("Event quarantined",
		"event_id", evt.ID,
		"entity_id", evt.EntityID,
		"reason", verdict.Reason)
}

// persistEvent saves the event to the backing store.
func (s *Service) persistEvent(ctx context.Context, evt *v1.Event) *ingestionError {
	if err := s.store.SaveEvent(ctx, evt); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			slog.Info("Duplicate event rejected", "event_id", evt.ID, "entity_id", evt.EntityID)
			return &ingestionError{
				statusCode: http.StatusConflict,
				errorType:  httperr.HttpDuplicateEventError,
				message:    msgDuplicateEvent,
			}
		}

		slog.Error("Failed to persist event", "error", err, "event_id", evt.ID)
		return &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgPersistFailed,
		}
	}
	return nil
}

// readBody reads the request body under the configured size cap.
func (s *Service) readBody(c *gin.Context) ([]byte, *ingestionError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return nil, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	return bodyBytes, nil
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}

// ReloadPoliciesHandler re-reads the classification policy tables from disk.
// Already-stored events keep their stamped flags until the next full
// recompute re-stamps them.
func (s *Service) ReloadPoliciesHandler(c *gin.Context) {
	if err := s.classifier.Reload(); err != nil {
		slog.Error("Policy reload failed", "error", err)
		writeError(c, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to reload policy tables",
			details:    err.Error(),
		})
		return
	}

	tables := s.classifier.Tables()
	summary := make([]gin.H, 0, len(tables))
	for _, tbl := range tables {
		summary = append(summary, gin.H{
			"product_id":  tbl.ProductID,
			"event_types": len(tbl.Events),
			"fingerprint": tbl.Fingerprint,
		})
	}
	slog.Info("Policy tables reloaded", "tables", len(tables))
	c.JSON(http.StatusOK, gin.H{
		"status": "reloaded",
		"tables": summary,
	})
}
