package compute

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// Service is the HTTP control surface over the compute engine. The scheduler
// covers steady-state operation; this surface exists for operators who need
// to force a pass, most commonly a full replay after a policy table change.
type Service struct {
	engine *Engine
	opts   Options

	// Serializes manual recomputes. The checkpoint guard in the state store
	// makes concurrent passes safe, but two overlapping full replays would
	// just burn the event log twice for one result.
	running sync.Mutex
}

func NewComputeService(engine *Engine, opts Options) *Service {
	if engine == nil {
		panic("compute: engine must not be nil")
	}
	return &Service{engine: engine, opts: opts}
}

func (s *Service) RegisterRoutes(router gin.IRouter) {
	router.POST("/v1/recompute", s.RecomputeHandler)
}

type recomputeRequest struct {
	// Mode is "incremental" (default) or "full". Full resets the checkpoint
	// and replays the entire event log.
	Mode string `json:"mode"`
}

// RecomputeHandler triggers one compute pass synchronously and returns its
// report. 409 if a manual pass is already in flight.
func (s *Service) RecomputeHandler(c *gin.Context) {
	var req recomputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_json",
				"message": "Request body must be a JSON object",
			})
			return
		}
	}

	opts := s.opts
	switch req.Mode {
	case "", "incremental":
	case "full":
		opts.Full = true
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_mode",
			"message": "mode must be \"full\" or \"incremental\"",
		})
		return
	}

	if !s.running.TryLock() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "recompute_in_progress",
			"message": "A manually triggered pass is already running",
		})
		return
	}
	defer s.running.Unlock()

	slog.Info("[Compute] Manual pass requested", "mode", req.Mode, "full", opts.Full)
	report, err := s.engine.RunPass(c.Request.Context(), opts)
	if err != nil {
		slog.Error("[Compute] Manual pass failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "compute_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"signal": report.Signal(),
		"report": report,
	})
}
