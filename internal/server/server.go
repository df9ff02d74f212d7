// Package server owns the HTTP listener, the health endpoint, and graceful
// shutdown. Route registration belongs to the feature services.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CheckpointFunc reports the state engine's durable cursor for the health
// payload. Optional; nil omits the field.
type CheckpointFunc func(ctx context.Context) (int64, error)

type Server struct {
	Engine *gin.Engine
	Addr   string

	db         *sql.DB
	checkpoint CheckpointFunc
}

func New(addr string, db *sql.DB, mode string, checkpoint CheckpointFunc) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		Engine:     gin.Default(),
		Addr:       addr,
		db:         db,
		checkpoint: checkpoint,
	}
	s.Engine.GET("/health", s.healthHandler)
	return s
}

// healthHandler verifies database connectivity and reports the compute
// checkpoint so operators can see engine lag at a glance.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			slog.Error("[Server] Health check failed: database unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
	}

	body := gin.H{
		"status":   "healthy",
		"service":  "monstera-state-engine",
		"database": "connected",
	}
	if s.checkpoint != nil {
		if cursor, err := s.checkpoint(ctx); err == nil {
			body["compute_checkpoint"] = cursor
		}
	}
	c.JSON(http.StatusOK, body)
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("[Server] Starting HTTP server", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("[Server] Stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("[Server] Forced shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
