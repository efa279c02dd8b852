// Package server exposes the engine over HTTP: anomaly queries, baseline
// ingest, and the latest cycle snapshots. Validation happens here, at the
// boundary; the engine below assumes enums are valid and numbers finite.
package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/koala73/worldmonitor-engine/internal/config"
	"github.com/koala73/worldmonitor-engine/internal/engine"
	"github.com/koala73/worldmonitor-engine/internal/logging"
	"github.com/koala73/worldmonitor-engine/internal/model"
)

// Server wraps the engine with a gin router.
type Server struct {
	cfg    *config.Config
	eng    *engine.Engine
	router *gin.Engine
	srv    *http.Server
}

// New builds the router. Release mode keeps gin's debug chatter out of
// the structured log.
func New(cfg *config.Config, eng *engine.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		eng:    eng,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/anomaly", s.getAnomaly)
	s.router.POST("/api/baselines", s.postBaselines)
	s.router.GET("/api/events", s.getEvents)
	s.router.GET("/api/signals", s.getSignals)
	s.router.GET("/healthz", s.getHealth)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// getAnomaly grades a live count against its baseline.
// Query: type (baseline enum), region, count (finite number).
func (s *Server) getAnomaly(c *gin.Context) {
	bt, err := model.ParseBaselineType(c.Query("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	region := c.Query("region")
	if region == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "region is required"})
		return
	}
	count, err := strconv.ParseFloat(c.Query("count"), 64)
	if err != nil || math.IsNaN(count) || math.IsInf(count, 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a finite number"})
		return
	}

	baselines := s.eng.Baselines()
	if baselines == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "baseline service unavailable"})
		return
	}
	c.JSON(http.StatusOK, baselines.Evaluate(c.Request.Context(), bt, region, count))
}

type baselinesRequest struct {
	Updates []model.CountUpdate `json:"updates"`
}

// postBaselines ingests a batch of activity counts. Oversized batches
// are rejected whole, before any entry is applied.
func (s *Server) postBaselines(c *gin.Context) {
	var req baselinesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if len(req.Updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "updates must not be empty"})
		return
	}

	applied, err := s.eng.IngestCounts(c.Request.Context(), req.Updates)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": applied})
}

func (s *Server) getEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.eng.Events()})
}

func (s *Server) getSignals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"signals": s.eng.Signals()})
}

func (s *Server) getHealth(c *gin.Context) {
	cycles, dropped, last := s.eng.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"cycles":     cycles,
		"dropped":    dropped,
		"last_cycle": last,
	})
}
