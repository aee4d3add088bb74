package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/david/hazard-ingest/internal/auth"
	"github.com/david/hazard-ingest/internal/ingest"
	"github.com/david/hazard-ingest/internal/metrics"
	"github.com/david/hazard-ingest/internal/models"
)

// CycleRunner is the part of the driver the API drives and reports on.
type CycleRunner interface {
	RunCycle(ctx context.Context) (ingest.CycleReport, error)
	State() ingest.State
	InFlight() int
	LastReport() (ingest.CycleReport, bool)
}

type RunLister interface {
	Recent(ctx context.Context, sourceID string, limit int) ([]models.RunSummary, error)
}

type Server struct {
	Echo   *echo.Echo
	Driver CycleRunner
	Runs   RunLister     // nil without a database
	Purger ingest.Purger // nil when retention is not supported
	Tokens *auth.Tokens

	// Retention is the default age for POST /dedup/purge.
	Retention  time.Duration
	JobTimeout time.Duration

	// Background job tracking
	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"` // running, completed, failed
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func NewServer(driver CycleRunner, tokens *auth.Tokens) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		Echo:       e,
		Driver:     driver,
		Tokens:     tokens,
		Retention:  7 * 24 * time.Hour,
		JobTimeout: 10 * time.Minute,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	s.Echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := s.Echo.Group("/api/v1")
	api.GET("/runs", s.handleListRuns)

	admin := api.Group("")
	admin.Use(auth.RequireAdmin(s.Tokens))
	admin.POST("/cycle", s.handleTriggerCycle)
	admin.GET("/jobs/:id", s.handleJobStatus)
	admin.POST("/dedup/purge", s.handlePurge)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":    "ok",
		"state":     s.Driver.State(),
		"in_flight": s.Driver.InFlight(),
	}
	if last, ok := s.Driver.LastReport(); ok {
		resp["last_cycle"] = summarize(last)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListRuns(c echo.Context) error {
	if s.Runs == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "run history requires a database"})
	}

	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	runs, err := s.Runs.Recent(c.Request().Context(), c.QueryParam("source"), limit)
	if err != nil {
		log.Printf("[API] list runs failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
	}
	if runs == nil {
		runs = []models.RunSummary{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleTriggerCycle starts an out-of-band cycle as a background job. Only one
// admin-triggered cycle runs at a time; scheduled cycles are unaffected.
func (s *Server) handleTriggerCycle(c echo.Context) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]string{
			"error":  "A cycle job is already running",
			"job_id": job.ID,
		})
	}

	jobID := uuid.New().String()[:8]
	job := &backgroundJob{
		ID:        jobID,
		Status:    "running",
		StartedAt: time.Now(),
	}
	s.runningJob = job
	s.jobMu.Unlock()

	go func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), s.JobTimeout)
		defer cancel()

		report, err := s.Driver.RunCycle(jobCtx)

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = time.Now()
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			log.Printf("[cycle-job %s] failed: %v", jobID, err)
			return
		}
		job.Status = "completed"
		job.Result = summarize(report)
		log.Printf("[cycle-job %s] completed: published=%d", jobID, report.Count(ingest.OutcomePublished))
	}()

	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "Cycle job started",
		"job_id":  jobID,
		"poll":    fmt.Sprintf("/api/v1/jobs/%s", jobID),
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	job := s.runningJob
	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]interface{}{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePurge(c echo.Context) error {
	if s.Purger == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "dedup store does not support purging"})
	}

	age := s.Retention
	if v := c.QueryParam("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "older_than must be a positive duration like 72h"})
		}
		age = d
	}

	purged, err := s.Purger.PurgeOlderThan(c.Request().Context(), age)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ingest.ErrDedupStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}

	if claims := auth.ClaimsFromContext(c); claims != nil {
		log.Printf("[API] dedup purge by %s: older_than=%s purged=%d", claims.Subject, age, purged)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"purged":     purged,
		"older_than": age.String(),
	})
}

type sourceSummary struct {
	Source         string `json:"source"`
	Platform       string `json:"platform"`
	Published      int    `json:"published"`
	Duplicates     int    `json:"duplicates"`
	Dropped        int    `json:"dropped"`
	PublishFailed  int    `json:"publish_failed"`
	FailOpen       int    `json:"fail_open"`
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
	DurationMillis int64  `json:"duration_ms"`
}

type cycleSummary struct {
	CycleID    uuid.UUID       `json:"cycle_id"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   string          `json:"duration"`
	Published  int             `json:"published"`
	Duplicates int             `json:"duplicates"`
	Purged     int64           `json:"purged"`
	Sources    []sourceSummary `json:"sources"`
}

func summarize(r ingest.CycleReport) cycleSummary {
	out := cycleSummary{
		CycleID:    r.CycleID,
		StartedAt:  r.StartedAt,
		Duration:   r.Duration.String(),
		Published:  r.Count(ingest.OutcomePublished),
		Duplicates: r.Count(ingest.OutcomeDuplicate),
		Purged:     r.Purged,
		Sources:    make([]sourceSummary, 0, len(r.Sources)),
	}
	for _, src := range r.Sources {
		ss := sourceSummary{
			Source:         src.Source,
			Platform:       src.Platform,
			Published:      src.Count(ingest.OutcomePublished),
			Duplicates:     src.Count(ingest.OutcomeDuplicate),
			Dropped:        src.Count(ingest.OutcomeDropped),
			PublishFailed:  src.Count(ingest.OutcomePublishFailed),
			DurationMillis: src.Duration.Milliseconds(),
		}
		for _, it := range src.Items {
			if it.FailOpen {
				ss.FailOpen++
			}
		}
		if src.Err != nil {
			ss.Error = src.Err.Error()
			ss.ErrorKind = ingest.KindOf(src.Err)
		}
		out.Sources = append(out.Sources, ss)
	}
	return out
}

// Start serves until Shutdown is called; http.ErrServerClosed is not an error.
func (s *Server) Start(addr string) error {
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
