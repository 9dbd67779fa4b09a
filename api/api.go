// Package api is the REST boundary: job control over the Temporal engine
// and read access to the extracted knowledge graph.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.temporal.io/api/serviceerror"
	"goa.design/clue/health"

	"opskb/knowledge"
	"opskb/pipeline"
	"opskb/store"
	"opskb/telemetry"
)

// Runs is the pipeline control surface the job endpoints need.
// *pipeline.Engine implements it.
type Runs interface {
	StartExtraction(ctx context.Context, in pipeline.Input) (pipeline.Handle, error)
	Pause(ctx context.Context, workflowID string) error
	Resume(ctx context.Context, workflowID string) error
	Cancel(ctx context.Context, workflowID string) error
	Progress(ctx context.Context, workflowID string) (*pipeline.Progress, error)
}

// Options configures the API server.
type Options struct {
	// Engine starts and controls extraction runs.
	Engine Runs
	// Store answers knowledge graph reads.
	Store store.Store
	// Pingers back the /healthz endpoint.
	Pingers []health.Pinger
	// Logger is optional.
	Logger telemetry.Logger
	// Debug keeps gin in debug mode.
	Debug bool
}

// Server serves the REST API.
type Server struct {
	engine Runs
	store  store.Store
	lg     telemetry.Logger
	router *gin.Engine
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("api: store is required")
	}
	lg := opts.Logger
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{engine: opts.Engine, store: opts.Store, lg: lg, router: router}
	s.routes(opts.Pingers)
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(pingers []health.Pinger) {
	s.router.GET("/healthz", gin.WrapH(health.Handler(health.NewChecker(pingers...))))

	jobs := s.router.Group("/jobs")
	jobs.POST("", s.startJob)
	jobs.POST("/:id/pause", s.signalJob(s.engine.Pause, "pausing"))
	jobs.POST("/:id/resume", s.signalJob(s.engine.Resume, "resuming"))
	jobs.POST("/:id/cancel", s.signalJob(s.engine.Cancel, "cancelling"))
	jobs.GET("/:id/progress", s.jobProgress)

	kb := s.router.Group("/knowledge/:kid")
	kb.GET("/screens", s.listEntities(func(c *gin.Context, kid, jobID string) (any, error) {
		return s.store.Screens(c.Request.Context(), kid, jobID)
	}))
	kb.GET("/tasks", s.listEntities(func(c *gin.Context, kid, jobID string) (any, error) {
		return s.store.Tasks(c.Request.Context(), kid, jobID)
	}))
	kb.GET("/actions", s.listEntities(func(c *gin.Context, kid, jobID string) (any, error) {
		return s.store.Actions(c.Request.Context(), kid, jobID)
	}))
	kb.GET("/transitions", s.listEntities(func(c *gin.Context, kid, jobID string) (any, error) {
		return s.store.Transitions(c.Request.Context(), kid, jobID)
	}))
	kb.GET("/business-functions", s.listEntities(func(c *gin.Context, kid, jobID string) (any, error) {
		return s.store.BusinessFunctions(c.Request.Context(), kid, jobID)
	}))
	kb.GET("/business-features", s.listEntities(func(c *gin.Context, kid, jobID string) (any, error) {
		return s.store.BusinessFeatures(c.Request.Context(), kid, jobID)
	}))
	kb.GET("/workflows", s.listEntities(func(c *gin.Context, kid, jobID string) (any, error) {
		return s.store.Workflows(c.Request.Context(), kid, jobID)
	}))
	kb.GET("/user-flows", s.listEntities(func(c *gin.Context, kid, jobID string) (any, error) {
		return s.store.UserFlows(c.Request.Context(), kid, jobID)
	}))
	kb.GET("/statistics", s.statistics)
	kb.POST("/assist", s.assist)
}

// StartJobRequest is the POST /jobs payload.
type StartJobRequest struct {
	KnowledgeID string               `json:"knowledge_id" binding:"required"`
	SourceURL   string               `json:"source_url,omitempty"`
	SourceURLs  []string             `json:"source_urls,omitempty"`
	SourceName  string               `json:"source_name,omitempty"`
	SourceNames []string             `json:"source_names,omitempty"`
	SourceType  knowledge.SourceType `json:"source_type,omitempty"`
	Resync      bool                 `json:"resync,omitempty"`
	Options     pipeline.RunOptions  `json:"options,omitempty"`
}

func (s *Server) startJob(c *gin.Context) {
	var req StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	handle, err := s.engine.StartExtraction(c.Request.Context(), pipeline.Input{
		KnowledgeID: req.KnowledgeID,
		SourceURL:   req.SourceURL,
		SourceURLs:  req.SourceURLs,
		SourceName:  req.SourceName,
		SourceNames: req.SourceNames,
		SourceType:  req.SourceType,
		Resync:      req.Resync,
		Options:     req.Options,
	})
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			c.JSON(http.StatusConflict, gin.H{"error": "an extraction for this knowledge id is already running"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.lg.Info(c.Request.Context(), "job started", "workflow_id", handle.ID(), "knowledge_id", req.KnowledgeID)
	c.JSON(http.StatusAccepted, gin.H{
		"workflow_id":  handle.ID(),
		"run_id":       handle.RunID(),
		"knowledge_id": req.KnowledgeID,
	})
}

func (s *Server) signalJob(signal func(ctx context.Context, workflowID string) error, status string) gin.HandlerFunc {
	return func(gc *gin.Context) {
		id := gc.Param("id")
		if err := signal(gc.Request.Context(), id); err != nil {
			var notFound *serviceerror.NotFound
			if errors.As(err, &notFound) {
				gc.JSON(http.StatusNotFound, gin.H{"error": "no such workflow"})
				return
			}
			gc.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		gc.JSON(http.StatusAccepted, gin.H{"workflow_id": id, "status": status})
	}
}

// jobProgress serves the live progress query; for runs no longer queryable
// it falls back to the persisted workflow state.
func (s *Server) jobProgress(c *gin.Context) {
	id := c.Param("id")
	p, err := s.engine.Progress(c.Request.Context(), id)
	if err == nil {
		c.JSON(http.StatusOK, p)
		return
	}
	st, serr := s.store.WorkflowState(c.Request.Context(), id)
	if serr != nil {
		if errors.Is(serr, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": serr.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

type entityLister func(c *gin.Context, kid, jobID string) (any, error)

func (s *Server) listEntities(list entityLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		kid := c.Param("kid")
		jobID := c.Query("job_id")
		items, err := list(c, kid, jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"knowledge_id": kid,
			"job_id":       jobID,
			"items":        items,
		})
	}
}

func (s *Server) statistics(c *gin.Context) {
	kid := c.Param("kid")
	jobID := c.Query("job_id")
	counts, err := s.store.Counts(c.Request.Context(), kid, jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if jobID == "" {
		if latest, err := s.store.LatestJobID(c.Request.Context(), kid); err == nil {
			jobID = latest
		}
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"knowledge_id": kid,
		"job_id":       jobID,
		"counts":       counts,
		"total":        total,
	})
}
