package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ignatij/conductor/pkg/breaker"
	"github.com/ignatij/conductor/pkg/models"
	"github.com/ignatij/conductor/pkg/service"
	"github.com/ignatij/conductor/pkg/storage"
	"github.com/pkg/errors"
)

// principalHeader identifies the caller for authorization checks. Absent
// means anonymous.
const principalHeader = "X-Principal"

// Server is a thin gin surface over the orchestrator. Handlers translate
// HTTP shapes; all behavior lives in the engine.
type Server struct {
	engine *gin.Engine
	orch   *service.Orchestrator
	logger service.Logger
}

func NewServer(orch *service.Orchestrator, logger service.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s := &Server{engine: engine, orch: orch, logger: logger}
	s.routes()
	return s
}

// Handler exposes the router for httptest and custom servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/versions", s.versions)
	s.engine.GET("/metrics", s.metrics)
	s.engine.GET("/audit", s.audit)
	s.engine.GET("/breakers", s.breakers)
	s.engine.GET("/status/:id", s.status)
	s.engine.GET("/runs/:id", s.runReport)
	s.engine.POST("/workflows/:name/run", s.run)
	s.engine.POST("/workflows/:name/enqueue", s.enqueue)
	s.engine.POST("/workflows/:name/rollback", s.rollback)
	s.engine.GET("/workflows/:name/runs", s.history)
	s.engine.POST("/tasks", s.addTask)
	s.engine.POST("/jobs", s.addJob)
	s.engine.DELETE("/queue/:id", s.cancel)
	s.engine.PATCH("/queue/:id", s.reprioritize)
}

// StartServer serves the API on the port until ctx is done, then shuts
// down gracefully.
func StartServer(ctx context.Context, port string, orch *service.Orchestrator, logger service.Logger) error {
	srv := &http.Server{Addr: ":" + port, Handler: NewServer(orch, logger).Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Infof("Starting Conductor server on :%s", port)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func principal(c *gin.Context) string {
	if p := c.GetHeader(principalHeader); p != "" {
		return p
	}
	return "anonymous"
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		notFound   *service.NotFoundError
		authErr    *service.AuthorizationError
		busyErr    *service.SchedulerConcurrencyError
		depErr     *service.DependencyError
		breakerErr *breaker.CircuitOpenError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &notFound) || errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &authErr):
		status = http.StatusForbidden
	case errors.As(err, &busyErr):
		status = http.StatusTooManyRequests
	case errors.As(err, &depErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &breakerErr):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Errorf("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// failSpec is fail for task and job submissions, where anything that is
// not a lookup or policy problem is a bad definition from the caller.
func (s *Server) failSpec(c *gin.Context, err error) {
	var (
		notFound *service.NotFoundError
		authErr  *service.AuthorizationError
	)
	if errors.As(err, &notFound) || errors.As(err, &authErr) {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) versions(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.ListActiveVersions())
}

func (s *Server) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.GetMetrics())
}

func (s *Server) audit(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n must be an integer"})
		return
	}
	events, err := s.orch.TailAuditLog(n)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) breakers(c *gin.Context) {
	states := make(map[string]string)
	for name, state := range s.orch.BreakerStates() {
		states[name] = string(state)
	}
	c.JSON(http.StatusOK, states)
}

func (s *Server) status(c *gin.Context) {
	state, err := s.orch.GetStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "state": state})
}

func (s *Server) runReport(c *gin.Context) {
	report, err := s.orch.GetRunReport(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// run executes the workflow synchronously. Task failures live in the
// report, so the response is 200 even for a failed run.
func (s *Server) run(c *gin.Context) {
	report, err := s.orch.Run(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type enqueueRequest struct {
	Priority int    `json:"priority"`
	Group    string `json:"group"`
	Resource string `json:"resource"`
}

func (s *Server) enqueue(c *gin.Context) {
	var req enqueueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	id, err := s.orch.Enqueue(principal(c), service.QueueItem{
		Workflow: c.Param("name"),
		Priority: req.Priority,
		Group:    req.Group,
		Resource: req.Resource,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

type rollbackRequest struct {
	Version int `json:"version" binding:"required"`
}

func (s *Server) rollback(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.Authorized(principal(c), service.ActionRollback); err != nil {
		s.fail(c, err)
		return
	}
	name := c.Param("name")
	if err := s.orch.Rollback(name, req.Version); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": name, "active_version": req.Version})
}

func (s *Server) history(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	reports, err := s.orch.GetRunHistory(c.Param("name"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

type taskRequest struct {
	Workflow   string   `json:"workflow" binding:"required"`
	ID         string   `json:"id" binding:"required"`
	Fn         string   `json:"fn" binding:"required"`
	Deps       []string `json:"deps"`
	MaxRetries int      `json:"max_retries"`
	RetryDelay string   `json:"retry_delay"`
	Timeout    string   `json:"timeout"`
	Priority   int      `json:"priority"`
	Group      string   `json:"group"`
	Resource   string   `json:"resource"`
	OutputKey  string   `json:"output_key"`
}

// addTask extends a workflow with a task whose function was registered
// by name at startup.
func (s *Server) addTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fn, ok := s.orch.TaskFuncs().Get(req.Fn)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task function " + strconv.Quote(req.Fn)})
		return
	}
	opts := []models.TaskOption{
		models.WithMaxRetries(req.MaxRetries),
		models.WithPriority(req.Priority),
	}
	if req.RetryDelay != "" {
		d, err := time.ParseDuration(req.RetryDelay)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad retry_delay: " + err.Error()})
			return
		}
		opts = append(opts, models.WithRetryDelay(d))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad timeout: " + err.Error()})
			return
		}
		opts = append(opts, models.WithTimeout(d))
	}
	if req.Group != "" {
		opts = append(opts, models.WithGroup(req.Group))
	}
	if req.Resource != "" {
		opts = append(opts, models.WithResource(req.Resource))
	}
	if req.OutputKey != "" {
		opts = append(opts, models.WithOutputKey(req.OutputKey))
	}
	id, err := s.orch.AddTask(principal(c), req.Workflow, service.NewTaskSpec(req.ID, fn, req.Deps, opts...))
	if err != nil {
		s.failSpec(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type jobRequest struct {
	Workflow string `json:"workflow" binding:"required"`
	Every    string `json:"every"`
	CronSpec string `json:"cron_spec"`
	Priority int    `json:"priority"`
	Group    string `json:"group"`
	Guard    string `json:"guard"`
}

func (s *Server) addJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job := models.Job{
		Workflow: req.Workflow,
		CronSpec: req.CronSpec,
		Priority: req.Priority,
		Group:    req.Group,
		Guard:    req.Guard,
	}
	if req.Every != "" {
		d, err := time.ParseDuration(req.Every)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad every: " + err.Error()})
			return
		}
		job.Interval = d
	}
	id, err := s.orch.AddJob(principal(c), job)
	if err != nil {
		s.failSpec(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) cancel(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.orch.Cancel(principal(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "nothing queued, scheduled or running under " + strconv.Quote(id)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

type reprioritizeRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) reprioritize(c *gin.Context) {
	var req reprioritizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	ok, err := s.orch.Reprioritize(principal(c), id, req.Priority)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no queued item " + strconv.Quote(id)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "priority": req.Priority})
}
