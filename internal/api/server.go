package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wayfarer/internal/connections"
	"wayfarer/internal/logging"
	"wayfarer/internal/pipeline"
	"wayfarer/internal/progress"
	"wayfarer/internal/services"
	"wayfarer/internal/workflowstate"
)

// Workflows is the coordinator surface the HTTP handlers need.
// *pipeline.Coordinator satisfies it.
type Workflows interface {
	Start(ctx context.Context, req pipeline.Request) (*workflowstate.State, error)
	Status(ctx context.Context, workflowID string) (*workflowstate.State, error)
	Progress(ctx context.Context, workflowID string) (progress.Snapshot, error)
	Result(ctx context.Context, workflowID string, allowPartial bool) (*pipeline.Result, error)
	Cancel(ctx context.Context, workflowID string) (*workflowstate.State, error)
}

// Sessions resolves a session's current workflow. *workflowstate.Store
// satisfies it.
type Sessions interface {
	GetBySession(ctx context.Context, sessionID string) (*workflowstate.State, error)
}

// Live attaches streaming clients. *connections.Manager satisfies it.
type Live interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request, attach connections.Attach, writeTimeout time.Duration) error
	ServeSSE(w http.ResponseWriter, r *http.Request, attach connections.Attach, buffer int, keepalive time.Duration) error
}

// Options wires the HTTP handler.
type Options struct {
	Workflows    Workflows
	Sessions     Sessions
	Live         Live
	Status       func(ctx context.Context) DaemonStatus
	Metrics      http.Handler
	MetricsPath  string
	Token        string
	WriteTimeout time.Duration
	SendBuffer   int
	Keepalive    time.Duration
	Logger       *slog.Logger
}

type server struct {
	opts   Options
	logger *slog.Logger
}

// NewHandler builds the gin engine serving every API route.
func NewHandler(opts Options) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	s := &server{opts: opts, logger: logging.NewComponentLogger(opts.Logger, "api")}

	engine := gin.New()
	engine.Use(gin.Recovery())
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))
	engine.Use(s.requestContext())

	engine.GET("/healthz", s.handleHealthz)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		engine.GET(path, gin.WrapH(opts.Metrics))
	}

	api := engine.Group("/api")
	api.Use(authMiddleware(opts.Token))
	api.GET("/status", s.handleStatus)

	workflows := api.Group("/workflows")
	{
		workflows.POST("", s.handleCreate)
		workflows.GET("/:id", s.handleGet)
		workflows.GET("/:id/progress", s.handleProgress)
		workflows.POST("/:id/cancel", s.handleCancel)
	}

	sessions := api.Group("/sessions")
	{
		sessions.GET("/:id/workflow", s.handleSessionWorkflow)
		sessions.GET("/:id/ws", s.handleWebSocket)
		sessions.GET("/:id/events", s.handleEvents)
	}
	return engine
}

// requestContext propagates X-Request-ID into the request context and echoes
// it on the response.
func (s *server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header("X-Request-ID", rid)
		c.Request = c.Request.WithContext(services.WithRequestID(c.Request.Context(), rid))
		c.Next()
	}
}

// authMiddleware validates bearer tokens. An empty token disables the check.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
			// Browsers cannot set headers on EventSource or WebSocket handshakes.
			if c.Query("token") != token {
				c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
		}
		c.Next()
	}
}

func (s *server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) handleStatus(c *gin.Context) {
	if s.opts.Status == nil {
		c.JSON(http.StatusOK, DaemonStatus{Running: true})
		return
	}
	c.JSON(http.StatusOK, s.opts.Status(c.Request.Context()))
}

func (s *server) handleCreate(c *gin.Context) {
	var body CreateWorkflowRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, services.Wrap(services.ErrValidation, "api", "decode request", "invalid JSON body", err))
		return
	}
	rid, _ := services.RequestIDFromContext(c.Request.Context())
	state, err := s.opts.Workflows.Start(c.Request.Context(), pipeline.Request{
		SessionID:  body.SessionID,
		UserID:     body.UserID,
		RequestID:  rid,
		WorkflowID: body.WorkflowID,
		Trip:       body.Trip,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, FromState(state))
}

func (s *server) handleGet(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	state, err := s.opts.Workflows.Status(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	detail := WorkflowDetail{Workflow: FromState(state)}
	partial, _ := strconv.ParseBool(c.Query("partial"))
	if state.Status == workflowstate.StatusCompleted || partial {
		res, err := s.opts.Workflows.Result(ctx, id, partial)
		if err != nil {
			s.writeError(c, err)
			return
		}
		detail.Result = res
	}
	c.JSON(http.StatusOK, detail)
}

func (s *server) handleProgress(c *gin.Context) {
	snap, err := s.opts.Workflows.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, FromSnapshot(snap))
}

func (s *server) handleCancel(c *gin.Context) {
	state, err := s.opts.Workflows.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, FromState(state))
}

func (s *server) handleSessionWorkflow(c *gin.Context) {
	state, err := s.opts.Sessions.GetBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, FromState(state))
}

func (s *server) attach(c *gin.Context) connections.Attach {
	var topics []string
	for _, raw := range c.QueryArray("topic") {
		for _, topic := range strings.Split(raw, ",") {
			if topic = strings.TrimSpace(topic); topic != "" {
				topics = append(topics, topic)
			}
		}
	}
	return connections.Attach{SessionID: c.Param("id"), UserID: c.Query("userId"), Topics: topics}
}

func (s *server) handleWebSocket(c *gin.Context) {
	if err := s.opts.Live.ServeWebSocket(c.Writer, c.Request, s.attach(c), s.opts.WriteTimeout); err != nil {
		// A failed upgrade has already written its response.
		if errors.Is(err, services.ErrValidation) {
			s.writeError(c, err)
			return
		}
		s.logger.Debug("websocket session ended", logging.String(logging.FieldSessionID, c.Param("id")), logging.Error(err))
	}
}

func (s *server) handleEvents(c *gin.Context) {
	if err := s.opts.Live.ServeSSE(c.Writer, c.Request, s.attach(c), s.opts.SendBuffer, s.opts.Keepalive); err != nil {
		if errors.Is(err, services.ErrValidation) || errors.Is(err, services.ErrConfiguration) {
			s.writeError(c, err)
			return
		}
		s.logger.Debug("event stream ended", logging.String(logging.FieldSessionID, c.Param("id")), logging.Error(err))
	}
}

func (s *server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.WarnWithContext(logging.WithContext(c.Request.Context(), s.logger), "api request failed", "api_request_failed",
			logging.String("path", c.FullPath()),
			logging.Int("status", status),
			logging.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Kind: string(services.Kind(err))})
}

func statusFor(err error) int {
	switch services.Kind(err) {
	case services.ErrorKindValidation:
		return http.StatusBadRequest
	case services.ErrorKindNotFound:
		return http.StatusNotFound
	case services.ErrorKindConfiguration:
		return http.StatusServiceUnavailable
	case services.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case services.ErrorKindProvider, services.ErrorKindPersistence, services.ErrorKindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
