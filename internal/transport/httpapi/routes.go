package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pushagent/internal/agent"
	logx "pushagent/pkg/logx"
)

const (
	maxPushBody     = 1 << 20
	maxHistoryLimit = 1000
)

func newRouter(s *Service, pp PprofConfig) *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.log), requestLog(s.log))

	r.GET("/health", s.handleHealth)
	if s.deps.WS != nil {
		r.GET("/ws", gin.WrapF(s.deps.WS))
	}

	v1 := r.Group("/v1")
	v1.POST("/push", backendAuth(func() BackendAuth { return s.config().Backend }), s.handlePush)

	guarded := v1.Group("", bearer(func() string { return s.config().Token }))
	guarded.POST("/interactions", s.handleInteraction)
	guarded.GET("/history", s.handleHistory)

	if pp.Enabled {
		mountPprof(r, normalizePrefix(pp.Prefix), bearer(func() string { return s.config().Pprof.Token }))
	}
	return r
}

func (s *Service) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Health())
}

func (s *Service) handlePush(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPushBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}
	p, err := agent.ParsePayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, agent.Event{Kind: agent.KindPush, Payload: p})
}

// interactionRequest reports a click or dismiss from a host that is not
// connected over the bridge.
type interactionRequest struct {
	Type         string             `json:"type"`
	Action       string             `json:"action"`
	Notification agent.Notification `json:"notification"`
}

func (s *Service) handleInteraction(c *gin.Context) {
	var req interactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Notification.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "notification.id is required"})
		return
	}
	e := agent.Event{Notification: req.Notification, Action: req.Action}
	switch req.Type {
	case "click":
		e.Kind = agent.KindClick
	case "close":
		e.Kind = agent.KindClose
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be click or close"})
		return
	}
	s.submit(c, e)
}

func (s *Service) submit(c *gin.Context, e agent.Event) {
	if s.deps.Submitter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent not ready"})
		return
	}
	err := s.deps.Submitter.Submit(c.Request.Context(), e)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	case errors.Is(err, agent.ErrQueueFull):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, agent.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Warn("submit failed", logx.String("kind", string(e.Kind)), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit failed"})
	}
}

func (s *Service) handleHistory(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := s.deps.History.Recent(c.Request.Context(), limit)
	if err != nil {
		s.log.Warn("history read failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}
