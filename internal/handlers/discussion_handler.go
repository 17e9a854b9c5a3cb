package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.consensus/internal/discussion"
	"dev.helix.consensus/internal/events"
	"dev.helix.consensus/internal/llm"
	"dev.helix.consensus/internal/models"
	"dev.helix.consensus/internal/observability"
	"dev.helix.consensus/internal/sse"
)

// DiscussionHandler exposes the discussion API. Each POST runs one
// orchestrator on a per-request event bus and streams its events back as SSE.
type DiscussionHandler struct {
	registry *llm.Registry
	defaults models.DiscussionOptions
	metrics  *observability.Metrics
	logger   *logrus.Logger

	mu     sync.RWMutex
	active map[string]*discussion.Orchestrator
}

// NewDiscussionHandler creates the handler. Metrics may be nil.
func NewDiscussionHandler(registry *llm.Registry, defaults models.DiscussionOptions, metrics *observability.Metrics, logger *logrus.Logger) *DiscussionHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DiscussionHandler{
		registry: registry,
		defaults: defaults,
		metrics:  metrics,
		logger:   logger,
		active:   make(map[string]*discussion.Orchestrator),
	}
}

// RegisterRoutes mounts the discussion endpoints.
func (h *DiscussionHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	v1 := router.Group("/v1")
	{
		v1.POST("/discussions", h.StartDiscussion)
		v1.POST("/discussions/:id/abort", h.AbortDiscussion)
		v1.GET("/discussions/:id/status", h.DiscussionStatus)
	}
}

// startParticipant is one side of the start request.
type startParticipant struct {
	ModelID     string `json:"modelId"`
	ProviderID  string `json:"providerId"`
	DisplayName string `json:"displayName"`
}

// startOptions is a partial options object; absent fields keep the server
// defaults. Timeouts are milliseconds on the wire.
type startOptions struct {
	MaxIterations            *int     `json:"maxIterations"`
	Temperature              *float64 `json:"temperature"`
	MaxTokensPerTurn         *int     `json:"maxTokensPerTurn"`
	TurnTimeoutMs            *int64   `json:"turnTimeoutMs"`
	TotalTimeoutMs           *int64   `json:"totalTimeoutMs"`
	RequireBothConsensus     *bool    `json:"requireBothConsensus"`
	MinRoundsBeforeConsensus *int     `json:"minRoundsBeforeConsensus"`
}

// startRequest is the POST /v1/discussions body.
type startRequest struct {
	Prompt  string           `json:"prompt"`
	ModelA  startParticipant `json:"modelA"`
	ModelB  startParticipant `json:"modelB"`
	Options *startOptions    `json:"options"`
}

func (h *DiscussionHandler) buildConfig(req *startRequest) models.DiscussionConfig {
	options := h.defaults
	if o := req.Options; o != nil {
		if o.MaxIterations != nil {
			options.MaxIterations = *o.MaxIterations
		}
		if o.Temperature != nil {
			options.Temperature = *o.Temperature
		}
		if o.MaxTokensPerTurn != nil {
			options.MaxTokensPerTurn = *o.MaxTokensPerTurn
		}
		if o.TurnTimeoutMs != nil {
			options.TurnTimeout = time.Duration(*o.TurnTimeoutMs) * time.Millisecond
		}
		if o.TotalTimeoutMs != nil {
			options.TotalTimeout = time.Duration(*o.TotalTimeoutMs) * time.Millisecond
		}
		if o.RequireBothConsensus != nil {
			options.RequireBothConsensus = *o.RequireBothConsensus
		}
		if o.MinRoundsBeforeConsensus != nil {
			options.MinRoundsBeforeConsensus = *o.MinRoundsBeforeConsensus
		}
	}

	participant := func(role models.Role, p startParticipant) models.Participant {
		name := p.DisplayName
		if name == "" {
			name = p.ModelID
		}
		return models.Participant{
			Role:        role,
			ModelID:     p.ModelID,
			ProviderID:  p.ProviderID,
			DisplayName: name,
		}
	}

	return models.DiscussionConfig{
		Prompt:       req.Prompt,
		ParticipantA: participant(models.RoleA, req.ModelA),
		ParticipantB: participant(models.RoleB, req.ModelB),
		Options:      options,
	}
}

// StartDiscussion validates the request, then streams the run as SSE. After
// validation every failure is reported on the stream, never as an HTTP error.
func (h *DiscussionHandler) StartDiscussion(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	config := h.buildConfig(&req)
	if err := config.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bus := events.NewBus(h.logger)
	defer bus.Close()

	orchestrator := discussion.NewOrchestrator(h.registry, bus, h.logger)

	// First event carries the discussion id; register before it is streamed
	// out so abort/status can address the run immediately.
	var registerOnce sync.Once
	unsubRegister := bus.Subscribe(func(event *events.Event) {
		registerOnce.Do(func() {
			h.register(event.DiscussionID, orchestrator)
		})
	})
	defer unsubRegister()

	sse.SetHeaders(c.Writer.Header())
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	emitter := sse.NewEmitter(c.Writer, h.logger)
	defer emitter.Close()

	unsubEmitter := bus.Subscribe(func(event *events.Event) {
		if err := emitter.Emit(event); err != nil {
			h.logger.WithError(err).Debug("Failed to stream event")
		}
	})
	defer unsubEmitter()

	if h.metrics != nil {
		unsubMetrics := h.metrics.Observe(bus)
		defer unsubMetrics()
	}

	ctx := c.Request.Context()
	started := make(chan struct{})
	go func() {
		defer close(started)
		if err := orchestrator.Start(ctx, config); err != nil {
			h.logger.WithError(err).Error("Discussion failed to start")
			emitter.Close()
		}
	}()

	select {
	case <-ctx.Done():
		// Client went away: abort and let the run unwind.
		orchestrator.Abort()
		<-started
	case <-emitter.Done():
		<-started
	}

	h.deregister(orchestrator.ID())
}

// AbortDiscussion requests an abort of a running discussion.
func (h *DiscussionHandler) AbortDiscussion(c *gin.Context) {
	id := c.Param("id")

	h.mu.RLock()
	orchestrator, ok := h.active[id]
	h.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active discussion with id " + id})
		return
	}

	orchestrator.Abort()
	c.JSON(http.StatusAccepted, gin.H{"discussionId": id, "status": "aborting"})
}

// DiscussionStatus returns a snapshot of a running discussion.
func (h *DiscussionHandler) DiscussionStatus(c *gin.Context) {
	id := c.Param("id")

	h.mu.RLock()
	orchestrator, ok := h.active[id]
	h.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active discussion with id " + id})
		return
	}

	c.JSON(http.StatusOK, orchestrator.Snapshot())
}

// Health reports service liveness.
func (h *DiscussionHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "consensusd",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ActiveCount returns the number of registered runs.
func (h *DiscussionHandler) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

func (h *DiscussionHandler) register(id string, orchestrator *discussion.Orchestrator) {
	if id == "" {
		return
	}
	h.mu.Lock()
	h.active[id] = orchestrator
	h.mu.Unlock()
}

func (h *DiscussionHandler) deregister(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	delete(h.active, id)
	h.mu.Unlock()
}
