package orchestrator

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/eleven-am/call-orchestrator/internal/agent"
	"github.com/eleven-am/call-orchestrator/internal/session"
	"github.com/eleven-am/call-orchestrator/internal/shared"
	"github.com/labstack/echo/v4"
)

// TokenIssuer mints caller join tokens for a deployed room.
type TokenIssuer interface {
	JoinToken(identity, roomName string) (string, error)
}

type Handler struct {
	orch    *Orchestrator
	agents  *agent.Store
	archive *session.ArchiveStore
	tokens  TokenIssuer
	logger  *slog.Logger
}

func NewHandler(orch *Orchestrator, agents *agent.Store, archive *session.ArchiveStore, tokens TokenIssuer, logger *slog.Logger) *Handler {
	return &Handler{
		orch:    orch,
		agents:  agents,
		archive: archive,
		tokens:  tokens,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/agents", h.CreateAgent)
	g.GET("/agents", h.ListAgents)
	g.GET("/agents/:id", h.GetAgent)
	g.DELETE("/agents/:id", h.DeleteAgent)

	g.POST("/sessions", h.Deploy)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:id/metrics", h.SessionMetrics)
	g.GET("/sessions/:id/transcript", h.Transcript)
	g.POST("/sessions/:id/stop", h.StopSession)

	g.GET("/workers", h.WorkerStats)
}

type createAgentRequest struct {
	TenantID     string     `json:"tenant_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Instructions string     `json:"instructions"`
	Model        string     `json:"model"`
	Temperature  float64    `json:"temperature"`
	MaxTokens    int        `json:"max_tokens"`
	VoiceID      string     `json:"voice_id"`
	Language     string     `json:"language"`
	Documents    []Document `json:"documents"`
}

func (h *Handler) CreateAgent(c echo.Context) error {
	var req createAgentRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_body", "invalid request body")
	}
	if req.TenantID == "" || req.Name == "" || req.Instructions == "" {
		return shared.BadRequest("missing_fields", "tenant_id, name and instructions are required")
	}

	a := &agent.Agent{
		TenantID:     req.TenantID,
		Name:         req.Name,
		Description:  req.Description,
		Instructions: req.Instructions,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		VoiceID:      req.VoiceID,
		Language:     req.Language,
	}

	id, err := h.orch.CreateAgent(c.Request().Context(), a, req.Documents)
	if err != nil {
		h.logger.Error("failed to create agent", "error", err, "tenant_id", req.TenantID)
		return shared.InternalError("create_failed", "failed to create agent")
	}

	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) ListAgents(c echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return shared.BadRequest("missing_tenant", "tenant_id query parameter is required")
	}

	agents, err := h.agents.ListByTenant(c.Request().Context(), tenantID, 100, 0)
	if err != nil {
		h.logger.Error("failed to list agents", "error", err, "tenant_id", tenantID)
		return shared.InternalError("list_failed", "failed to list agents")
	}

	return c.JSON(http.StatusOK, map[string]any{"agents": agents})
}

func (h *Handler) GetAgent(c echo.Context) error {
	a, err := h.agents.GetByID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("agent_not_found", "agent not found")
	}
	if err != nil {
		return shared.InternalError("get_failed", "failed to load agent")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAgent(c echo.Context) error {
	err := h.agents.Delete(c.Request().Context(), c.Param("id"))
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("agent_not_found", "agent not found")
	}
	if err != nil {
		return shared.InternalError("delete_failed", "failed to delete agent")
	}
	return c.NoContent(http.StatusNoContent)
}

type deployRequest struct {
	AgentID  string `json:"agent_id"`
	RoomName string `json:"room_name"`
}

type deployResponse struct {
	Session   session.Session `json:"session"`
	JoinToken string          `json:"join_token,omitempty"`
}

func (h *Handler) Deploy(c echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_body", "invalid request body")
	}
	if req.AgentID == "" {
		return shared.BadRequest("missing_agent", "agent_id is required")
	}

	sess, err := h.orch.DeployToRoom(c.Request().Context(), req.AgentID, req.RoomName)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("agent_not_found", "agent not found")
	}
	if errors.Is(err, shared.ErrNoCapacity) {
		return shared.ServiceUnavailable("no_capacity", "no worker capacity available")
	}
	if err != nil {
		h.logger.Error("failed to deploy session", "error", err, "agent_id", req.AgentID)
		return shared.InternalError("deploy_failed", "failed to deploy session")
	}

	resp := deployResponse{Session: sess}
	if h.tokens != nil {
		token, err := h.tokens.JoinToken("caller_"+sess.ID, sess.RoomName)
		if err != nil {
			h.logger.Warn("failed to mint join token", "session_id", sess.ID, "error", err)
		} else {
			resp.JoinToken = token
		}
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) ListSessions(c echo.Context) error {
	sessions := h.orch.ActiveSessions(c.QueryParam("tenant_id"))
	return c.JSON(http.StatusOK, map[string]any{
		"total":    len(sessions),
		"sessions": sessions,
	})
}

func (h *Handler) SessionMetrics(c echo.Context) error {
	id := c.Param("id")

	if metrics, ok := h.orch.SessionMetrics(id); ok {
		return c.JSON(http.StatusOK, metrics)
	}

	// Fall back to the archive for finished sessions.
	if h.archive != nil {
		record, err := h.archive.GetRecord(c.Request().Context(), id)
		if err == nil {
			return c.JSON(http.StatusOK, record)
		}
	}
	return shared.NotFound("session_not_found", "session not found")
}

func (h *Handler) Transcript(c echo.Context) error {
	id := c.Param("id")

	if h.archive == nil {
		return shared.NotFound("transcript_not_found", "transcript not found")
	}

	transcript, err := h.archive.GetTranscript(c.Request().Context(), id)
	if err != nil {
		h.logger.Error("failed to load transcript", "error", err, "session_id", id)
		return shared.InternalError("transcript_failed", "failed to load transcript")
	}
	if len(transcript) == 0 {
		if _, ok := h.orch.SessionMetrics(id); !ok {
			return shared.NotFound("transcript_not_found", "transcript not found")
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": id,
		"turns":      transcript,
	})
}

func (h *Handler) StopSession(c echo.Context) error {
	id := c.Param("id")

	err := h.orch.StopSession(c.Request().Context(), id, session.StatusStopped)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		h.logger.Error("failed to stop session", "error", err, "session_id", id)
		return shared.InternalError("stop_failed", "failed to stop session")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) WorkerStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.orch.WorkerStats())
}
