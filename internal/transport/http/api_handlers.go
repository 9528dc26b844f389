package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/codyshepherd/lunar-rocks/internal/core"
)

// APIHandlers provides read-only REST endpoints for inspecting live
// session state. Nothing here mutates the registry; all edits go through
// the websocket protocol.
type APIHandlers struct {
	reg *core.Registry
	log *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(reg *core.Registry, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{reg: reg, log: logger}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionListResponse lists the ids of every open session.
type SessionListResponse struct {
	SessionIDs []int `json:"sessionIDs"`
}

// ListSessions handles GET /api/sessions.
func (h *APIHandlers) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, SessionListResponse{SessionIDs: h.reg.SessionIDs()})
}

// GetSession handles GET /api/sessions/:id.
func (h *APIHandlers) GetSession(c *gin.Context) {
	sid, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		h.log.Debug().Str("id", c.Param("id")).Msg("rejected non-numeric session id")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid session id"})
		return
	}
	snap, err := h.reg.SessionSnapshot(sid)
	if err != nil {
		h.log.Debug().Int("session_id", sid).Msg("session lookup missed")
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
