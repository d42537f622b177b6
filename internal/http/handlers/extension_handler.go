package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/services"
	"github.com/tbourn/go-campaign-dispatch/internal/utils"
)

// maxAckItems bounds one acknowledgement batch.
const maxAckItems = 100

// LoginRequest reports whether the agent device is logged in.
type LoginRequest struct {
	Confirmed *bool `json:"confirmed" binding:"required" example:"true"`
}

// LoginResponse is the session after a login probe.
type LoginResponse struct {
	Status      domain.SessionStatus `json:"status"`
	BlockReason string               `json:"block_reason,omitempty"`
}

// PullResponse carries the leased tasks.
type PullResponse struct {
	Tasks []services.PulledTask `json:"tasks"`
}

// AckRequest reports outcomes for pulled tasks.
type AckRequest struct {
	Items []services.AckItem `json:"items" binding:"required"`
}

// AckResponse carries one result per item, in request order.
type AckResponse struct {
	Results []services.AckResult `json:"results"`
}

// ExtensionHeartbeat godoc
// @ID          extensionHeartbeat
// @Summary     Extension heartbeat
// @Description Registers or refreshes the agent session and returns the effective config.
// @Tags        Extension
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User id"  example(user123)
// @Param       body       body    services.HeartbeatInput  true  "Agent state"
//
// @Success     200  {object} services.AgentConfig
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /extension/heartbeat [post]
func (h *Handlers) ExtensionHeartbeat(c *gin.Context) {
	var req services.HeartbeatInput
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	cfg, err := h.extension.Heartbeat(c.Request.Context(), userID(c), req)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, cfg)
}

// ExtensionLogin godoc
// @ID          extensionLogin
// @Summary     Report login state
// @Description A negative or stale probe blocks the session and pauses the user's active agent campaigns; a fresh positive one resumes them.
// @Tags        Extension
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User id"  example(user123)
// @Param       body       body    handlers.LoginRequest  true  "Login probe"
//
// @Success     200  {object} handlers.LoginResponse
// @Failure     404  {object} handlers.ErrorResponse "No session"
// @Router      /extension/login [post]
func (h *Handlers) ExtensionLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Confirmed == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "confirmed is required")
		return
	}
	sess, err := h.extension.ConfirmLogin(c.Request.Context(), userID(c), *req.Confirmed)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, LoginResponse{Status: sess.Status, BlockReason: sess.BlockReason})
}

// ExtensionPull godoc
// @ID          extensionPull
// @Summary     Lease queued tasks
// @Description Leases up to limit queued tasks in queue order. Each lease expires after the ack timeout.
// @Tags        Extension
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User id"  example(user123)
// @Param       limit      query   int     false "Max tasks"  minimum(1)
//
// @Success     200  {object} handlers.PullResponse
// @Failure     404  {object} handlers.ErrorResponse "No session"
// @Failure     410  {object} handlers.ErrorResponse "Session expired"
// @Failure     423  {object} handlers.ErrorResponse "Login required"
// @Router      /extension/tasks [get]
func (h *Handlers) ExtensionPull(c *gin.Context) {
	limit := utils.AtoiDefault(c.Query("limit"), 0)
	tasks, err := h.extension.Pull(c.Request.Context(), userID(c), limit)
	if err != nil {
		failService(c, err)
		return
	}
	if tasks == nil {
		tasks = []services.PulledTask{}
	}
	ok(c, http.StatusOK, PullResponse{Tasks: tasks})
}

// ExtensionAck godoc
// @ID          extensionAck
// @Summary     Acknowledge task outcomes
// @Description Applies sent/failed outcomes. Items are independent; repeats are reported as duplicate.
// @Tags        Extension
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User id"  example(user123)
// @Param       body       body    handlers.AckRequest  true  "Outcomes"
//
// @Success     200  {object} handlers.AckResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "No session"
// @Router      /extension/ack [post]
func (h *Handlers) ExtensionAck(c *gin.Context) {
	var req AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "items are required")
		return
	}
	if len(req.Items) == 0 || len(req.Items) > maxAckItems {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "items must hold between 1 and 100 entries")
		return
	}
	results, err := h.extension.Acknowledge(c.Request.Context(), userID(c), req.Items)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, AckResponse{Results: results})
}

// ExtensionConfig godoc
// @ID          extensionConfig
// @Summary     Effective agent config
// @Tags        Extension
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User id"  example(user123)
//
// @Success     200  {object} services.AgentConfig
// @Failure     404  {object} handlers.ErrorResponse "No session"
// @Router      /extension/config [get]
func (h *Handlers) ExtensionConfig(c *gin.Context) {
	cfg, err := h.extension.Config(c.Request.Context(), userID(c))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, cfg)
}
