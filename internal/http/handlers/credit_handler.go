package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
)

// ListTransactionsResponse is a page of ledger entries, newest first.
type ListTransactionsResponse struct {
	Transactions []domain.CreditTransaction `json:"transactions"`
	Pagination   Pagination                 `json:"pagination"`
}

// GrantCreditsRequest is the billing collaborator's grant payload.
type GrantCreditsRequest struct {
	UserID  string `json:"user_id" binding:"required" example:"user123"`
	Channel string `json:"channel" binding:"required" example:"sms"`
	Amount  int64  `json:"amount" binding:"required" example:"500"`
	Reason  string `json:"reason" example:"invoice 2025-0042"`
}

// GrantCreditsResponse reports the balance after a grant.
type GrantCreditsResponse struct {
	UserID  string         `json:"user_id"`
	Channel domain.Channel `json:"channel"`
	Balance int64          `json:"balance"`
}

func channelParam(c *gin.Context) (domain.Channel, bool) {
	ch, valid := domain.ParseChannel(c.Param("channel"))
	if !valid {
		failField(c, http.StatusBadRequest, ErrCodeValidation, "unknown channel", "channel")
		return "", false
	}
	return ch, true
}

// GetBalance godoc
// @ID          getBalance
// @Summary     Current credit balance
// @Description Returns the caller's balance for a channel. The agent channel reports unlimited.
// @Tags        Credits
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User id"  example(user123)
// @Param       channel    path    string  true  "Channel"  Enums(sms, email, whatsapp)
//
// @Success     200  {object} services.BalanceSnapshot
// @Failure     400  {object} handlers.ErrorResponse "Unknown channel"
// @Router      /credits/{channel} [get]
func (h *Handlers) GetBalance(c *gin.Context) {
	ch, valid := channelParam(c)
	if !valid {
		return
	}
	snap, err := h.credits.GetBalance(c.Request.Context(), userID(c), ch)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, snap)
}

// ListCreditTransactions godoc
// @ID          listCreditTransactions
// @Summary     Credit ledger (paginated)
// @Description Returns the append-only ledger of debits, credits and refunds for a channel.
// @Tags        Credits
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User id"         example(user123)
// @Param       channel    path    string  true  "Channel"         Enums(sms, email, whatsapp)
// @Param       page       query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListTransactionsResponse
// @Failure     400  {object} handlers.ErrorResponse "Unknown channel"
// @Router      /credits/{channel}/transactions [get]
func (h *Handlers) ListCreditTransactions(c *gin.Context) {
	ch, valid := channelParam(c)
	if !valid {
		return
	}
	page, pageSize := clampPagination(c, 20, 100)
	items, total, err := h.credits.ListTransactions(c.Request.Context(), userID(c), ch, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListTransactionsResponse{Transactions: items, Pagination: newPagination(page, pageSize, total)})
}

// GrantCredits godoc
// @ID          grantCredits
// @Summary     Grant credits (internal)
// @Description Called by billing after a purchase. Requires X-Internal-Token.
// @Tags        Internal
// @Accept      json
// @Produce     json
//
// @Param       X-Internal-Token  header  string  true  "Shared internal secret"
// @Param       body              body    handlers.GrantCreditsRequest  true  "Grant"
//
// @Success     200  {object} handlers.GrantCreditsResponse
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     401  {object} handlers.ErrorResponse "Invalid token"
// @Router      /internal/credits/grant [post]
func (h *Handlers) GrantCredits(c *gin.Context) {
	var req GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id, channel and amount are required")
		return
	}
	ch, valid := domain.ParseChannel(req.Channel)
	if !valid {
		failField(c, http.StatusBadRequest, ErrCodeValidation, "unknown channel", "channel")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "grant"
	}
	uid := strings.TrimSpace(req.UserID)
	balance, err := h.credits.Credit(c.Request.Context(), uid, ch, req.Amount, reason)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, GrantCreditsResponse{UserID: uid, Channel: ch, Balance: balance})
}
