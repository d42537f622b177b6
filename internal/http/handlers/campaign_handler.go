// Campaign HTTP handlers.
//
//   - POST   /campaigns               (create, Idempotency-Key aware)
//   - GET    /campaigns               (list, paginated, ETag)
//   - GET    /campaigns/{id}          (detail with live counts, ETag)
//   - GET    /campaigns/{id}/tasks    (task page, status filter, ETag)
//   - POST   /campaigns/{id}/schedule
//   - POST   /campaigns/{id}/pause
//   - POST   /campaigns/{id}/resume
//   - DELETE /campaigns/{id}
//
// Handlers stay thin: parse and validate the transport, call the service,
// translate the result.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/http/middleware"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
	"github.com/tbourn/go-campaign-dispatch/internal/services"
	"github.com/tbourn/go-campaign-dispatch/internal/utils"
)

//
// Service contracts (context-aware)
//

// CampaignService is the campaign lifecycle consumed by the handlers.
type CampaignService interface {
	Create(ctx context.Context, ownerID string, in services.CreateCampaignInput) (*domain.Campaign, error)
	Schedule(ctx context.Context, ownerID, id string) (*domain.Campaign, error)
	Pause(ctx context.Context, ownerID, id string) (*domain.Campaign, error)
	Resume(ctx context.Context, ownerID, id string) (*domain.Campaign, error)
	Delete(ctx context.Context, ownerID, id string) error
	Get(ctx context.Context, ownerID, id string) (*services.CampaignDetail, error)
	List(ctx context.Context, ownerID string, page, pageSize int) ([]domain.Campaign, int64, error)
	ListTasks(ctx context.Context, ownerID, id, status string, page, pageSize int) ([]domain.DispatchTask, int64, error)
	// Stats returns the owner's campaign count and latest update, for ETags.
	Stats(ctx context.Context, ownerID string) (int64, *time.Time, error)
}

// CreditService reads balances and grants credits.
type CreditService interface {
	GetBalance(ctx context.Context, userID string, ch domain.Channel) (services.BalanceSnapshot, error)
	ListTransactions(ctx context.Context, userID string, ch domain.Channel, page, pageSize int) ([]domain.CreditTransaction, int64, error)
	Credit(ctx context.Context, userID string, ch domain.Channel, amount int64, reason string) (int64, error)
}

// ExtensionService is the agent-side protocol.
type ExtensionService interface {
	Heartbeat(ctx context.Context, userID string, in services.HeartbeatInput) (*services.AgentConfig, error)
	ConfirmLogin(ctx context.Context, userID string, confirmed bool) (*domain.ExtensionSession, error)
	Pull(ctx context.Context, userID string, limit int) ([]services.PulledTask, error)
	Acknowledge(ctx context.Context, userID string, items []services.AckItem) ([]services.AckResult, error)
	Config(ctx context.Context, userID string) (*services.AgentConfig, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints. The store is optional: without it,
// ETags on task pages and idempotent replays are skipped.
type Handlers struct {
	campaigns CampaignService
	credits   CreditService
	extension ExtensionService

	db      *gorm.DB
	idemTTL time.Duration
}

// Option customizes Handlers.
type Option func(*Handlers)

// WithStore enables idempotent replays and task-page ETags.
func WithStore(db *gorm.DB) Option { return func(h *Handlers) { h.db = db } }

// WithIdempotencyTTL sets how long a create can be replayed. Default 24h.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(h *Handlers) {
		if d > 0 {
			h.idemTTL = d
		}
	}
}

// New binds the handlers to their services.
func New(campaigns CampaignService, credits CreditService, extension ExtensionService, opts ...Option) *Handlers {
	h := &Handlers{campaigns: campaigns, credits: credits, extension: extension, idemTTL: 24 * time.Hour}
	for _, o := range opts {
		o(h)
	}
	return h
}

// userID extracts the caller set by the identity middleware, falling back
// to the X-User-ID header and finally "demo-user".
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader(middleware.HeaderUserID)); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// ListCampaignsResponse is a page of campaigns.
type ListCampaignsResponse struct {
	Campaigns  []domain.Campaign `json:"campaigns"`
	Pagination Pagination        `json:"pagination"`
}

// ListTasksResponse is a page of dispatch tasks.
type ListTasksResponse struct {
	Tasks      []domain.DispatchTask `json:"tasks"`
	Pagination Pagination            `json:"pagination"`
}

//
// Helpers
//

// clampPagination reads page and page_size, bounding page_size to
// [1, maxPageSize].
func clampPagination(c *gin.Context, defaultPageSize, maxPageSize int) (page, pageSize int) {
	page = utils.AtoiDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// campaignID returns the :id path param, answering 400 when it is not a UUID.
func campaignID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "campaign id must be a UUID")
		return "", false
	}
	return id, true
}

//
// Handlers
//

// CreateCampaign godoc
// @ID          createCampaign
// @Summary     Create a campaign
// @Description Stores a draft campaign. Nothing is resolved or sent until it is scheduled.
// @Description Supports idempotency via the Idempotency-Key header (same key → same campaign).
// @Tags        Campaigns
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Owner id"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    services.CreateCampaignInput  true  "Campaign definition"
//
// @Success     201  {object}  domain.Campaign
// @Success     200  {object}  domain.Campaign        "Replayed create"
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /campaigns [post]
func (h *Handlers) CreateCampaign(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	var req services.CreateCampaignInput
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key, hasKey := middleware.GetIdempotencyKey(c)
	if hasKey && h.db != nil {
		rec, err := repo.GetIdempotency(ctx, h.db, uid, middleware.ScopeCampaignCreate, key, time.Now().UTC())
		if err == nil {
			if prev, err := h.campaigns.Get(ctx, uid, rec.ResourceID); err == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, prev.Campaign)
				return
			}
		}
	}

	camp, err := h.campaigns.Create(ctx, uid, req)
	if err != nil {
		failService(c, err)
		return
	}

	if hasKey && h.db != nil {
		if _, err := repo.CreateIdempotency(ctx, h.db, uid, middleware.ScopeCampaignCreate, key, camp.ID, http.StatusCreated, h.idemTTL); err != nil &&
			!errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("store idempotency record")
		}
	}
	ok(c, http.StatusCreated, camp)
}

// ListCampaigns godoc
// @ID          listCampaigns
// @Summary     List campaigns (paginated)
// @Description Returns a page of the caller's campaigns, newest first. Supports weak ETag via If-None-Match.
// @Tags        Campaigns
// @Produce     json
//
// @Param       X-User-ID      header  string  false "Owner id"                    example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListCampaignsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /campaigns [get]
func (h *Handlers) ListCampaigns(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c, 20, 100)

	// ETag pre-check (best effort).
	if count, maxTS, err := h.campaigns.Stats(ctx, uid); err == nil {
		etag := fmt.Sprintf(`W/"campaigns:%s:%d:%d:%d:%d"`, uid, count, unixOrZero(maxTS), page, pageSize)
		if notModified(c, etag) {
			return
		}
	}

	items, total, err := h.campaigns.List(ctx, uid, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListCampaignsResponse{Campaigns: items, Pagination: newPagination(page, pageSize, total)})
}

// GetCampaign godoc
// @ID          getCampaign
// @Summary     Get a campaign with live counts
// @Description Returns the campaign, its task counts per status and, for paid channels, the number of charged sends.
// @Tags        Campaigns
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Owner id"  example(user123)
// @Param       id         path    string  true  "Campaign ID (UUID)"  format(uuid)
//
// @Success     200  {object} services.CampaignDetail
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Campaign not found"
// @Router      /campaigns/{id} [get]
func (h *Handlers) GetCampaign(c *gin.Context) {
	id, valid := campaignID(c)
	if !valid {
		return
	}
	d, err := h.campaigns.Get(c.Request.Context(), userID(c), id)
	if err != nil {
		failService(c, err)
		return
	}
	etag := fmt.Sprintf(`W/"campaign:%s:%d:%d:%d:%d"`, id, d.UpdatedAt.UnixNano(), d.Counts.Total, d.Counts.Sent, d.Counts.Failed)
	if notModified(c, etag) {
		return
	}
	ok(c, http.StatusOK, d)
}

// ListCampaignTasks godoc
// @ID          listCampaignTasks
// @Summary     List dispatch tasks of a campaign
// @Description Returns tasks in queue order. Filter by status with ?status=pending|queued|in_flight|sent|failed|skipped.
// @Tags        Campaigns
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Owner id"            example(user123)
// @Param       id         path    string  true  "Campaign ID (UUID)"  format(uuid)
// @Param       status     query   string  false "Task status filter"
// @Param       page       query   int     false "Page number"         minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"      minimum(1) maximum(500) default(50)
//
// @Success     200  {object} handlers.ListTasksResponse
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Campaign not found"
// @Router      /campaigns/{id}/tasks [get]
func (h *Handlers) ListCampaignTasks(c *gin.Context) {
	ctx := c.Request.Context()
	id, valid := campaignID(c)
	if !valid {
		return
	}
	status := strings.ToLower(strings.TrimSpace(c.Query("status")))
	page, pageSize := clampPagination(c, 50, 500)

	// ETag pre-check (best effort).
	if h.db != nil {
		if count, maxTS, err := repo.TasksStats(ctx, h.db, id); err == nil {
			etag := fmt.Sprintf(`W/"tasks:%s:%d:%d:%s:%d:%d"`, id, count, unixOrZero(maxTS), status, page, pageSize)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				// Ownership still has to hold before answering 304.
				if _, err := h.campaigns.Get(ctx, userID(c), id); err != nil {
					failService(c, err)
					return
				}
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.campaigns.ListTasks(ctx, userID(c), id, status, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListTasksResponse{Tasks: items, Pagination: newPagination(page, pageSize, total)})
}

// ScheduleCampaign godoc
// @ID          scheduleCampaign
// @Summary     Schedule a draft campaign
// @Description Resolves the audience, materializes one task per recipient and activates the campaign now or at its trigger time.
// @Tags        Campaigns
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Owner id"            example(user123)
// @Param       id         path    string  true  "Campaign ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Campaign
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     404  {object} handlers.ErrorResponse "Campaign not found"
// @Failure     409  {object} handlers.ErrorResponse "Campaign is not a draft"
// @Failure     422  {object} handlers.ErrorResponse "Audience is empty"
// @Router      /campaigns/{id}/schedule [post]
func (h *Handlers) ScheduleCampaign(c *gin.Context) {
	h.transition(c, h.campaigns.Schedule)
}

// PauseCampaign godoc
// @ID          pauseCampaign
// @Summary     Pause an active campaign
// @Description Stops dispatching. Pausing a paused campaign is a no-op.
// @Tags        Campaigns
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Owner id"            example(user123)
// @Param       id         path    string  true  "Campaign ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Campaign
// @Failure     404  {object} handlers.ErrorResponse "Campaign not found"
// @Failure     409  {object} handlers.ErrorResponse "Campaign is not active"
// @Router      /campaigns/{id}/pause [post]
func (h *Handlers) PauseCampaign(c *gin.Context) {
	h.transition(c, h.campaigns.Pause)
}

// ResumeCampaign godoc
// @ID          resumeCampaign
// @Summary     Resume a paused campaign
// @Description Continues with the remaining pending tasks and resets the no-credit streak.
// @Tags        Campaigns
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Owner id"            example(user123)
// @Param       id         path    string  true  "Campaign ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Campaign
// @Failure     404  {object} handlers.ErrorResponse "Campaign not found"
// @Failure     409  {object} handlers.ErrorResponse "Campaign is not paused"
// @Router      /campaigns/{id}/resume [post]
func (h *Handlers) ResumeCampaign(c *gin.Context) {
	h.transition(c, h.campaigns.Resume)
}

func (h *Handlers) transition(c *gin.Context, op func(ctx context.Context, ownerID, id string) (*domain.Campaign, error)) {
	id, valid := campaignID(c)
	if !valid {
		return
	}
	camp, err := op(c.Request.Context(), userID(c), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, camp)
}

// DeleteCampaign godoc
// @ID          deleteCampaign
// @Summary     Delete a campaign
// @Description Stops its worker and removes the campaign with its tasks. Ledger entries are kept.
// @Tags        Campaigns
//
// @Param       X-User-ID  header  string  false "Owner id"            example(user123)
// @Param       id         path    string  true  "Campaign ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Campaign not found"
// @Router      /campaigns/{id} [delete]
func (h *Handlers) DeleteCampaign(c *gin.Context) {
	id, valid := campaignID(c)
	if !valid {
		return
	}
	if err := h.campaigns.Delete(c.Request.Context(), userID(c), id); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}
