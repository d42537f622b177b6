package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-campaign-dispatch/internal/config"
	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/http/middleware"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
	"github.com/tbourn/go-campaign-dispatch/internal/services"
)

var testNow = time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)

// ---------- test DB + wiring ----------

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type nopSupervisor struct{}

func (nopSupervisor) Start(string) {}
func (nopSupervisor) Stop(string)  {}

type testEnv struct {
	db *gorm.DB
	r  *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newHandlerDB(t)
	now := func() time.Time { return testNow }

	dispatch := config.DispatchConfig{
		PollInterval:        time.Second,
		NoCreditThreshold:   3,
		CostPerMessage:      1,
		MaxSendAttempts:     3,
		RetryInitial:        time.Millisecond,
		RetryMax:            time.Millisecond,
		PaidHourlyLimit:     100,
		AgentHourlyLimit:    30,
		AgentBaseDelayMs:    20000,
		AgentJitterRangeMs:  25000,
		ActivationTolerance: time.Minute,
		DefaultCountryCode:  "55",
	}
	ledger := services.NewLedgerService(db)
	campaigns := &services.CampaignService{
		DB:         db,
		Audience:   &services.AudienceResolver{Store: services.GormQuizStore{DB: db}, DefaultCountryCode: "55"},
		Ledger:     ledger,
		Supervisor: nopSupervisor{},
		Cfg:        dispatch,
		Now:        now,
	}
	bridge := &services.BridgeService{
		DB:         db,
		Supervisor: nopSupervisor{},
		Bridge: config.BridgeConfig{
			PullBatchMax:      10,
			AckTimeout:        10 * time.Minute,
			MaxRequeues:       3,
			SessionTTL:        2 * time.Minute,
			LoginFreshness:    15 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
		},
		Dispatch: dispatch,
		Now:      now,
	}
	h := New(campaigns, ledger, bridge, WithStore(db), WithIdempotencyTTL(time.Hour))

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Identity())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{Scope: middleware.CampaignCreateScope}, nil))
	r.POST("/campaigns", h.CreateCampaign)
	r.GET("/campaigns", h.ListCampaigns)
	r.GET("/campaigns/:id", h.GetCampaign)
	r.GET("/campaigns/:id/tasks", h.ListCampaignTasks)
	r.POST("/campaigns/:id/schedule", h.ScheduleCampaign)
	r.POST("/campaigns/:id/pause", h.PauseCampaign)
	r.POST("/campaigns/:id/resume", h.ResumeCampaign)
	r.DELETE("/campaigns/:id", h.DeleteCampaign)
	r.GET("/credits/:channel", h.GetBalance)
	r.GET("/credits/:channel/transactions", h.ListCreditTransactions)
	r.POST("/internal/credits/grant", middleware.InternalToken("tok"), h.GrantCredits)
	r.POST("/extension/heartbeat", h.ExtensionHeartbeat)
	r.POST("/extension/login", h.ExtensionLogin)
	r.GET("/extension/tasks", h.ExtensionPull)
	r.POST("/extension/ack", h.ExtensionAck)
	r.GET("/extension/config", h.ExtensionConfig)
	return &testEnv{db: db, r: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderUserID, "u1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (body=%s)", v, err, w.Body.String())
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body=%s)", w.Code, status, w.Body.String())
	}
	er := decode[ErrorResponse](t, w)
	if er.Code != code {
		t.Fatalf("code = %q, want %q", er.Code, code)
	}
	if er.RequestID == "" {
		t.Fatalf("error response without request id")
	}
	return er
}

func seedQuiz(t *testing.T, db *gorm.DB, quizID string, n int) {
	t.Helper()
	if err := db.Create(&domain.Quiz{ID: quizID, OwnerID: "u1", Title: "quiz"}).Error; err != nil {
		t.Fatalf("seed quiz: %v", err)
	}
	for i := 0; i < n; i++ {
		resp := domain.QuizResponse{
			ID:          fmt.Sprintf("%s-r%d", quizID, i),
			QuizID:      quizID,
			IsComplete:  true,
			SubmittedAt: time.Date(2025, 1, 5, 10+i, 0, 0, 0, time.UTC),
			Payload:     datatypes.JSON(fmt.Sprintf(`{"phone":"1198888%04d","name":"Lead %d"}`, i, i)),
		}
		if err := db.Create(&resp).Error; err != nil {
			t.Fatalf("seed response: %v", err)
		}
	}
}

func smsCampaign(quizID string) map[string]any {
	return map[string]any{
		"name":     "Follow-up",
		"channel":  "sms",
		"quiz_id":  quizID,
		"segment":  "completed",
		"trigger":  map[string]any{"kind": "immediate"},
		"message_variants": map[string]any{
			"completed": []string{"Hi {name}", "Hello {name}"},
			"abandoned": []string{"Come back {name}"},
		},
	}
}

type campaignView struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Channel     string `json:"channel"`
	PauseReason string `json:"pause_reason"`
	Counts      struct {
		Total   int64 `json:"total"`
		Pending int64 `json:"pending"`
	} `json:"counts"`
}

// ---------- campaigns ----------

func TestCampaignLifecycle(t *testing.T) {
	e := newTestEnv(t)
	seedQuiz(t, e.db, "quiz-1", 3)

	w := e.do(t, http.MethodPost, "/campaigns", smsCampaign("quiz-1"), middleware.HeaderIdempotencyKey, "create-0001")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body.String())
	}
	created := decode[campaignView](t, w)
	if created.ID == "" || created.State != string(domain.CampaignDraft) {
		t.Fatalf("unexpected created campaign: %+v", created)
	}

	// Same key replays the first result instead of creating another draft.
	w = e.do(t, http.MethodPost, "/campaigns", smsCampaign("quiz-1"), middleware.HeaderIdempotencyKey, "create-0001")
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("missing Idempotency-Replayed header")
	}
	if got := decode[campaignView](t, w); got.ID != created.ID {
		t.Fatalf("replay id = %q, want %q", got.ID, created.ID)
	}

	w = e.do(t, http.MethodGet, "/campaigns", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	list := decode[ListCampaignsResponse](t, w)
	if list.Pagination.Total != 1 || len(list.Campaigns) != 1 {
		t.Fatalf("list = %+v", list.Pagination)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("list without ETag")
	}
	if w = e.do(t, http.MethodGet, "/campaigns", nil, "If-None-Match", etag); w.Code != http.StatusNotModified {
		t.Fatalf("conditional list status = %d, want 304", w.Code)
	}

	base := "/campaigns/" + created.ID
	w = e.do(t, http.MethodPost, base+"/schedule", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("schedule status = %d body=%s", w.Code, w.Body.String())
	}
	if got := decode[campaignView](t, w); got.State != string(domain.CampaignActive) {
		t.Fatalf("immediate campaign state after schedule = %q", got.State)
	}

	w = e.do(t, http.MethodGet, base, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	detail := decode[campaignView](t, w)
	if detail.Counts.Total != 3 || detail.Counts.Pending != 3 {
		t.Fatalf("counts = %+v, want 3 pending", detail.Counts)
	}

	w = e.do(t, http.MethodGet, base+"/tasks?status=pending", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tasks status = %d body=%s", w.Code, w.Body.String())
	}
	tasks := decode[ListTasksResponse](t, w)
	if len(tasks.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(tasks.Tasks))
	}
	if tag := w.Header().Get("ETag"); tag != "" {
		if w = e.do(t, http.MethodGet, base+"/tasks?status=pending", nil, "If-None-Match", tag); w.Code != http.StatusNotModified {
			t.Fatalf("conditional tasks status = %d, want 304", w.Code)
		}
	}

	w = e.do(t, http.MethodPost, base+"/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d body=%s", w.Code, w.Body.String())
	}
	if got := decode[campaignView](t, w); got.State != string(domain.CampaignPaused) {
		t.Fatalf("state after pause = %q", got.State)
	}

	w = e.do(t, http.MethodPost, base+"/schedule", nil)
	expectError(t, w, http.StatusConflict, ErrCodeInvalidTransition)

	w = e.do(t, http.MethodPost, base+"/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d body=%s", w.Code, w.Body.String())
	}
	if got := decode[campaignView](t, w); got.State != string(domain.CampaignActive) {
		t.Fatalf("state after resume = %q", got.State)
	}

	if w = e.do(t, http.MethodDelete, base, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	expectError(t, e.do(t, http.MethodGet, base, nil), http.StatusNotFound, ErrCodeNotFound)
}

func TestCreateCampaign_Validation(t *testing.T) {
	e := newTestEnv(t)
	seedQuiz(t, e.db, "quiz-1", 1)

	expectError(t, e.do(t, http.MethodPost, "/campaigns", `{"name":`), http.StatusBadRequest, ErrCodeBadRequest)

	body := smsCampaign("quiz-1")
	body["channel"] = "fax"
	er := expectError(t, e.do(t, http.MethodPost, "/campaigns", body), http.StatusBadRequest, ErrCodeValidation)
	if er.Field != "channel" {
		t.Fatalf("field = %q, want channel", er.Field)
	}

	body = smsCampaign("")
	er = expectError(t, e.do(t, http.MethodPost, "/campaigns", body), http.StatusBadRequest, ErrCodeValidation)
	if er.Field != "quiz_id" {
		t.Fatalf("field = %q, want quiz_id", er.Field)
	}

	expectError(t, e.do(t, http.MethodPost, "/campaigns", smsCampaign("quiz-1"), middleware.HeaderIdempotencyKey, "bad key!"),
		http.StatusBadRequest, "bad_idempotency_key")
}

func TestScheduleCampaign_EmptyAudience(t *testing.T) {
	e := newTestEnv(t)
	seedQuiz(t, e.db, "quiz-empty", 0)

	w := e.do(t, http.MethodPost, "/campaigns", smsCampaign("quiz-empty"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body.String())
	}
	id := decode[campaignView](t, w).ID

	expectError(t, e.do(t, http.MethodPost, "/campaigns/"+id+"/schedule", nil), http.StatusUnprocessableEntity, ErrCodeAudienceEmpty)

	if got := decode[campaignView](t, e.do(t, http.MethodGet, "/campaigns/"+id, nil)); got.State != string(domain.CampaignFailed) {
		t.Fatalf("state = %q, want failed", got.State)
	}
}

func TestCampaignRoutes_BadID(t *testing.T) {
	e := newTestEnv(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/campaigns/not-a-uuid"},
		{http.MethodGet, "/campaigns/not-a-uuid/tasks"},
		{http.MethodPost, "/campaigns/not-a-uuid/pause"},
		{http.MethodDelete, "/campaigns/not-a-uuid"},
	} {
		expectError(t, e.do(t, tc.method, tc.path, nil), http.StatusBadRequest, ErrCodeBadRequest)
	}
}

func TestCampaign_OtherOwnerSeesNotFound(t *testing.T) {
	e := newTestEnv(t)
	seedQuiz(t, e.db, "quiz-1", 1)
	w := e.do(t, http.MethodPost, "/campaigns", smsCampaign("quiz-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	id := decode[campaignView](t, w).ID

	expectError(t, e.do(t, http.MethodGet, "/campaigns/"+id, nil, middleware.HeaderUserID, "u2"), http.StatusNotFound, ErrCodeNotFound)
	expectError(t, e.do(t, http.MethodPost, "/campaigns/"+id+"/schedule", nil, middleware.HeaderUserID, "u2"), http.StatusNotFound, ErrCodeNotFound)
}

// ---------- credits ----------

func TestCredits_GrantBalanceTransactions(t *testing.T) {
	e := newTestEnv(t)

	grant := GrantCreditsRequest{UserID: "u1", Channel: "sms", Amount: 50}
	w := e.do(t, http.MethodPost, "/internal/credits/grant", grant)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("grant without token status = %d, want 401", w.Code)
	}

	w = e.do(t, http.MethodPost, "/internal/credits/grant", grant, middleware.HeaderInternalToken, "tok")
	if w.Code != http.StatusOK {
		t.Fatalf("grant status = %d body=%s", w.Code, w.Body.String())
	}
	if got := decode[GrantCreditsResponse](t, w); got.Balance != 50 || got.Channel != domain.ChannelSMS {
		t.Fatalf("grant response = %+v", got)
	}

	w = e.do(t, http.MethodGet, "/credits/sms", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance status = %d", w.Code)
	}
	snap := decode[services.BalanceSnapshot](t, w)
	if snap.Balance != 50 || snap.LifetimeCredited != 50 || snap.Unlimited {
		t.Fatalf("snapshot = %+v", snap)
	}

	w = e.do(t, http.MethodGet, "/credits/sms/transactions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transactions status = %d", w.Code)
	}
	txs := decode[ListTransactionsResponse](t, w)
	if len(txs.Transactions) != 1 || txs.Transactions[0].Reason != "grant" || txs.Transactions[0].Kind != domain.TxCredit {
		t.Fatalf("transactions = %+v", txs.Transactions)
	}
}

func TestCredits_ChannelRules(t *testing.T) {
	e := newTestEnv(t)

	er := expectError(t, e.do(t, http.MethodGet, "/credits/pigeon", nil), http.StatusBadRequest, ErrCodeValidation)
	if er.Field != "channel" {
		t.Fatalf("field = %q", er.Field)
	}

	w := e.do(t, http.MethodGet, "/credits/whatsapp", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("whatsapp balance status = %d", w.Code)
	}
	if snap := decode[services.BalanceSnapshot](t, w); !snap.Unlimited {
		t.Fatalf("whatsapp should be unlimited: %+v", snap)
	}

	grant := GrantCreditsRequest{UserID: "u1", Channel: "whatsapp", Amount: 10}
	expectError(t, e.do(t, http.MethodPost, "/internal/credits/grant", grant, middleware.HeaderInternalToken, "tok"),
		http.StatusBadRequest, ErrCodeValidation)

	grant = GrantCreditsRequest{UserID: "u1", Channel: "email", Amount: -5}
	expectError(t, e.do(t, http.MethodPost, "/internal/credits/grant", grant, middleware.HeaderInternalToken, "tok"),
		http.StatusBadRequest, ErrCodeValidation)
}

// ---------- extension ----------

func TestExtension_SessionFlow(t *testing.T) {
	e := newTestEnv(t)

	expectError(t, e.do(t, http.MethodGet, "/extension/tasks", nil), http.StatusNotFound, ErrCodeSessionNotFound)

	w := e.do(t, http.MethodPost, "/extension/heartbeat", services.HeartbeatInput{Version: "1.4.2", IsActive: true})
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d body=%s", w.Code, w.Body.String())
	}
	cfg := decode[services.AgentConfig](t, w)
	if cfg.PullBatchSize != 10 || cfg.AckTimeoutSeconds != 600 || cfg.HeartbeatIntervalSeconds != 30 {
		t.Fatalf("agent config = %+v", cfg)
	}

	// No login probe reported yet.
	expectError(t, e.do(t, http.MethodGet, "/extension/tasks?limit=5", nil), http.StatusLocked, ErrCodeLoginRequired)
	if w = e.do(t, http.MethodPost, "/extension/login", `{"confirmed":true}`); w.Code != http.StatusOK {
		t.Fatalf("login status = %d body=%s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/extension/tasks?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pull status = %d body=%s", w.Code, w.Body.String())
	}
	if pr := decode[PullResponse](t, w); pr.Tasks == nil || len(pr.Tasks) != 0 {
		t.Fatalf("pull = %+v, want empty list", pr)
	}

	w = e.do(t, http.MethodGet, "/extension/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("config status = %d", w.Code)
	}

	w = e.do(t, http.MethodPost, "/extension/ack", AckRequest{Items: []services.AckItem{{TaskID: "nope", Status: "sent"}}})
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d body=%s", w.Code, w.Body.String())
	}
	ar := decode[AckResponse](t, w)
	if len(ar.Results) != 1 || ar.Results[0].Result != services.AckUnknown {
		t.Fatalf("ack results = %+v", ar.Results)
	}

	expectError(t, e.do(t, http.MethodPost, "/extension/ack", `{"items":[]}`), http.StatusBadRequest, ErrCodeBadRequest)

	expectError(t, e.do(t, http.MethodPost, "/extension/login", `{}`), http.StatusBadRequest, ErrCodeBadRequest)

	w = e.do(t, http.MethodPost, "/extension/login", `{"confirmed":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d body=%s", w.Code, w.Body.String())
	}
	if lr := decode[LoginResponse](t, w); lr.Status != domain.SessionBlocked {
		t.Fatalf("login response = %+v, want blocked", lr)
	}
	expectError(t, e.do(t, http.MethodGet, "/extension/tasks", nil), http.StatusLocked, ErrCodeLoginRequired)

	w = e.do(t, http.MethodPost, "/extension/login", `{"confirmed":true}`)
	if lr := decode[LoginResponse](t, w); lr.Status != domain.SessionActive {
		t.Fatalf("login response = %+v, want active", lr)
	}
	if w = e.do(t, http.MethodGet, "/extension/tasks", nil); w.Code != http.StatusOK {
		t.Fatalf("pull after login status = %d", w.Code)
	}
}

func TestExtension_AckTooManyItems(t *testing.T) {
	e := newTestEnv(t)
	items := make([]services.AckItem, maxAckItems+1)
	for i := range items {
		items[i] = services.AckItem{TaskID: fmt.Sprintf("t-%d", i), Status: "sent"}
	}
	expectError(t, e.do(t, http.MethodPost, "/extension/ack", AckRequest{Items: items}), http.StatusBadRequest, ErrCodeBadRequest)
}
