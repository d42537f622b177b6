package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/config"
	"github.com/tbourn/go-campaign-dispatch/internal/delivery"
	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
)

var clock0 = time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		PollInterval:        time.Second,
		NoCreditThreshold:   3,
		CostPerMessage:      1,
		MaxSendAttempts:     3,
		RetryInitial:        time.Millisecond,
		RetryMax:            2 * time.Millisecond,
		PaidHourlyLimit:     100,
		AgentHourlyLimit:    30,
		ActivationTolerance: time.Minute,
		DefaultCountryCode:  "55",
	}
}

// ----- Fakes -----

type recordingSupervisor struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (r *recordingSupervisor) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *recordingSupervisor) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []delivery.Message
	// fail returns the error for an attempt, nil to succeed.
	fail func(msg delivery.Message) error
}

func (f *fakeSender) Send(ctx context.Context, msg delivery.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(msg); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// ----- Seeding -----

func seedQuiz(t *testing.T, db *gorm.DB, quizID string, responses ...domain.QuizResponse) {
	t.Helper()
	if err := db.Create(&domain.Quiz{ID: quizID, OwnerID: "u1", Title: "quiz"}).Error; err != nil {
		t.Fatalf("seed quiz: %v", err)
	}
	for i := range responses {
		responses[i].QuizID = quizID
		if err := db.Create(&responses[i]).Error; err != nil {
			t.Fatalf("seed response: %v", err)
		}
	}
}

// phoneResponses returns n completed responses submitted an hour apart
// starting on Jan 5th 2025.
func phoneResponses(n int) []domain.QuizResponse {
	out := make([]domain.QuizResponse, 0, n)
	start := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		out = append(out, domain.QuizResponse{
			ID:          fmt.Sprintf("r%02d", i+1),
			IsComplete:  true,
			SubmittedAt: start.Add(time.Duration(i) * time.Hour),
			Payload:     datatypes.JSON(fmt.Sprintf(`{"phone":"1197777%04d","name":"Lead %d"}`, i+1, i+1)),
		})
	}
	return out
}

func newCampaignService(db *gorm.DB, sup Supervisor) *CampaignService {
	return &CampaignService{
		DB:         db,
		Audience:   &AudienceResolver{Store: GormQuizStore{DB: db}, DefaultCountryCode: "55"},
		Ledger:     NewLedgerService(db),
		Supervisor: sup,
		Cfg:        testDispatchConfig(),
		Now:        func() time.Time { return clock0 },
	}
}

func newTestDispatcher(db *gorm.DB, sender delivery.Sender) *Dispatcher {
	d := NewDispatcher(db, NewLedgerService(db), sender, testDispatchConfig())
	d.Sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	d.Jitter = func(int64) int64 { return 0 }
	return d
}

func intp(v int) *int { return &v }

// activeCampaign creates and schedules an immediate campaign over the quiz
// and returns it active.
func activeCampaign(t *testing.T, svc *CampaignService, in CreateCampaignInput) *domain.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := svc.Create(ctx, "u1", in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c, err = svc.Schedule(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if c.State != domain.CampaignActive {
		t.Fatalf("expected active after immediate schedule, got %s", c.State)
	}
	return c
}

func smsInput(quizID string) CreateCampaignInput {
	return CreateCampaignInput{
		Name:    "Follow-up",
		Channel: "sms",
		QuizID:  quizID,
		MessageVariants: domain.MessageVariants{
			Completed: []string{"Hi {name} (a)", "Hello {name} (b)", "Hey {name} (c)"},
			Abandoned: []string{"Come back {name}"},
		},
		Segment: "completed",
		Trigger: TriggerInput{Kind: "immediate"},
	}
}

func tasksOf(t *testing.T, db *gorm.DB, campaignID string) []domain.DispatchTask {
	t.Helper()
	items, err := repo.ListTasksPage(context.Background(), db, campaignID, "", 0, 1000)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return items
}

func campaignState(t *testing.T, db *gorm.DB, id string) *domain.Campaign {
	t.Helper()
	c, err := repo.GetCampaignByID(context.Background(), db, id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c
}
