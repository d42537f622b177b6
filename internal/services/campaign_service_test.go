package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
)

func TestCampaign_CreateValidatesAndDefaults(t *testing.T) {
	db := newServiceDB(t)
	svc := newCampaignService(db, nil)
	ctx := context.Background()

	bad := []struct {
		name  string
		in    CreateCampaignInput
		field string
	}{
		{"channel", CreateCampaignInput{Channel: "fax", QuizID: "q"}, "channel"},
		{"quiz", CreateCampaignInput{Channel: "sms"}, "quiz_id"},
		{"segment", CreateCampaignInput{Channel: "sms", QuizID: "q", Segment: "vip"}, "segment"},
		{"dates", CreateCampaignInput{Channel: "sms", QuizID: "q", DateFrom: "2025-02-01", DateTo: "2025-01-01"}, "date_to"},
		{"trigger", CreateCampaignInput{Channel: "sms", QuizID: "q", Trigger: TriggerInput{Kind: "later"}}, "trigger.kind"},
		{"offset", CreateCampaignInput{Channel: "sms", QuizID: "q", Trigger: TriggerInput{Kind: "delayed", Offset: "soon"}}, "trigger.offset"},
		{"limit", CreateCampaignInput{Channel: "sms", QuizID: "q", HourlyLimit: intp(0)}, "hourly_limit"},
		{"delay", CreateCampaignInput{Channel: "sms", QuizID: "q", BaseDelayMs: intp(-1)}, "base_delay_ms"},
	}
	for _, tc := range bad {
		_, err := svc.Create(ctx, "u1", tc.in)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("%s: expected validation error on %s, got %v", tc.name, tc.field, err)
		}
	}

	sms, err := svc.Create(ctx, "u1", CreateCampaignInput{Channel: "SMS", QuizID: "q", DateTo: "2025-01-31"})
	if err != nil {
		t.Fatalf("Create sms: %v", err)
	}
	if sms.State != domain.CampaignDraft || sms.HourlyLimit != 100 || sms.AudienceFilter.Data().Segment != domain.SegmentAll {
		t.Fatalf("unexpected sms defaults: %+v", sms)
	}
	if to := sms.AudienceFilter.Data().DateTo; to == nil || to.Hour() != 23 || to.Day() != 31 {
		t.Fatalf("date-only date_to must cover the whole day, got %v", to)
	}
	wa, _ := svc.Create(ctx, "u1", CreateCampaignInput{Channel: "whatsapp", QuizID: "q"})
	if wa.HourlyLimit != 30 {
		t.Fatalf("agent channel must use the stricter cap, got %d", wa.HourlyLimit)
	}
}

// Scenario A: five recipients on sms are each sent and charged exactly once,
// rotating over three variants without an immediate repeat.
func TestCampaign_ScheduleAndSendFullAudience(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	responses := phoneResponses(5)
	responses = append(responses,
		domain.QuizResponse{ID: "late", IsComplete: true, SubmittedAt: time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC), Payload: datatypes.JSON(`{"phone":"11955550001"}`)},
		domain.QuizResponse{ID: "left", IsComplete: false, SubmittedAt: time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC), Payload: datatypes.JSON(`{"phone":"11955550002"}`)},
	)
	seedQuiz(t, db, "q1", responses...)

	sup := &recordingSupervisor{}
	svc := newCampaignService(db, sup)
	in := smsInput("q1")
	in.DateFrom, in.DateTo = "2025-01-01", "2025-01-31"
	in.HourlyLimit = intp(100)
	c := activeCampaign(t, svc, in)

	if len(sup.started) != 1 || sup.started[0] != c.ID {
		t.Fatalf("immediate activation must start a worker, got %v", sup.started)
	}
	if stats := c.ResolutionStats.Data(); stats.Matched != 5 || stats.FilteredOut != 2 {
		t.Fatalf("unexpected resolution stats: %+v", stats)
	}
	if tasks := tasksOf(t, db, c.ID); len(tasks) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(tasks))
	}

	if _, err := svc.Ledger.Credit(ctx, "u1", domain.ChannelSMS, 10, "topup"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	sender := &fakeSender{}
	d := newTestDispatcher(db, sender)
	d.Ledger = svc.Ledger
	if err := d.ProcessCampaign(ctx, c.ID); err != nil {
		t.Fatalf("ProcessCampaign: %v", err)
	}

	if sender.count() != 5 {
		t.Fatalf("expected 5 sends, got %d", sender.count())
	}
	debits, refunds, _ := repo.CampaignLedgerCounts(ctx, db, c.ID)
	if debits != 5 || refunds != 0 {
		t.Fatalf("ledger = %d debits, %d refunds", debits, refunds)
	}
	snap, _ := svc.Ledger.GetBalance(ctx, "u1", domain.ChannelSMS)
	if snap.Balance != 5 {
		t.Fatalf("balance = %d, want 5", snap.Balance)
	}

	prev := -1
	for _, task := range tasksOf(t, db, c.ID) {
		if task.Status != domain.TaskSent || task.VariantIndex == nil || task.SentAt == nil {
			t.Fatalf("task not sent: %+v", task)
		}
		if *task.VariantIndex == prev {
			t.Fatalf("variant %d repeated at seq %d", prev, task.Seq)
		}
		prev = *task.VariantIndex
	}
	if sender.sent[0].Body != "Hi Lead 1 (a)" || sender.sent[1].Body != "Hello Lead 2 (b)" {
		t.Fatalf("unexpected bodies: %q, %q", sender.sent[0].Body, sender.sent[1].Body)
	}

	detail, err := svc.Get(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if detail.State != domain.CampaignCompleted || detail.Counts.Sent != 5 || detail.Counts.Total != 5 || detail.Charged != 5 {
		t.Fatalf("unexpected detail: state=%s counts=%+v charged=%d", detail.State, detail.Counts, detail.Charged)
	}
}

func TestCampaign_ScheduleFailures(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	seedQuiz(t, db, "q1", domain.QuizResponse{
		ID: "a1", IsComplete: false, SubmittedAt: clock0.Add(-time.Hour), Payload: datatypes.JSON(`{"phone":"11977770001"}`),
	})
	svc := newCampaignService(db, nil)

	// No completed responses: the campaign fails with audience_empty.
	c, _ := svc.Create(ctx, "u1", smsInput("q1"))
	if _, err := svc.Schedule(ctx, "u1", c.ID); !errors.Is(err, ErrAudienceEmpty) {
		t.Fatalf("expected ErrAudienceEmpty, got %v", err)
	}
	if got := campaignState(t, db, c.ID); got.State != domain.CampaignFailed || got.FailureReason != domain.FailAudienceEmpty {
		t.Fatalf("unexpected campaign: state=%s reason=%s", got.State, got.FailureReason)
	}
	emptyID := c.ID

	// Abandoned recipients without abandoned variants: variants_missing.
	in := smsInput("q1")
	in.Segment = "abandoned"
	in.MessageVariants.Abandoned = nil
	c, _ = svc.Create(ctx, "u1", in)
	_, err := svc.Schedule(ctx, "u1", c.ID)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "message_variants" {
		t.Fatalf("expected message_variants validation error, got %v", err)
	}
	if got := campaignState(t, db, c.ID); got.State != domain.CampaignFailed || got.FailureReason != domain.FailVariantsMissing {
		t.Fatalf("unexpected campaign: state=%s reason=%s", got.State, got.FailureReason)
	}

	// Validation errors leave the campaign in draft.
	in = smsInput("q1")
	in.Trigger = TriggerInput{Kind: "delayed"}
	c, _ = svc.Create(ctx, "u1", in)
	if _, err := svc.Schedule(ctx, "u1", c.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("delayed without offset: expected ErrValidation, got %v", err)
	}
	in = smsInput("missing-quiz")
	c2, _ := svc.Create(ctx, "u1", in)
	if _, err := svc.Schedule(ctx, "u1", c2.ID); !errors.As(err, &ve) || ve.Field != "quiz_id" {
		t.Fatalf("unknown quiz: expected quiz_id validation error, got %v", err)
	}
	for _, id := range []string{c.ID, c2.ID} {
		if got := campaignState(t, db, id); got.State != domain.CampaignDraft {
			t.Fatalf("campaign %s left draft: %s", id, got.State)
		}
	}

	// Only drafts can be scheduled.
	if _, err := svc.Schedule(ctx, "u1", emptyID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("rescheduling a failed campaign: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCampaign_DelayedActivationByTick(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	seedQuiz(t, db, "q1", phoneResponses(2)...)
	svc := newCampaignService(db, nil)

	in := smsInput("q1")
	in.Trigger = TriggerInput{Kind: "delayed", Offset: "2h"}
	c, _ := svc.Create(ctx, "u1", in)
	c, err := svc.Schedule(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if c.State != domain.CampaignScheduled || c.ActivateAt == nil || !c.ActivateAt.Equal(clock0.Add(2*time.Hour)) {
		t.Fatalf("unexpected scheduled campaign: state=%s activate_at=%v", c.State, c.ActivateAt)
	}
	if _, err := svc.Schedule(ctx, "u1", c.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second schedule: expected ErrInvalidTransition, got %v", err)
	}

	d := newTestDispatcher(db, &fakeSender{})
	now := clock0.Add(time.Hour)
	d.Now = func() time.Time { return now }
	d.Tick(ctx)
	if got := campaignState(t, db, c.ID); got.State != domain.CampaignScheduled {
		t.Fatalf("activated an hour early: %s", got.State)
	}

	// Within the tolerance window before the activation time.
	now = clock0.Add(2*time.Hour - 30*time.Second)
	d.Tick(ctx)
	d.Wait()
	got := campaignState(t, db, c.ID)
	if got.State == domain.CampaignScheduled || got.ActivatedAt == nil {
		t.Fatalf("expected activation, got state=%s", got.State)
	}
}

func TestCampaign_PauseResumeAndDelete(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	seedQuiz(t, db, "q1", phoneResponses(3)...)
	sup := &recordingSupervisor{}
	svc := newCampaignService(db, sup)
	c := activeCampaign(t, svc, smsInput("q1"))

	if _, err := svc.Resume(ctx, "u1", c.ID); err != nil {
		t.Fatalf("resume of active must be a no-op, got %v", err)
	}
	p, err := svc.Pause(ctx, "u1", c.ID)
	if err != nil || p.State != domain.CampaignPaused || p.PauseReason != domain.PauseUser {
		t.Fatalf("Pause = (%+v, %v)", p, err)
	}
	if len(sup.stopped) != 1 {
		t.Fatalf("pause must stop the worker")
	}
	if _, err := svc.Pause(ctx, "u1", c.ID); err != nil {
		t.Fatalf("second pause must be a no-op, got %v", err)
	}

	_ = repo.UpdateCampaignFields(ctx, db, c.ID, map[string]any{"consecutive_no_credit": 2})
	r, err := svc.Resume(ctx, "u1", c.ID)
	if err != nil || r.State != domain.CampaignActive || r.PauseReason != "" || r.ConsecutiveNoCredit != 0 {
		t.Fatalf("Resume = (%+v, %v)", r, err)
	}

	if _, err := svc.Pause(ctx, "other", c.ID); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("foreign owner: expected ErrCampaignNotFound, got %v", err)
	}

	if err := svc.Delete(ctx, "u1", c.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, "u1", c.ID); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound after delete, got %v", err)
	}
	if n, _ := repo.CountTasks(ctx, db, c.ID, ""); n != 0 {
		t.Fatalf("tasks survived delete: %d", n)
	}

	draft, _ := svc.Create(ctx, "u1", smsInput("q1"))
	if _, err := svc.Pause(ctx, "u1", draft.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pausing a draft: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCampaign_ListAndListTasks(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	seedQuiz(t, db, "q1", phoneResponses(4)...)
	svc := newCampaignService(db, nil)

	c := activeCampaign(t, svc, smsInput("q1"))
	_, _ = svc.Create(ctx, "u1", smsInput("q1"))
	_, _ = svc.Create(ctx, "u2", smsInput("q1"))

	items, total, err := svc.List(ctx, "u1", 1, 10)
	if err != nil || total != 2 || len(items) != 2 {
		t.Fatalf("List = (%d items, total %d, %v)", len(items), total, err)
	}

	tasks, total, err := svc.ListTasks(ctx, "u1", c.ID, "pending", 2, 3)
	if err != nil || total != 4 || len(tasks) != 1 || tasks[0].Seq != 4 {
		t.Fatalf("ListTasks page 2 = (%+v, %d, %v)", tasks, total, err)
	}
	if _, _, err := svc.ListTasks(ctx, "u1", c.ID, "bogus", 1, 10); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown status, got %v", err)
	}
	if _, _, err := svc.ListTasks(ctx, "u2", c.ID, "", 1, 10); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
}
