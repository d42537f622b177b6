// Package services – CampaignService
//
// CampaignService owns the campaign lifecycle:
//
//	draft -> scheduled -> active <-> paused
//	                        |
//	                        v
//	                    completed
//	draft -> failed (audience or variants unusable at scheduling)
//
// Every transition is a conditional update on the expected source state, so
// a user action racing a scheduler action resolves to one winner.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/config"
	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
	"github.com/tbourn/go-campaign-dispatch/internal/utils"
)

const maxNameRunes = 120

// TriggerInput is the activation rule as submitted by clients. Offset is a
// Go duration ("90m"); AtTime is RFC 3339.
type TriggerInput struct {
	Kind   string `json:"kind" example:"delayed"`
	Offset string `json:"offset,omitempty" example:"2h"`
	AtTime string `json:"at_time,omitempty" example:"2025-02-01T09:00:00Z"`
}

// CreateCampaignInput is the payload of Create. Dates accept "2006-01-02"
// or RFC 3339; a date-only DateTo covers the whole day.
type CreateCampaignInput struct {
	Name            string                 `json:"name"`
	Channel         string                 `json:"channel" example:"sms"`
	QuizID          string                 `json:"quiz_id"`
	MessageVariants domain.MessageVariants `json:"message_variants"`
	Segment         string                 `json:"segment" example:"completed"`
	DateFrom        string                 `json:"date_from,omitempty" example:"2025-01-01"`
	DateTo          string                 `json:"date_to,omitempty" example:"2025-01-31"`
	ResponseField   string                 `json:"response_field,omitempty"`
	ResponseValue   string                 `json:"response_value,omitempty"`
	Trigger         TriggerInput           `json:"trigger"`
	HourlyLimit     *int                   `json:"hourly_limit,omitempty"`
	BaseDelayMs     *int                   `json:"base_delay_ms,omitempty"`
	JitterRangeMs   *int                   `json:"jitter_range_ms,omitempty"`
}

// TaskCounts are live task counts of one campaign. Pending includes queued
// agent tasks, which are also reported on their own.
type TaskCounts struct {
	Total    int64 `json:"total"`
	Pending  int64 `json:"pending"`
	Queued   int64 `json:"queued"`
	InFlight int64 `json:"in_flight"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Skipped  int64 `json:"skipped"`
}

// CampaignDetail is a campaign with its live counts.
type CampaignDetail struct {
	domain.Campaign
	Counts TaskCounts `json:"counts"`
	// Charged is the net number of debited sends (paid channels only).
	Charged int64 `json:"charged"`
}

// CampaignService manages campaigns for their owners.
type CampaignService struct {
	DB         *gorm.DB
	Audience   *AudienceResolver
	Ledger     *LedgerService
	Supervisor Supervisor
	Cfg        config.DispatchConfig
	Now        func() time.Time
}

func (s *CampaignService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *CampaignService) sup() Supervisor {
	if s.Supervisor == nil {
		return noopSupervisor{}
	}
	return s.Supervisor
}

func tracer() trace.Tracer { return otel.Tracer("services/CampaignService") }

// Create validates in and stores a draft campaign.
func (s *CampaignService) Create(ctx context.Context, ownerID string, in CreateCampaignInput) (*domain.Campaign, error) {
	ctx, span := tracer().Start(ctx, "Create", trace.WithAttributes(
		attribute.String("user.id", ownerID),
		attribute.String("channel", in.Channel),
	))
	defer span.End()

	ch, ok := domain.ParseChannel(in.Channel)
	if !ok {
		return nil, invalid("channel", "must be one of sms, email, whatsapp")
	}
	quizID := strings.TrimSpace(in.QuizID)
	if quizID == "" {
		return nil, invalid("quiz_id", "required")
	}
	seg := domain.Segment(strings.ToLower(strings.TrimSpace(in.Segment)))
	if seg == "" {
		seg = domain.SegmentAll
	}
	if !seg.Valid() {
		return nil, invalid("segment", "must be one of all, completed, abandoned")
	}

	from, err := parseDate(in.DateFrom, false)
	if err != nil {
		return nil, invalid("date_from", err.Error())
	}
	to, err := parseDate(in.DateTo, true)
	if err != nil {
		return nil, invalid("date_to", err.Error())
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, invalid("date_to", "must not be before date_from")
	}
	if (strings.TrimSpace(in.ResponseField) == "") != (strings.TrimSpace(in.ResponseValue) == "") {
		return nil, invalid("response_field", "response_field and response_value go together")
	}

	trig, err := parseTrigger(in.Trigger)
	if err != nil {
		return nil, err
	}

	limit, base, jitter := s.Cfg.PaidHourlyLimit, s.Cfg.BaseDelayMs, s.Cfg.JitterRangeMs
	if ch.AgentDelivered() {
		limit, base, jitter = s.Cfg.AgentHourlyLimit, s.Cfg.AgentBaseDelayMs, s.Cfg.AgentJitterRangeMs
	}
	if in.HourlyLimit != nil {
		if *in.HourlyLimit <= 0 {
			return nil, invalid("hourly_limit", "must be positive")
		}
		limit = *in.HourlyLimit
	}
	if in.BaseDelayMs != nil {
		if *in.BaseDelayMs < 0 {
			return nil, invalid("base_delay_ms", "must not be negative")
		}
		base = *in.BaseDelayMs
	}
	if in.JitterRangeMs != nil {
		if *in.JitterRangeMs < 0 {
			return nil, invalid("jitter_range_ms", "must not be negative")
		}
		jitter = *in.JitterRangeMs
	}

	name := strings.TrimSpace(in.Name)
	if r := []rune(name); len(r) > maxNameRunes {
		name = string(r[:maxNameRunes])
	}
	if name == "" {
		name = "Untitled campaign"
	}

	now := s.now()
	c := &domain.Campaign{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Name:            name,
		Channel:         ch,
		QuizID:          quizID,
		State:           domain.CampaignDraft,
		MessageVariants: datatypes.NewJSONType(in.MessageVariants),
		AudienceFilter: datatypes.NewJSONType(domain.AudienceFilter{
			Segment:       seg,
			DateFrom:      from,
			DateTo:        to,
			ResponseField: strings.TrimSpace(in.ResponseField),
			ResponseValue: strings.TrimSpace(in.ResponseValue),
		}),
		Trigger:         datatypes.NewJSONType(trig),
		ResolutionStats: datatypes.NewJSONType(domain.ResolutionStats{}),
		HourlyLimit:     limit,
		BaseDelayMs:     base,
		JitterRangeMs:   jitter,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := repo.CreateCampaign(ctx, s.DB, c); err != nil {
		return nil, internal("create campaign", err)
	}
	logger(ctx).Info().Str("campaign_id", c.ID).Str("channel", string(ch)).Msg("campaign created")
	return c, nil
}

func parseTrigger(in TriggerInput) (domain.Trigger, error) {
	kind := domain.TriggerKind(strings.ToLower(strings.TrimSpace(in.Kind)))
	if kind == "" {
		kind = domain.TriggerImmediate
	}
	if !kind.Valid() {
		return domain.Trigger{}, invalid("trigger.kind", "must be one of immediate, delayed, scheduled")
	}
	t := domain.Trigger{Kind: kind}
	if s := strings.TrimSpace(in.Offset); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return domain.Trigger{}, invalid("trigger.offset", "not a duration")
		}
		t.OffsetSeconds = int64(d / time.Second)
	}
	if s := strings.TrimSpace(in.AtTime); s != "" {
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return domain.Trigger{}, invalid("trigger.at_time", "must be RFC 3339")
		}
		at = at.UTC()
		t.AtTime = &at
	}
	return t, nil
}

func parseDate(s string, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, errors.New("expected YYYY-MM-DD or RFC 3339")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func validateForSchedule(c *domain.Campaign) error {
	trig := c.Trigger.Data()
	switch trig.Kind {
	case domain.TriggerDelayed:
		if trig.OffsetSeconds <= 0 {
			return invalid("trigger.offset", "delayed trigger needs a positive offset")
		}
	case domain.TriggerScheduled:
		if trig.AtTime == nil {
			return invalid("trigger.at_time", "scheduled trigger needs at_time")
		}
	case domain.TriggerImmediate:
	default:
		return invalid("trigger.kind", "unknown trigger")
	}
	if c.HourlyLimit <= 0 {
		return invalid("hourly_limit", "must be positive")
	}
	if c.BaseDelayMs < 0 || c.JitterRangeMs < 0 {
		return invalid("pacing", "delays must not be negative")
	}
	return nil
}

func activationTime(c *domain.Campaign, now time.Time) time.Time {
	trig := c.Trigger.Data()
	switch trig.Kind {
	case domain.TriggerDelayed:
		return c.CreatedAt.UTC().Add(time.Duration(trig.OffsetSeconds) * time.Second)
	case domain.TriggerScheduled:
		return trig.AtTime.UTC()
	default:
		return now
	}
}

// Schedule resolves the audience once, materializes the dispatch tasks and
// moves the campaign from draft to scheduled. Immediate campaigns are
// activated in the same call. Unusable audiences fail the campaign.
func (s *CampaignService) Schedule(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	ctx, span := tracer().Start(ctx, "Schedule", trace.WithAttributes(
		attribute.String("user.id", ownerID),
		attribute.String("campaign.id", id),
	))
	defer span.End()

	c, err := s.get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if c.State != domain.CampaignDraft {
		return nil, fmt.Errorf("%w: cannot schedule a %s campaign", ErrInvalidTransition, c.State)
	}
	if err := validateForSchedule(c); err != nil {
		return nil, err
	}

	recipients, stats, err := s.Audience.Resolve(ctx, c.QuizID, c.Channel, c.AudienceFilter.Data())
	if errors.Is(err, ErrQuizNotFound) {
		return nil, invalid("quiz_id", "quiz not found")
	}
	if err != nil {
		return nil, err
	}

	if len(recipients) == 0 {
		if err := s.fail(ctx, c.ID, domain.FailAudienceEmpty, stats); err != nil {
			return nil, err
		}
		return nil, ErrAudienceEmpty
	}
	variants := c.MessageVariants.Data()
	for _, o := range []domain.OutcomeType{domain.OutcomeCompleted, domain.OutcomeAbandoned} {
		if len(variants.For(o)) > 0 {
			continue
		}
		for _, r := range recipients {
			if r.OutcomeType == o {
				if err := s.fail(ctx, c.ID, domain.FailVariantsMissing, stats); err != nil {
					return nil, err
				}
				return nil, invalid("message_variants", fmt.Sprintf("no message variants for %s recipients", o))
			}
		}
	}

	now := s.now()
	activateAt := activationTime(c, now)
	tasks := make([]domain.DispatchTask, 0, len(recipients))
	for i, r := range recipients {
		tasks = append(tasks, domain.DispatchTask{
			ID:          uuid.NewString(),
			CampaignID:  c.ID,
			Seq:         int64(i + 1),
			Contact:     r.Contact,
			OutcomeType: r.OutcomeType,
			VariableMap: datatypes.NewJSONType(r.Vars),
			Status:      domain.TaskPending,
			ScheduledAt: activateAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.TransitionCampaign(ctx, tx, c.ID,
			[]domain.CampaignState{domain.CampaignDraft}, domain.CampaignScheduled,
			map[string]any{
				"activate_at":      activateAt,
				"resolution_stats": datatypes.NewJSONType(stats),
				"failure_reason":   "",
			})
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		if err := repo.CreateTasks(ctx, tx, tasks); err != nil {
			return err
		}
		_, err = repo.GetOrCreateWindow(ctx, tx, c.ID, c.HourlyLimit, now)
		return err
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}
	if err != nil {
		return nil, internal("schedule", err)
	}
	logger(ctx).Info().
		Str("campaign_id", c.ID).
		Int("recipients", len(tasks)).
		Time("activate_at", activateAt).
		Msg("campaign scheduled")

	c.State = domain.CampaignScheduled
	c.ActivateAt = &activateAt
	if c.Trigger.Data().Kind == domain.TriggerImmediate {
		if _, err := activateCampaign(ctx, s.DB, s.sup(), c, now, s.Cfg.ActivationTolerance); err != nil {
			return nil, internal("activate", err)
		}
	}
	return s.reload(ctx, c.ID)
}

func (s *CampaignService) fail(ctx context.Context, id, reason string, stats domain.ResolutionStats) error {
	ok, err := repo.TransitionCampaign(ctx, s.DB, id,
		[]domain.CampaignState{domain.CampaignDraft}, domain.CampaignFailed,
		map[string]any{"failure_reason": reason, "resolution_stats": datatypes.NewJSONType(stats)})
	if err != nil {
		return internal("fail campaign", err)
	}
	if !ok {
		return ErrInvalidTransition
	}
	logger(ctx).Warn().Str("campaign_id", id).Str("failure_reason", reason).Msg("campaign failed at scheduling")
	return nil
}

// Pause stops an active campaign on the user's request. The worker finishes
// the unit it is in. Pausing an already paused campaign is a no-op.
func (s *CampaignService) Pause(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	ctx, span := tracer().Start(ctx, "Pause", trace.WithAttributes(attribute.String("campaign.id", id)))
	defer span.End()

	c, err := s.get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if c.State == domain.CampaignPaused {
		return c, nil
	}
	ok, err := repo.TransitionCampaign(ctx, s.DB, id,
		[]domain.CampaignState{domain.CampaignActive}, domain.CampaignPaused,
		map[string]any{"pause_reason": domain.PauseUser})
	if err != nil {
		return nil, internal("pause", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot pause a %s campaign", ErrInvalidTransition, c.State)
	}
	s.sup().Stop(id)
	logger(ctx).Info().Str("campaign_id", id).Msg("campaign paused by user")
	return s.reload(ctx, id)
}

// Resume reactivates a paused campaign, continuing from its first remaining
// pending task. The consecutive no-credit counter starts over.
func (s *CampaignService) Resume(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	ctx, span := tracer().Start(ctx, "Resume", trace.WithAttributes(attribute.String("campaign.id", id)))
	defer span.End()

	c, err := s.get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if c.State == domain.CampaignActive {
		return c, nil
	}
	extra := map[string]any{"pause_reason": "", "consecutive_no_credit": 0}
	if c.ActivatedAt == nil {
		extra["activated_at"] = s.now()
	}
	ok, err := repo.TransitionCampaign(ctx, s.DB, id,
		[]domain.CampaignState{domain.CampaignPaused}, domain.CampaignActive, extra)
	if err != nil {
		return nil, internal("resume", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot resume a %s campaign", ErrInvalidTransition, c.State)
	}
	s.sup().Start(id)
	logger(ctx).Info().Str("campaign_id", id).Str("previous_reason", c.PauseReason).Msg("campaign resumed")
	return s.reload(ctx, id)
}

// Delete stops the campaign's worker and removes the campaign, its tasks
// and its rate window. Ledger entries stay.
func (s *CampaignService) Delete(ctx context.Context, ownerID, id string) error {
	ctx, span := tracer().Start(ctx, "Delete", trace.WithAttributes(attribute.String("campaign.id", id)))
	defer span.End()

	if _, err := s.get(ctx, ownerID, id); err != nil {
		return err
	}
	s.sup().Stop(id)
	err := repo.DeleteCampaign(ctx, s.DB, id, ownerID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrCampaignNotFound
	}
	if err != nil {
		return internal("delete", err)
	}
	logger(ctx).Info().Str("campaign_id", id).Msg("campaign deleted")
	return nil
}

// Get returns the campaign with live task counts.
func (s *CampaignService) Get(ctx context.Context, ownerID, id string) (*CampaignDetail, error) {
	c, err := s.get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	byStatus, err := repo.CountTasksByStatus(ctx, s.DB, id)
	if err != nil {
		return nil, internal("task counts", err)
	}
	d := &CampaignDetail{Campaign: *c}
	for st, n := range byStatus {
		d.Counts.Total += n
		switch st {
		case domain.TaskPending:
			d.Counts.Pending += n
		case domain.TaskQueued:
			d.Counts.Pending += n
			d.Counts.Queued += n
		case domain.TaskInFlight:
			d.Counts.InFlight += n
		case domain.TaskSent:
			d.Counts.Sent += n
		case domain.TaskFailed:
			d.Counts.Failed += n
		case domain.TaskSkipped:
			d.Counts.Skipped += n
		}
	}
	if c.Channel.Paid() && s.Ledger != nil {
		if d.Charged, err = s.Ledger.CountDebitsForCampaign(ctx, id); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// List returns a page of the owner's campaigns, newest first.
func (s *CampaignService) List(ctx context.Context, ownerID string, page, pageSize int) ([]domain.Campaign, int64, error) {
	ctx, span := tracer().Start(ctx, "List", trace.WithAttributes(
		attribute.String("user.id", ownerID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	))
	defer span.End()

	_, size, offset := utils.NormalizePage(page, pageSize, 20, 100)
	total, err := repo.CountCampaigns(ctx, s.DB, ownerID)
	if err != nil {
		return nil, 0, internal("count campaigns", err)
	}
	if total == 0 {
		return []domain.Campaign{}, 0, nil
	}
	items, err := repo.ListCampaignsPage(ctx, s.DB, ownerID, offset, size)
	if err != nil {
		return nil, 0, internal("list campaigns", err)
	}
	return items, total, nil
}

// ListTasks returns a page of the campaign's tasks in audience order,
// optionally filtered by status.
func (s *CampaignService) ListTasks(ctx context.Context, ownerID, id, status string, page, pageSize int) ([]domain.DispatchTask, int64, error) {
	if _, err := s.get(ctx, ownerID, id); err != nil {
		return nil, 0, err
	}
	st := domain.TaskStatus(strings.ToLower(strings.TrimSpace(status)))
	switch st {
	case "", domain.TaskPending, domain.TaskQueued, domain.TaskInFlight, domain.TaskSent, domain.TaskFailed, domain.TaskSkipped:
	default:
		return nil, 0, invalid("status", "unknown task status")
	}
	_, size, offset := utils.NormalizePage(page, pageSize, 50, 500)
	total, err := repo.CountTasks(ctx, s.DB, id, st)
	if err != nil {
		return nil, 0, internal("count tasks", err)
	}
	if total == 0 {
		return []domain.DispatchTask{}, 0, nil
	}
	items, err := repo.ListTasksPage(ctx, s.DB, id, st, offset, size)
	if err != nil {
		return nil, 0, internal("list tasks", err)
	}
	return items, total, nil
}

// Stats returns the owner's campaign count and latest update time, used for
// list ETags.
func (s *CampaignService) Stats(ctx context.Context, ownerID string) (int64, *time.Time, error) {
	return repo.CampaignsStats(ctx, s.DB, ownerID)
}

func (s *CampaignService) get(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	c, err := repo.GetCampaign(ctx, s.DB, id, ownerID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, internal("get campaign", err)
	}
	return c, nil
}

func (s *CampaignService) reload(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := repo.GetCampaignByID(ctx, s.DB, id)
	if err != nil {
		return nil, internal("reload campaign", err)
	}
	return c, nil
}
