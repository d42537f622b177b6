// Package services – BridgeService
//
// BridgeService is the server side of the browser-extension delivery
// protocol. The extension is an untrusted agent that polls:
//
//	heartbeat -> pull (lease tasks) -> send in the browser -> ack
//
// A lease that is not acknowledged within AckTimeout is requeued at the tail
// of its campaign; after MaxRequeues it fails with reason timeout. Task ids
// are the idempotency keys of acknowledgements: the first terminal
// transition wins and repeats are reported as duplicates. The bridge never
// touches the credit ledger.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/config"
	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/observability"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
)

const reapBatch = 500

// Acknowledgement results.
const (
	AckApplied   = "applied"
	AckDuplicate = "duplicate"
	AckUnknown   = "unknown"
	AckRejected  = "rejected"
)

// HeartbeatInput is what the extension reports on every heartbeat.
type HeartbeatInput struct {
	Version        string `json:"version" example:"1.4.2"`
	PendingCount   int    `json:"pending_count"`
	SentCount      int    `json:"sent_count"`
	FailedCount    int    `json:"failed_count"`
	IsActive       bool   `json:"is_active"`
	LoginConfirmed *bool  `json:"login_confirmed,omitempty"`
}

// AgentConfig is the effective configuration handed to the extension.
type AgentConfig struct {
	BaseDelayMs              int                  `json:"base_delay_ms"`
	JitterRangeMs            int                  `json:"jitter_range_ms"`
	HourlyLimit              int                  `json:"hourly_limit"`
	PullBatchSize            int                  `json:"pull_batch_size"`
	AckTimeoutSeconds        int                  `json:"ack_timeout_seconds"`
	HeartbeatIntervalSeconds int                  `json:"heartbeat_interval_seconds"`
	SessionStatus            domain.SessionStatus `json:"session_status"`
	BlockReason              string               `json:"block_reason,omitempty"`
}

// PulledTask is a leased task as delivered to the extension.
type PulledTask struct {
	TaskID         string    `json:"task_id"`
	CampaignID     string    `json:"campaign_id"`
	Contact        string    `json:"contact"`
	Message        string    `json:"message"`
	Attempt        int       `json:"attempt"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// AckItem reports the outcome of one pulled task.
type AckItem struct {
	TaskID string `json:"task_id"`
	Status string `json:"status" example:"sent"`
	Reason string `json:"reason,omitempty"`
}

// AckResult is the per-item answer to Acknowledge.
type AckResult struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
}

// BridgeService implements the extension protocol. It also implements
// Reaper for the dispatcher tick.
type BridgeService struct {
	DB         *gorm.DB
	Supervisor Supervisor
	Bridge     config.BridgeConfig
	Dispatch   config.DispatchConfig
	Now        func() time.Time
}

func (s *BridgeService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *BridgeService) sup() Supervisor {
	if s.Supervisor == nil {
		return noopSupervisor{}
	}
	return s.Supervisor
}

func bridgeTracer() trace.Tracer { return otel.Tracer("services/BridgeService") }

// Heartbeat records the agent's state, evaluates its login and returns the
// effective config. The first heartbeat creates the session.
func (s *BridgeService) Heartbeat(ctx context.Context, userID string, in HeartbeatInput) (*AgentConfig, error) {
	ctx, span := bridgeTracer().Start(ctx, "Heartbeat", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "required")
	}
	now := s.now()
	sess, err := repo.GetSessionByUser(ctx, s.DB, userID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		sess = &domain.ExtensionSession{
			ID:        uuid.NewString(),
			UserID:    userID,
			Status:    domain.SessionActive,
			CreatedAt: now,
		}
	case err != nil:
		return nil, internal("get session", err)
	}

	if sess.Status == domain.SessionExpired {
		sess.Status = domain.SessionActive
		sess.BlockReason = ""
	}
	sess.Version = strings.TrimSpace(in.Version)
	sess.PendingCount, sess.SentCount, sess.FailedCount = in.PendingCount, in.SentCount, in.FailedCount
	sess.IsActive = in.IsActive
	sess.LastHeartbeatAt = now
	if in.LoginConfirmed != nil {
		sess.IsLoginConfirmed = *in.LoginConfirmed
		sess.LoginConfirmedAt = &now
	}

	if err := s.applyLogin(ctx, sess, now); err != nil {
		return nil, err
	}
	observability.BridgeEvents.WithLabelValues("heartbeat").Inc()
	return s.agentConfig(ctx, sess)
}

// ConfirmLogin records a login probe of the agent.
func (s *BridgeService) ConfirmLogin(ctx context.Context, userID string, confirmed bool) (*domain.ExtensionSession, error) {
	ctx, span := bridgeTracer().Start(ctx, "ConfirmLogin", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Bool("confirmed", confirmed),
	))
	defer span.End()

	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess.IsLoginConfirmed = confirmed
	sess.LoginConfirmedAt = &now
	if err := s.applyLogin(ctx, sess, now); err != nil {
		return nil, err
	}
	return sess, nil
}

// loginFresh reports whether the last probe confirmed a login recently
// enough. known is false until the agent reports its first probe; such a
// session is not blocked, but it cannot lease tasks either.
func (s *BridgeService) loginFresh(sess *domain.ExtensionSession, now time.Time) (fresh, known bool) {
	if sess.LoginConfirmedAt == nil {
		return false, false
	}
	if !sess.IsLoginConfirmed {
		return false, true
	}
	return s.Bridge.LoginFreshness <= 0 || now.Sub(*sess.LoginConfirmedAt) <= s.Bridge.LoginFreshness, true
}

// applyLogin saves sess after blocking or unblocking it on its login state,
// pausing or resuming the user's agent campaigns accordingly.
func (s *BridgeService) applyLogin(ctx context.Context, sess *domain.ExtensionSession, now time.Time) error {
	fresh, known := s.loginFresh(sess, now)
	block := known && !fresh && sess.Status != domain.SessionBlocked
	unblock := fresh && sess.Status == domain.SessionBlocked && sess.BlockReason == domain.PauseLoginRequired

	if block {
		sess.Status = domain.SessionBlocked
		sess.BlockReason = domain.PauseLoginRequired
	}
	if unblock {
		sess.Status = domain.SessionActive
		sess.BlockReason = ""
	}
	if err := repo.SaveSession(ctx, s.DB, sess); err != nil {
		return internal("save session", err)
	}

	switch {
	case block:
		observability.BridgeEvents.WithLabelValues("blocked").Inc()
		logger(ctx).Warn().Str("user_id", sess.UserID).Msg("extension login required")
		return s.pauseAgentCampaigns(ctx, sess.UserID)
	case unblock:
		logger(ctx).Info().Str("user_id", sess.UserID).Msg("extension login confirmed")
		return s.resumeAgentCampaigns(ctx, sess.UserID)
	}
	return nil
}

func (s *BridgeService) pauseAgentCampaigns(ctx context.Context, userID string) error {
	active, err := repo.ListOwnerCampaigns(ctx, s.DB, userID, domain.ChannelWhatsApp, domain.CampaignActive, "")
	if err != nil {
		return internal("list campaigns", err)
	}
	for _, c := range active {
		ok, err := autoPause(withCampaign(ctx, c.ID), s.DB, c.ID, domain.PauseLoginRequired)
		if err != nil {
			return internal("auto-pause", err)
		}
		if ok {
			s.sup().Stop(c.ID)
		}
	}
	return nil
}

func (s *BridgeService) resumeAgentCampaigns(ctx context.Context, userID string) error {
	paused, err := repo.ListOwnerCampaigns(ctx, s.DB, userID, domain.ChannelWhatsApp, domain.CampaignPaused, domain.PauseLoginRequired)
	if err != nil {
		return internal("list campaigns", err)
	}
	for _, c := range paused {
		ok, err := repo.TransitionCampaign(ctx, s.DB, c.ID,
			[]domain.CampaignState{domain.CampaignPaused}, domain.CampaignActive,
			map[string]any{"pause_reason": "", "consecutive_no_credit": 0})
		if err != nil {
			return internal("auto-resume", err)
		}
		if ok {
			logger(ctx).Info().Str("campaign_id", c.ID).Msg("campaign resumed after login")
			s.sup().Start(c.ID)
		}
	}
	return nil
}

// Pull leases up to limit queued tasks of the user's active agent
// campaigns. The session must be live and unblocked.
func (s *BridgeService) Pull(ctx context.Context, userID string, limit int) ([]PulledTask, error) {
	ctx, span := bridgeTracer().Start(ctx, "Pull", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	sess, err := s.liveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	batch := s.Bridge.PullBatchMax
	if batch <= 0 {
		batch = 10
	}
	if limit <= 0 || limit > batch {
		limit = batch
	}

	queued, err := repo.ListQueuedForOwner(ctx, s.DB, userID, domain.ChannelWhatsApp, limit)
	if err != nil {
		return nil, internal("list queued", err)
	}
	now := s.now()
	lease := now.Add(s.Bridge.AckTimeout)
	out := make([]PulledTask, 0, len(queued))
	for _, t := range queued {
		ok, err := repo.TransitionTask(ctx, s.DB, t.ID,
			[]domain.TaskStatus{domain.TaskQueued}, domain.TaskInFlight,
			map[string]any{
				"pulled_at":        now,
				"lease_expires_at": lease,
				"session_id":       sess.ID,
				"attempt":          t.Attempt + 1,
			})
		if err != nil {
			return nil, internal("lease task", err)
		}
		if !ok {
			continue
		}
		out = append(out, PulledTask{
			TaskID:         t.ID,
			CampaignID:     t.CampaignID,
			Contact:        t.Contact,
			Message:        t.RenderedMessage,
			Attempt:        t.Attempt + 1,
			LeaseExpiresAt: lease,
		})
	}
	if len(out) > 0 {
		if err := repo.AdvancePullCursor(ctx, s.DB, sess.ID, len(out)); err != nil {
			return nil, internal("pull cursor", err)
		}
	}
	observability.BridgeEvents.WithLabelValues("pull").Inc()
	span.SetAttributes(attribute.Int("leased", len(out)))
	return out, nil
}

// Acknowledge applies the agent's outcomes. Items are independent: one bad
// item never fails the batch.
func (s *BridgeService) Acknowledge(ctx context.Context, userID string, items []AckItem) ([]AckResult, error) {
	ctx, span := bridgeTracer().Start(ctx, "Acknowledge", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("items", len(items)),
	))
	defer span.End()

	if _, err := s.session(ctx, userID); err != nil {
		return nil, err
	}
	now := s.now()
	owners := map[string]bool{}
	touched := map[string]bool{}
	out := make([]AckResult, 0, len(items))

	for _, it := range items {
		res, campaignID, err := s.ackOne(ctx, userID, it, now, owners)
		if err != nil {
			return nil, err
		}
		if res == AckApplied {
			touched[campaignID] = true
		}
		observability.BridgeEvents.WithLabelValues("ack_" + res).Inc()
		out = append(out, AckResult{TaskID: it.TaskID, Result: res})
	}
	for id := range touched {
		if _, err := completeIfDrained(withCampaign(ctx, id), s.DB, id, now); err != nil {
			return nil, internal("complete campaign", err)
		}
	}
	return out, nil
}

func (s *BridgeService) ackOne(ctx context.Context, userID string, it AckItem, now time.Time, owners map[string]bool) (string, string, error) {
	status := domain.TaskStatus(strings.ToLower(strings.TrimSpace(it.Status)))
	if status != domain.TaskSent && status != domain.TaskFailed {
		return AckRejected, "", nil
	}
	t, err := repo.GetTask(ctx, s.DB, it.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return AckUnknown, "", nil
	}
	if err != nil {
		return "", "", internal("get task", err)
	}
	owned, seen := owners[t.CampaignID]
	if !seen {
		c, err := repo.GetCampaignByID(ctx, s.DB, t.CampaignID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return "", "", internal("get campaign", err)
		default:
			owned = c.OwnerID == userID && c.Channel.AgentDelivered()
		}
		owners[t.CampaignID] = owned
	}
	if !owned {
		return AckUnknown, "", nil
	}
	if t.Status.Terminal() {
		return AckDuplicate, t.CampaignID, nil
	}

	extra := map[string]any{"lease_expires_at": nil}
	if status == domain.TaskSent {
		extra["sent_at"] = now
		extra[failedReason] = ""
	} else {
		reason := strings.TrimSpace(it.Reason)
		if reason == "" {
			reason = domain.ReasonAgentFailed
		}
		if len(reason) > 128 {
			reason = reason[:128]
		}
		extra[failedReason] = reason
	}
	// Late acks of requeued tasks are honored.
	ok, err := repo.TransitionTask(ctx, s.DB, t.ID,
		[]domain.TaskStatus{domain.TaskInFlight, domain.TaskQueued}, status, extra)
	if err != nil {
		return "", "", internal("ack task", err)
	}
	if ok {
		return AckApplied, t.CampaignID, nil
	}
	if cur, err := repo.GetTask(ctx, s.DB, t.ID); err == nil && cur.Status.Terminal() {
		return AckDuplicate, t.CampaignID, nil
	}
	return AckRejected, t.CampaignID, nil
}

// RequeueExpired returns unacknowledged leases to the tail of their
// campaign, or fails them with reason timeout once they were requeued
// MaxRequeues times. It returns the number of tasks handled.
func (s *BridgeService) RequeueExpired(ctx context.Context) (int, error) {
	ctx, span := bridgeTracer().Start(ctx, "RequeueExpired")
	defer span.End()

	now := s.now()
	expired, err := repo.ListExpiredLeases(ctx, s.DB, now, reapBatch)
	if err != nil {
		return 0, internal("list expired leases", err)
	}
	handled := 0
	timedOut := map[string]bool{}
	for _, t := range expired {
		release := map[string]any{
			"lease_expires_at": nil,
			"pulled_at":        nil,
			"session_id":       "",
		}
		if t.RequeueCount >= s.Bridge.MaxRequeues {
			release[failedReason] = domain.ReasonTimeout
			ok, err := repo.TransitionTask(ctx, s.DB, t.ID,
				[]domain.TaskStatus{domain.TaskInFlight}, domain.TaskFailed, release)
			if err != nil {
				return handled, internal("fail task", err)
			}
			if ok {
				handled++
				timedOut[t.CampaignID] = true
				observability.BridgeEvents.WithLabelValues("timeout").Inc()
				logger(ctx).Warn().Str("task_id", t.ID).Err(ErrDeliveryTimeout).Msg("agent task failed")
			}
			continue
		}

		tail, err := repo.MaxSeq(ctx, s.DB, t.CampaignID)
		if err != nil {
			return handled, internal("max seq", err)
		}
		release["seq"] = tail + 1
		release["requeue_count"] = t.RequeueCount + 1
		ok, err := repo.TransitionTask(ctx, s.DB, t.ID,
			[]domain.TaskStatus{domain.TaskInFlight}, domain.TaskQueued, release)
		if err != nil {
			return handled, internal("requeue task", err)
		}
		if ok {
			handled++
			observability.BridgeEvents.WithLabelValues("requeue").Inc()
			logger(ctx).Info().Str("task_id", t.ID).Int("requeue_count", t.RequeueCount+1).Msg("agent lease expired")
		}
	}
	for id := range timedOut {
		if _, err := completeIfDrained(withCampaign(ctx, id), s.DB, id, now); err != nil {
			return handled, internal("complete campaign", err)
		}
	}
	return handled, nil
}

// ExpireSessions marks sessions without a recent heartbeat as expired.
func (s *BridgeService) ExpireSessions(ctx context.Context) (int64, error) {
	n, err := repo.ExpireSessions(ctx, s.DB, s.now().Add(-s.Bridge.SessionTTL))
	if err != nil {
		return 0, internal("expire sessions", err)
	}
	if n > 0 {
		logger(ctx).Info().Int64("sessions", n).Msg("extension sessions expired")
	}
	return n, nil
}

// Config returns the effective config without recording a heartbeat.
func (s *BridgeService) Config(ctx context.Context, userID string) (*AgentConfig, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.agentConfig(ctx, sess)
}

// agentConfig derives the pacing from the user's oldest active agent
// campaign, falling back to the configured agent defaults.
func (s *BridgeService) agentConfig(ctx context.Context, sess *domain.ExtensionSession) (*AgentConfig, error) {
	cfg := &AgentConfig{
		BaseDelayMs:              s.Dispatch.AgentBaseDelayMs,
		JitterRangeMs:            s.Dispatch.AgentJitterRangeMs,
		HourlyLimit:              s.Dispatch.AgentHourlyLimit,
		PullBatchSize:            s.Bridge.PullBatchMax,
		AckTimeoutSeconds:        int(s.Bridge.AckTimeout / time.Second),
		HeartbeatIntervalSeconds: int(s.Bridge.HeartbeatInterval / time.Second),
		SessionStatus:            sess.Status,
		BlockReason:              sess.BlockReason,
	}
	active, err := repo.ListOwnerCampaigns(ctx, s.DB, sess.UserID, domain.ChannelWhatsApp, domain.CampaignActive, "")
	if err != nil {
		return nil, internal("list campaigns", err)
	}
	if len(active) > 0 {
		cfg.BaseDelayMs = active[0].BaseDelayMs
		cfg.JitterRangeMs = active[0].JitterRangeMs
		cfg.HourlyLimit = active[0].HourlyLimit
	}
	return cfg, nil
}

func (s *BridgeService) session(ctx context.Context, userID string) (*domain.ExtensionSession, error) {
	sess, err := repo.GetSessionByUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, internal("get session", err)
	}
	return sess, nil
}

// liveSession returns the session when it heartbeated within SessionTTL and
// holds a fresh positive login probe. A stale login blocks it on the spot.
func (s *BridgeService) liveSession(ctx context.Context, userID string) (*domain.ExtensionSession, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if sess.Status == domain.SessionExpired || (s.Bridge.SessionTTL > 0 && now.Sub(sess.LastHeartbeatAt) > s.Bridge.SessionTTL) {
		return nil, ErrSessionExpired
	}
	if err := s.applyLogin(ctx, sess, now); err != nil {
		return nil, err
	}
	if sess.Status == domain.SessionBlocked {
		return nil, ErrLoginRequired
	}
	if fresh, _ := s.loginFresh(sess, now); !fresh {
		return nil, ErrLoginRequired
	}
	return sess, nil
}
