package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
)

// Supervisor runs campaign workers. Start is a no-op for a campaign that
// already has one; Stop returns once the worker has finished its current
// unit of work.
type Supervisor interface {
	Start(campaignID string)
	Stop(campaignID string)
}

type noopSupervisor struct{}

func (noopSupervisor) Start(string) {}
func (noopSupervisor) Stop(string)  {}

// activateCampaign moves a scheduled campaign to active once its activation
// time is within tolerance of now. Late campaigns still activate. It
// reports whether this call performed the transition.
func activateCampaign(ctx context.Context, db *gorm.DB, sup Supervisor, c *domain.Campaign, now time.Time, tolerance time.Duration) (bool, error) {
	if c.State != domain.CampaignScheduled {
		return false, nil
	}
	if c.ActivateAt != nil && now.Before(c.ActivateAt.Add(-tolerance)) {
		return false, nil
	}
	ok, err := repo.TransitionCampaign(ctx, db, c.ID,
		[]domain.CampaignState{domain.CampaignScheduled}, domain.CampaignActive,
		map[string]any{"activated_at": now.UTC(), "pause_reason": ""})
	if err != nil || !ok {
		return false, err
	}

	ev := logger(ctx).Info()
	if c.ActivateAt != nil && now.Sub(*c.ActivateAt) > tolerance {
		ev = logger(ctx).Warn().Dur("late_by", now.Sub(*c.ActivateAt))
	}
	ev.Str("campaign_id", c.ID).Str("channel", string(c.Channel)).Msg("campaign activated")

	sup.Start(c.ID)
	return true, nil
}

// completeIfDrained moves an active campaign to completed when none of its
// tasks are pending, queued or in flight. ctx should carry the campaign
// logger (see withCampaign).
func completeIfDrained(ctx context.Context, db *gorm.DB, campaignID string, now time.Time) (bool, error) {
	open, err := repo.CountOpenTasks(ctx, db, campaignID)
	if err != nil || open > 0 {
		return false, err
	}
	ok, err := repo.TransitionCampaign(ctx, db, campaignID,
		[]domain.CampaignState{domain.CampaignActive}, domain.CampaignCompleted,
		map[string]any{"completed_at": now.UTC()})
	if ok {
		logger(ctx).Info().Msg("campaign completed")
	}
	return ok, err
}

// autoPause pauses an active campaign for a system reason.
func autoPause(ctx context.Context, db *gorm.DB, campaignID, reason string) (bool, error) {
	ok, err := repo.TransitionCampaign(ctx, db, campaignID,
		[]domain.CampaignState{domain.CampaignActive}, domain.CampaignPaused,
		map[string]any{"pause_reason": reason})
	if ok {
		logger(ctx).Warn().Str("pause_reason", reason).Msg("campaign paused")
	}
	return ok, err
}
