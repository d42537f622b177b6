// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Campaign
// model.
//
// State changes use TransitionCampaign, a conditional UPDATE guarded by the
// allowed source states, so concurrent transitions (user pause vs. scheduler
// auto-pause, for example) resolve to exactly one winner.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
)

// CreateCampaign inserts c.
func CreateCampaign(ctx context.Context, db *gorm.DB, c *domain.Campaign) error {
	return db.WithContext(ctx).Create(c).Error
}

// GetCampaign fetches a campaign by ID and owner, or ErrNotFound.
func GetCampaign(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.Campaign, error) {
	var c domain.Campaign
	err := db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCampaignByID fetches a campaign regardless of owner (scheduler use).
func GetCampaignByID(ctx context.Context, db *gorm.DB, id string) (*domain.Campaign, error) {
	var c domain.Campaign
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CountCampaigns returns the number of campaigns owned by ownerID.
func CountCampaigns(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Campaign{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error
	return total, err
}

// ListCampaignsPage returns a page of campaigns owned by ownerID, newest first.
func ListCampaignsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.Campaign, error) {
	var out []domain.Campaign
	err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// TransitionCampaign moves campaign id from one of the states in from to the
// state to, applying extra column updates in the same statement. It reports
// whether the row was updated.
func TransitionCampaign(ctx context.Context, db *gorm.DB, id string, from []domain.CampaignState, to domain.CampaignState, extra map[string]any) (bool, error) {
	updates := map[string]any{
		"state":      to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.WithContext(ctx).
		Model(&domain.Campaign{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateCampaignFields applies column updates to campaign id.
func UpdateCampaignFields(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Campaign{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AdvanceRotation increments the rotation cursor for outcome o.
func AdvanceRotation(ctx context.Context, db *gorm.DB, id string, o domain.OutcomeType) error {
	col := "rotation_completed"
	if o == domain.OutcomeAbandoned {
		col = "rotation_abandoned"
	}
	return db.WithContext(ctx).
		Model(&domain.Campaign{}).
		Where("id = ?", id).
		UpdateColumn(col, gorm.Expr(col+" + 1")).Error
}

// IncrementNoCredit bumps the consecutive no-credit counter and returns the
// new value.
func IncrementNoCredit(ctx context.Context, db *gorm.DB, id string) (int, error) {
	var n int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Campaign{}).
			Where("id = ?", id).
			UpdateColumn("consecutive_no_credit", gorm.Expr("consecutive_no_credit + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&domain.Campaign{}).
			Where("id = ?", id).
			Select("consecutive_no_credit").
			Scan(&n).Error
	})
	return n, err
}

// ResetNoCredit clears the consecutive no-credit counter.
func ResetNoCredit(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.Campaign{}).
		Where("id = ? AND consecutive_no_credit <> 0", id).
		UpdateColumn("consecutive_no_credit", 0).Error
}

// ListCampaignIDsByState returns the ids of campaigns in state.
func ListCampaignIDsByState(ctx context.Context, db *gorm.DB, state domain.CampaignState) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Campaign{}).
		Where("state = ?", state).
		Order("created_at asc").
		Pluck("id", &ids).Error
	return ids, err
}

// ListDueScheduled returns scheduled campaigns whose activation time is at or
// before cutoff.
func ListDueScheduled(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Campaign, error) {
	var out []domain.Campaign
	err := db.WithContext(ctx).
		Where("state = ? AND activate_at IS NOT NULL AND activate_at <= ?", domain.CampaignScheduled, cutoff.UTC()).
		Order("activate_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListOwnerCampaigns returns the ids of ownerID's campaigns on channel ch in
// state, optionally restricted to a pause reason.
func ListOwnerCampaigns(ctx context.Context, db *gorm.DB, ownerID string, ch domain.Channel, state domain.CampaignState, pauseReason string) ([]domain.Campaign, error) {
	q := db.WithContext(ctx).
		Where("owner_id = ? AND channel = ? AND state = ?", ownerID, ch, state)
	if pauseReason != "" {
		q = q.Where("pause_reason = ?", pauseReason)
	}
	var out []domain.Campaign
	err := q.Order("activated_at asc, created_at asc").Find(&out).Error
	return out, err
}

// DeleteCampaign removes the campaign together with its tasks and rate
// window in one transaction. Ledger entries are kept for audit.
func DeleteCampaign(ctx context.Context, db *gorm.DB, id, ownerID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&domain.Campaign{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Where("campaign_id = ?", id).Delete(&domain.DispatchTask{}).Error; err != nil {
			return err
		}
		return tx.Where("campaign_id = ?", id).Delete(&domain.RateLimitWindow{}).Error
	})
}
