package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
)

// GetOrCreateWindow returns the rate window of campaignID, creating it
// (starting at now) on first use. The stored hourly limit follows the
// campaign's current limit.
func GetOrCreateWindow(ctx context.Context, db *gorm.DB, campaignID string, hourlyLimit int, now time.Time) (*domain.RateLimitWindow, error) {
	var w domain.RateLimitWindow
	err := db.WithContext(ctx).Where("campaign_id = ?", campaignID).First(&w).Error
	if err == nil {
		if w.HourlyLimit != hourlyLimit {
			w.HourlyLimit = hourlyLimit
			err = db.WithContext(ctx).Model(&domain.RateLimitWindow{}).
				Where("campaign_id = ?", campaignID).
				Update("hourly_limit", hourlyLimit).Error
		}
		return &w, err
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	w = domain.RateLimitWindow{
		CampaignID:    campaignID,
		WindowStartAt: now.UTC(),
		HourlyLimit:   hourlyLimit,
	}
	err = db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ResetWindow starts a new window at now with zero sends.
func ResetWindow(ctx context.Context, db *gorm.DB, campaignID string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.RateLimitWindow{}).
		Where("campaign_id = ?", campaignID).
		Updates(map[string]any{
			"window_start_at": now.UTC(),
			"sent_in_window":  0,
		}).Error
}

// IncrementWindow counts one send, but only while the window is below its
// limit. It reports whether the count was taken.
func IncrementWindow(ctx context.Context, db *gorm.DB, campaignID string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.RateLimitWindow{}).
		Where("campaign_id = ? AND sent_in_window < hourly_limit", campaignID).
		UpdateColumn("sent_in_window", gorm.Expr("sent_in_window + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
