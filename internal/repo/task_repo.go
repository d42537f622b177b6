// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for DispatchTask.
//
// Every status change is a conditional UPDATE on the expected source status
// (TransitionTask), which is what makes claims exclusive and terminal
// transitions happen at most once.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
)

// CreateTasks inserts tasks in batches.
func CreateTasks(ctx context.Context, db *gorm.DB, tasks []domain.DispatchTask) error {
	if len(tasks) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(tasks, 200).Error
}

// GetTask fetches a task by ID, or ErrNotFound.
func GetTask(ctx context.Context, db *gorm.DB, id string) (*domain.DispatchTask, error) {
	var t domain.DispatchTask
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ClaimNextPending atomically moves the lowest-seq pending task of campaignID
// to in_flight on behalf of worker. It returns (nil, nil) when nothing is
// pending.
func ClaimNextPending(ctx context.Context, db *gorm.DB, campaignID, worker string) (*domain.DispatchTask, error) {
	var claimed *domain.DispatchTask
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < 3; i++ {
			var cand domain.DispatchTask
			err := tx.Where("campaign_id = ? AND status = ?", campaignID, domain.TaskPending).
				Order("seq asc").
				First(&cand).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			res := tx.Model(&domain.DispatchTask{}).
				Where("id = ? AND status = ?", cand.ID, domain.TaskPending).
				Updates(map[string]any{
					"status":     domain.TaskInFlight,
					"claimed_by": worker,
					"updated_at": time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				cand.Status = domain.TaskInFlight
				cand.ClaimedBy = worker
				claimed = &cand
				return nil
			}
		}
		return nil
	})
	return claimed, err
}

// TransitionTask moves task id from one of from to to, applying extra column
// updates. It reports whether the row was updated.
func TransitionTask(ctx context.Context, db *gorm.DB, id string, from []domain.TaskStatus, to domain.TaskStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.WithContext(ctx).
		Model(&domain.DispatchTask{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateTaskFields applies column updates to task id without touching status.
func UpdateTaskFields(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	return db.WithContext(ctx).
		Model(&domain.DispatchTask{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// CountTasksByStatus groups the tasks of campaignID by status.
func CountTasksByStatus(ctx context.Context, db *gorm.DB, campaignID string) (map[domain.TaskStatus]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.DispatchTask{}).
		Select("status, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.TaskStatus]int64, len(rows))
	for _, r := range rows {
		out[domain.TaskStatus(r.Status)] = r.N
	}
	return out, nil
}

// CountOpenTasks returns the number of tasks of campaignID that are not yet
// terminal.
func CountOpenTasks(ctx context.Context, db *gorm.DB, campaignID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.DispatchTask{}).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]domain.TaskStatus{domain.TaskPending, domain.TaskQueued, domain.TaskInFlight}).
		Count(&n).Error
	return n, err
}

// CountTasks returns the number of tasks of campaignID, optionally filtered
// by status.
func CountTasks(ctx context.Context, db *gorm.DB, campaignID string, status domain.TaskStatus) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.DispatchTask{}).Where("campaign_id = ?", campaignID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// ListTasksPage returns tasks of campaignID in seq order.
func ListTasksPage(ctx context.Context, db *gorm.DB, campaignID string, status domain.TaskStatus, offset, limit int) ([]domain.DispatchTask, error) {
	q := db.WithContext(ctx).Where("campaign_id = ?", campaignID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []domain.DispatchTask
	err := q.Order("seq asc").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// ListActiveWithPending returns ids of active campaigns that still have
// pending tasks.
func ListActiveWithPending(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Campaign{}).
		Where("state = ? AND EXISTS (SELECT 1 FROM dispatch_tasks t WHERE t.campaign_id = campaigns.id AND t.status = ?)",
			domain.CampaignActive, domain.TaskPending).
		Order("created_at asc").
		Pluck("id", &ids).Error
	return ids, err
}

// ListQueuedForOwner returns up to limit queued tasks of ownerID's active
// campaigns on channel ch, oldest campaign first then seq order.
func ListQueuedForOwner(ctx context.Context, db *gorm.DB, ownerID string, ch domain.Channel, limit int) ([]domain.DispatchTask, error) {
	var out []domain.DispatchTask
	err := db.WithContext(ctx).
		Model(&domain.DispatchTask{}).
		Joins("JOIN campaigns c ON c.id = dispatch_tasks.campaign_id").
		Where("c.owner_id = ? AND c.channel = ? AND c.state = ? AND dispatch_tasks.status = ?",
			ownerID, ch, domain.CampaignActive, domain.TaskQueued).
		Order("c.activated_at asc, dispatch_tasks.campaign_id asc, dispatch_tasks.seq asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListExpiredLeases returns in-flight agent tasks whose lease ended at or
// before now.
func ListExpiredLeases(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.DispatchTask, error) {
	var out []domain.DispatchTask
	err := db.WithContext(ctx).
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?", domain.TaskInFlight, now.UTC()).
		Order("lease_expires_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MaxSeq returns the largest seq of campaignID (0 when empty).
func MaxSeq(ctx context.Context, db *gorm.DB, campaignID string) (int64, error) {
	var row struct{ M *int64 }
	err := db.WithContext(ctx).
		Model(&domain.DispatchTask{}).
		Select("MAX(seq) AS m").
		Where("campaign_id = ?", campaignID).
		Scan(&row).Error
	if err != nil || row.M == nil {
		return 0, err
	}
	return *row.M, nil
}

// ReleaseWorkerClaims returns worker-claimed tasks (in_flight without an
// agent lease) of the given campaigns to pending. Used on boot, when no
// worker can still be holding them.
func ReleaseWorkerClaims(ctx context.Context, db *gorm.DB, campaignIDs []string) (int64, error) {
	if len(campaignIDs) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Model(&domain.DispatchTask{}).
		Where("campaign_id IN ? AND status = ? AND lease_expires_at IS NULL", campaignIDs, domain.TaskInFlight).
		Updates(map[string]any{
			"status":     domain.TaskPending,
			"claimed_by": "",
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
