package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
)

// GetSessionByUser returns the extension session of userID, or ErrNotFound.
func GetSessionByUser(ctx context.Context, db *gorm.DB, userID string) (*domain.ExtensionSession, error) {
	var s domain.ExtensionSession
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSession inserts or fully updates s.
func SaveSession(ctx context.Context, db *gorm.DB, s *domain.ExtensionSession) error {
	return db.WithContext(ctx).Save(s).Error
}

// AdvancePullCursor adds n to the session's pull cursor.
func AdvancePullCursor(ctx context.Context, db *gorm.DB, sessionID string, n int) error {
	return db.WithContext(ctx).
		Model(&domain.ExtensionSession{}).
		Where("id = ?", sessionID).
		UpdateColumn("pull_cursor", gorm.Expr("pull_cursor + ?", n)).Error
}

// ExpireSessions marks sessions without a heartbeat since cutoff as expired
// and returns how many changed.
func ExpireSessions(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.ExtensionSession{}).
		Where("status <> ? AND last_heartbeat_at < ?", domain.SessionExpired, cutoff.UTC()).
		Updates(map[string]any{
			"status":     domain.SessionExpired,
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
