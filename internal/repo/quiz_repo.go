package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
)

// QuizExists reports whether quizID is present in the quiz read model.
func QuizExists(ctx context.Context, db *gorm.DB, quizID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Quiz{}).
		Where("id = ?", quizID).
		Count(&n).Error
	return n > 0, err
}

// ListResponses returns every stored response of quizID ordered by
// submission time (ties broken by id for a stable order).
func ListResponses(ctx context.Context, db *gorm.DB, quizID string) ([]domain.QuizResponse, error) {
	var out []domain.QuizResponse
	err := db.WithContext(ctx).
		Where("quiz_id = ?", quizID).
		Order("submitted_at asc, id asc").
		Find(&out).Error
	return out, err
}
