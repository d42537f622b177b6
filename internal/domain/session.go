package domain

import (
	"time"

	"gorm.io/datatypes"
)

// SessionStatus is the bridge-side state of an extension session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionBlocked SessionStatus = "blocked"
	SessionExpired SessionStatus = "expired"
)

// ExtensionSession tracks the single delivery agent a user runs. It expires
// when no heartbeat arrives within the session TTL.
type ExtensionSession struct {
	ID               string        `json:"id"                           gorm:"type:char(36);primaryKey"`
	UserID           string        `json:"user_id"                      gorm:"type:varchar(64);not null;uniqueIndex"`
	Version          string        `json:"version"                      gorm:"type:varchar(32);not null;default:''"`
	Status           SessionStatus `json:"status"                       gorm:"type:varchar(16);not null"`
	BlockReason      string        `json:"block_reason,omitempty"       gorm:"type:varchar(32);not null;default:''"`
	LastHeartbeatAt  time.Time     `json:"last_heartbeat_at"            gorm:"index"`
	IsLoginConfirmed bool          `json:"is_login_confirmed"           gorm:"not null;default:false"`
	LoginConfirmedAt *time.Time    `json:"login_confirmed_at,omitempty"`
	IsActive         bool          `json:"is_active"                    gorm:"not null;default:false"`
	PendingCount     int           `json:"pending_count"                gorm:"not null;default:0"`
	SentCount        int           `json:"sent_count"                   gorm:"not null;default:0"`
	FailedCount      int           `json:"failed_count"                 gorm:"not null;default:0"`
	PullCursor       int64         `json:"pull_cursor"                  gorm:"not null;default:0"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// TableName returns the database table name for ExtensionSession.
func (ExtensionSession) TableName() string { return "extension_sessions" }

// Quiz is the read-side view of a quiz owned by the external quiz store.
type Quiz struct {
	ID        string    `json:"id"       gorm:"type:varchar(64);primaryKey"`
	OwnerID   string    `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	Title     string    `json:"title"    gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Quiz.
func (Quiz) TableName() string { return "quizzes" }

// QuizResponse is one stored submission. Payload is kept raw: clients have
// written both [{"elementId","answer"}] arrays and flat objects.
type QuizResponse struct {
	ID          string         `json:"id"           gorm:"type:varchar(64);primaryKey"`
	QuizID      string         `json:"quiz_id"      gorm:"type:varchar(64);not null;index:idx_response_quiz,priority:1"`
	IsComplete  bool           `json:"is_complete"  gorm:"not null;default:false"`
	SubmittedAt time.Time      `json:"submitted_at" gorm:"not null;index:idx_response_quiz,priority:2"`
	Payload     datatypes.JSON `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TableName returns the database table name for QuizResponse.
func (QuizResponse) TableName() string { return "quiz_responses" }
