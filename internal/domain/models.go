// Package domain defines the persistence models for campaigns, dispatch
// tasks, the credit ledger and extension sessions. These types are mapped
// with GORM and shared across the repository and service layers.
package domain

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Channel is a delivery channel. Paid channels are credit-gated; the agent
// channel is delivered by the user's browser extension and costs nothing.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// ParseChannel parses a case-insensitive channel name.
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelWhatsApp:
		return true
	}
	return false
}

// Paid reports whether sends on c are debited from the ledger.
func (c Channel) Paid() bool { return c == ChannelSMS || c == ChannelEmail }

// AgentDelivered reports whether c is handed to the extension bridge.
func (c Channel) AgentDelivered() bool { return c == ChannelWhatsApp }

// ContactKind is "phone" or "email" depending on the channel.
func (c Channel) ContactKind() string {
	if c == ChannelEmail {
		return "email"
	}
	return "phone"
}

// CampaignState is the lifecycle state of a campaign.
type CampaignState string

const (
	CampaignDraft     CampaignState = "draft"
	CampaignScheduled CampaignState = "scheduled"
	CampaignActive    CampaignState = "active"
	CampaignPaused    CampaignState = "paused"
	CampaignCompleted CampaignState = "completed"
	CampaignFailed    CampaignState = "failed"
)

// Pause reasons are machine readable and surfaced on campaign detail.
const (
	PauseUser          = "user"
	PauseOutOfCredit   = "out_of_credit"
	PauseLoginRequired = "login_required"
)

// Campaign failure reasons (setup errors only).
const (
	FailAudienceEmpty   = "audience_empty"
	FailVariantsMissing = "variants_missing"
)

// Segment selects responses by completion metadata.
type Segment string

const (
	SegmentAll       Segment = "all"
	SegmentCompleted Segment = "completed"
	SegmentAbandoned Segment = "abandoned"
)

// Valid reports whether s is a known segment.
func (s Segment) Valid() bool {
	return s == SegmentAll || s == SegmentCompleted || s == SegmentAbandoned
}

// OutcomeType is the completion outcome of a recipient's response; it picks
// the message variant list.
type OutcomeType string

const (
	OutcomeCompleted OutcomeType = "completed"
	OutcomeAbandoned OutcomeType = "abandoned"
)

// TriggerKind governs when a scheduled campaign becomes active.
type TriggerKind string

const (
	TriggerImmediate TriggerKind = "immediate"
	TriggerDelayed   TriggerKind = "delayed"
	TriggerScheduled TriggerKind = "scheduled"
)

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	return k == TriggerImmediate || k == TriggerDelayed || k == TriggerScheduled
}

// MessageVariants holds the templates per outcome type.
type MessageVariants struct {
	Completed []string `json:"completed"`
	Abandoned []string `json:"abandoned"`
}

// For returns the non-blank variants for outcome o.
func (v MessageVariants) For(o OutcomeType) []string {
	src := v.Completed
	if o == OutcomeAbandoned {
		src = v.Abandoned
	}
	out := make([]string, 0, len(src))
	for _, s := range src {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// AudienceFilter is fixed at creation and resolved once at scheduling.
// DateTo is stored already widened to the end of day when given as a date.
type AudienceFilter struct {
	Segment       Segment    `json:"segment"`
	DateFrom      *time.Time `json:"date_from,omitempty"`
	DateTo        *time.Time `json:"date_to,omitempty"`
	ResponseField string     `json:"response_field,omitempty"`
	ResponseValue string     `json:"response_value,omitempty"`
}

// Trigger is the activation rule.
type Trigger struct {
	Kind          TriggerKind `json:"kind"`
	OffsetSeconds int64       `json:"offset_seconds,omitempty"`
	AtTime        *time.Time  `json:"at_time,omitempty"`
}

// ResolutionStats records what the audience resolver did with the raw
// responses, so dropped contacts are visible on the campaign summary.
type ResolutionStats struct {
	Total          int `json:"total"`
	Matched        int `json:"matched"`
	FilteredOut    int `json:"filtered_out"`
	MissingContact int `json:"missing_contact"`
	InvalidContact int `json:"invalid_contact"`
	Duplicates     int `json:"duplicates"`
}

// Campaign is an outreach campaign owned by a user.
type Campaign struct {
	ID      string        `json:"id"       gorm:"type:char(36);primaryKey"`
	OwnerID string        `json:"owner_id" gorm:"type:varchar(64);not null;index:idx_campaign_owner"`
	Name    string        `json:"name"     gorm:"type:varchar(255);not null;default:''"`
	Channel Channel       `json:"channel"  gorm:"type:varchar(16);not null;check:channel IN ('sms','email','whatsapp')"`
	QuizID  string        `json:"quiz_id"  gorm:"type:varchar(64);not null"`
	State   CampaignState `json:"state"    gorm:"type:varchar(16);not null;index:idx_campaign_state"`

	MessageVariants datatypes.JSONType[MessageVariants] `json:"message_variants"`
	AudienceFilter  datatypes.JSONType[AudienceFilter]  `json:"audience_filter"`
	Trigger         datatypes.JSONType[Trigger]         `json:"trigger"`
	ResolutionStats datatypes.JSONType[ResolutionStats] `json:"resolution_stats"`

	// Circular rotation cursors, one per outcome type.
	RotationCompleted int `json:"rotation_completed" gorm:"not null;default:0"`
	RotationAbandoned int `json:"rotation_abandoned" gorm:"not null;default:0"`

	HourlyLimit   int `json:"hourly_limit"    gorm:"not null"`
	BaseDelayMs   int `json:"base_delay_ms"   gorm:"not null;default:0"`
	JitterRangeMs int `json:"jitter_range_ms" gorm:"not null;default:0"`

	PauseReason         string `json:"pause_reason,omitempty"   gorm:"type:varchar(32);not null;default:''"`
	FailureReason       string `json:"failure_reason,omitempty" gorm:"type:varchar(64);not null;default:''"`
	ConsecutiveNoCredit int    `json:"consecutive_no_credit"    gorm:"not null;default:0"`

	ActivateAt  *time.Time `json:"activate_at,omitempty"  gorm:"index:idx_campaign_activate"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Campaign.
func (Campaign) TableName() string { return "campaigns" }

// Rotation returns the rotation cursor for outcome o.
func (c *Campaign) Rotation(o OutcomeType) int {
	if o == OutcomeAbandoned {
		return c.RotationAbandoned
	}
	return c.RotationCompleted
}

// TaskStatus is the status of a dispatch task. Queued tasks have been handed
// to the extension bridge and wait to be pulled; in_flight tasks are claimed
// by a worker or leased by an agent.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskQueued   TaskStatus = "queued"
	TaskInFlight TaskStatus = "in_flight"
	TaskSent     TaskStatus = "sent"
	TaskFailed   TaskStatus = "failed"
	TaskSkipped  TaskStatus = "skipped"
)

// Terminal reports whether s is a final status.
func (s TaskStatus) Terminal() bool {
	return s == TaskSent || s == TaskFailed || s == TaskSkipped
}

// Task failure reasons.
const (
	ReasonNoCredit       = "no_credit"
	ReasonDeliveryFailed = "delivery_failed"
	ReasonTimeout        = "timeout"
	ReasonAgentFailed    = "agent_failed"
)

// DispatchTask is one delivery attempt to one recipient. Tasks are created
// once when the campaign is scheduled and never re-created.
type DispatchTask struct {
	ID         string `json:"id"          gorm:"type:char(36);primaryKey"`
	CampaignID string `json:"campaign_id" gorm:"type:char(36);not null;index:idx_task_campaign_seq,priority:1;uniqueIndex:ux_task_campaign_contact,priority:1"`
	// Seq is the audience order; requeued agent tasks move to the tail.
	Seq         int64       `json:"seq"          gorm:"not null;index:idx_task_campaign_seq,priority:2"`
	Contact     string      `json:"contact"      gorm:"type:varchar(320);not null;uniqueIndex:ux_task_campaign_contact,priority:2"`
	OutcomeType OutcomeType `json:"outcome_type" gorm:"type:varchar(16);not null"`

	VariableMap     datatypes.JSONType[map[string]string] `json:"variable_map"`
	RenderedMessage string                                `json:"rendered_message,omitempty" gorm:"type:text;not null;default:''"`
	VariantIndex    *int                                  `json:"variant_index,omitempty"`

	Status       TaskStatus `json:"status"        gorm:"type:varchar(16);not null;index:idx_task_status"`
	Attempt      int        `json:"attempt"       gorm:"not null;default:0"`
	RequeueCount int        `json:"requeue_count" gorm:"not null;default:0"`
	ClaimedBy    string     `json:"-"             gorm:"type:varchar(64);not null;default:''"`

	SessionID      string     `json:"session_id,omitempty" gorm:"type:char(36);not null;default:''"`
	PulledAt       *time.Time `json:"pulled_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" gorm:"index:idx_task_lease"`

	ScheduledAt   time.Time  `json:"scheduled_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty" gorm:"type:varchar(128);not null;default:''"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the database table name for DispatchTask.
func (DispatchTask) TableName() string { return "dispatch_tasks" }

// Vars returns the frozen variable map.
func (t *DispatchTask) Vars() map[string]string { return t.VariableMap.Data() }

// RateLimitWindow is the per-campaign hourly send counter.
type RateLimitWindow struct {
	CampaignID    string    `json:"campaign_id"     gorm:"type:char(36);primaryKey"`
	WindowStartAt time.Time `json:"window_start_at" gorm:"not null"`
	SentInWindow  int       `json:"sent_in_window"  gorm:"not null;default:0"`
	HourlyLimit   int       `json:"hourly_limit"    gorm:"not null"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for RateLimitWindow.
func (RateLimitWindow) TableName() string { return "rate_limit_windows" }

// Expired reports whether the window must be reset at now.
func (w *RateLimitWindow) Expired(now time.Time) bool {
	return now.Sub(w.WindowStartAt) >= time.Hour
}
