package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is a queued assistant reply for a message that was stored up front.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	SessionID     string `gorm:"size:36;index;not null;index:uniq_job_idempo,unique,priority:1" json:"session_id"`
	UserMessageID uint64 `gorm:"not null" json:"user_message_id"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_idempo,unique,priority:2" json:"-"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded
	ResultMessageID *uint64 `gorm:"index" json:"result_message_id"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }
