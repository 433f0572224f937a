package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// CreateSessionWithMessage stores a session and its first message atomically.
func (r *Repo) CreateSessionWithMessage(ctx context.Context, s *Session, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(s).Error; err != nil {
			return err
		}
		m.SessionID = s.ID
		return tx.Create(m).Error
	})
}

func (r *Repo) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("id = ?", sessionID).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// EndSession flips an active session to ended and reports whether it changed.
func (r *Repo) EndSession(ctx context.Context, sessionID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND status = ?", sessionID, StatusActive).
		Updates(map[string]any{"status": StatusEnded, "updated_at": time.Now()})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) TouchSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", sessionID).
		Update("updated_at", time.Now()).Error
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns messages in read-back order (oldest -> newest).
// afterID > 0 resumes after a previously seen message.
func (r *Repo) ListMessages(ctx context.Context, sessionID string, limit int, afterID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit)

	if afterID > 0 {
		q = q.Where("id > ?", afterID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertUserMessageOrGetExisting stores a user message; when the idempotency
// key was already used in the session it returns the earlier message instead.
func (r *Repo) InsertUserMessageOrGetExisting(ctx context.Context, sessionID, content string, key *string) (*Message, bool, error) {
	m := &Message{SessionID: sessionID, Role: RoleUser, Content: content, IdempotencyKey: key}
	err := r.db.WithContext(ctx).Create(m).Error
	if err == nil || key == nil {
		return m, err == nil, err
	}

	var existing Message
	getErr := r.db.WithContext(ctx).
		Where("session_id = ? AND idempotency_key = ?", sessionID, *key).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatusRunning claims a queued job; it reports false if another
// worker already moved it on.
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetJobBySessionAndIdempotencyKey(ctx context.Context, sessionID string, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND idempotency_key = ?", sessionID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (session_id, idempotency_key)
// already exists, it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobBySessionAndIdempotencyKey(ctx, job.SessionID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// SessionChannelInfo answers the channel authorizer: whether the session is
// publicly embedded and, if not, which user owns it.
func (r *Repo) SessionChannelInfo(ctx context.Context, sessionID string) (embedded bool, ownerID uint64, err error) {
	s, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return false, 0, err
	}
	if s.UserID != nil {
		ownerID = *s.UserID
	}
	return s.Mode == ModeEmbedded, ownerID, nil
}
