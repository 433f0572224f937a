package chat

import "time"

type SessionMode string

const (
	// ModeEmbedded sessions belong to a widget and are publicly reachable by id.
	ModeEmbedded SessionMode = "embedded"
	// ModeDirect sessions belong to an authenticated user.
	ModeDirect SessionMode = "direct"
)

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusEnded  SessionStatus = "ended"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Session struct {
	ID        string        `gorm:"type:varchar(36);primaryKey" json:"session_id"`
	Mode      SessionMode   `gorm:"type:varchar(16);not null" json:"mode"`
	Status    SessionStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	WidgetID  *string       `gorm:"type:varchar(36);index" json:"widget_id,omitempty"`
	UserID    *uint64       `gorm:"index" json:"-"`
	ClientID  string        `gorm:"type:varchar(128)" json:"-"`
	IPAddress string        `gorm:"type:varchar(64)" json:"-"`
	UserAgent string        `gorm:"type:varchar(512)" json:"-"`
	Referrer  string        `gorm:"type:varchar(1024)" json:"-"`
	Provider  string        `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string        `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// OwnedBy reports whether a direct session belongs to userID.
func (s *Session) OwnedBy(userID uint64) bool {
	return s.UserID != nil && *s.UserID == userID
}

type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string    `gorm:"type:varchar(36);not null;index:idx_chat_msg_session_created,priority:1;index:uniq_chat_msg_idempo,unique,priority:1" json:"session_id"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:2" json:"-"`
	CreatedAt      time.Time `gorm:"index:idx_chat_msg_session_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// SessionMeta is request metadata captured when a session is created.
type SessionMeta struct {
	ClientID  string
	IPAddress string
	UserAgent string
	Referrer  string
}

// Exchange is one completed turn: the stored user message and its reply.
type Exchange struct {
	UserMessage      *Message `json:"user_message"`
	AssistantMessage *Message `json:"assistant_message"`
}
