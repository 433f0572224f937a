package embedclient

import "time"

type WidgetConfig struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	VisualSettings   map[string]any `json:"visual_settings"`
	BehaviorSettings map[string]any `json:"behavior_settings"`
	ContentSettings  map[string]any `json:"content_settings"`
}

type Message struct {
	ID        uint64    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a freshly created embedded session. Messages holds the welcome
// message when the widget has one.
type Session struct {
	SessionID string    `json:"session_id"`
	WidgetID  string    `json:"widget_id"`
	Status    string    `json:"status"`
	Channels  []string  `json:"channels"`
	Messages  []Message `json:"messages"`
}

type Exchange struct {
	UserMessage      *Message `json:"user_message"`
	AssistantMessage *Message `json:"assistant_message"`
}

type MessagePage struct {
	Messages    []Message `json:"messages"`
	NextAfterID uint64    `json:"next_after_id"`
}

// ConnectionSettings mirrors the server's advice for the connection manager.
// Intervals are in seconds.
type ConnectionSettings struct {
	Path                 string `json:"path"`
	HeartbeatInterval    int    `json:"heartbeat_interval"`
	ReconnectInterval    int    `json:"reconnect_interval"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
}

type GuestToken struct {
	Token      string             `json:"token"`
	ExpiresAt  time.Time          `json:"expires_at"`
	Channels   []string           `json:"channels"`
	Connection ConnectionSettings `json:"connection"`
}

type GuestTokenRequest struct {
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id,omitempty"`
	WidgetID  string `json:"widget_id,omitempty"`
}

type RealtimeStatus struct {
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checked_at"`
}

type SessionState struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}
