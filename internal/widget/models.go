package widget

import "time"

// Widget is an embeddable chat surface. Settings blobs are passed through to
// the embed untouched.
type Widget struct {
	ID               string         `gorm:"type:varchar(36);primaryKey" json:"id" yaml:"id"`
	UserID           uint64         `gorm:"index;not null" json:"-" yaml:"user_id"`
	Name             string         `gorm:"type:varchar(128);not null" json:"name" yaml:"name"`
	IsActive         bool           `gorm:"not null" json:"is_active" yaml:"is_active"`
	AllowedDomains   []string       `gorm:"type:text;serializer:json" json:"allowed_domains" yaml:"allowed_domains"`
	VisualSettings   map[string]any `gorm:"type:text;serializer:json" json:"visual_settings" yaml:"visual_settings"`
	BehaviorSettings map[string]any `gorm:"type:text;serializer:json" json:"behavior_settings" yaml:"behavior_settings"`
	ContentSettings  map[string]any `gorm:"type:text;serializer:json" json:"content_settings" yaml:"content_settings"`
	AIProvider       string         `gorm:"type:varchar(32)" json:"-" yaml:"ai_provider"`
	AIModel          string         `gorm:"type:varchar(64)" json:"-" yaml:"ai_model"`
	CreatedAt        time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time      `json:"updated_at" yaml:"-"`
}

func (Widget) TableName() string { return "widgets" }

// WelcomeMessage is content_settings.welcome_message, or "".
func (w *Widget) WelcomeMessage() string {
	return stringSetting(w.ContentSettings, "welcome_message")
}

// SystemPrompt is behavior_settings.system_prompt, or "".
func (w *Widget) SystemPrompt() string {
	return stringSetting(w.BehaviorSettings, "system_prompt")
}

func stringSetting(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// PublicConfig is what an embed receives from the config endpoint.
type PublicConfig struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	VisualSettings   map[string]any `json:"visual_settings"`
	BehaviorSettings map[string]any `json:"behavior_settings"`
	ContentSettings  map[string]any `json:"content_settings"`
}

func (w *Widget) PublicConfig() PublicConfig {
	behavior := make(map[string]any, len(w.BehaviorSettings))
	for k, v := range w.BehaviorSettings {
		// the prompt steers generation server-side and never leaves it
		if k == "system_prompt" {
			continue
		}
		behavior[k] = v
	}
	return PublicConfig{
		ID:               w.ID,
		Name:             w.Name,
		VisualSettings:   w.VisualSettings,
		BehaviorSettings: behavior,
		ContentSettings:  w.ContentSettings,
	}
}
