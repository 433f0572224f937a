package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"DB_DRIVER", "DB_DSN", "CACHE_DRIVER", "BROADCAST_DRIVER", "GUEST_TOKEN_TTL", "AUTH_TOKEN_TTL", "BROADCAST_APP_KEY", "JWT_SECRET"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	if cfg.DBDriver != "mysql" {
		t.Fatalf("DBDriver = %q", cfg.DBDriver)
	}
	if cfg.GuestTokenTTL != 15*time.Minute {
		t.Fatalf("GuestTokenTTL = %s", cfg.GuestTokenTTL)
	}
	if cfg.AuthTokenTTL != time.Hour {
		t.Fatalf("AuthTokenTTL = %s", cfg.AuthTokenTTL)
	}
	if cfg.StatusCacheTTL != 2*time.Minute {
		t.Fatalf("StatusCacheTTL = %s", cfg.StatusCacheTTL)
	}
	if cfg.BroadcastAppKey != cfg.JWTSecret {
		t.Fatalf("app key should default to jwt secret")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_DSN", "")
	t.Setenv("WS_RECONNECT_INTERVAL", "7")
	t.Setenv("WS_HEARTBEAT_INTERVAL", "45s")
	t.Setenv("WS_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("BROADCAST_DRIVER", "nats")

	cfg := Load()
	if cfg.DBDriver != "sqlite" || cfg.DBDSN != "widget_chat.db" {
		t.Fatalf("sqlite defaults not applied: %q %q", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.WSReconnectInterval != 7*time.Second {
		t.Fatalf("WSReconnectInterval = %s", cfg.WSReconnectInterval)
	}
	if cfg.WSHeartbeatInterval != 45*time.Second {
		t.Fatalf("WSHeartbeatInterval = %s", cfg.WSHeartbeatInterval)
	}
	if cfg.WSMaxReconnectAttempts != 3 {
		t.Fatalf("WSMaxReconnectAttempts = %d", cfg.WSMaxReconnectAttempts)
	}
	if cfg.BroadcastDriver != "nats" {
		t.Fatalf("BroadcastDriver = %q", cfg.BroadcastDriver)
	}
}

func TestValidate_RejectsUnknownDrivers(t *testing.T) {
	cfg := Load()
	cfg.BroadcastDriver = "pusher"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown broadcast driver")
	}
}
