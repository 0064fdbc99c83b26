package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.AuthMode != AuthModeRemote {
		t.Fatalf("unexpected driver/mode %q/%q", cfg.DatabaseDriver, cfg.AuthMode)
	}
	if cfg.AuthTimeout != 5*time.Second || cfg.AuthCookieName != "ssid" {
		t.Fatalf("unexpected auth defaults %s %q", cfg.AuthTimeout, cfg.AuthCookieName)
	}
	if !cfg.RequireCollaboratorCheck || !cfg.ChatEchoesToSender || cfg.PresenceEchoesToSender {
		t.Fatalf("unexpected room defaults %+v", cfg)
	}
	if cfg.ChatHistoryLimit != defaultChatHistoryLimit || cfg.IdleEviction != 0 {
		t.Fatalf("unexpected retention defaults %d %s", cfg.ChatHistoryLimit, cfg.IdleEviction)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("COLLAB_HTTP_ADDRESS", "127.0.0.1:9000")
	t.Setenv("COLLAB_AUTH_MODE", "JWT")
	t.Setenv("COLLAB_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("COLLAB_ROOM_IDLE_EVICTION", "90s")
	t.Setenv("COLLAB_ROOM_CHAT_HISTORY_LIMIT", "0")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9000" || cfg.AuthMode != AuthModeJWT || cfg.AuthSigningSecret != "secret" {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.IdleEviction != 90*time.Second || cfg.ChatHistoryLimit != 0 {
		t.Fatalf("unexpected room settings %s %d", cfg.IdleEviction, cfg.ChatHistoryLimit)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]struct {
		key     string
		value   any
		message string
	}{
		"driver":        {key: "database.driver", value: "mysql", message: "database.driver"},
		"dsn":           {key: "database.dsn", value: " ", message: "database.dsn"},
		"mode":          {key: "auth.mode", value: "ldap", message: "auth.mode"},
		"jwt secret":    {key: "auth.mode", value: AuthModeJWT, message: "auth.signing_secret"},
		"session url":   {key: "auth.session_url", value: "", message: "auth.session_url"},
		"project url":   {key: "auth.project_url", value: "", message: "auth.project_url"},
		"timeout":       {key: "auth.timeout", value: "0s", message: "auth.timeout"},
		"cookie":        {key: "auth.cookie_name", value: "", message: "auth.cookie_name"},
		"history limit": {key: "room.chat_history_limit", value: -1, message: "room.chat_history_limit"},
		"eviction":      {key: "room.idle_eviction", value: "-1s", message: "room.idle_eviction"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(tc.key, tc.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("expected error mentioning %s, got %v", tc.message, err)
			}
		})
	}
}

func TestProjectURLOptionalWithoutCollaboratorCheck(t *testing.T) {
	configViper := NewViper()
	configViper.Set("room.require_collaborator_check", false)
	configViper.Set("auth.project_url", "")
	if _, err := Load(configViper); err != nil {
		t.Fatalf("project url should be optional: %v", err)
	}
}
