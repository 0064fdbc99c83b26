package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "COLLAB"
	defaultHTTPAddress        = "0.0.0.0:3001"
	defaultDatabaseDriver     = DatabaseDriverSQLite
	defaultDatabaseDSN        = "file:collab-relay?mode=memory&cache=shared"
	defaultLogLevel           = "info"
	defaultAuthMode           = AuthModeRemote
	defaultAuthSessionURL     = "https://ampmod.vercel.app/internalapi/session"
	defaultAuthProjectURL     = "https://ampmod.vercel.app/internalapi/projects"
	defaultAuthTimeout        = 5 * time.Second
	defaultAuthCookieName     = "ssid"
	defaultAuthIssuer         = "collab-auth"
	defaultChatHistoryLimit   = 1000
	defaultRequireCollabCheck = true
)

// Supported values for auth.mode.
const (
	AuthModeRemote = "remote"
	AuthModeJWT    = "jwt"
)

// Supported values for database.driver.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress    string
	LogLevel       string
	DatabaseDriver string
	DatabaseDSN    string

	AuthMode          string
	AuthSessionURL    string
	AuthProjectURL    string
	AuthTimeout       time.Duration
	AuthCookieName    string
	AuthSigningSecret string
	AuthIssuer        string

	RequireCollaboratorCheck bool
	ChatEchoesToSender       bool
	PresenceEchoesToSender   bool
	ChatHistoryLimit         int
	IdleEviction             time.Duration

	JaegerEndpoint string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.mode", defaultAuthMode)
	configViper.SetDefault("auth.session_url", defaultAuthSessionURL)
	configViper.SetDefault("auth.project_url", defaultAuthProjectURL)
	configViper.SetDefault("auth.timeout", defaultAuthTimeout)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("room.require_collaborator_check", defaultRequireCollabCheck)
	configViper.SetDefault("room.chat_echoes_to_sender", true)
	configViper.SetDefault("room.presence_echoes_to_sender", false)
	configViper.SetDefault("room.chat_history_limit", defaultChatHistoryLimit)
	configViper.SetDefault("room.idle_eviction", time.Duration(0))
	configViper.SetDefault("tracing.jaeger_endpoint", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		LogLevel:       configViper.GetString("log.level"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),

		AuthMode:          strings.ToLower(strings.TrimSpace(configViper.GetString("auth.mode"))),
		AuthSessionURL:    configViper.GetString("auth.session_url"),
		AuthProjectURL:    configViper.GetString("auth.project_url"),
		AuthTimeout:       configViper.GetDuration("auth.timeout"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),

		RequireCollaboratorCheck: configViper.GetBool("room.require_collaborator_check"),
		ChatEchoesToSender:       configViper.GetBool("room.chat_echoes_to_sender"),
		PresenceEchoesToSender:   configViper.GetBool("room.presence_echoes_to_sender"),
		ChatHistoryLimit:         configViper.GetInt("room.chat_history_limit"),
		IdleEviction:             configViper.GetDuration("room.idle_eviction"),

		JaegerEndpoint: strings.TrimSpace(configViper.GetString("tracing.jaeger_endpoint")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("auth.timeout must be positive")
	}
	switch c.AuthMode {
	case AuthModeRemote:
		if strings.TrimSpace(c.AuthSessionURL) == "" {
			return fmt.Errorf("auth.session_url is required")
		}
	case AuthModeJWT:
		if strings.TrimSpace(c.AuthSigningSecret) == "" {
			return fmt.Errorf("auth.signing_secret is required")
		}
	default:
		return fmt.Errorf("auth.mode %q is not supported", c.AuthMode)
	}
	if c.RequireCollaboratorCheck && strings.TrimSpace(c.AuthProjectURL) == "" {
		return fmt.Errorf("auth.project_url is required when room.require_collaborator_check is set")
	}
	if c.ChatHistoryLimit < 0 {
		return fmt.Errorf("room.chat_history_limit must not be negative")
	}
	if c.IdleEviction < 0 {
		return fmt.Errorf("room.idle_eviction must not be negative")
	}
	return nil
}
