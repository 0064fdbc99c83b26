package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/audit"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/auth"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/config"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/database"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/document"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/logging"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/relay"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/server"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	serviceName     = "collab-relay"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Collaborative project relay",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Audit store driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Audit store DSN or SQLite path")
	cmd.PersistentFlags().String("auth-mode", defaults.GetString("auth.mode"), "Identity source (remote, jwt)")
	cmd.PersistentFlags().String("session-url", defaults.GetString("auth.session_url"), "Upstream session lookup URL")
	cmd.PersistentFlags().String("project-url", defaults.GetString("auth.project_url"), "Upstream project lookup base URL")
	cmd.PersistentFlags().Duration("auth-timeout", defaults.GetDuration("auth.timeout"), "Timeout for each authorization call")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret for jwt mode (overrides env)")
	cmd.PersistentFlags().Bool("require-collaborator", defaults.GetBool("room.require_collaborator_check"), "Gate joins on project membership")
	cmd.PersistentFlags().Int("chat-history-limit", defaults.GetInt("room.chat_history_limit"), "Chat messages retained per room (0 keeps all)")
	cmd.PersistentFlags().Duration("idle-eviction", defaults.GetDuration("room.idle_eviction"), "Drop empty rooms after this long (0 disables)")
	cmd.PersistentFlags().String("jaeger-endpoint", defaults.GetString("tracing.jaeger_endpoint"), "Jaeger collector endpoint (empty disables tracing)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.mode", "auth-mode")
	bindFlag(cmd, "auth.session_url", "session-url")
	bindFlag(cmd, "auth.project_url", "project-url")
	bindFlag(cmd, "auth.timeout", "auth-timeout")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "room.require_collaborator_check", "require-collaborator")
	bindFlag(cmd, "room.chat_history_limit", "chat-history-limit")
	bindFlag(cmd, "room.idle_eviction", "idle-eviction")
	bindFlag(cmd, "tracing.jaeger_endpoint", "jaeger-endpoint")
}

func newIssueSessionCommand() *cobra.Command {
	var username string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-session",
		Short: "Mint a signed session token for jwt auth mode",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(viper.GetString("auth.signing_secret")),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Username carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing, err := telemetry.InitJaeger(serviceName, appConfig.JaegerEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	auditLog, err := audit.NewLog(audit.LogConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	identity, membership, err := buildAuthorization(appConfig, logger)
	if err != nil {
		return err
	}

	registry := relay.NewRegistry(relay.RegistryConfig{
		Factory: document.NewUpdateLogFactory(),
		Options: relay.Options{
			RequireCollaboratorCheck: appConfig.RequireCollaboratorCheck,
			ChatEchoesToSender:       appConfig.ChatEchoesToSender,
			PresenceEchoesToSender:   appConfig.PresenceEchoesToSender,
			ChatHistoryLimit:         appConfig.ChatHistoryLimit,
			IdleEviction:             appConfig.IdleEviction,
			AuthTimeout:              appConfig.AuthTimeout,
		},
		Logger: logger,
	})

	dispatcher, err := relay.NewDispatcher(relay.DispatcherConfig{
		Registry:   registry,
		Identity:   identity,
		Membership: membership,
		Audit:      auditLog,
		IDProvider: relay.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Dispatcher: dispatcher,
		Identity:   identity,
		AuditLog:   auditLog,
		CookieName: appConfig.AuthCookieName,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("auth_mode", appConfig.AuthMode),
			zap.Bool("collaborator_check", appConfig.RequireCollaboratorCheck))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		closed := handler.CloseConnections()
		logger.Info("server stopped", zap.Int("closed_connections", closed))
		return err
	case err := <-errCh:
		return err
	}
}

// buildAuthorization selects the identity source for auth.mode. Membership
// always goes to the upstream project API when the check is enabled.
func buildAuthorization(appConfig config.AppConfig, logger *zap.Logger) (relay.IdentityResolver, relay.MembershipChecker, error) {
	var gateway *auth.RemoteGateway
	if appConfig.AuthMode == config.AuthModeRemote || appConfig.RequireCollaboratorCheck {
		remote, err := auth.NewRemoteGateway(auth.RemoteGatewayConfig{
			SessionURL: appConfig.AuthSessionURL,
			ProjectURL: appConfig.AuthProjectURL,
			CookieName: appConfig.AuthCookieName,
			Timeout:    appConfig.AuthTimeout,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		gateway = remote
	}

	var identity relay.IdentityResolver
	switch appConfig.AuthMode {
	case config.AuthModeJWT:
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
			CookieName:    appConfig.AuthCookieName,
		})
		if err != nil {
			return nil, nil, err
		}
		identity = validator
	default:
		identity = gateway
	}

	var membership relay.MembershipChecker = auth.CollaboratorAllowAll{}
	if appConfig.RequireCollaboratorCheck {
		membership = gateway
	}
	return identity, membership, nil
}
