package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/audit"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultCookieName = "ssid"
	healthBanner      = "Collab server running (cookie-based auth + logs)"
)

var (
	errMissingDispatcher = errors.New("relay dispatcher dependency required")
	errMissingIdentity   = errors.New("identity resolver dependency required")
	errMissingAuditLog   = errors.New("audit log dependency required")
)

// AuditLog is the audit surface used by the HTTP layer.
type AuditLog interface {
	Record(ctx context.Context, category audit.Category, message string)
	Entries(ctx context.Context) ([]audit.Entry, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Dispatcher   *relay.Dispatcher
	Identity     relay.IdentityResolver
	AuditLog     AuditLog
	CookieName   string
	SecureCookie bool
	Logger       *zap.Logger
}

// Handler serves the relay's HTTP and websocket surface.
type Handler struct {
	router  *gin.Engine
	sockets *socketSet
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// CloseConnections closes every open websocket and returns how many were open.
func (h *Handler) CloseConnections() int {
	return h.sockets.closeAll()
}

// NewHTTPHandler builds the gin router with the login, log, health and
// websocket routes.
func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Identity == nil {
		return nil, errMissingIdentity
	}
	if deps.AuditLog == nil {
		return nil, errMissingAuditLog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cookieName := strings.TrimSpace(deps.CookieName)
	if cookieName == "" {
		cookieName = defaultCookieName
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	sockets := newSocketSet()
	handler := &httpHandler{
		dispatcher:   deps.Dispatcher,
		identity:     deps.Identity,
		auditLog:     deps.AuditLog,
		cookieName:   cookieName,
		secureCookie: deps.SecureCookie,
		sockets:      sockets,
		logger:       logger,
	}

	router.GET("/", handler.handleHealth)
	router.GET("/health", handler.handleHealth)
	router.POST("/login", handler.handleLogin)
	router.GET("/logs", handler.handleLogs)
	router.GET("/ws", handler.handleSocket)

	return &Handler{router: router, sockets: sockets}, nil
}

// corsMiddleware reflects any origin with credentials so browser clients can
// carry the session cookie.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	dispatcher   *relay.Dispatcher
	identity     relay.IdentityResolver
	auditLog     AuditLog
	cookieName   string
	secureCookie bool
	sockets      *socketSet
	logger       *zap.Logger
}

type loginRequestPayload struct {
	SSID string `json:"ssid"`
}

type loginResponsePayload struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

type logsResponsePayload struct {
	Logs []audit.Entry `json:"logs"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, healthBanner)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	credential := strings.TrimSpace(request.SSID)
	ctx := c.Request.Context()

	username := ""
	var err error
	if credential != "" {
		username, err = h.identity.ResolveIdentity(ctx, credential)
	}
	if credential == "" || err != nil || strings.TrimSpace(username) == "" {
		h.auditLog.Record(ctx, audit.CategoryLogin, "login failed")
		if err != nil {
			h.logger.Info("login rejected", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid session"})
		return
	}

	h.auditLog.Record(ctx, audit.CategoryLogin, "login succeeded: "+username)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, credential, 0, "/", "", h.secureCookie, true)
	c.JSON(http.StatusOK, loginResponsePayload{Message: "Login successful", Username: username})
}

func (h *httpHandler) handleLogs(c *gin.Context) {
	entries, err := h.auditLog.Entries(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read audit log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logs_unavailable"})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	c.JSON(http.StatusOK, logsResponsePayload{Logs: entries})
}
