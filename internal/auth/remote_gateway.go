package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	defaultGatewayTimeout    = 5 * time.Second
	defaultGatewayCookieName = "ssid"
	maxGatewayResponseBytes  = 1 << 20
)

var tracer = otel.Tracer("collabrelay/auth")

// RemoteGatewayConfig bundles configuration required to instantiate a RemoteGateway.
type RemoteGatewayConfig struct {
	SessionURL string
	ProjectURL string
	CookieName string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// RemoteGateway resolves session cookies and project collaborators against the
// upstream application API.
type RemoteGateway struct {
	sessionURL string
	projectURL string
	cookieName string
	httpClient *http.Client
	logger     *zap.Logger
}

type sessionResponse struct {
	Username string `json:"username"`
}

type projectResponse struct {
	Collaborators []string `json:"collaborators"`
}

// NewRemoteGateway constructs a gateway with validated configuration.
func NewRemoteGateway(cfg RemoteGatewayConfig) (*RemoteGateway, error) {
	sessionURL := strings.TrimSpace(cfg.SessionURL)
	if sessionURL == "" {
		return nil, fmt.Errorf("%w: session url required", ErrInvalidGatewayConfig)
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultGatewayCookieName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteGateway{
		sessionURL: sessionURL,
		projectURL: strings.TrimRight(strings.TrimSpace(cfg.ProjectURL), "/"),
		cookieName: cookieName,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ResolveIdentity exchanges a session credential for the owning username.
func (g *RemoteGateway) ResolveIdentity(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrMissingCredential
	}

	ctx, span := tracer.Start(ctx, "auth.resolve_identity")
	defer span.End()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, g.sessionURL, http.NoBody)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	request.AddCookie(&http.Cookie{Name: g.cookieName, Value: credential})

	var payload sessionResponse
	if err := g.fetchJSON(request, &payload); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	username := strings.TrimSpace(payload.Username)
	if username == "" {
		span.SetStatus(codes.Error, "empty username")
		return "", ErrInvalidCredential
	}
	span.SetAttributes(attribute.String("auth.username", username))
	return username, nil
}

// IsCollaborator reports whether username is listed as a collaborator of projectID.
func (g *RemoteGateway) IsCollaborator(ctx context.Context, projectID, username string) (bool, error) {
	if g.projectURL == "" {
		return false, fmt.Errorf("%w: project url required", ErrInvalidGatewayConfig)
	}

	ctx, span := tracer.Start(ctx, "auth.is_collaborator")
	defer span.End()
	span.SetAttributes(
		attribute.String("auth.project_id", projectID),
		attribute.String("auth.username", username),
	)

	endpoint := g.projectURL + "/" + url.PathEscape(projectID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	var payload projectResponse
	if err := g.fetchJSON(request, &payload); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	for _, collaborator := range payload.Collaborators {
		if collaborator == username {
			return true, nil
		}
	}
	return false, nil
}

func (g *RemoteGateway) fetchJSON(request *http.Request, target any) error {
	response, err := g.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return ErrInvalidCredential
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned status %d", ErrGatewayUnavailable, request.URL.Path, response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxGatewayResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		g.logger.Debug("gateway returned malformed payload",
			zap.String("path", request.URL.Path),
			zap.Error(err))
		return fmt.Errorf("%w: malformed payload", ErrGatewayUnavailable)
	}
	return nil
}

// CollaboratorAllowAll admits every identity to every project. It backs
// deployments that disable the collaborator check.
type CollaboratorAllowAll struct{}

// IsCollaborator always reports true.
func (CollaboratorAllowAll) IsCollaborator(context.Context, string, string) (bool, error) {
	return true, nil
}
