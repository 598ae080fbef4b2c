// Package session talks to the REST backend on behalf of the realtime
// client: it validates the session before chat sockets are opened and
// keeps the access token fresh.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/retry"
)

// ErrInvalidSession is returned when the backend rejects the credentials
// and they cannot be refreshed.
var ErrInvalidSession = errors.New("session is invalid")

// Config configures a Client.
type Config struct {
	BaseURL      string
	ValidatePath string
	RefreshPath  string
	LoginPath    string
	AccessToken  string
	RefreshToken string

	// Retry bounds validation probes on network errors and 5xx responses.
	// Zero means retry.DefaultConfig.
	Retry retry.Config

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Client makes authenticated REST calls. A request rejected with 401 is
// retried exactly once after refreshing the access token.
type Client struct {
	baseURL      string
	validatePath string
	loginPath    string
	http         *http.Client
	retry        retry.Config
	tokens       *TokenSource
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
}

// New creates a Client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	validatePath := cfg.ValidatePath
	if validatePath == "" {
		validatePath = "/api/auth/validate/"
	}
	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = "/api/auth/login/"
	}
	refreshPath := cfg.RefreshPath
	if refreshPath == "" {
		refreshPath = "/api/token/refresh/"
	}
	retryConfig := cfg.Retry
	if retryConfig.MaxAttempts == 0 {
		retryConfig = retry.DefaultConfig()
	}
	return &Client{
		baseURL:      baseURL,
		validatePath: validatePath,
		loginPath:    loginPath,
		http:         httpClient,
		retry:        retryConfig,
		tokens:       NewTokenSource(baseURL+refreshPath, httpClient, NewToken(cfg.AccessToken, cfg.RefreshToken)),
		logger:       observability.OrDefault(cfg.Logger).With("component", "session"),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
	}
}

// Tokens returns the token source used for REST calls and socket dials.
func (c *Client) Tokens() *TokenSource {
	return c.tokens
}

// AccessToken returns a valid access token for socket dials.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// UserID returns the user id carried by the current access token, if any.
func (c *Client) UserID() string {
	claims, err := ParseClaims(c.tokens.Current().AccessToken)
	if err != nil {
		return ""
	}
	return claims.UserID
}

// Validate probes the validation endpoint. It returns ErrInvalidSession
// when the backend rejects the session even after a refresh. Network
// errors and server errors are retried.
func (c *Client) Validate(ctx context.Context) error {
	result := retry.Do(ctx, c.retry, func() error {
		return c.validateOnce(ctx)
	})
	if result.Err != nil {
		c.logger.Warn("session validation failed", "attempts", result.Attempts, "error", result.Err)
		var permanent *retry.PermanentError
		if errors.As(result.Err, &permanent) {
			return permanent.Err
		}
	}
	return result.Err
}

func (c *Client) validateOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.validatePath, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build validate request: %w", err))
	}
	resp, err := c.Do(req)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			return retry.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.Permanent(fmt.Errorf("%w: validation returned %s", ErrInvalidSession, resp.Status))
	case resp.StatusCode >= 500:
		return fmt.Errorf("validate session: server returned %s", resp.Status)
	case resp.StatusCode/100 != 2:
		return retry.Permanent(fmt.Errorf("validate session: unexpected status %s", resp.Status))
	}
	return nil
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// Login exchanges credentials for a token pair and replaces the held
// tokens. Rejected credentials return ErrInvalidSession.
func (c *Client) Login(ctx context.Context, userID, password string) error {
	body, err := json.Marshal(loginRequest{UserID: userID, Password: password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.loginPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ctx, span := c.tracer.TraceHTTPRequest(ctx, req.Method, c.loginPath)
	defer span.End()
	req = req.WithContext(ctx)
	observability.InjectHTTP(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordHTTPRequest(req.Method, c.loginPath, "error", time.Since(start).Seconds())
		c.tracer.RecordError(span, err)
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.RecordHTTPRequest(req.Method, c.loginPath, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: login rejected with %s", ErrInvalidSession, resp.Status)
	case resp.StatusCode/100 != 2:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("login: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if out.Access == "" {
		return errors.New("login response has no access token")
	}
	c.tokens.Set(NewToken(out.Access, out.Refresh))
	c.logger.Info("logged in", "user_id", userID)
	return nil
}

// Do sends req with the bearer token. On 401 the token is refreshed and
// the request is sent once more; a request body must be replayable via
// GetBody for the retry.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx, span := c.tracer.TraceHTTPRequest(req.Context(), req.Method, req.URL.Path)
	defer span.End()
	req = req.WithContext(ctx)

	token, err := c.tokens.Token()
	if err != nil {
		c.tracer.RecordError(span, err)
		return nil, err
	}
	resp, err := c.send(req, token.AccessToken)
	if err != nil {
		c.tracer.RecordError(span, err)
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return resp, nil
	}

	retry, err := cloneRequest(req)
	if err != nil {
		return resp, nil
	}
	c.logger.Info("access token rejected, refreshing", "path", req.URL.Path)
	token, err = c.tokens.Refresh(ctx)
	if err != nil {
		c.tracer.RecordError(span, err)
		if errors.Is(err, ErrInvalidSession) {
			// Hand back the original 401 so callers see the rejection.
			return resp, nil
		}
		resp.Body.Close()
		return nil, err
	}
	resp.Body.Close()

	resp, err = c.send(retry, token.AccessToken)
	if err != nil {
		c.tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.Bool("http.retried", true))
	return resp, nil
}

func (c *Client) send(req *http.Request, access string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+access)
	observability.InjectHTTP(req.Context(), req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.RecordHTTPRequest(req.Method, req.URL.Path, status, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}
