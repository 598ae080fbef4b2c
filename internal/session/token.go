package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// expiryLeeway refreshes access tokens slightly before they expire.
const expiryLeeway = 30 * time.Second

// Claims are the fields read from an access token without verifying it.
type Claims struct {
	UserID string
	Expiry time.Time
}

// ParseClaims reads the user id and expiry from a JWT without checking its
// signature. The server remains the authority on validity.
func ParseClaims(token string) (Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	var out Claims
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.Expiry = exp.Time
	}
	switch v := claims["user_id"].(type) {
	case string:
		out.UserID = v
	case float64:
		out.UserID = fmt.Sprintf("%.0f", v)
	}
	if out.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			out.UserID = sub
		}
	}
	return out, nil
}

// NewToken wraps an access token, filling Expiry from its claims when it
// is a JWT.
func NewToken(access, refresh string) *oauth2.Token {
	token := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
	if claims, err := ParseClaims(access); err == nil && !claims.Expiry.IsZero() {
		token.Expiry = claims.Expiry
	}
	return token
}

// TokenSource is an oauth2.TokenSource that renews the access token
// through the refresh endpoint when it is about to expire, and on demand
// after the server rejects it.
type TokenSource struct {
	url    string
	client *http.Client

	mu    sync.Mutex
	token *oauth2.Token
}

var _ oauth2.TokenSource = (*TokenSource)(nil)

// NewTokenSource creates a TokenSource starting from initial. refreshURL
// is the absolute URL of the refresh endpoint.
func NewTokenSource(refreshURL string, client *http.Client, initial *oauth2.Token) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	if initial == nil {
		initial = &oauth2.Token{}
	}
	return &TokenSource{url: refreshURL, client: client, token: initial}
}

// Token returns a valid access token, refreshing it when it has expired.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.AccessToken != "" && (s.token.Expiry.IsZero() || time.Until(s.token.Expiry) > expiryLeeway) {
		return s.token, nil
	}
	return s.refreshLocked(context.Background())
}

// Current returns the token held without refreshing it.
func (s *TokenSource) Current() *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Refresh exchanges the refresh token for a new access token even if the
// current one looks valid.
func (s *TokenSource) Refresh(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

// Set replaces the held tokens, as after a login.
func (s *TokenSource) Set(token *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

func (s *TokenSource) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	if s.token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrInvalidSession)
	}
	body, err := json.Marshal(refreshRequest{Refresh: s.token.RefreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: refresh rejected with %s", ErrInvalidSession, resp.Status)
	case resp.StatusCode/100 != 2:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("refresh token: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.Access == "" {
		return nil, errors.New("refresh response has no access token")
	}
	refresh := out.Refresh
	if refresh == "" {
		refresh = s.token.RefreshToken
	}
	s.token = NewToken(out.Access, refresh)
	return s.token, nil
}
