// Package auth issues and verifies the tokens the relay server accepts on
// its REST endpoints and sockets.
package auth

import (
	"crypto/subtle"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is an authenticated principal.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Config configures authentication helpers.
type Config struct {
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Users      []UserConfig
}

// UserConfig declares a user allowed to log in. An empty Password lets
// anyone log in as that user.
type UserConfig struct {
	ID       string
	Name     string
	Password string
}

// Service issues and validates tokens for configured users. With no users
// configured any user id may log in.
type Service struct {
	jwt   *JWTService
	users map[string]UserConfig
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{users: map[string]UserConfig{}}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	}
	for _, entry := range cfg.Users {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			continue
		}
		entry.ID = id
		service.users[id] = entry
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && s.jwt != nil
}

// Login checks the password for userID and issues a token pair.
func (s *Service) Login(userID, password string) (TokenPair, error) {
	if !s.Enabled() {
		return TokenPair{}, ErrAuthDisabled
	}
	user, err := s.authenticate(strings.TrimSpace(userID), password)
	if err != nil {
		return TokenPair{}, err
	}
	return s.jwt.Issue(user)
}

func (s *Service) authenticate(userID, password string) (*User, error) {
	if userID == "" {
		return nil, ErrInvalidCredentials
	}
	if len(s.users) == 0 {
		return &User{ID: userID}, nil
	}
	entry, ok := s.users[userID]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if entry.Password != "" && subtle.ConstantTimeCompare([]byte(password), []byte(entry.Password)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &User{ID: entry.ID, Name: entry.Name}, nil
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token is returned unchanged.
func (s *Service) Refresh(refresh string) (TokenPair, error) {
	if !s.Enabled() {
		return TokenPair{}, ErrAuthDisabled
	}
	user, err := s.jwt.Validate(refresh, TokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	if _, ok := s.users[user.ID]; len(s.users) > 0 && !ok {
		return TokenPair{}, ErrInvalidToken
	}
	access, err := s.jwt.sign(user, TokenAccess, s.jwt.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// ValidateAccess validates an access token and returns its user.
func (s *Service) ValidateAccess(token string) (*User, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token, TokenAccess)
}

// DisplayName returns the configured name for userID, or userID itself.
func (s *Service) DisplayName(userID string) string {
	if s != nil {
		if entry, ok := s.users[userID]; ok && entry.Name != "" {
			return entry.Name
		}
	}
	return userID
}

// UserIDs lists the configured users in order.
func (s *Service) UserIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
