// Package auth registers player accounts and issues the session tokens
// that connections present when joining a room.
//
// A player holds at most one valid token: logging in again revokes the
// previous token and notifies the revocation hook so live connections
// bound to it can be closed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/vdm/internal/storage"
)

const (
	minNameLen     = 3
	maxNameLen     = 20
	minPasswordLen = 8
)

var (
	// ErrInvalidCredentials is returned when a name or password does not match.
	ErrInvalidCredentials = errors.New("invalid name or password")
	// ErrAccountExists is returned when registering a name already in use.
	ErrAccountExists = errors.New("that name is already taken")
	// ErrInvalidToken is returned for a malformed, expired or superseded token.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrInvalidName is returned when a name is outside the allowed length.
	ErrInvalidName = fmt.Errorf("name must be %d to %d characters", minNameLen, maxNameLen)
	// ErrWeakPassword is returned when a password is too short.
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", minPasswordLen)
)

// Config configures token issuance.
type Config struct {
	SigningKey string
	TokenTTL   time.Duration
}

// Identity is the authenticated owner of a valid token.
type Identity struct {
	PlayerID string
	Name     string
	Avatar   string
	TokenID  string
}

// Session is the result of a successful login.
type Session struct {
	Token   string
	Account storage.Account
}

type claims struct {
	jwt.RegisteredClaims
}

// Service registers accounts and validates tokens.
type Service struct {
	store  storage.AccountStore
	key    []byte
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	current  map[string]string // player id -> current token id
	onRevoke func(playerID string)
}

// NewService builds a Service over store.
//
// Precondition: cfg.SigningKey must be non-empty and cfg.TokenTTL positive.
func NewService(store storage.AccountStore, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("auth: signing key must not be empty")
	}
	if cfg.TokenTTL <= 0 {
		return nil, errors.New("auth: token ttl must be positive")
	}
	return &Service{
		store:   store,
		key:     []byte(cfg.SigningKey),
		ttl:     cfg.TokenTTL,
		now:     time.Now,
		logger:  logger,
		current: make(map[string]string),
	}, nil
}

// OnRevoke registers fn to be called, outside any lock, when a player's
// token is superseded or logged out.
func (s *Service) OnRevoke(fn func(playerID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRevoke = fn
}

// Register creates an account.
//
// Postcondition: Returns the stored account, or ErrInvalidName,
// ErrWeakPassword or ErrAccountExists.
func (s *Service) Register(ctx context.Context, name, avatar, password string) (storage.Account, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < minNameLen || n > maxNameLen {
		return storage.Account{}, ErrInvalidName
	}
	if utf8.RuneCountInString(password) < minPasswordLen {
		return storage.Account{}, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return storage.Account{}, fmt.Errorf("hashing password: %w", err)
	}
	acct := storage.Account{
		ID:           uuid.NewString(),
		Name:         name,
		Avatar:       avatar,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, storage.ErrAccountExists) {
			return storage.Account{}, ErrAccountExists
		}
		return storage.Account{}, fmt.Errorf("creating account: %w", err)
	}
	s.logger.Info("account registered", zap.String("player_id", acct.ID), zap.String("name", acct.Name))
	return acct, nil
}

// Login checks credentials and issues a fresh token, revoking any earlier one.
func (s *Service) Login(ctx context.Context, name, password string) (Session, error) {
	acct, err := s.store.AccountByName(ctx, strings.TrimSpace(name))
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("looking up account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}

	now := s.now()
	jti := uuid.NewString()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}).SignedString(s.key)
	if err != nil {
		return Session{}, fmt.Errorf("signing token: %w", err)
	}

	s.mu.Lock()
	_, replaced := s.current[acct.ID]
	s.current[acct.ID] = jti
	hook := s.onRevoke
	s.mu.Unlock()

	s.logger.Info("player logged in", zap.String("player_id", acct.ID), zap.Bool("replaced", replaced))
	if replaced && hook != nil {
		hook(acct.ID)
	}
	return Session{Token: token, Account: acct}, nil
}

// Validate checks that token is the current token of playerID.
//
// Postcondition: Returns the player's identity, or an error wrapping ErrInvalidToken.
func (s *Service) Validate(ctx context.Context, playerID, token string) (Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject != playerID {
		return Identity{}, fmt.Errorf("%w: token issued to another player", ErrInvalidToken)
	}

	s.mu.Lock()
	current := s.current[playerID]
	s.mu.Unlock()
	if current == "" || current != c.ID {
		return Identity{}, fmt.Errorf("%w: token superseded", ErrInvalidToken)
	}

	acct, err := s.store.AccountByID(ctx, playerID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return Identity{PlayerID: acct.ID, Name: acct.Name, Avatar: acct.Avatar, TokenID: c.ID}, nil
}

// Logout revokes the current token of playerID.
func (s *Service) Logout(playerID string) {
	s.mu.Lock()
	_, ok := s.current[playerID]
	delete(s.current, playerID)
	hook := s.onRevoke
	s.mu.Unlock()
	if ok && hook != nil {
		hook(playerID)
	}
}
