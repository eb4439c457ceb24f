// internal/auth/service.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"bastion/internal/config"
	"bastion/internal/database"
)

// Settings key for the persisted password hash. When present it overrides
// the hash derived from configuration.
const passwordHashSetting = "admin_password_hash"

// Token type claims.
const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

// ErrInvalidCredentials is returned for both unknown usernames and wrong
// passwords. Callers must not distinguish the two.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidToken covers malformed, expired or wrongly-typed tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// ErrWeakPassword rejects new passwords below the minimum length.
var ErrWeakPassword = errors.New("new password must be at least 8 characters")

// Principal is the verified identity attached to authenticated requests.
type Principal struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Initials returns up to two uppercase initials from the display name,
// used as an avatar fallback.
func (p Principal) Initials() string {
	name := p.DisplayName
	if name == "" {
		name = p.Username
	}
	if name == "" {
		return "?"
	}
	var initials []rune
	for _, part := range strings.Fields(name) {
		if len(initials) == 2 {
			break
		}
		r := []rune(part)[0]
		initials = append(initials, unicode.ToUpper(r))
	}
	return string(initials)
}

// Claims are the JWT claims carried by both token kinds. Type separates
// access tokens from refresh tokens.
type Claims struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	Type        string `json:"type"`
	jwt.RegisteredClaims
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Service authenticates the single admin principal and issues HS256 JWTs.
type Service struct {
	store      database.Store
	secret     []byte
	username   string
	display    string
	role       string
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu           sync.RWMutex
	passwordHash string

	log *logrus.Entry
}

// NewService builds the auth service. The admin password from config may be
// plaintext (hashed at startup) or a pre-computed bcrypt hash; a hash
// persisted via ChangePassword takes precedence over both.
func NewService(cfg config.AuthConfig, store database.Store) (*Service, error) {
	s := &Service{
		store:      store,
		secret:     []byte(cfg.JWTSecret),
		username:   cfg.AdminUsername,
		display:    cfg.AdminDisplayName,
		role:       cfg.AdminRole,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		log:        logrus.WithField("component", "auth"),
	}

	if isBcryptHash(cfg.AdminPassword) {
		s.passwordHash = cfg.AdminPassword
	} else {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash admin password: %w", err)
		}
		s.passwordHash = string(hash)
	}

	if stored, err := store.GetSetting(context.Background(), passwordHashSetting); err == nil && isBcryptHash(stored) {
		s.passwordHash = stored
		s.log.Info("using persisted admin password hash")
	}

	return s, nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Login verifies the credentials and issues a token pair. Unknown usernames
// and wrong passwords both return ErrInvalidCredentials so login responses
// carry no user-enumeration signal.
func (s *Service) Login(username, password string) (*TokenPair, *Principal, error) {
	s.mu.RLock()
	hash := s.passwordHash
	s.mu.RUnlock()

	if username != s.username {
		// burn a bcrypt comparison anyway so timing does not reveal
		// whether the username exists
		bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		return nil, nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issueTokens(username)
	if err != nil {
		return nil, nil, err
	}
	return pair, s.principal(username), nil
}

// Refresh exchanges a valid refresh token for a fresh pair. Access tokens
// are rejected here.
func (s *Service) Refresh(refreshToken string) (*TokenPair, *Principal, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	if claims.Type != tokenRefresh {
		return nil, nil, ErrInvalidToken
	}

	pair, err := s.issueTokens(claims.Username)
	if err != nil {
		return nil, nil, err
	}
	return pair, s.principal(claims.Username), nil
}

// Verify validates an access token and returns its principal. Refresh
// tokens are rejected so a leaked refresh token cannot be used directly
// against the API.
func (s *Service) Verify(accessToken string) (*Principal, error) {
	claims, err := s.parse(accessToken)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenAccess {
		return nil, ErrInvalidToken
	}
	return &Principal{
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
	}, nil
}

// ChangePassword verifies the current password, rehashes the new one and
// persists it so it survives restarts.
func (s *Service) ChangePassword(ctx context.Context, current, next string) error {
	if len(next) < 8 {
		return ErrWeakPassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash new password: %w", err)
	}
	if err := s.store.PutSetting(ctx, passwordHashSetting, string(hash)); err != nil {
		return fmt.Errorf("failed to persist password hash: %w", err)
	}
	s.passwordHash = string(hash)

	s.log.Info("admin password changed")
	return nil
}

func (s *Service) principal(username string) *Principal {
	return &Principal{
		Username:    username,
		DisplayName: s.display,
		Role:        s.role,
	}
}

func (s *Service) issueTokens(username string) (*TokenPair, error) {
	access, err := s.sign(username, tokenAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(username, tokenRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) sign(username, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username:    username,
		DisplayName: s.display,
		Role:        s.role,
		Type:        tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
