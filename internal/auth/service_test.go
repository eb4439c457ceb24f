// internal/auth/service_test.go
package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/config"
	"bastion/internal/database"
)

func newService(t *testing.T) (*Service, database.Store) {
	t.Helper()

	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc, err := NewService(config.AuthConfig{
		AdminUsername:    "admin",
		AdminPassword:    "correct horse",
		AdminDisplayName: "Site Admin",
		AdminRole:        "admin",
		JWTSecret:        "test-secret",
		AccessTokenTTL:   15 * time.Minute,
		RefreshTokenTTL:  7 * 24 * time.Hour,
	}, store)
	require.NoError(t, err)
	return svc, store
}

func TestLoginSuccess(t *testing.T) {
	svc, _ := newService(t)

	pair, principal, err := svc.Login("admin", "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.Equal(t, "admin", principal.Username)
	assert.Equal(t, "Site Admin", principal.DisplayName)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newService(t)

	_, _, errUser := svc.Login("nobody", "correct horse")
	_, _, errPass := svc.Login("admin", "wrong")

	assert.ErrorIs(t, errUser, ErrInvalidCredentials)
	assert.ErrorIs(t, errPass, ErrInvalidCredentials)
	assert.Equal(t, errUser.Error(), errPass.Error())
}

func TestVerifyAccessToken(t *testing.T) {
	svc, _ := newService(t)

	pair, _, err := svc.Login("admin", "correct horse")
	require.NoError(t, err)

	principal, err := svc.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", principal.Username)
	assert.Equal(t, "admin", principal.Role)
}

func TestVerifyRejectsRefreshToken(t *testing.T) {
	svc, _ := newService(t)

	pair, _, err := svc.Login("admin", "correct horse")
	require.NoError(t, err)

	_, err = svc.Verify(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshIssuesNewPair(t *testing.T) {
	svc, _ := newService(t)

	pair, _, err := svc.Login("admin", "correct horse")
	require.NoError(t, err)

	next, principal, err := svc.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, next.AccessToken)
	assert.Equal(t, "admin", principal.Username)

	// the fresh access token verifies
	_, err = svc.Verify(next.AccessToken)
	assert.NoError(t, err)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, _ := newService(t)

	pair, _, err := svc.Login("admin", "correct horse")
	require.NoError(t, err)

	_, _, err = svc.Refresh(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestChangePassword(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	err := svc.ChangePassword(ctx, "correct horse", "battery staple")
	require.NoError(t, err)

	_, _, err = svc.Login("admin", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login("admin", "battery staple")
	assert.NoError(t, err)

	// hash persisted: a new service over the same store sees the change
	svc2, err := NewService(config.AuthConfig{
		AdminUsername:   "admin",
		AdminPassword:   "correct horse",
		JWTSecret:       "test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}, store)
	require.NoError(t, err)
	_, _, err = svc2.Login("admin", "battery staple")
	assert.NoError(t, err)
}

func TestChangePasswordPolicy(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	assert.Error(t, svc.ChangePassword(ctx, "correct horse", "short"))
	assert.ErrorIs(t, svc.ChangePassword(ctx, "wrong", "long enough pass"), ErrInvalidCredentials)
}

func TestAcceptsPrehashedPassword(t *testing.T) {
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// bcrypt hash of "sekrit123" cost 10
	svc, err := NewService(config.AuthConfig{
		AdminUsername:   "admin",
		AdminPassword:   "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy",
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}, store)
	require.NoError(t, err)

	// the stored value is treated as a hash, not hashed again
	_, _, err = svc.Login("admin", "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestInitials(t *testing.T) {
	tests := []struct {
		name string
		p    Principal
		want string
	}{
		{"two words", Principal{DisplayName: "Site Admin"}, "SA"},
		{"one word", Principal{DisplayName: "admin"}, "A"},
		{"three words truncate", Principal{DisplayName: "Jean Luc Picard"}, "JL"},
		{"multibyte first letter", Principal{DisplayName: "Åsa Öberg"}, "ÅÖ"},
		{"falls back to username", Principal{Username: "ops"}, "O"},
		{"empty", Principal{}, "?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Initials())
		})
	}
}
