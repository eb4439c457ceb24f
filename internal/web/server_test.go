// internal/web/server_test.go
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"bastion/internal/alerting"
	"bastion/internal/audit"
	"bastion/internal/auth"
	"bastion/internal/collector"
	"bastion/internal/config"
	"bastion/internal/cron"
	"bastion/internal/crypto"
	"bastion/internal/database"
	"bastion/internal/executor"
	"bastion/internal/metrics"
	"bastion/internal/monitoring"
	"bastion/internal/notifications"
	"bastion/internal/sshpool"
)

type fakeConn struct{}

func (c *fakeConn) NewSession() (*ssh.Session, error) {
	return nil, errors.New("fakeConn: sessions not supported")
}

func (c *fakeConn) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	return true, nil, nil
}

func (c *fakeConn) Close() error { return nil }

func fakeDial(ctx context.Context, server *database.Server, creds sshpool.Credentials) (sshpool.Conn, string, error) {
	return &fakeConn{}, "SHA256:testkey", nil
}

type webFixture struct {
	store database.Store
	srv   *Server
	token string
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()

	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	cfg.Server.Port = ":0"
	cfg.Auth = config.AuthConfig{
		AdminUsername:    "admin",
		AdminPassword:    "correct horse",
		AdminDisplayName: "Site Admin",
		AdminRole:        "admin",
		JWTSecret:        "test-secret",
		AccessTokenTTL:   15 * time.Minute,
		RefreshTokenTTL:  7 * 24 * time.Hour,
	}
	cfg.Database.CleanupInterval = time.Hour
	cfg.Database.HistoryRetention = 30 * 24 * time.Hour
	cfg.Logging.Level = "error"
	cfg.Prometheus.MetricsPath = "/metrics"

	authSvc, err := auth.NewService(cfg.Auth, store)
	require.NoError(t, err)

	enc, err := crypto.NewEphemeralEncryptor()
	require.NoError(t, err)

	pool := sshpool.NewPool(fakeDial, 10*time.Minute, time.Minute)
	t.Cleanup(pool.CloseAll)
	recorder := audit.NewRecorder(store)
	exec := executor.New(store, pool, fakeDial, enc, recorder, time.Minute)

	hub := NewHub()
	dispatcher := notifications.NewDispatcher(config.NotificationConfig{}, hub)
	engine := alerting.NewEngine(store, dispatcher, 16)
	prober := monitoring.NewProber(14)

	srv := NewServer(Deps{
		Config:    cfg,
		Store:     store,
		Auth:      authSvc,
		Encryptor: enc,
		Executor:  exec,
		Collector: collector.New(store, exec, engine, hub, time.Minute),
		Cron:      cron.NewScheduler(store, exec, time.Second, 1),
		Prober:    prober,
		Refresher: monitoring.NewSSLRefresher(store, prober, time.Hour),
		Engine:    engine,
		Audit:     recorder,
		Metrics:   metrics.NewCollector(store),
		Hub:       hub,
	})

	f := &webFixture{store: store, srv: srv}
	f.token = f.login(t, "admin", "correct horse")
	return f
}

func (f *webFixture) request(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	return w
}

func (f *webFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return f.request(t, method, path, body, f.token)
}

func (f *webFixture) login(t *testing.T, username, password string) string {
	t.Helper()
	w := f.request(t, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newWebFixture(t)

	w := f.request(t, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "bastion", body["service"])
	assert.Equal(t, "ok", body["db"])
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newWebFixture(t)

	unknownUser := f.request(t, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "nobody", "password": "correct horse",
	}, "")
	wrongPassword := f.request(t, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "admin", "password": "wrong",
	}, "")

	assert.Equal(t, http.StatusUnauthorized, unknownUser.Code)
	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, unknownUser.Body.String(), wrongPassword.Body.String())
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newWebFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.request(t, http.MethodGet, "/api/servers", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.request(t, http.MethodGet, "/api/servers", nil, "garbage").Code)
}

func TestRefreshTokenNotAcceptedAsAccessToken(t *testing.T) {
	f := newWebFixture(t)

	w := f.request(t, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "admin", "password": "correct horse",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, http.StatusUnauthorized, f.request(t, http.MethodGet, "/api/servers", nil, resp.RefreshToken).Code)
}

func TestAuthMe(t *testing.T) {
	f := newWebFixture(t)

	w := f.do(t, http.MethodGet, "/api/auth/me", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	user := body["user"].(map[string]interface{})
	assert.Equal(t, "admin", user["username"])
	assert.Equal(t, "SA", user["avatar_initials"])
}

func TestServerCRUD(t *testing.T) {
	f := newWebFixture(t)

	payload := map[string]interface{}{
		"name":     "web-1",
		"host":     "10.0.0.5",
		"port":     22,
		"username": "deploy",
		"password": "hunter2",
	}

	created := f.do(t, http.MethodPost, "/api/servers", payload)
	require.Equal(t, http.StatusCreated, created.Code)

	server := decode(t, created)["server"].(map[string]interface{})
	id := server["id"].(string)
	assert.Equal(t, "web-1", server["name"])
	// credential material must never appear in responses
	assert.NotContains(t, created.Body.String(), "encrypted_password")
	assert.NotContains(t, created.Body.String(), "hunter2")

	// same endpoint again conflicts
	dup := f.do(t, http.MethodPost, "/api/servers", payload)
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Contains(t, decode(t, dup)["message"], "already exists")

	list := f.do(t, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, float64(1), decode(t, list)["count"])

	got := f.do(t, http.MethodGet, "/api/servers/"+id, nil)
	assert.Equal(t, http.StatusOK, got.Code)

	deleted := f.do(t, http.MethodDelete, "/api/servers/"+id, nil)
	assert.Equal(t, http.StatusOK, deleted.Code)

	missing := f.do(t, http.MethodGet, "/api/servers/"+id, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	body := decode(t, missing)
	assert.Equal(t, true, body["error"])
}

func TestServerImportSkipsDuplicates(t *testing.T) {
	f := newWebFixture(t)

	one := map[string]interface{}{"name": "a", "host": "10.0.0.1", "username": "root"}
	created := f.do(t, http.MethodPost, "/api/servers", one)
	require.Equal(t, http.StatusCreated, created.Code)

	w := f.do(t, http.MethodPost, "/api/servers/import", map[string]interface{}{
		"servers": []map[string]interface{}{
			one,
			{"name": "b", "host": "10.0.0.2", "username": "root"},
			{"host": "10.0.0.3"}, // invalid: no name/username
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(1), body["created"])
	assert.Equal(t, float64(2), body["skipped"])
}

func TestCronValidation(t *testing.T) {
	f := newWebFixture(t)

	created := f.do(t, http.MethodPost, "/api/servers", map[string]interface{}{
		"name": "db-1", "host": "10.0.0.9", "username": "root",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	serverID := decode(t, created)["server"].(map[string]interface{})["id"].(string)

	bad := f.do(t, http.MethodPost, "/api/servers/"+serverID+"/crons", map[string]interface{}{
		"name": "broken", "schedule": "not a schedule", "command": "true",
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	good := f.do(t, http.MethodPost, "/api/servers/"+serverID+"/crons", map[string]interface{}{
		"name": "backup", "schedule": "0 3 * * *", "command": "/usr/local/bin/backup.sh",
	})
	require.Equal(t, http.StatusCreated, good.Code)

	job := decode(t, good)["cron"].(map[string]interface{})
	assert.NotNil(t, job["next_run_at"])

	// toggling off clears next_run_at
	toggled := f.do(t, http.MethodPost, "/api/crons/"+job["id"].(string)+"/toggle", nil)
	require.Equal(t, http.StatusOK, toggled.Code)
	assert.Nil(t, decode(t, toggled)["cron"].(map[string]interface{})["next_run_at"])
}

func TestCronForUnknownServer(t *testing.T) {
	f := newWebFixture(t)

	w := f.do(t, http.MethodPost, "/api/servers/no-such-id/crons", map[string]interface{}{
		"name": "x", "schedule": "* * * * *", "command": "true",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMonitorValidationAndToggle(t *testing.T) {
	f := newWebFixture(t)

	bad := f.do(t, http.MethodPost, "/api/monitors", map[string]interface{}{
		"name": "bad", "type": "icmp", "target": "10.0.0.1",
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	created := f.do(t, http.MethodPost, "/api/monitors", map[string]interface{}{
		"name": "site", "type": "http", "target": "https://example.com",
	})
	require.Equal(t, http.StatusCreated, created.Code)

	monitor := decode(t, created)["monitor"].(map[string]interface{})
	assert.Equal(t, "unknown", monitor["state"])
	assert.Equal(t, "GET", monitor["method"])
	assert.Equal(t, float64(200), monitor["expected_status"])

	toggled := f.do(t, http.MethodPost, "/api/monitors/"+monitor["id"].(string)+"/toggle", nil)
	require.Equal(t, http.StatusOK, toggled.Code)
	assert.Equal(t, false, decode(t, toggled)["monitor"].(map[string]interface{})["enabled"])
}

func TestAlertRuleValidation(t *testing.T) {
	f := newWebFixture(t)

	bad := f.do(t, http.MethodPost, "/api/alerts/rules", map[string]interface{}{
		"name": "cpu", "type": "metric", "metric": "temperature", "operator": ">", "threshold": 90,
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	good := f.do(t, http.MethodPost, "/api/alerts/rules", map[string]interface{}{
		"name": "cpu", "type": "metric", "metric": "cpu_percent", "operator": ">", "threshold": 90,
	})
	require.Equal(t, http.StatusCreated, good.Code)

	rule := decode(t, good)["rule"].(map[string]interface{})
	assert.Equal(t, "dashboard", rule["notification_channel"])
}

func TestAlertAcknowledgeAndResolve(t *testing.T) {
	f := newWebFixture(t)
	ctx := context.Background()

	alert := &database.Alert{
		ID:           "al-1",
		RuleID:       "r-1",
		RuleName:     "cpu high",
		Severity:     database.SeverityWarning,
		Message:      "cpu_percent > 90",
		Status:       database.AlertFiring,
		FirstFiredAt: time.Now(),
	}
	require.NoError(t, f.store.CreateAlert(ctx, alert))

	acked := f.do(t, http.MethodPost, "/api/alerts/al-1/acknowledge", nil)
	require.Equal(t, http.StatusOK, acked.Code)
	assert.Equal(t, "acknowledged", decode(t, acked)["alert"].(map[string]interface{})["status"])

	// a second acknowledge conflicts
	again := f.do(t, http.MethodPost, "/api/alerts/al-1/acknowledge", nil)
	assert.Equal(t, http.StatusConflict, again.Code)

	resolved := f.do(t, http.MethodPost, "/api/alerts/al-1/resolve", nil)
	require.Equal(t, http.StatusOK, resolved.Code)
	assert.Equal(t, "resolved", decode(t, resolved)["alert"].(map[string]interface{})["status"])

	again = f.do(t, http.MethodPost, "/api/alerts/al-1/resolve", nil)
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestMutatingCallsAreAudited(t *testing.T) {
	f := newWebFixture(t)

	created := f.do(t, http.MethodPost, "/api/servers", map[string]interface{}{
		"name": "audited", "host": "10.0.0.77", "username": "root",
	})
	require.Equal(t, http.StatusCreated, created.Code)

	entries, err := f.store.GetAuditEntries(context.Background(), database.AuditFilters{Action: "server.create"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin", entries[0].Actor)
	assert.Equal(t, "success", entries[0].Result)
}

func TestFilePathSanitizing(t *testing.T) {
	f := newWebFixture(t)

	created := f.do(t, http.MethodPost, "/api/servers", map[string]interface{}{
		"name": "files", "host": "10.0.0.88", "username": "root",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	id := decode(t, created)["server"].(map[string]interface{})["id"].(string)

	// Go's query parser drops parameters containing semicolons entirely;
	// the handler must still reject rather than fall back to "/"
	w := f.do(t, http.MethodGet, "/api/servers/"+id+"/files?path=/etc;rm+-rf+/", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/servers/"+id+"/files/content?path=/etc/passwd;id", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/servers/"+id+"/files/content", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing path must not fall back")

	w = f.do(t, http.MethodPut, "/api/servers/"+id+"/files/content", map[string]interface{}{
		"path": "/tmp/$(whoami)", "content": "x",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDatabaseRoutesWithoutTargets(t *testing.T) {
	f := newWebFixture(t)

	w := f.do(t, http.MethodGet, "/api/database/targets", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSSLCheckRouteNotShadowedByMonitorID(t *testing.T) {
	f := newWebFixture(t)

	// an empty registry returns 200 with an empty list, not a monitor
	// lookup failure for the id "ssl"
	w := f.do(t, http.MethodGet, "/api/monitors/ssl", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])
}

func TestSystemStats(t *testing.T) {
	f := newWebFixture(t)

	w := f.do(t, http.MethodGet, "/api/system/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Contains(t, body, "store")
	assert.Contains(t, body, "runtime")
	assert.Contains(t, body, "retention")
}

func TestDashboardOverview(t *testing.T) {
	f := newWebFixture(t)

	created := f.do(t, http.MethodPost, "/api/servers", map[string]interface{}{
		"name": "ov-1", "host": "10.0.1.1", "username": "root",
	})
	require.Equal(t, http.StatusCreated, created.Code)

	w := f.do(t, http.MethodGet, "/api/dashboard/overview", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	servers := body["servers"].(map[string]interface{})
	assert.Equal(t, float64(1), servers["total"])
	assert.Contains(t, body, "recent_activity")
}

func TestCommandFavorites(t *testing.T) {
	f := newWebFixture(t)
	ctx := context.Background()

	entry := &database.CommandHistoryEntry{
		ID:       "hist-1",
		ServerID: "srv-1",
		Command:  "df -h",
		Output:   "ok",
		Executor: "admin",
	}
	require.NoError(t, f.store.AppendHistory(ctx, entry))

	// nothing pinned yet
	w := f.do(t, http.MethodGet, "/api/commands/favorites", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	// pin it
	w = f.do(t, http.MethodPost, "/api/commands/favorites/hist-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["entry"].(map[string]interface{})["is_favorite"])

	w = f.do(t, http.MethodGet, "/api/commands/favorites", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])
	favorites := body["favorites"].([]interface{})
	assert.Equal(t, "df -h", favorites[0].(map[string]interface{})["command"])

	// unpin
	w = f.do(t, http.MethodDelete, "/api/commands/favorites/hist-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/commands/favorites", nil)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	// unknown entry
	w = f.do(t, http.MethodPost, "/api/commands/favorites/no-such-entry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
