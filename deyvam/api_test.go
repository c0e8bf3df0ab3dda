package deyvam

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct-horse-battery"
)

// newTestAPI returns a bot with admin credentials set, its API engine
// served by an httptest server, and a client with a cookie jar
func newTestAPI(t testing.TB) (*Bot, *mockDiscordSession, *httptest.Server, *http.Client) {
	t.Helper()
	b, session := newTestBot(t)

	hashed, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	_, err = b.settings.Apply(
		context.Background(),
		map[string]any{"admin_username": testAdminUsername, "admin_password": hashed},
	)
	require.NoError(t, err)

	// most tests log in more than once per second
	b.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)

	srv := httptest.NewServer(b.api.engine)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := srv.Client()
	client.Jar = jar
	return b, session, srv, client
}

func doRequest(
	t testing.TB,
	client *http.Client,
	method string,
	url string,
	payload any,
) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func login(t testing.TB, client *http.Client, srv *httptest.Server) {
	t.Helper()
	resp, body := doRequest(
		t,
		client,
		http.MethodPost,
		srv.URL+apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equalf(t, http.StatusOK, resp.StatusCode, "login failed: %s", body)
}

func TestAPI_KeepAlive(t *testing.T) {
	_, _, srv, client := newTestAPI(t)

	resp, body := doRequest(t, client, http.MethodGet, srv.URL+apiKeepAlive, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, keepAliveResponse, string(body))

	resp, _ = doRequest(t, client, http.MethodHead, srv.URL+apiKeepAlive, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_HealthCheck(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	b.startedAt = time.Now().Add(-time.Minute)

	resp, body := doRequest(t, client, http.MethodGet, srv.URL+apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, map[string]string{"database": "ok"}, health.Checks)
	assert.False(t, health.DiscordGatewayConnected)
	assert.NotEmpty(t, health.Uptime)
}

func TestAPI_HealthCheck_DatabaseDown(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	sqlDB, err := b.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	resp, body := doRequest(t, client, http.MethodGet, srv.URL+apiHealthCheck, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.NotEqual(t, "ok", health.Checks["database"])
}

func TestRequestIDMiddleware(t *testing.T) {
	_, _, srv, client := newTestAPI(t)

	resp, _ := doRequest(t, client, http.MethodGet, srv.URL+apiKeepAlive, nil)
	generated := resp.Header.Get(xRequestIDHeader)
	assert.Len(t, generated, 36)

	const existing = "6f1f1b3c-3c2e-4d43-8f54-4b1a2f9d6a11"
	req, err := http.NewRequest(http.MethodGet, srv.URL+apiKeepAlive, nil)
	require.NoError(t, err)
	req.Header.Set(xRequestIDHeader, existing)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, existing, resp.Header.Get(xRequestIDHeader))

	req, err = http.NewRequest(http.MethodGet, srv.URL+apiKeepAlive, nil)
	require.NoError(t, err)
	req.Header.Set(xRequestIDHeader, "not-a-uuid")
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NotEqual(t, "not-a-uuid", resp.Header.Get(xRequestIDHeader))
}

func TestAPI_NotLoggedIn(t *testing.T) {
	_, _, srv, client := newTestAPI(t)

	for _, path := range []string{apiPathLoggedIn, apiPathConfig, apiPathTickets, apiPathMetrics} {
		resp, _ := doRequest(t, client, http.MethodGet, srv.URL+apiPrefix+path, nil)
		assert.Equalf(t, http.StatusUnauthorized, resp.StatusCode, "path: %s", path)
	}
}

func TestAPI_LoginLogout(t *testing.T) {
	_, _, srv, client := newTestAPI(t)

	resp, _ := doRequest(
		t,
		client,
		http.MethodPost,
		srv.URL+apiPathLogin,
		userLogin{Username: testAdminUsername, Password: "wrong-password"},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(
		t,
		client,
		http.MethodPost,
		srv.URL+apiPathLogin,
		userLogin{Username: "someone", Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(t, client, http.MethodPost, srv.URL+apiPathLogin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	login(t, client, srv)

	resp, body := doRequest(t, client, http.MethodGet, srv.URL+apiPrefix+apiPathLoggedIn, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loggedIn loggedInResponse
	require.NoError(t, json.Unmarshal(body, &loggedIn))
	assert.Equal(t, testAdminUsername, loggedIn.Username)

	resp, _ = doRequest(t, client, http.MethodPost, srv.URL+apiPathLogout, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, client, http.MethodGet, srv.URL+apiPrefix+apiPathLoggedIn, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPILoginRateLimit(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	b.api.loginRequestLimiter = rate.NewLimiter(rate.Limit(1), apiLoginRateLimitBurst)

	login(t, client, srv)

	codes := make(chan int, 5)
	wg := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _ := doRequest(
				t,
				client,
				http.MethodPost,
				srv.URL+apiPathLogin,
				userLogin{Username: testAdminUsername, Password: testAdminPassword},
			)
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	var seen []int
	limited := false
	for code := range codes {
		seen = append(seen, code)
		if code == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.Truef(t, limited, "expected to see %d, saw: %v", http.StatusTooManyRequests, seen)
}

func TestAPI_AdminSetup(t *testing.T) {
	b, _ := newTestBot(t)
	b.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	srv := httptest.NewServer(b.api.engine)
	t.Cleanup(srv.Close)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := srv.Client()
	client.Jar = jar

	// no credentials yet, so nobody can log in
	resp, _ := doRequest(t, client, http.MethodGet, srv.URL+apiPrefix+apiPathConfig, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(
		t,
		client,
		http.MethodPost,
		srv.URL+apiPathSetup,
		adminSetupPayload{Username: testAdminUsername, Password: "short", ConfirmPassword: "short"},
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(
		t,
		client,
		http.MethodPost,
		srv.URL+apiPathSetup,
		adminSetupPayload{
			Username:        testAdminUsername,
			Password:        testAdminPassword,
			ConfirmPassword: testAdminPassword + "x",
		},
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := doRequest(
		t,
		client,
		http.MethodPost,
		srv.URL+apiPathSetup,
		adminSetupPayload{
			Username:        testAdminUsername,
			Password:        testAdminPassword,
			ConfirmPassword: testAdminPassword,
		},
	)
	require.Equalf(t, http.StatusCreated, resp.StatusCode, "setup failed: %s", body)

	state := b.RuntimeConfig()
	assert.Equal(t, testAdminUsername, state.AdminUsername)
	assert.NotEqual(t, testAdminPassword, state.AdminPassword)
	valid, err := VerifyPassword(state.AdminPassword, testAdminPassword)
	require.NoError(t, err)
	assert.True(t, valid)

	login(t, client, srv)
}

func TestAPI_AdminSetup_Forbidden(t *testing.T) {
	_, _, srv, client := newTestAPI(t)

	resp, _ := doRequest(
		t,
		client,
		http.MethodPost,
		srv.URL+apiPathSetup,
		adminSetupPayload{
			Username:        "intruder",
			Password:        "password123",
			ConfirmPassword: "password123",
		},
	)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_GetConfig(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	login(t, client, srv)

	resp, body := doRequest(t, client, http.MethodGet, srv.URL+apiPrefix+apiPathConfig, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got RuntimeConfig
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, testCategoryID, got.TicketCategoryID)
	assert.Equal(t, testStaffRoleID, got.StaffRoleID)
	assert.Empty(t, got.AdminPassword)
	assert.NotContains(t, string(body), b.RuntimeConfig().AdminPassword)
}

func TestAPI_UpdateConfig(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	login(t, client, srv)

	welcome := "100000000000000321"
	disabled := false
	debug := DBLogLevelDebug
	resp, body := doRequest(
		t,
		client,
		http.MethodPatch,
		srv.URL+apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{
			WelcomeChannelID: &welcome,
			PresenceEnabled:  &disabled,
			DiscordLogLevel:  &debug,
		},
	)
	require.Equalf(t, http.StatusOK, resp.StatusCode, "update failed: %s", body)

	var got RuntimeConfig
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, welcome, got.WelcomeChannelID)
	assert.False(t, got.PresenceEnabled)
	assert.Equal(t, DBLogLevelDebug, got.DiscordLogLevel)

	// unchanged fields are left alone
	assert.Equal(t, testCategoryID, got.TicketCategoryID)

	state := b.RuntimeConfig()
	assert.Equal(t, welcome, state.WelcomeChannelID)
	assert.Equal(t, debug.Level(), b.config.Discord.LogLevel.Level())

	// clearing a setting
	empty := ""
	resp, body = doRequest(
		t,
		client,
		http.MethodPatch,
		srv.URL+apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{WelcomeChannelID: &empty},
	)
	require.Equalf(t, http.StatusOK, resp.StatusCode, "update failed: %s", body)
	assert.Empty(t, b.RuntimeConfig().WelcomeChannelID)
}

func TestAPI_UpdateConfigBadPayload(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	login(t, client, srv)

	tests := []struct {
		name    string
		payload any
	}{
		{"non-numeric channel", map[string]any{"welcome_channel_id": "general"}},
		{"bad log level", map[string]any{"log_level": "LOUD"}},
		{"wrong type", map[string]any{"presence_enabled": "yes"}},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				resp, _ := doRequest(
					t,
					client,
					http.MethodPatch,
					srv.URL+apiPrefix+apiPathConfig,
					tc.payload,
				)
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			},
		)
	}
	assert.Empty(t, b.RuntimeConfig().WelcomeChannelID)
	assert.Equal(t, DBLogLevelInfo, b.RuntimeConfig().LogLevel)
}

func TestAPI_GetTicketEvents(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	ctx := context.Background()
	login(t, client, srv)

	_ = interact(
		ctx,
		b,
		newComponentInteraction(requesterMember(), testWelcomeChannelID, customIDCreateTicket),
	)

	resp, body := doRequest(t, client, http.MethodGet, srv.URL+apiPrefix+apiPathTickets, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []TicketEvent
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	assert.Equal(t, TicketEventCreated, events[0].Kind)
	assert.Equal(t, testRequesterID, events[0].RequesterID)

	resp, body = doRequest(
		t,
		client,
		http.MethodGet,
		srv.URL+apiPrefix+apiPathTickets+"?kind=closed",
		nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &events))
	assert.Empty(t, events)

	resp, _ = doRequest(
		t,
		client,
		http.MethodGet,
		srv.URL+apiPrefix+apiPathTickets+"?kind=reopened",
		nil,
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetInteractionLogs(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	ctx := context.Background()
	login(t, client, srv)

	_ = interact(ctx, b, newCommandInteraction(requesterMember(), commandHelp))
	_ = interact(ctx, b, newCommandInteraction(staffMember(), commandHelp))

	resp, body := doRequest(
		t,
		client,
		http.MethodGet,
		fmt.Sprintf("%s%s%s?user_id=%s", srv.URL, apiPrefix, apiPathInteractions, testStaffUserID),
		nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs []InteractionLog
	require.NoError(t, json.Unmarshal(body, &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, commandHelp, logs[0].Name)
	assert.Empty(t, logs[0].Payload)

	resp, _ = doRequest(
		t,
		client,
		http.MethodGet,
		srv.URL+apiPrefix+apiPathInteractions+"?user_id=bob",
		nil,
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Reload(t *testing.T) {
	b, session, srv, client := newTestAPI(t)
	login(t, client, srv)

	const channelID = "100000000000000654"
	require.NoError(
		t,
		b.db.Model(&RuntimeConfig{}).
			Where("id = ?", b.RuntimeConfig().ID).
			Update(string(SettingGoodbyeChannel), channelID).Error,
	)

	resp, body := doRequest(t, client, http.MethodPost, srv.URL+apiPrefix+apiPathReload, nil)
	require.Equalf(t, http.StatusOK, resp.StatusCode, "reload failed: %s", body)

	var reloaded reloadResponse
	require.NoError(t, json.Unmarshal(body, &reloaded))
	assert.Len(t, reloaded.Commands, len(applicationCommands()))
	assert.Contains(t, reloaded.Commands, commandTicket)
	assert.Len(t, session.commands, len(applicationCommands()))
	assert.Equal(t, channelID, b.RuntimeConfig().GoodbyeChannelID)
}

func TestAPI_ReloadCommandsFail(t *testing.T) {
	_, session, srv, client := newTestAPI(t)
	login(t, client, srv)
	session.failWith("ApplicationCommandBulkOverwrite", notFoundError())

	resp, _ := doRequest(t, client, http.MethodPost, srv.URL+apiPrefix+apiPathReload, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAPIHandlers_botQuit(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	login(t, client, srv)

	stop := make(chan struct{}, 1)
	b.dbNotifier = &sqliteNotifier{
		logger:  discardLogger(),
		targets: notifierTargets{stop: stop},
		id:      "test",
	}

	resp, _ := doRequest(t, client, http.MethodPost, srv.URL+apiPrefix+apiPathQuit, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	select {
	case <-stop:
	case <-time.After(time.Second):
		t.Fatal("stop signal not sent")
	}
}

func TestAPI_GetMetrics(t *testing.T) {
	b, _, srv, client := newTestAPI(t)
	login(t, client, srv)
	b.discord.metricConnects.Add(2)

	_, _ = doRequest(t, client, http.MethodGet, srv.URL+apiKeepAlive, nil)
	_, _ = doRequest(t, client, http.MethodGet, srv.URL+apiKeepAlive, nil)

	resp, body := doRequest(t, client, http.MethodGet, srv.URL+apiPrefix+apiPathMetrics, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var metrics struct {
		Requests        map[string]int `json:"requests"`
		DiscordConnects int64          `json:"discord_connects"`
	}
	require.NoError(t, json.Unmarshal(body, &metrics))
	assert.Equal(t, 2, metrics.Requests["GET "+apiKeepAlive])
	assert.Equal(t, 1, metrics.Requests["POST "+apiPathLogin])
	assert.Equal(t, int64(2), metrics.DiscordConnects)
}

func TestAPI_ServeTLS(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	_, err := generateSelfSignedCert(certFile, keyFile)
	require.NoError(t, err)

	cfg := newTestConfig(t)
	cfg.API.SSL.Cert = certFile
	cfg.API.SSL.Key = keyFile
	b, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() {
		served <- b.api.Serve(ctx)
	}()

	select {
	case <-b.api.listening:
	case <-time.After(5 * time.Second):
		t.Fatal("api never started listening")
	}
	b.api.listenMu.Lock()
	addr := b.api.listener.Addr().String()
	b.api.listenMu.Unlock()

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed
		},
		Timeout: 5 * time.Second,
	}
	resp, body := doRequest(t, client, http.MethodGet, "https://"+addr+apiKeepAlive, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, keepAliveResponse, string(body))
	require.NotNil(t, resp.TLS)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, b.api.shutdown(shutdownCtx))
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}

func TestNewAPI_BadCert(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.API.SSL.Cert = filepath.Join(t.TempDir(), "missing.pem")
	cfg.API.SSL.Key = filepath.Join(t.TempDir(), "missing.key")
	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "error loading SSL certs")
}
