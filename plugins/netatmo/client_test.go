package netatmo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joshp123/gonetatmo/internal/oauth"
	"github.com/joshp123/gonetatmo/internal/rate"
)

type fakeAPI struct {
	t      *testing.T
	server *httptest.Server

	mu             sync.Mutex
	tokenHandler   func(form url.Values) (int, string)
	devicesHandler func(query url.Values) (int, string)
	measureHandler func(query url.Values) (int, string)
	tokenForms     []url.Values
	deviceQueries  []url.Values
	measureQueries []url.Values
	retryAfter     string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{t: t}
	api.onToken(func(form url.Values) (int, string) {
		if form.Get("grant_type") == "refresh_token" {
			return http.StatusOK, `{"access_token":"A2","refresh_token":"B2","expires_in":10800}`
		}
		return http.StatusOK, `{"access_token":"A","refresh_token":"B","expires_in":10800}`
	})
	api.onDevices(func(url.Values) (int, string) {
		return http.StatusOK, `{"body":{"devices":[{"_id":"D1","station_name":"Home","module_name":"Indoor","type":"NAMain","data_type":["Temperature","Co2","Humidity"]}],"modules":[{"_id":"M1","main_device":"D1","module_name":"Outdoor","type":"NAModule1","data_type":["Temperature","Humidity"]}]},"status":"ok"}`
	})
	api.onMeasure(func(url.Values) (int, string) {
		return http.StatusOK, `{"body":[{"beg_time":1700000000,"value":[[21.5]]}],"status":"ok"}`
	})

	api.server = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	var status int
	var body string

	switch r.URL.Path {
	case tokenPath:
		if r.Method != http.MethodPost {
			a.t.Errorf("expected POST to %s, got %s", tokenPath, r.Method)
		}
		if err := r.ParseForm(); err != nil {
			a.t.Errorf("parse form: %v", err)
		}
		a.mu.Lock()
		a.tokenForms = append(a.tokenForms, r.PostForm)
		status, body = a.tokenHandler(r.PostForm)
		a.mu.Unlock()
	case deviceListPath:
		a.mu.Lock()
		a.deviceQueries = append(a.deviceQueries, r.URL.Query())
		status, body = a.devicesHandler(r.URL.Query())
		a.mu.Unlock()
	case measurePath:
		a.mu.Lock()
		a.measureQueries = append(a.measureQueries, r.URL.Query())
		status, body = a.measureHandler(r.URL.Query())
		a.mu.Unlock()
	default:
		a.t.Errorf("unexpected path: %s", r.URL.Path)
		status, body = http.StatusNotFound, ""
	}

	w.Header().Set("Content-Type", "application/json")
	a.mu.Lock()
	if status == http.StatusTooManyRequests && a.retryAfter != "" {
		w.Header().Set("Retry-After", a.retryAfter)
	}
	a.mu.Unlock()
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (a *fakeAPI) onToken(fn func(form url.Values) (int, string)) {
	a.mu.Lock()
	a.tokenHandler = fn
	a.mu.Unlock()
}

func (a *fakeAPI) onDevices(fn func(query url.Values) (int, string)) {
	a.mu.Lock()
	a.devicesHandler = fn
	a.mu.Unlock()
}

func (a *fakeAPI) onMeasure(fn func(query url.Values) (int, string)) {
	a.mu.Lock()
	a.measureHandler = fn
	a.mu.Unlock()
}

func (a *fakeAPI) withRetryAfter(seconds string) {
	a.mu.Lock()
	a.retryAfter = seconds
	a.mu.Unlock()
}

func (a *fakeAPI) tokenForm(i int) url.Values {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.tokenForms) {
		a.t.Fatalf("token request %d not recorded (have %d)", i, len(a.tokenForms))
	}
	return a.tokenForms[i]
}

func (a *fakeAPI) tokenCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tokenForms)
}

func (a *fakeAPI) deviceQuery(i int) url.Values {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.deviceQueries) {
		a.t.Fatalf("device list request %d not recorded (have %d)", i, len(a.deviceQueries))
	}
	return a.deviceQueries[i]
}

func (a *fakeAPI) deviceCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.deviceQueries)
}

func (a *fakeAPI) measureQuery(i int) url.Values {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.measureQueries) {
		a.t.Fatalf("measure request %d not recorded (have %d)", i, len(a.measureQueries))
	}
	return a.measureQueries[i]
}

func (a *fakeAPI) grants(grantType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, form := range a.tokenForms {
		if form.Get("grant_type") == grantType {
			n++
		}
	}
	return n
}

func (a *fakeAPI) measureCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.measureQueries)
}

var testCreds = oauth.Credentials{
	ClientID:     "client-id",
	ClientSecret: "client-secret",
	Username:     "station@example.com",
	Password:     "hunter2",
}

func writeCredentials(t *testing.T, creds oauth.Credentials) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "login_data.json")
	body := fmt.Sprintf(`{"client_secret": %q, "client_id": %q, "password": %q, "username": %q}`,
		creds.ClientSecret, creds.ClientID, creds.Password, creds.Username)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	return path
}

func newTestClient(t *testing.T, api *fakeAPI, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:         api.server.URL,
		CredentialsFile: writeCredentials(t, testCreds),
		HTTPTimeout:     5 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func connected(t *testing.T, api *fakeAPI, mutate func(*Config)) *Client {
	t.Helper()
	client := newTestClient(t, api, mutate)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client
}

func TestConnectStoresSession(t *testing.T) {
	api := newFakeAPI(t)
	client := connected(t, api, nil)

	session := client.Session()
	if session.DeviceID != "D1" {
		t.Fatalf("expected device D1, got %q", session.DeviceID)
	}
	if session.AccessToken != "A" || session.RefreshToken != "B" {
		t.Fatalf("unexpected tokens: %+v", session)
	}
	if session.ClientID != testCreds.ClientID || session.ClientSecret != testCreds.ClientSecret {
		t.Fatalf("unexpected client credentials in session: %+v", session)
	}
	if api.deviceCalls() != 1 || api.deviceQuery(0).Get("access_token") != "A" {
		t.Fatalf("unexpected device list queries: %d", api.deviceCalls())
	}
}

func TestConnectSendsCredentialsVerbatim(t *testing.T) {
	api := newFakeAPI(t)
	connected(t, api, nil)

	if api.tokenCalls() != 1 {
		t.Fatalf("expected one token request, got %d", api.tokenCalls())
	}
	form := api.tokenForm(0)
	expect := map[string]string{
		"grant_type":    "password",
		"client_id":     testCreds.ClientID,
		"client_secret": testCreds.ClientSecret,
		"username":      testCreds.Username,
		"password":      testCreds.Password,
	}
	for key, value := range expect {
		if form.Get(key) != value {
			t.Fatalf("form %s = %q, want %q", key, form.Get(key), value)
		}
	}
}

func TestConnectFailureIsRepeatableNoOp(t *testing.T) {
	api := newFakeAPI(t)
	api.onToken(func(url.Values) (int, string) {
		return http.StatusBadRequest, `{"error":"invalid_client"}`
	})
	client := newTestClient(t, api, nil)

	for i := 0; i < 2; i++ {
		err := client.Connect(context.Background())
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("attempt %d: expected ErrAuthenticationFailed, got %v", i, err)
		}
		var tokenErr *oauth.TokenError
		if !errors.As(err, &tokenErr) || tokenErr.Status != http.StatusBadRequest {
			t.Fatalf("expected wrapped TokenError, got %v", err)
		}
	}

	session := client.Session()
	if session.DeviceID != "" || session.AccessToken != "" {
		t.Fatalf("expected empty session, got %+v", session)
	}
	if api.deviceCalls() != 0 {
		t.Fatalf("device list must not be requested after failed auth")
	}
	if _, err := client.Measure(context.Background(), "Temperature"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectEmptyDeviceList(t *testing.T) {
	api := newFakeAPI(t)
	api.onDevices(func(url.Values) (int, string) {
		return http.StatusOK, `{"body":{"devices":[],"modules":[]}}`
	})
	client := newTestClient(t, api, nil)

	if err := client.Connect(context.Background()); !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("expected ErrNoDeviceFound, got %v", err)
	}
	if client.DeviceID() != "" {
		t.Fatalf("device id must stay empty")
	}
	if session := client.Session(); session != (Session{}) {
		t.Fatalf("expected tokens dropped after failed device lookup, got %+v", session)
	}
	if err := client.Renew(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReconnectFailureClearsSession(t *testing.T) {
	api := newFakeAPI(t)
	client := connected(t, api, nil)

	api.onDevices(func(url.Values) (int, string) {
		return http.StatusBadRequest, `{"error":{"code":9,"message":"Device not found"}}`
	})
	if err := client.Connect(context.Background()); err == nil {
		t.Fatalf("expected reconnect to fail")
	}
	if session := client.Session(); session != (Session{}) {
		t.Fatalf("expected empty session after failed reconnect, got %+v", session)
	}
}

func TestConnectDeviceOverrideSkipsLookup(t *testing.T) {
	api := newFakeAPI(t)
	client := connected(t, api, func(cfg *Config) { cfg.DeviceID = "70:ee:50:00:00:01" })

	if client.DeviceID() != "70:ee:50:00:00:01" {
		t.Fatalf("unexpected device id: %s", client.DeviceID())
	}
	if api.deviceCalls() != 0 {
		t.Fatalf("device list should not be queried with an override")
	}
}

func TestConnectMissingCredentials(t *testing.T) {
	api := newFakeAPI(t)
	client := newTestClient(t, api, func(cfg *Config) {
		cfg.CredentialsFile = filepath.Join(t.TempDir(), "missing.json")
	})

	if err := client.Connect(context.Background()); !errors.Is(err, ErrCredentials) {
		t.Fatalf("expected ErrCredentials, got %v", err)
	}
	if api.tokenCalls() != 0 {
		t.Fatalf("token endpoint must not be called without credentials")
	}
}

func TestConnectRestoresPersistedState(t *testing.T) {
	api := newFakeAPI(t)
	statePath := filepath.Join(t.TempDir(), "state.json")
	if err := oauth.WriteState(statePath, oauth.State{ClientID: testCreds.ClientID, RefreshToken: "persisted"}); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	client := connected(t, api, func(cfg *Config) { cfg.StatePath = statePath })

	if api.grants("password") != 0 {
		t.Fatalf("password grant should be skipped when state restores")
	}
	if api.grants("refresh_token") != 1 || api.tokenForm(0).Get("refresh_token") != "persisted" {
		t.Fatalf("expected one refresh grant with the persisted token")
	}
	if client.Session().AccessToken != "A2" {
		t.Fatalf("unexpected access token: %s", client.Session().AccessToken)
	}

	state, err := oauth.LoadState(statePath)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state.RefreshToken != "B2" {
		t.Fatalf("expected rotated refresh token persisted, got %s", state.RefreshToken)
	}
}

func TestMeasureReturnsLatestValue(t *testing.T) {
	api := newFakeAPI(t)
	client := connected(t, api, nil)

	m, err := client.Latest(context.Background(), "Temperature")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if m.Value != 21.5 {
		t.Fatalf("expected 21.5, got %v", m.Value)
	}
	if !m.Time.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected sample time: %s", m.Time)
	}

	query := api.measureQuery(0)
	expect := map[string]string{
		"device_id":    "D1",
		"type":         "Temperature",
		"access_token": "A",
		"scale":        "max",
		"limit":        "1",
	}
	for key, value := range expect {
		if query.Get(key) != value {
			t.Fatalf("query %s = %q, want %q", key, query.Get(key), value)
		}
	}
	if query.Has("module_id") {
		t.Fatalf("module_id should be omitted when not configured")
	}
}

func TestMeasurePassesTypeVerbatim(t *testing.T) {
	api := newFakeAPI(t)
	client := connected(t, api, func(cfg *Config) { cfg.ModuleID = "M1" })

	const odd = "min_temp,Sum Rain&x=1"
	if _, err := client.Measure(context.Background(), odd); err != nil {
		t.Fatalf("Measure: %v", err)
	}
	query := api.measureQuery(0)
	if query.Get("type") != odd {
		t.Fatalf("type altered: %q", query.Get("type"))
	}
	if query.Get("module_id") != "M1" {
		t.Fatalf("expected module_id M1, got %q", query.Get("module_id"))
	}
}

func TestMeasureRenewsOnceOnExpiredToken(t *testing.T) {
	api := newFakeAPI(t)
	api.onMeasure(func(query url.Values) (int, string) {
		if query.Get("access_token") != "A2" {
			return http.StatusForbidden, `{"error":{"code":3,"message":"Access token expired"}}`
		}
		return http.StatusOK, `{"body":[{"beg_time":1700000600,"value":[[48]]}]}`
	})
	client := connected(t, api, nil)

	value, err := client.Measure(context.Background(), "Humidity")
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if value != 48 {
		t.Fatalf("expected 48, got %v", value)
	}
	if got := api.grants("refresh_token"); got != 1 {
		t.Fatalf("expected exactly one renewal, got %d", got)
	}
	if got := api.measureCalls(); got != 2 {
		t.Fatalf("expected two measure calls, got %d", got)
	}
	if session := client.Session(); session.AccessToken != "A2" || session.RefreshToken != "B2" {
		t.Fatalf("session not renewed: %+v", session)
	}
}

func TestMeasureGivesUpAfterMaxAttempts(t *testing.T) {
	api := newFakeAPI(t)
	api.onMeasure(func(url.Values) (int, string) {
		return http.StatusForbidden, `{"error":{"code":2,"message":"Invalid access token"}}`
	})
	client := connected(t, api, nil)

	_, err := client.Measure(context.Background(), "Co2")
	if !errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("expected ErrAuthenticationExpired, got %v", err)
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 2 {
		t.Fatalf("expected wrapped HTTPStatusError code 2, got %v", err)
	}
	if got := api.measureCalls(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if got := api.grants("refresh_token"); got != 2 {
		t.Fatalf("expected 2 renewals between attempts, got %d", got)
	}
}

func TestMeasureRenewFailureIsBounded(t *testing.T) {
	api := newFakeAPI(t)
	api.onToken(func(form url.Values) (int, string) {
		if form.Get("grant_type") == "refresh_token" {
			return http.StatusBadRequest, `{"error":"invalid_grant"}`
		}
		return http.StatusOK, `{"access_token":"A","refresh_token":"B","expires_in":10800}`
	})
	api.onMeasure(func(url.Values) (int, string) {
		return http.StatusForbidden, `{"error":{"code":3,"message":"Access token expired"}}`
	})
	client := connected(t, api, nil)

	_, err := client.Measure(context.Background(), "Temperature")
	if !errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("expected ErrAuthenticationExpired, got %v", err)
	}
	if got := api.measureCalls(); got != 1 {
		t.Fatalf("expired token must not be replayed, got %d measure calls", got)
	}
	if session := client.Session(); session.RefreshToken != "B" {
		t.Fatalf("refresh token changed after failed renewal: %+v", session)
	}
}

func TestRenew(t *testing.T) {
	api := newFakeAPI(t)
	client := newTestClient(t, api, nil)

	if err := client.Renew(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Connect, got %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Renew(context.Background()); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if session := client.Session(); session.AccessToken != "A2" {
		t.Fatalf("expected renewed token, got %+v", session)
	}

	api.onToken(func(url.Values) (int, string) {
		return http.StatusUnauthorized, `{"error":"invalid_grant"}`
	})
	if err := client.Renew(context.Background()); !errors.Is(err, ErrRenewFailed) {
		t.Fatalf("expected ErrRenewFailed, got %v", err)
	}
	if session := client.Session(); session.AccessToken != "A2" || session.RefreshToken != "B2" {
		t.Fatalf("tokens changed after failed renewal: %+v", session)
	}
}

func TestMeasureRetriesTransientErrors(t *testing.T) {
	api := newFakeAPI(t)
	calls := 0
	api.onMeasure(func(url.Values) (int, string) {
		calls++
		if calls == 1 {
			return http.StatusServiceUnavailable, `upstream unavailable`
		}
		return http.StatusOK, `{"body":[{"value":[[1012.4]]}]}`
	})
	client := connected(t, api, nil)

	m, err := client.Latest(context.Background(), "Pressure")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if m.Value != 1012.4 || !m.Time.IsZero() {
		t.Fatalf("unexpected measurement: %+v", m)
	}
	if got := api.grants("refresh_token"); got != 0 {
		t.Fatalf("transient errors must not renew, got %d renewals", got)
	}
}

func TestMeasureTerminalError(t *testing.T) {
	api := newFakeAPI(t)
	api.onMeasure(func(url.Values) (int, string) {
		return http.StatusBadRequest, `{"error":{"code":21,"message":"Invalid type"}}`
	})
	client := connected(t, api, nil)

	_, err := client.Measure(context.Background(), "Nope")
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected HTTPStatusError, got %v", err)
	}
	if statusErr.Status != http.StatusBadRequest || statusErr.Code != 21 || statusErr.Message != "Invalid type" {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
	if got := api.measureCalls(); got != 1 {
		t.Fatalf("terminal errors must not retry, got %d calls", got)
	}
}

func TestMeasureEmptyBody(t *testing.T) {
	api := newFakeAPI(t)
	api.onMeasure(func(url.Values) (int, string) {
		return http.StatusOK, `{"body":[]}`
	})
	client := connected(t, api, nil)

	if _, err := client.Measure(context.Background(), "Temperature"); !errors.Is(err, ErrNoMeasurement) {
		t.Fatalf("expected ErrNoMeasurement, got %v", err)
	}
}

func TestMeasureStopsOnContextCancel(t *testing.T) {
	api := newFakeAPI(t)
	api.onMeasure(func(url.Values) (int, string) {
		return http.StatusBadGateway, `bad gateway`
	})
	client := connected(t, api, func(cfg *Config) {
		cfg.Retry = RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Measure(ctx, "Temperature")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("backoff ignored context cancellation")
	}
}

func TestDevicesListsStationsAndModules(t *testing.T) {
	api := newFakeAPI(t)
	client := connected(t, api, nil)

	devices, err := client.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %+v", devices)
	}
	if devices[0].ID != "D1" || devices[0].MainDevice != "" || len(devices[0].DataTypes) != 3 {
		t.Fatalf("unexpected station: %+v", devices[0])
	}
	if devices[1].ID != "M1" || devices[1].MainDevice != "D1" || devices[1].StationName != "Home" {
		t.Fatalf("unexpected module: %+v", devices[1])
	}
}

func TestMeasureWaitsOutRetryAfter(t *testing.T) {
	api := newFakeAPI(t)
	api.withRetryAfter("1")
	calls := 0
	api.onMeasure(func(url.Values) (int, string) {
		calls++
		if calls == 1 {
			return http.StatusTooManyRequests, `{"error":{"code":26,"message":"User usage reached"}}`
		}
		return http.StatusOK, `{"body":[{"beg_time":1700000000,"value":[[19.25]]}]}`
	})
	client := connected(t, api, nil)

	start := time.Now()
	value, err := client.Measure(context.Background(), "Temperature")
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if value != 19.25 {
		t.Fatalf("expected 19.25, got %v", value)
	}
	if got := api.measureCalls(); got != 2 {
		t.Fatalf("expected the retry to reach the server, got %d measure calls", got)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("retried after %s, before the Retry-After window", elapsed)
	}
	if got := api.grants("refresh_token"); got != 0 {
		t.Fatalf("429 must not renew, got %d renewals", got)
	}
}

func TestMeasureRateLimitedExhaustsRetries(t *testing.T) {
	api := newFakeAPI(t)
	api.onMeasure(func(url.Values) (int, string) {
		return http.StatusTooManyRequests, `{"error":{"code":26,"message":"User usage reached"}}`
	})
	client := connected(t, api, nil)

	_, err := client.Measure(context.Background(), "Temperature")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected wrapped 429, got %v", err)
	}
	if got := api.measureCalls(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestLocalRateLimitIsRetried(t *testing.T) {
	cases := map[string]failureKind{
		rate.ReasonCooldown: failTransient,
		rate.ReasonBudget:   failTransient,
		rate.ReasonDisabled: failTerminal,
	}
	for reason, want := range cases {
		err := &url.Error{Op: "Get", URL: "http://x", Err: rate.RateLimitError{Provider: "netatmo", Reason: reason}}
		if got := classify(err); got != want {
			t.Fatalf("classify(%s) = %v, want %v", reason, got, want)
		}
	}

	api := newFakeAPI(t)
	client := newTestClient(t, api, nil)
	blocked := rate.RateLimitError{Provider: "netatmo", Reason: rate.ReasonCooldown, RetryAt: time.Now().Add(2 * time.Second)}
	if d := client.retryDelay(blocked, 0); d < 1500*time.Millisecond {
		t.Fatalf("delay %s ignores the cooldown end", d)
	}
	if d := client.retryDelay(&HTTPStatusError{Status: http.StatusServiceUnavailable}, 0); d > 10*time.Millisecond {
		t.Fatalf("plain backoff expected, got %s", d)
	}
}

func TestMeasureRenewsTokenNearExpiry(t *testing.T) {
	api := newFakeAPI(t)
	api.onToken(func(form url.Values) (int, string) {
		if form.Get("grant_type") == "refresh_token" {
			return http.StatusOK, `{"access_token":"A2","refresh_token":"B2","expires_in":10800}`
		}
		return http.StatusOK, `{"access_token":"A","refresh_token":"B","expires_in":10}`
	})
	client := connected(t, api, func(cfg *Config) { cfg.DeviceID = "D1" })

	if _, err := client.Measure(context.Background(), "Temperature"); err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if got := api.grants("refresh_token"); got != 1 {
		t.Fatalf("expected one renewal before the call, got %d", got)
	}
	if got := api.measureCalls(); got != 1 {
		t.Fatalf("expected a single measure call, got %d", got)
	}
	if token := api.measureQuery(0).Get("access_token"); token != "A2" {
		t.Fatalf("measure sent %q, want the renewed token", token)
	}
}
