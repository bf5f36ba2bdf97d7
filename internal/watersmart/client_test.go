package watersmart

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"watersmart/internal/clock"
	"watersmart/internal/httpcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleChart = `{
  "data": {
    "series": [
      {"read_datetime": 1700000000, "gallons": 12.5},
      {"read_datetime": 1700003600, "gallons": 3},
      {"read_datetime": 1700007200, "gallons": null}
    ]
  }
}`

// fakePortal mimics the login + chart endpoints of a WaterSmart portal.
type fakePortal struct {
	mu            sync.Mutex
	logins        int
	fetches       int
	loginStatus   int
	chartBody     string
	chartStatuses []int
	chartDelay    time.Duration
	sessions      map[string]bool
	userAgents    []string
	lastEmail     string
	lastPassword  string
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		loginStatus: http.StatusOK,
		chartBody:   sampleChart,
		sessions:    make(map[string]bool),
	}
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.userAgents = append(p.userAgents, r.Header.Get("User-Agent"))
	p.mu.Unlock()

	switch r.URL.Path {
	case "/index.php/welcome/login":
		p.handleLogin(w, r)
	case "/index.php/rest/v1/Chart/RealTimeChart":
		p.handleChart(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (p *fakePortal) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Query().Get("forceEmail") != "1" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.logins++
	p.lastEmail = r.PostForm.Get("email")
	p.lastPassword = r.PostForm.Get("password")

	if p.loginStatus != http.StatusOK {
		w.WriteHeader(p.loginStatus)
		return
	}

	id := fmt.Sprintf("sess-%d", p.logins)
	p.sessions[id] = true
	http.SetCookie(w, &http.Cookie{Name: "ci_session", Value: id, Path: "/"})
	w.WriteHeader(http.StatusOK)
}

func (p *fakePortal) handleChart(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.fetches++
	delay := p.chartDelay
	var status int
	if len(p.chartStatuses) > 0 {
		status = p.chartStatuses[0]
		p.chartStatuses = p.chartStatuses[1:]
	}
	cookie, err := r.Cookie("ci_session")
	valid := err == nil && p.sessions[cookie.Value]
	body := p.chartBody
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !valid {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func (p *fakePortal) expireSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make(map[string]bool)
}

func (p *fakePortal) counts() (logins, fetches int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins, p.fetches
}

func newTestClient(t *testing.T, server *httptest.Server, mutate func(*Config)) *Client {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	cfg := Config{
		URL:          server.URL,
		Email:        "user@example.com",
		Password:     "hunter2",
		Timeout:      2 * time.Second,
		RetryBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg, logger)
	require.NoError(t, err)
	return client
}

func TestNewClient_Validation(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing scheme", Config{URL: "example.watersmart.com", Email: "a", Password: "b"}},
		{"ftp scheme", Config{URL: "ftp://example.watersmart.com", Email: "a", Password: "b"}},
		{"missing email", Config{URL: "https://example.watersmart.com", Password: "b"}},
		{"missing password", Config{URL: "https://example.watersmart.com", Email: "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg, logger)
			assert.Error(t, err)
		})
	}
}

func TestClient_Usage(t *testing.T) {
	portal := newFakePortal()
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, nil)

	readings, err := client.Usage(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 2, "null gallons slot should be skipped")

	assert.Equal(t, Reading{
		Name:         "Water Usage 2023-11-14 22:13:20",
		Value:        12.5,
		Unit:         "gallons",
		ReadDatetime: 1700000000,
	}, readings[0])
	assert.Equal(t, 3.0, readings[1].Value)
	assert.Equal(t, "watersmart_1700003600", readings[1].UniqueID())

	assert.Equal(t, "user@example.com", portal.lastEmail)
	assert.Equal(t, "hunter2", portal.lastPassword)
	for _, ua := range portal.userAgents {
		assert.Equal(t, "watersmart/1.0", ua)
	}
}

func TestClient_UsageDoesNotReauthenticate(t *testing.T) {
	portal := newFakePortal()
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, nil)

	first, err := client.Usage(context.Background())
	require.NoError(t, err)

	second, err := client.Usage(context.Background())
	require.NoError(t, err)

	logins, fetches := portal.counts()
	assert.Equal(t, 1, logins)
	assert.Equal(t, 1, fetches)
	assert.Equal(t, first, second)
}

func TestClient_LoginFailure(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusInternalServerError, http.StatusFound} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			portal := newFakePortal()
			portal.loginStatus = status
			server := httptest.NewServer(portal)
			defer server.Close()

			client := newTestClient(t, server, func(c *Config) { c.MaxRetries = 3 })

			_, err := client.Usage(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthentication)
			assert.Equal(t, KindAuthentication, KindOf(err))

			logins, fetches := portal.counts()
			assert.Equal(t, 1, logins, "authentication errors are not retried")
			assert.Equal(t, 0, fetches)
		})
	}
}

func TestClient_MalformedJSON(t *testing.T) {
	portal := newFakePortal()
	portal.chartBody = `{"data": {"series": [`
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, nil)

	_, err := client.Usage(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataFormat)
}

func TestClient_MissingKeys(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing gallons", `{"data": {"series": [{"read_datetime": 1700000000}]}}`},
		{"missing read_datetime", `{"data": {"series": [{"gallons": 1.5}]}}`},
		{"series not a list", `{"data": {"series": "nope"}}`},
		{"non numeric gallons", `{"data": {"series": [{"read_datetime": 1, "gallons": "lots"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			portal := newFakePortal()
			portal.chartBody = tt.body
			server := httptest.NewServer(portal)
			defer server.Close()

			client := newTestClient(t, server, nil)

			_, err := client.Usage(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDataFormat)
		})
	}
}

func TestClient_EmptyPayload(t *testing.T) {
	portal := newFakePortal()
	portal.chartBody = `{}`
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, nil)

	readings, err := client.Usage(context.Background())
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestClient_RefreshReusesSession(t *testing.T) {
	portal := newFakePortal()
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, nil)

	_, err := client.Usage(context.Background())
	require.NoError(t, err)

	_, err = client.Refresh(context.Background())
	require.NoError(t, err)

	logins, fetches := portal.counts()
	assert.Equal(t, 1, logins)
	assert.Equal(t, 2, fetches)
}

func TestClient_RefreshReloginsOnExpiredSession(t *testing.T) {
	portal := newFakePortal()
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, nil)

	_, err := client.Usage(context.Background())
	require.NoError(t, err)

	portal.expireSessions()

	readings, err := client.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, readings, 2)

	logins, fetches := portal.counts()
	assert.Equal(t, 2, logins)
	assert.Equal(t, 3, fetches)
}

func TestClient_RedirectToLoginIsAuthenticationError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.php/welcome/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>login</html>")
	})
	mux.HandleFunc("/index.php/rest/v1/Chart/RealTimeChart", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/index.php/welcome/login", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server, nil)

	_, err := client.FetchSeries(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	portal := newFakePortal()
	portal.chartStatuses = []int{http.StatusServiceUnavailable, http.StatusBadGateway}
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, func(c *Config) { c.MaxRetries = 2 })

	readings, err := client.Usage(context.Background())
	require.NoError(t, err)
	assert.Len(t, readings, 2)

	logins, fetches := portal.counts()
	assert.Equal(t, 1, logins, "session is kept between retry attempts")
	assert.Equal(t, 3, fetches)
}

func TestClient_RetriesExhausted(t *testing.T) {
	portal := newFakePortal()
	portal.chartStatuses = []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable}
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, func(c *Config) { c.MaxRetries = 1 })

	_, err := client.Usage(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommunication)

	_, fetches := portal.counts()
	assert.Equal(t, 2, fetches)
}

func TestClient_ServerErrorIsCommunicationError(t *testing.T) {
	portal := newFakePortal()
	portal.chartStatuses = []int{http.StatusInternalServerError}
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, func(c *Config) { c.MaxRetries = 0 })

	_, err := client.Usage(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindCommunication, KindOf(err))
	assert.NotErrorIs(t, err, ErrAuthentication)

	// A 5xx does not count as an expired session, so no second login.
	logins, fetches := portal.counts()
	assert.Equal(t, 1, logins)
	assert.Equal(t, 1, fetches)
}

func TestClient_ResponseCache(t *testing.T) {
	portal := newFakePortal()
	server := httptest.NewServer(portal)
	defer server.Close()

	clk := clock.NewMockClock(time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC))
	cache := httpcache.NewTransport(nil, httpcache.NewMemoryStorage(), time.Hour, clk, zap.NewNop())
	client := newTestClient(t, server, func(c *Config) { c.Transport = cache })

	_, err := client.Usage(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		readings, err := client.Refresh(context.Background())
		require.NoError(t, err)
		assert.Len(t, readings, 2)
	}
	logins, fetches := portal.counts()
	assert.Equal(t, 1, logins)
	assert.Equal(t, 1, fetches, "chart is served from the cache within the expiry")

	clk.Advance(time.Hour + time.Minute)
	_, err = client.Refresh(context.Background())
	require.NoError(t, err)
	_, fetches = portal.counts()
	assert.Equal(t, 2, fetches)

	// Logins always reach the portal.
	require.NoError(t, client.Close())
	_, err = client.Refresh(context.Background())
	require.NoError(t, err)
	logins, fetches = portal.counts()
	assert.Equal(t, 2, logins)
	assert.Equal(t, 2, fetches)
}

func TestClient_Timeout(t *testing.T) {
	portal := newFakePortal()
	portal.chartDelay = 500 * time.Millisecond
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, func(c *Config) { c.Timeout = 50 * time.Millisecond })

	_, err := client.Usage(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommunication)
}

func TestClient_UnreachablePortal(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	logger, _ := zap.NewDevelopment()
	client, err := NewClient(Config{URL: url, Email: "a", Password: "b"}, logger)
	require.NoError(t, err)

	_, err = client.Usage(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommunication)
}

func TestClient_CloseKeepsCachedReadings(t *testing.T) {
	portal := newFakePortal()
	server := httptest.NewServer(portal)
	defer server.Close()

	client := newTestClient(t, server, nil)

	_, err := client.Usage(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	readings, err := client.Usage(context.Background())
	require.NoError(t, err)
	assert.Len(t, readings, 2)

	// After Close the next refresh has to log in again.
	_, err = client.Refresh(context.Background())
	require.NoError(t, err)
	logins, _ := portal.counts()
	assert.Equal(t, 2, logins)
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("poll: %w", newError(KindDataFormat, "fetch", fmt.Errorf("boom")))

	assert.ErrorIs(t, err, ErrDataFormat)
	assert.NotErrorIs(t, err, ErrAuthentication)
	assert.NotErrorIs(t, err, ErrCommunication)
	assert.Equal(t, KindDataFormat, KindOf(err))
	assert.Equal(t, KindUnexpected, KindOf(fmt.Errorf("plain")))
	assert.Contains(t, err.Error(), "data_format")
}
