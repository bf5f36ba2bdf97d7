// Package watersmart is a client for the WaterSmart customer portal.
//
// The portal has no public API. The client logs in with the customer's email
// and password, keeps the session cookie, and reads the real-time chart
// endpoint that backs the portal's usage graph.
package watersmart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"watersmart/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

const (
	loginPath = "/index.php/welcome/login?forceEmail=1"
	chartPath = "/index.php/rest/v1/Chart/RealTimeChart"

	userAgent = "watersmart/1.0"

	DefaultTimeout         = 10 * time.Second
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultMaxRetryBackoff = 5 * time.Second

	maxBodyBytes = 8 << 20
)

// Config holds the portal location, credentials and request policy.
type Config struct {
	URL      string
	Email    string
	Password string

	// HTTPClient replaces the client's own session. It should carry a cookie jar.
	HTTPClient *http.Client
	// Transport is wrapped by the client's own session, e.g. a response cache.
	Transport http.RoundTripper

	// Timeout bounds each login+fetch attempt. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a communication error.
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// Client talks to one WaterSmart portal account. It is safe for concurrent
// use; at most one login+fetch runs at a time.
type Client struct {
	baseURL  string
	email    string
	password string
	http     *http.Client
	ownJar   bool
	logger   *zap.Logger

	timeout         time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration

	mu            sync.Mutex
	series        []RawPoint
	loaded        bool
	authenticated bool
}

// NewClient creates a portal client. The URL must be an absolute http(s) URL.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid portal url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("portal url must use http or https, got %q", cfg.URL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("portal url has no host: %q", cfg.URL)
	}
	if cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	c := &Client{
		baseURL:         strings.TrimRight(cfg.URL, "/"),
		email:           cfg.Email,
		password:        cfg.Password,
		logger:          logger.Named("watersmart"),
		timeout:         cfg.Timeout,
		maxRetries:      cfg.MaxRetries,
		retryBackoff:    cfg.RetryBackoff,
		maxRetryBackoff: cfg.MaxRetryBackoff,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = DefaultRetryBackoff
	}
	if c.maxRetryBackoff <= 0 {
		c.maxRetryBackoff = DefaultMaxRetryBackoff
	}

	if cfg.HTTPClient != nil {
		c.http = cfg.HTTPClient
	} else {
		base := cfg.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		jar, err := newJar()
		if err != nil {
			return nil, err
		}
		c.http = &http.Client{
			Jar:       jar,
			Transport: &userAgentTransport{base: base},
		}
		c.ownJar = true
	}

	c.logger.Debug("WaterSmart client ready",
		zap.String("url", c.baseURL),
		zap.String("user_agent", userAgent))
	return c, nil
}

func newJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return jar, nil
}

// Login posts the account credentials. Any non-200 response is an
// authentication failure.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"token":    {""},
		"email":    {c.email},
		"password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return newError(KindUnexpected, "login", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger.Debug("Attempting login", zap.String("email", c.email))

	resp, err := c.do(req, "login")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Login failed", zap.Int("status", resp.StatusCode))
		return newError(KindAuthentication, "login", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	c.logger.Debug("Login successful")
	return nil
}

type chartResponse struct {
	Data *struct {
		Series []RawPoint `json:"series"`
	} `json:"data"`
}

// FetchSeries reads the real-time chart data using the current session.
func (c *Client) FetchSeries(ctx context.Context) ([]RawPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+chartPath, nil)
	if err != nil {
		return nil, newError(KindUnexpected, "fetch", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("Fetching real-time chart data", zap.String("url", req.URL.String()))

	resp, err := c.do(req, "fetch")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(KindAuthentication, "fetch", fmt.Errorf("session rejected with status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		// Outages keep the session; only 401/403 and the login redirect expire it.
		c.logger.Error("Failed to fetch chart data", zap.Int("status", resp.StatusCode))
		return nil, newError(KindCommunication, "fetch", fmt.Errorf("unexpected status %d", resp.StatusCode))
	case resp.Request != nil && strings.Contains(resp.Request.URL.Path, "/welcome/login"):
		// An expired session is redirected to the login page.
		return nil, newError(KindAuthentication, "fetch", fmt.Errorf("redirected to login page"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, newError(KindCommunication, "fetch", fmt.Errorf("failed to read body: %w", err))
	}

	var payload chartResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		c.logger.Error("Malformed chart data", zap.Error(err))
		return nil, newError(KindDataFormat, "fetch", err)
	}
	if payload.Data == nil {
		c.logger.Warn("Chart data has no data object, treating as empty series")
		return nil, nil
	}

	c.logger.Debug("Chart data received", zap.Int("points", len(payload.Data.Series)))
	return payload.Data.Series, nil
}

// Usage returns the normalized readings. The first call logs in and fetches
// the series; later calls reuse the in-memory copy until Refresh.
func (c *Client) Usage(ctx context.Context) ([]Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		c.logger.Debug("Loading WaterSmart data", zap.String("url", c.baseURL))
		if err := c.load(ctx); err != nil {
			return nil, err
		}
	}

	readings := toReadings(c.series)
	c.logger.Debug("Parsed readings", zap.Int("count", len(readings)))
	return readings, nil
}

// Refresh discards the in-memory series and loads it again, reusing the
// session when the portal still accepts it.
func (c *Client) Refresh(ctx context.Context) ([]Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return toReadings(c.series), nil
}

// Close drops the session. Cached readings stay available to Usage.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("Closing session")
	c.http.CloseIdleConnections()
	c.authenticated = false
	if c.ownJar {
		jar, err := newJar()
		if err != nil {
			return err
		}
		c.http.Jar = jar
	}
	return nil
}

// load must be called with c.mu held.
func (c *Client) load(ctx context.Context) error {
	var series []RawPoint
	err := c.withRetry(ctx, func(ctx context.Context) error {
		s, err := c.loadOnce(ctx)
		if err != nil {
			return err
		}
		series = s
		return nil
	})
	if err != nil {
		switch KindOf(err) {
		case KindAuthentication:
			c.logger.Error("Authentication error", zap.Error(err))
		case KindCommunication:
			c.logger.Error("Network error while fetching data", zap.Error(err))
		case KindDataFormat:
			c.logger.Error("Data format error", zap.Error(err))
		default:
			c.logger.Error("Unexpected error", zap.Error(err))
		}
		return err
	}

	c.series = series
	c.loaded = true
	return nil
}

func (c *Client) loadOnce(ctx context.Context) ([]RawPoint, error) {
	if c.authenticated {
		series, err := c.FetchSeries(ctx)
		if err == nil {
			return series, nil
		}
		if !errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		c.logger.Info("Session expired, logging in again")
		c.authenticated = false
	}

	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	c.authenticated = true
	return c.FetchSeries(ctx)
}

// withRetry runs fn with a per-attempt timeout and retries communication
// errors with exponential backoff.
func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := c.retryBackoff
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrCommunication) || attempt >= c.maxRetries || ctx.Err() != nil {
			return err
		}

		c.logger.Warn("Transient portal failure, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return newError(KindCommunication, "retry", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxRetryBackoff {
			backoff = c.maxRetryBackoff
		}
	}
}

// do sends req and classifies transport failures.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObservePortalRequest(op, 0, time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(KindCommunication, op, fmt.Errorf("timeout: %w", err))
		}
		return nil, newError(KindCommunication, op, err)
	}
	metrics.ObservePortalRequest(op, resp.StatusCode, time.Since(start))
	return resp, nil
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.base.RoundTrip(req)
}
