package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"watersmart/internal/api"
	"watersmart/internal/clock"
	"watersmart/internal/ha"
	"watersmart/internal/poller"
	"watersmart/internal/state"
	"watersmart/internal/store"
	"watersmart/internal/usage"
	"watersmart/internal/watersmart"

	"go.uber.org/zap"
)

const (
	TestEmail    = "resident@example.com"
	TestPassword = "correct-horse"
	TestToken    = "test_token_12345"
)

// EnvOptions tweaks NewTestEnv.
type EnvOptions struct {
	// Now is the mock clock's start. Zero means 2024-03-15 10:30 UTC.
	Now time.Time
	// ReadOnly puts the state manager in read-only mode.
	ReadOnly bool
	// Persist opens a SQLite store in a temp dir.
	Persist bool
	// MaxRetries is passed to the portal client.
	MaxRetries int
}

// TestEnv wires the real portal client, aggregator, poller, state mirror and
// API against MockPortal and MockHAServer. The poll loop is not started;
// tests drive it with Poll.
type TestEnv struct {
	Portal     *MockPortal
	HA         *MockHAServer
	Clock      *clock.MockClock
	Client     *watersmart.Client
	HAClient   *ha.Client
	State      *state.Manager
	Aggregator *usage.Aggregator
	Store      *store.DB
	Poller     *poller.Poller
	API        *api.Server
	Logger     *zap.Logger
}

// NewTestEnv builds the environment and registers its cleanup with t.
func NewTestEnv(t testing.TB, opts EnvOptions) *TestEnv {
	t.Helper()
	env, err := newTestEnv(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("failed to create test environment: %v", err)
	}
	t.Cleanup(env.Cleanup)
	return env
}

func newTestEnv(dir string, opts EnvOptions) (*TestEnv, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	}
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	env := &TestEnv{
		Portal: NewMockPortal(TestEmail, TestPassword),
		HA:     NewMockHAServer(TestToken, logger),
		Clock:  clock.NewMockClock(opts.Now),
		Logger: logger,
	}
	env.HA.InitializeStates()

	var err error
	env.Client, err = watersmart.NewClient(watersmart.Config{
		URL:             env.Portal.URL(),
		Email:           TestEmail,
		Password:        TestPassword,
		Timeout:         5 * time.Second,
		MaxRetries:      opts.MaxRetries,
		RetryBackoff:    10 * time.Millisecond,
		MaxRetryBackoff: 20 * time.Millisecond,
	}, logger)
	if err != nil {
		env.Cleanup()
		return nil, err
	}

	env.HAClient = ha.NewClient(ha.Config{URL: env.HA.URL(), Token: TestToken}, logger)
	if err := env.HAClient.Connect(ctx); err != nil {
		env.Cleanup()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	env.State = state.NewManager(env.HAClient, logger, opts.ReadOnly)
	if err := env.State.SyncFromHA(ctx); err != nil {
		env.Cleanup()
		return nil, fmt.Errorf("failed to sync state: %w", err)
	}

	env.Aggregator = usage.NewAggregator(time.UTC, env.Clock)

	pollerOpts := poller.Options{
		Source:     env.Client,
		Aggregator: env.Aggregator,
		Sinks:      []poller.Sink{state.NewSink(env.State, logger)},
		Clock:      env.Clock,
	}
	if opts.Persist {
		env.Store, err = store.Open(filepath.Join(dir, "watersmart.db"), logger)
		if err != nil {
			env.Cleanup()
			return nil, err
		}
		pollerOpts.Store = env.Store
	}

	env.Poller, err = poller.New(pollerOpts, logger)
	if err != nil {
		env.Cleanup()
		return nil, err
	}
	env.API = api.NewServer(env.Aggregator, env.Poller, env.State, logger, 0)
	return env, nil
}

// Poll runs one poll cycle.
func (e *TestEnv) Poll() error {
	return e.Poller.PollOnce(context.Background())
}

// Cleanup stops all components in reverse order of creation.
func (e *TestEnv) Cleanup() {
	if e.HAClient != nil {
		e.HAClient.Disconnect()
	}
	if e.Client != nil {
		e.Client.Close()
	}
	if e.Store != nil {
		e.Store.Close()
	}
	if e.HA != nil {
		e.HA.Close()
	}
	if e.Portal != nil {
		e.Portal.Close()
	}
}

// EntityState returns the mock server's state string for entityID.
func (e *TestEnv) EntityState(entityID string) string {
	if st := e.HA.GetState(entityID); st != nil {
		return st.State
	}
	return ""
}
