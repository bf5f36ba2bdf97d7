// Package poller periodically refreshes readings from the portal, merges them
// into the aggregate and fans the result out to the configured sinks.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"watersmart/internal/clock"
	"watersmart/internal/metrics"
	"watersmart/internal/usage"
	"watersmart/internal/watersmart"

	"go.uber.org/zap"
)

const (
	DefaultInterval   = 5 * time.Minute
	DefaultMaxBackoff = time.Hour
)

// Source returns the latest series from the portal.
type Source interface {
	Refresh(ctx context.Context) ([]watersmart.Reading, error)
}

// Store persists readings across restarts.
type Store interface {
	SaveReadings(ctx context.Context, readings []watersmart.Reading, fetchedAt time.Time) (int64, error)
}

// Purger drops expired HTTP cache entries.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Sink receives the aggregate after every successful poll.
type Sink interface {
	Publish(ctx context.Context, summary usage.Summary, readings []watersmart.Reading) error
}

// FailureSink is implemented by sinks that also want to hear about failed polls.
type FailureSink interface {
	PublishFailure(ctx context.Context, err error) error
}

// Options configures a Poller. Source and Aggregator are required.
type Options struct {
	Source     Source
	Aggregator *usage.Aggregator
	Store      Store
	Purger     Purger
	Sinks      []Sink

	Interval   time.Duration
	MaxBackoff time.Duration
	// Retention bounds how far back the in-memory aggregate reaches. Zero keeps everything.
	Retention time.Duration

	Clock clock.Clock
}

// Status describes the poll loop for the health endpoint.
type Status struct {
	Running             bool      `json:"running"`
	LastAttempt         time.Time `json:"last_attempt,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextPoll            time.Time `json:"next_poll,omitzero"`
}

// Poller owns the refresh loop.
type Poller struct {
	opts   Options
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}

	// pollMu serializes PollOnce between the loop and manual triggers.
	pollMu sync.Mutex
}

// New validates opts and fills in defaults.
func New(opts Options, logger *zap.Logger) (*Poller, error) {
	if opts.Source == nil {
		return nil, errors.New("poller: source is required")
	}
	if opts.Aggregator == nil {
		return nil, errors.New("poller: aggregator is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = opts.Interval
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}

	return &Poller{
		opts:   opts,
		clock:  opts.Clock,
		logger: logger.Named("poller"),
	}, nil
}

// Start runs a poll immediately and then keeps polling until ctx is done or
// Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return errors.New("poller already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.status.Running = true

	go p.run(ctx, p.done)

	p.logger.Info("Poller started",
		zap.Duration("interval", p.opts.Interval),
		zap.Duration("max_backoff", p.opts.MaxBackoff))
	return nil
}

// Stop cancels the loop and waits for the in-flight poll to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	p.mu.Lock()
	p.status.Running = false
	p.status.NextPoll = time.Time{}
	p.mu.Unlock()

	p.logger.Info("Poller stopped")
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		_ = p.PollOnce(ctx)

		if ctx.Err() != nil {
			return
		}

		delay := p.nextDelay()
		p.mu.Lock()
		p.status.NextPoll = p.clock.Now().Add(delay)
		wait := p.clock.After(delay)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-wait:
		}
	}
}

// nextDelay is the interval after a success and doubles per consecutive
// failure up to MaxBackoff.
func (p *Poller) nextDelay() time.Duration {
	p.mu.Lock()
	failures := p.status.ConsecutiveFailures
	p.mu.Unlock()

	delay := p.opts.Interval
	for i := 0; i < failures && delay < p.opts.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > p.opts.MaxBackoff {
		delay = p.opts.MaxBackoff
	}
	return delay
}

// PollOnce runs a single refresh cycle. Only a failure to get readings from
// the portal is returned; store and sink errors are logged.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	now := p.clock.Now()
	p.mu.Lock()
	p.status.LastAttempt = now
	p.mu.Unlock()

	readings, err := p.opts.Source.Refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordFailure(ctx, err)
		return err
	}

	added := p.opts.Aggregator.Merge(readings)

	if p.opts.Store != nil {
		saved, err := p.opts.Store.SaveReadings(ctx, readings, now)
		if err != nil {
			p.logger.Warn("Failed to persist readings", zap.Error(err))
		} else if saved > 0 {
			p.logger.Debug("Persisted readings", zap.Int64("count", saved))
		}
	}

	if p.opts.Retention > 0 {
		if pruned := p.opts.Aggregator.Prune(now.Add(-p.opts.Retention)); pruned > 0 {
			p.logger.Debug("Pruned old readings", zap.Int("count", pruned))
		}
	}

	summary := p.opts.Aggregator.Summary()
	metrics.ObservePoll("success")
	metrics.ObserveMerge(added, now)
	metrics.SetUsage("today", summary.Today)
	metrics.SetUsage("month", summary.Month)
	metrics.SetUsage("average_daily", summary.AverageDaily)
	if summary.Latest != nil {
		metrics.SetUsage("latest", summary.Latest.Value)
	}

	for _, sink := range p.opts.Sinks {
		if err := sink.Publish(ctx, summary, readings); err != nil {
			p.logger.Warn("Sink publish failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Error(err))
		}
	}

	if p.opts.Purger != nil {
		if n, err := p.opts.Purger.Purge(ctx); err != nil {
			p.logger.Warn("Failed to purge HTTP cache", zap.Error(err))
		} else if n > 0 {
			p.logger.Debug("Purged expired cache entries", zap.Int64("count", n))
		}
	}

	p.mu.Lock()
	p.status.LastSuccess = now
	p.status.LastError = ""
	p.status.LastErrorKind = ""
	p.status.ConsecutiveFailures = 0
	p.mu.Unlock()

	p.logger.Info("Poll complete",
		zap.Int("readings", len(readings)),
		zap.Int("new", added),
		zap.Float64("today_gallons", summary.Today),
		zap.Float64("month_gallons", summary.Month))
	return nil
}

func (p *Poller) recordFailure(ctx context.Context, err error) {
	kind := watersmart.KindOf(err)

	p.mu.Lock()
	p.status.LastError = err.Error()
	p.status.LastErrorKind = kind.String()
	p.status.ConsecutiveFailures++
	failures := p.status.ConsecutiveFailures
	p.mu.Unlock()

	metrics.ObservePoll(kind.String())

	fields := []zap.Field{zap.Error(err), zap.Int("consecutive_failures", failures)}
	switch kind {
	case watersmart.KindAuthentication:
		p.logger.Error("WaterSmart rejected the credentials", fields...)
	case watersmart.KindCommunication:
		p.logger.Warn("Could not reach WaterSmart", fields...)
	case watersmart.KindDataFormat:
		p.logger.Error("WaterSmart returned data in an unexpected format", fields...)
	default:
		p.logger.Error("Poll failed", fields...)
	}

	for _, sink := range p.opts.Sinks {
		fs, ok := sink.(FailureSink)
		if !ok {
			continue
		}
		if err := fs.PublishFailure(ctx, err); err != nil {
			p.logger.Warn("Sink failure publish failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Error(err))
		}
	}
}

// Status returns a copy of the current loop status.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
