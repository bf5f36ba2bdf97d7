package state

import (
	"context"
	"errors"
	"math"

	"watersmart/internal/usage"
	"watersmart/internal/watersmart"

	"go.uber.org/zap"
)

// PollStatusOK is the poll status after a successful poll.
const PollStatusOK = "ok"

// Sink writes poll results into the manager's variables.
type Sink struct {
	manager *Manager
	logger  *zap.Logger
}

// NewSink wraps manager.
func NewSink(manager *Manager, logger *zap.Logger) *Sink {
	return &Sink{manager: manager, logger: logger.Named("state_sink")}
}

// Publish updates the usage variables and marks the poll status ok.
func (s *Sink) Publish(ctx context.Context, summary usage.Summary, readings []watersmart.Reading) error {
	var errs []error
	record := func(err error) {
		if err != nil && !errors.Is(err, ErrReadOnlyMode) {
			errs = append(errs, err)
		}
	}

	record(s.manager.SetNumber(ctx, KeyTodayGallons, round2(summary.Today)))
	record(s.manager.SetNumber(ctx, KeyMonthGallons, round2(summary.Month)))
	record(s.manager.SetNumber(ctx, KeyAverageDailyGallons, round2(summary.AverageDaily)))
	if summary.Latest != nil {
		record(s.manager.SetNumber(ctx, KeyLatestGallons, round2(summary.Latest.Value)))
		record(s.manager.SetString(ctx, KeyLastRead, summary.Latest.LocalDatetime()))
	}
	record(s.manager.SetString(ctx, KeyPollStatus, PollStatusOK))

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Debug("Published usage to state", zap.Float64("today_gallons", summary.Today))
	return nil
}

// PublishFailure records the error kind as the poll status.
func (s *Sink) PublishFailure(ctx context.Context, err error) error {
	status := "error: " + watersmart.KindOf(err).String()
	if setErr := s.manager.SetString(ctx, KeyPollStatus, status); setErr != nil && !errors.Is(setErr, ErrReadOnlyMode) {
		return setErr
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
