package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/keygate/keygate/internal/config"
)

// SettingLastMonthlyReset stores the UTC month (YYYY-MM) of the last
// monthly counter reset.
const SettingLastMonthlyReset = "last_monthly_reset"

const monthLayout = "2006-01"

// Scheduler runs the background sweeps: rotation revocation and the
// monthly counter reset. A failed run is logged and retried on the next
// tick.
type Scheduler struct {
	keys               *KeyService
	store              KeyStore
	sweepInterval      time.Duration
	resetCheckInterval time.Duration
	logger             *slog.Logger
	now                func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. Call Start to begin ticking.
func NewScheduler(keys *KeyService, store KeyStore, sweepInterval, resetCheckInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		keys:               keys,
		store:              store,
		sweepInterval:      sweepInterval,
		resetCheckInterval: resetCheckInterval,
		logger:             logger,
		now:                time.Now,
	}
}

// Start runs both sweeps once immediately, then on their intervals until
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.loop(ctx, s.sweepInterval, s.sweepRotations)
	go s.loop(ctx, s.resetCheckInterval, func(ctx context.Context) {
		if _, err := s.CheckMonthlyReset(ctx); err != nil {
			s.logger.Error("monthly reset check failed", "error", err)
		}
	})
}

// Stop halts the sweeps and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	defer s.wg.Done()
	run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (s *Scheduler) sweepRotations(ctx context.Context) {
	n, err := s.keys.RevokeDueRotations(ctx)
	if err != nil {
		s.logger.Error("rotation sweep failed", "revoked", n, "error", err)
	}
}

// CheckMonthlyReset resets monthly counters when the stored reset month is
// behind the current UTC month. It reports whether a reset ran. On first
// start the current month is recorded without resetting.
func (s *Scheduler) CheckMonthlyReset(ctx context.Context) (bool, error) {
	current := s.now().UTC().Format(monthLayout)

	last, err := s.store.GetSetting(ctx, SettingLastMonthlyReset)
	if errors.Is(err, config.ErrNotFound) {
		return false, s.store.SetSetting(ctx, SettingLastMonthlyReset, current)
	}
	if err != nil {
		return false, err
	}
	if last >= current {
		return false, nil
	}

	if _, err := s.keys.MonthlyReset(ctx); err != nil {
		return false, err
	}
	if err := s.store.SetSetting(ctx, SettingLastMonthlyReset, current); err != nil {
		return true, err
	}
	return true, nil
}
