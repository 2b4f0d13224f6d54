package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/matchday-ai/matchday/pkg/observability"
)

// SweepConfig configures the retention sweeper.
type SweepConfig struct {
	// Schedule is a cron expression ("0 3 * * *" runs daily at 03:00).
	Schedule string
	// MaxIdle is how long a session may go without an update before it is
	// eligible for deletion.
	MaxIdle time.Duration
	// Apps lists the application names to sweep.
	Apps []string
	// DeletesPerSecond throttles deletions to keep sweeps from starving
	// live traffic. Zero means no throttle.
	DeletesPerSecond float64
}

// Sweeper deletes sessions whose last update is older than the retention
// window. It runs on a cron schedule or on demand via SweepOnce.
type Sweeper struct {
	svc     Service
	cfg     SweepConfig
	limiter *rate.Limiter
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewSweeper creates a Sweeper over the given service.
func NewSweeper(svc Service, cfg SweepConfig, logger *slog.Logger) (*Sweeper, error) {
	if cfg.MaxIdle <= 0 {
		return nil, errors.New("retention max idle must be positive")
	}
	if len(cfg.Apps) == 0 {
		return nil, errors.New("retention requires at least one app")
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.DeletesPerSecond > 0 {
		limit = rate.Limit(cfg.DeletesPerSecond)
	}

	return &Sweeper{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

// Start schedules recurring sweeps. It is a no-op when no schedule is
// configured.
func (s *Sweeper) Start() error {
	if s.cfg.Schedule == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.SweepOnce(context.Background()); err != nil {
			s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("retention sweeper started",
		slog.String("schedule", s.cfg.Schedule),
		slog.Duration("max_idle", s.cfg.MaxIdle),
	)
	return nil
}

// Stop cancels scheduled sweeps and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// SweepOnce deletes every expired session across the configured apps and
// returns the number deleted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	total := 0
	for _, app := range s.cfg.Apps {
		n, err := s.sweepApp(ctx, app)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Sweeper) sweepApp(ctx context.Context, appName string) (int, error) {
	start := time.Now()
	cutoff := start.Add(-s.cfg.MaxIdle)

	sessions, err := s.svc.ListSessions(ctx, appName, "")
	if err != nil {
		return 0, fmt.Errorf("list sessions for sweep: %w", err)
	}

	deleted := 0
	for _, sess := range sessions {
		if !sess.LastUpdateTime.Before(cutoff) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return deleted, err
		}
		if err := s.svc.DeleteSession(ctx, appName, sess.UserID, sess.ID); err != nil {
			return deleted, fmt.Errorf("delete expired session %s: %w", sess.ID, err)
		}
		deleted++
	}

	observability.RecordSweptSessions(appName, deleted, time.Since(start))
	if deleted > 0 {
		s.logger.Info("swept expired sessions",
			slog.String("app_name", appName),
			slog.Int("deleted", deleted),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	return deleted, nil
}
