package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/nebula/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper deletes sessions idle for longer than the retention window on a
// cron schedule.
type Sweeper struct {
	repo      Repository
	retention time.Duration
	schedule  string
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// SweeperConfig configures a Sweeper
type SweeperConfig struct {
	Repository Repository
	Retention  time.Duration
	Schedule   string // standard cron spec or descriptor such as @hourly
	Logger     zerolog.Logger
	Now        func() time.Time
}

// NewSweeper creates a sweeper; Retention must be positive
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Repository == nil {
		return nil, errors.New("session repository is required")
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Sweeper{
		repo:      cfg.Repository,
		retention: cfg.Retention,
		schedule:  cfg.Schedule,
		logger:    cfg.Logger.With().Str("component", "session_sweeper").Logger(),
		now:       now,
	}, nil
}

// Start schedules the sweep
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Session sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()

	s.cron = c
	s.running = true

	s.logger.Info().
		Dur("retention", s.retention).
		Str("schedule", s.schedule).
		Msg("Session sweeper started")
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.logger.Info().Msg("Session sweeper stopped")
	}
}

// Sweep deletes every session whose last update is older than the retention
// window and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	summaries, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := s.now().Add(-s.retention)
	deleted := 0
	var firstErr error
	for _, sum := range summaries {
		if !sum.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.repo.Delete(ctx, sum.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			// ErrPersist still removed the session from memory.
			if errors.Is(err, ErrPersist) {
				deleted++
			}
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn().Err(err).Str("session_id", sum.ID).Msg("Failed to delete expired session")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		observability.RecordSessionsExpired(deleted)
		s.logger.Info().Int("deleted", deleted).Msg("Expired sessions removed")
	}
	return deleted, firstErr
}
