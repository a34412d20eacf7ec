// Package sweeper periodically fails lab uploads whose import stopped making
// progress, for example because the worker running them died.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StaleMarker fails processing uploads idle for longer than olderThan.
// *labimport.Service satisfies it.
type StaleMarker interface {
	MarkStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
}

type Sweeper struct {
	marker    StaleMarker
	olderThan time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
}

func New(marker StaleMarker, olderThan time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		marker:    marker,
		olderThan: olderThan,
		logger:    logger.With().Str("component", "stale-sweeper").Logger(),
	}
}

// Sweep runs one pass and returns how many uploads were failed. Overlapping
// passes are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug().Msg("previous sweep still running")
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ids, err := s.marker.MarkStale(ctx, s.olderThan)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		s.logger.Warn().Int("count", len(ids)).Msg("stale imports failed")
	}
	return len(ids), nil
}

// Start schedules Sweep with a cron spec such as "@every 5m" or "*/5 * * * *".
// The returned function stops the schedule and waits for a running pass.
func (s *Sweeper) Start(ctx context.Context, spec string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("stale sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	s.logger.Info().Str("schedule", spec).Dur("older_than", s.olderThan).Msg("stale sweeper started")
	return func() { <-c.Stop().Done() }, nil
}
