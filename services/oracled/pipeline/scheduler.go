package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Scheduler periodically syncs a fixed set of pairs. A failed round is logged
// and the next tick proceeds normally.
type Scheduler struct {
	pipeline *Pipeline
	source   Source
	pairs    func() []string
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler builds a scheduler. pairs is consulted on every tick so
// pairs added at runtime are picked up.
func NewScheduler(p *Pipeline, source Source, pairs func() []string, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline: scheduler requires a pipeline")
	}
	if pairs == nil {
		return nil, fmt.Errorf("pipeline: scheduler requires a pair list")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("pipeline: scheduler interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{pipeline: p, source: source, pairs: pairs, interval: interval, logger: logger.With("component", "scheduler")}, nil
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sync round.
func (s *Scheduler) Tick(ctx context.Context) {
	pairs := s.pairs()
	if len(pairs) == 0 {
		return
	}
	if s.source == SourceCoinbase {
		for _, pair := range pairs {
			if _, err := s.pipeline.Sync(ctx, []string{pair}, s.source); err != nil {
				s.logger.Warn("scheduled sync failed", "pair", pair, "source", string(s.source), "error", err)
			}
		}
		return
	}
	written, err := s.pipeline.Sync(ctx, pairs, s.source)
	if err != nil {
		s.logger.Warn("scheduled sync failed", "source", string(s.source), "error", err)
		return
	}
	s.logger.Debug("scheduled sync complete", "source", string(s.source), "written", written)
}
