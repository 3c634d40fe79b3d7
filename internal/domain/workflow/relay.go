package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Relay re-drives due progression records on a fixed interval. Several
// instances may run at once; each claims rows with SKIP LOCKED.
type Relay struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
}

func NewRelay(engine *Engine, interval time.Duration, logger zerolog.Logger) *Relay {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Relay{engine: engine, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.interval).Msg("progression relay started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		for r.drain(ctx) {
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("progression relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// drain runs one batch and reports whether another is likely waiting.
func (r *Relay) drain(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	n, err := r.engine.RunDue(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("progression relay batch failed")
		return false
	}
	if n > 0 {
		r.logger.Debug().Int("records", n).Msg("progression relay batch done")
	}
	return n >= r.engine.opts.BatchSize
}
