// Package runtime runs the gateway's background maintenance.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner deletes records older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Janitor prunes the usage ledger on a schedule, keeping the last
// retention worth of rows.
type Janitor struct {
	pruner    Pruner
	schedule  cron.Schedule
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewJanitor creates a janitor running on schedule (see ParseSchedule).
func NewJanitor(pruner Pruner, schedule string, retention time.Duration, logger zerolog.Logger) (*Janitor, error) {
	if pruner == nil {
		return nil, fmt.Errorf("pruner cannot be nil")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return &Janitor{
		pruner:    pruner,
		schedule:  sched,
		retention: retention,
		timeout:   time.Minute,
		now:       time.Now,
		logger:    logger.With().Str("component", "janitor").Logger(),
	}, nil
}

// Start runs a prune immediately and then on every scheduled tick until
// ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info().Dur("retention", j.retention).Msg("Starting janitor")
	j.runOnce(ctx)

	for {
		next := j.schedule.Next(j.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info().Msg("Janitor stopped: context cancelled")
			return
		case <-timer.C:
			j.runOnce(ctx)
		}
	}
}

// RunOnce prunes rows older than the retention window.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	return j.pruner.Prune(ctx, j.now().Add(-j.retention))
}

func (j *Janitor) runOnce(ctx context.Context) {
	n, err := j.RunOnce(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("Failed to prune usage ledger")
		return
	}
	j.logger.Debug().Int64("rows", n).Msg("Janitor pass complete")
}
