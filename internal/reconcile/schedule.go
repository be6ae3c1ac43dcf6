package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

type ScheduleOptions struct {
	Interval     time.Duration
	Jitter       float64
	CycleTimeout time.Duration
	// Once runs a single cycle and returns its error.
	Once bool
}

// Trigger requests a cycle ahead of the timer. It never blocks.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run polls on a jittered timer until ctx is done.
func (e *Engine) Run(ctx context.Context, opts ScheduleOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 30 * time.Minute
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)

	run := func() error {
		cycleCtx, cancel := context.WithTimeout(ctx, opts.CycleTimeout)
		defer cancel()
		report, err := e.RunCycle(cycleCtx)
		if err != nil {
			e.logf("poll cycle failed: %v", err)
			return err
		}
		e.logf("poll cycle completed: %d actions across %d collections in %s",
			report.TotalActions(), len(report.Collections), report.FinishedAt.Sub(report.StartedAt))
		return nil
	}

	if err := run(); opts.Once {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logf("poll loop stopping: %v", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-e.trigger:
			timer.Stop()
			_ = run()
			timer.Reset(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
		case <-timer.C:
			_ = run()
			timer.Reset(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
