package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AbstractSDK/ans-scraper/reconciler/core"
)

// CycleRunner runs one reconciliation cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, opts core.RunOptions) (*core.CycleReport, error)
}

// CycleJob runs reconciliation cycles on a fixed interval.
type CycleJob struct {
	runner   CycleRunner
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	forceCh chan struct{}
	wg      sync.WaitGroup
}

func NewCycleJob(runner CycleRunner, interval time.Duration, logger zerolog.Logger) *CycleJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &CycleJob{
		runner:   runner,
		interval: interval,
		logger:   logger.With().Str("component", "cycle_cron").Logger(),
	}
}

// Start launches the background loop and returns immediately. A first cycle
// runs right away. Safe to call multiple times; subsequent calls are no-ops.
func (j *CycleJob) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	if j.runner == nil {
		return errors.New("cron: runner must be non-nil")
	}

	j.stopCh = make(chan struct{})
	j.forceCh = make(chan struct{}, 1) // buffered so ForceRun won't block
	j.running = true
	j.wg.Add(1)

	go j.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
// Safe to call multiple times.
func (j *CycleJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	close(j.stopCh)
	j.running = false
	j.mu.Unlock()
	j.wg.Wait()
}

// ForceRun requests an immediate cycle. Requests made while one is queued
// are coalesced.
func (j *CycleJob) ForceRun() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	select {
	case j.forceCh <- struct{}{}:
	default:
	}
}

func (j *CycleJob) run(parent context.Context) {
	defer j.wg.Done()

	j.runOnce(parent, "initial")

	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-parent.Done():
			j.logger.Info().Msg("cycle cron: context canceled; stopping")
			return
		case <-j.stopCh:
			j.logger.Info().Msg("cycle cron: stop requested; stopping")
			return
		case <-t.C:
			j.runOnce(parent, "periodic")
		case <-j.forceCh:
			j.runOnce(parent, "forced")
		}
	}
}

func (j *CycleJob) runOnce(parent context.Context, trigger string) {
	// Stop must interrupt a running cycle.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-j.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := j.runner.RunCycle(ctx, core.RunOptions{})
	if err != nil {
		if errors.Is(err, core.ErrCycleRunning) {
			j.logger.Debug().Str("trigger", trigger).Msg("cycle already running; skipping")
			return
		}
		j.logger.Error().Err(err).Str("trigger", trigger).Msg("reconciliation cycle failed")
		return
	}
	for _, n := range report.Networks {
		j.logger.Info().Str("trigger", trigger).Msg(n.String())
	}
}
