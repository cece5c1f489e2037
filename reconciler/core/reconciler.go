// Package core runs reconciliation cycles: for every network it fetches the
// desired state, reads the on-chain registry, diffs the two and submits the
// correcting ops.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AbstractSDK/ans-scraper/reconciler/config"
	"github.com/AbstractSDK/ans-scraper/reconciler/db"
	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
	"github.com/AbstractSDK/ans-scraper/reconciler/metrics"
	"github.com/AbstractSDK/ans-scraper/reconciler/reconcile"
	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
	"github.com/AbstractSDK/ans-scraper/reconciler/rpcpool"
	"github.com/AbstractSDK/ans-scraper/reconciler/submitter"
)

// ErrCycleRunning is returned when a cycle is requested while one runs.
var ErrCycleRunning = errors.New("reconciliation cycle already running")

// Ledgers gives access to per-network checkpoint stores.
type Ledgers interface {
	GetStore(network string) (*db.NetworkStore, error)
	GetDatabaseStats() map[string]interface{}
}

// Reconciler drives reconciliation cycles across networks. Networks run in
// parallel and never share mutable state besides the pool and the ledgers.
type Reconciler struct {
	cfg       *config.Config
	pool      ConnPool
	desired   DesiredSource
	actual    ActualReader
	submitter OpSubmitter
	ledgers   Ledgers
	targets   map[string]Target
	logger    zerolog.Logger

	cycleMu sync.Mutex

	mu   sync.RWMutex
	last *CycleReport
}

// New creates a reconciler. targets maps network id to its submission
// setup; a network without a signer can only be dry-run.
func New(
	cfg *config.Config,
	pool ConnPool,
	desired DesiredSource,
	actual ActualReader,
	sub OpSubmitter,
	ledgers Ledgers,
	targets map[string]Target,
	logger zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		pool:      pool,
		desired:   desired,
		actual:    actual,
		submitter: sub,
		ledgers:   ledgers,
		targets:   targets,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// LastCycle returns the report of the last finished cycle, nil before the
// first one.
func (r *Reconciler) LastCycle() *CycleReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Networks returns the configured networks.
func (r *Reconciler) Networks() []string {
	return r.cfg.NetworkIDs()
}

// DatabaseStats describes the open checkpoint databases.
func (r *Reconciler) DatabaseStats() map[string]interface{} {
	return r.ledgers.GetDatabaseStats()
}

// NetworkInfo returns the live state of every configured network.
func (r *Reconciler) NetworkInfo() ([]NetworkInfo, error) {
	last := r.LastCycle()

	var infos []NetworkInfo
	for _, network := range r.cfg.NetworkIDs() {
		info := NetworkInfo{Network: network}

		ledger, err := r.ledgers.GetStore(network)
		if err != nil {
			return nil, rerrors.NewDatabaseError(network, "failed to open network store", err)
		}
		if info.Checkpoint, err = ledger.GetCheckpoint(); err != nil {
			return nil, rerrors.NewDatabaseError(network, "failed to read checkpoint", err)
		}
		if info.Submissions, err = ledger.CountByStatus(); err != nil {
			return nil, rerrors.NewDatabaseError(network, "failed to count submissions", err)
		}
		if status, err := r.pool.HealthStatus(network); err == nil {
			info.Pool = status
		}
		if last != nil {
			if rep, ok := last.Network(network); ok {
				info.LastStatus = rep.Status
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// RunCycle runs one reconciliation cycle. Per-network failures are reported
// in the cycle report; the returned error is reserved for conditions that
// abort the whole cycle (ledger failures, bad options, a concurrent cycle).
func (r *Reconciler) RunCycle(ctx context.Context, opts RunOptions) (*CycleReport, error) {
	if !r.cycleMu.TryLock() {
		return nil, ErrCycleRunning
	}
	defer r.cycleMu.Unlock()

	networks, err := r.selectNetworks(opts.Networks)
	if err != nil {
		return nil, err
	}

	if timeout := r.cfg.CycleTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	report := &CycleReport{StartedAt: time.Now(), DryRun: opts.DryRun}
	r.logger.Info().
		Strs("networks", networks).
		Bool("dry_run", opts.DryRun).
		Bool("force", opts.Force).
		Msg("starting reconciliation cycle")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		aborts = rerrors.NewErrorGroup()
	)
	for _, network := range networks {
		wg.Add(1)
		go func(network string) {
			defer wg.Done()
			rep, err := r.runNetwork(ctx, network, opts)

			mu.Lock()
			defer mu.Unlock()
			report.Networks = append(report.Networks, rep)
			if err != nil {
				aborts.Add(err)
				// the ledger is shared state; stop every network
				abort()
			}
		}(network)
	}
	wg.Wait()

	sort.Slice(report.Networks, func(i, j int) bool {
		return report.Networks[i].Network < report.Networks[j].Network
	})
	report.FinishedAt = time.Now()
	fatalErr := aborts.ErrOrNil()
	if fatalErr != nil {
		report.Error = fatalErr.Error()
	}

	failed := 0
	for _, rep := range report.Networks {
		if rep.Error != "" {
			failed++
		}
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	event := r.logger.Info()
	if fatalErr != nil {
		event = r.logger.Error().Err(fatalErr)
	}
	event.
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Int("networks", len(report.Networks)).
		Int("failed_networks", failed).
		Msg("reconciliation cycle finished")

	return report, fatalErr
}

func (r *Reconciler) selectNetworks(requested []string) ([]string, error) {
	configured := r.cfg.NetworkIDs()
	if len(requested) == 0 {
		if len(configured) == 0 {
			return nil, rerrors.NewConfigError("", "no networks configured")
		}
		return configured, nil
	}

	known := make(map[string]bool, len(configured))
	for _, n := range configured {
		known[n] = true
	}
	seen := make(map[string]bool, len(requested))
	var out []string
	for _, n := range requested {
		if !known[n] {
			return nil, rerrors.NewConfigError(n, "network is not configured or disabled")
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// runNetwork reconciles one network. The error is only set for failures
// that must abort the cycle.
func (r *Reconciler) runNetwork(ctx context.Context, network string, opts RunOptions) (rep NetworkReport, fatal error) {
	start := time.Now()
	log := r.logger.With().Str("network", network).Logger()
	rep = NetworkReport{Network: network, Status: StatusFailed}

	defer func() {
		rep.Duration = time.Since(start)
		metrics.ObserveCycle(network, string(rep.Status), rep.Duration)
	}()

	rep.Health = r.pool.Health(network)
	metrics.SetNetworkHealth(network, healthLevel(rep.Health))

	ledger, err := r.ledgers.GetStore(network)
	if err != nil {
		return rep, r.abortNetwork(&rep, log, rerrors.NewDatabaseError(network, "failed to open network store", err))
	}
	if rep.Checkpoint, err = ledger.GetCheckpoint(); err != nil {
		return rep, r.abortNetwork(&rep, log, rerrors.NewDatabaseError(network, "failed to read checkpoint", err))
	}

	desired, actual, err := r.fetchBoth(ctx, network)
	if desired != nil {
		rep.Revision = desired.Revision()
		for _, w := range desired.Warnings {
			rep.Warnings = append(rep.Warnings, w.Error())
		}
		metrics.AddSourceWarnings(network, len(desired.Warnings))
	}
	if err != nil {
		rep.Error = err.Error()
		if rerrors.IsNetworkUnreachable(err) {
			rep.Health = rpcpool.Down
		}
		log.Error().Str("code", string(rerrors.CodeOf(err))).Err(err).Msg("network skipped this cycle")
		return rep, nil
	}

	ops := reconcile.Diff(desired, actual)
	rep.Planned = reconcile.Summarize(ops)
	log.Info().
		Uint64("revision", rep.Revision).
		Uint64("checkpoint", rep.Checkpoint).
		Int("desired", desired.Len()).
		Int("actual", actual.Len()).
		Int("insert", rep.Planned.Inserted).
		Int("update", rep.Planned.Updated).
		Int("remove", rep.Planned.Removed).
		Msg("diff computed")

	switch {
	case opts.DryRun:
		rep.Status = StatusDryRun
		rep.Ops = ops
		return rep, nil

	case len(ops) == 0:
		rep.Status = StatusInSync
		if settled := desired.Settled(); settled > rep.Checkpoint {
			stored, err := ledger.AdvanceCheckpoint(settled)
			if err != nil {
				return rep, r.abortNetwork(&rep, log, rerrors.NewDatabaseError(network, "failed to advance checkpoint", err))
			}
			rep.Checkpoint = stored
		}
		metrics.SetCheckpoint(network, rep.Checkpoint)
		return rep, nil

	case !opts.Force && !r.cfg.DriftCorrection() && belowCheckpoint(ops, rep.Checkpoint):
		rep.Status = StatusSkipped
		log.Warn().
			Int("ops", len(ops)).
			Msg("on-chain drift below checkpoint; run with force to correct")
		return rep, nil
	}

	target, ok := r.targets[network]
	if !ok || target.Signer == nil {
		err := rerrors.NewConfigError(network, "no signer configured")
		rep.Error = err.Error()
		log.Error().Err(err).Msg("cannot submit")
		return rep, nil
	}

	maxOps := target.MaxOpsPerTx
	if maxOps <= 0 {
		maxOps = r.cfg.MaxOpsPerTxFor(network)
	}
	outcome, err := r.submitter.Submit(ctx, submitter.Target{
		Network:         network,
		Contract:        target.Contract,
		Signer:          target.Signer,
		Ledger:          ledger,
		MaxOpsPerTx:     maxOps,
		SettledRevision: desired.Settled(),
	}, ops)
	if outcome != nil {
		rep.Committed = outcome.Committed
		rep.FailedBatches = outcome.Failures()
		if outcome.Checkpoint > rep.Checkpoint {
			rep.Checkpoint = outcome.Checkpoint
		}
	}
	if err != nil {
		if rerrors.IsDatabase(err) {
			return rep, r.abortNetwork(&rep, log, err)
		}
		rep.Error = err.Error()
		rep.Status = statusOf(outcome, true)
		log.Error().Err(err).Msg("submission interrupted")
		return rep, nil
	}

	rep.Status = statusOf(outcome, false)
	return rep, nil
}

// belowCheckpoint reports whether every op is justified by a revision the
// checkpoint already covers, meaning the chain drifted after it was written.
func belowCheckpoint(ops []registry.Op, checkpoint uint64) bool {
	_, hi := registry.RevisionRange(ops)
	return hi <= checkpoint
}

// fetchBoth runs the feed fetch and the chain read concurrently.
func (r *Reconciler) fetchBoth(ctx context.Context, network string) (*registry.DesiredState, *registry.ActualState, error) {
	var (
		wg         sync.WaitGroup
		desired    *registry.DesiredState
		actual     *registry.ActualState
		desiredErr error
		actualErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		desired, desiredErr = r.desired.FetchDesired(ctx, network)
	}()
	go func() {
		defer wg.Done()
		actual, actualErr = r.actual.Read(ctx, network, r.pool)
	}()
	wg.Wait()

	switch {
	case desiredErr != nil:
		return desired, nil, desiredErr
	case actualErr != nil:
		return desired, nil, actualErr
	}
	return desired, actual, nil
}

func (r *Reconciler) abortNetwork(rep *NetworkReport, log zerolog.Logger, err error) error {
	rep.Status = StatusFailed
	rep.Error = err.Error()
	log.Error().
		Str("code", string(rerrors.CodeOf(err))).
		Str("severity", string(rerrors.GetSeverity(err))).
		Err(err).
		Msg("ledger failure, aborting cycle")
	return err
}

func statusOf(outcome *submitter.Outcome, interrupted bool) NetworkStatus {
	if outcome == nil {
		return StatusFailed
	}
	switch {
	case outcome.FailedBatches == 0 && !interrupted:
		return StatusSucceeded
	case outcome.Committed.Total() > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

func healthLevel(h rpcpool.NetworkHealth) int {
	switch h {
	case rpcpool.Healthy:
		return 2
	case rpcpool.Degraded:
		return 1
	default:
		return 0
	}
}

// String renders a one-line summary for logs and the CLI.
func (n NetworkReport) String() string {
	s := fmt.Sprintf("%s: %s rev=%d checkpoint=%d planned=+%d/~%d/-%d committed=+%d/~%d/-%d",
		n.Network, n.Status, n.Revision, n.Checkpoint,
		n.Planned.Inserted, n.Planned.Updated, n.Planned.Removed,
		n.Committed.Inserted, n.Committed.Updated, n.Committed.Removed)
	if len(n.FailedBatches) > 0 {
		s += fmt.Sprintf(" failed_batches=%d", len(n.FailedBatches))
	}
	if len(n.Warnings) > 0 {
		s += fmt.Sprintf(" warnings=%d", len(n.Warnings))
	}
	if n.Error != "" {
		s += " error=" + n.Error
	}
	return s
}
