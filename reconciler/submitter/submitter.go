// Package submitter turns reconciliation ops into signed registry
// transactions and tracks them to a terminal state.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/rs/zerolog"

	"github.com/AbstractSDK/ans-scraper/reconciler/chain"
	"github.com/AbstractSDK/ans-scraper/reconciler/config"
	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
	"github.com/AbstractSDK/ans-scraper/reconciler/metrics"
	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
	"github.com/AbstractSDK/ans-scraper/reconciler/rpcpool"
	"github.com/AbstractSDK/ans-scraper/reconciler/store"
)

// ErrCommitUnconfirmed is recorded when an accepted tx was not seen in a
// block before the commit timeout.
var ErrCommitUnconfirmed = errors.New("commit unconfirmed")

// ChainClient is the part of a pooled chain connection the submitter uses.
type ChainClient interface {
	Account(ctx context.Context, address string) (uint64, uint64, error)
	BroadcastTx(ctx context.Context, txBytes []byte) (*sdk.TxResponse, error)
	GetTx(ctx context.Context, hash string) (*sdk.TxResponse, error)
}

// TxSigner builds and signs registry transactions.
type TxSigner interface {
	Address() string
	ExecuteMsgs(contract string, payloads [][]byte) []sdk.Msg
	Sign(ctx context.Context, msgs []sdk.Msg, memo string, accountNumber, sequence uint64) (*chain.SignedTx, error)
}

// Ledger persists checkpoints and submission records of one network.
type Ledger interface {
	GetCheckpoint() (uint64, error)
	AdvanceCheckpoint(revision uint64) (uint64, error)
	CreateSubmission(rec *store.SubmissionRecord) error
	SaveSubmission(rec *store.SubmissionRecord) error
	GetSubmissionsByStatus(status string) ([]store.SubmissionRecord, error)
	PruneCommitted(checkpoint uint64) (int64, error)
}

// ConnSource leases connections to a network.
type ConnSource interface {
	Acquire(ctx context.Context, network string) (*rpcpool.Conn, error)
}

// Config controls batching and the retry state machine.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CommitTimeout  time.Duration
	PollInterval   time.Duration
}

// NewConfig converts the file configuration.
func NewConfig(c config.SubmissionConfig) Config {
	return Config{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(c.MaxBackoffSeconds) * time.Second,
		CommitTimeout:  time.Duration(c.CommitTimeoutSeconds) * time.Second,
		PollInterval:   time.Duration(c.CommitPollIntervalSeconds) * time.Second,
	}
}

// Target is everything needed to submit to one network.
type Target struct {
	Network     string
	Contract    string
	Signer      TxSigner
	Ledger      Ledger
	MaxOpsPerTx int

	// SettledRevision caps the checkpoint. It is the highest revision of the
	// desired state that has no rejected record at or below it.
	SettledRevision uint64
}

// BatchResult is the terminal state of one batch.
type BatchResult struct {
	Index       int             `json:"index"`
	Status      string          `json:"status"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Height      int64           `json:"height,omitempty"`
	Attempts    int             `json:"attempts"`
	Ops         registry.Counts `json:"ops"`
	MinRevision uint64          `json:"min_revision"`
	MaxRevision uint64          `json:"max_revision"`
	Error       string          `json:"error,omitempty"`
}

// Outcome summarizes a submission to one network.
type Outcome struct {
	Network       string          `json:"network"`
	Batches       []BatchResult   `json:"batches"`
	Committed     registry.Counts `json:"committed"`
	FailedBatches int             `json:"failed_batches"`
	Checkpoint    uint64          `json:"checkpoint"`
	Resumed       int             `json:"resumed,omitempty"`
}

// Failures returns the reasons of failed batches.
func (o *Outcome) Failures() []string {
	var out []string
	for _, b := range o.Batches {
		if b.Status == store.StatusFailed {
			out = append(out, fmt.Sprintf("batch %d: %s", b.Index, b.Error))
		}
	}
	return out
}

// account is the signer account state owned by one running submission.
type account struct {
	number   uint64
	sequence uint64
	known    bool
}

// consumed moves past a sequence the chain has used.
func (a *account) consumed(sequence uint64) {
	switch {
	case a.known && a.sequence == sequence:
		a.sequence++
	case a.known && a.sequence > sequence:
	default:
		a.known = false
	}
}

type attemptResult int

const (
	attemptCommitted attemptResult = iota
	attemptRetryable
	attemptFatal
)

// Submitter drains op sequences into transactions. Submissions for the same
// (network, signer) are serialized.
type Submitter struct {
	conns  ConnSource
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a submitter.
func New(conns ConnSource, cfg Config, logger zerolog.Logger) *Submitter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Submitter{
		conns:  conns,
		cfg:    cfg,
		logger: logger.With().Str("component", "submitter").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Submitter) lockFor(network, signer string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := network + "/" + signer
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Submit sends ops to the network batch by batch. Batch k+1 starts only once
// batch k is Committed or Failed. A Fatal batch is recorded and the rest are
// still attempted; the checkpoint only covers the contiguous committed
// prefix of revisions.
//
// The returned error is reserved for ledger failures and cancellation; the
// outcome is valid in both cases.
func (s *Submitter) Submit(ctx context.Context, target Target, ops []registry.Op) (*Outcome, error) {
	signer := target.Signer.Address()
	lock := s.lockFor(target.Network, signer)
	lock.Lock()
	defer lock.Unlock()

	log := s.logger.With().Str("network", target.Network).Str("signer", signer).Logger()
	out := &Outcome{Network: target.Network}

	resumed, err := s.resumePending(ctx, target, log)
	if err != nil {
		return out, err
	}
	out.Resumed = resumed

	prev, err := target.Ledger.GetCheckpoint()
	if err != nil {
		return out, rerrors.NewDatabaseError(target.Network, "failed to read checkpoint", err)
	}
	out.Checkpoint = prev

	batches := Chunk(ops, target.MaxOpsPerTx)
	committed := make([]bool, len(batches))
	acct := &account{}

	log.Info().
		Int("ops", len(ops)).
		Int("batches", len(batches)).
		Uint64("checkpoint", prev).
		Msg("starting submission")

	var cancelled error
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}
		res, err := s.submitBatch(ctx, target, i, batch, acct, log)
		if err != nil {
			return out, err
		}
		out.Batches = append(out.Batches, res)

		status := res.Status
		if status == store.StatusCommitted {
			committed[i] = true
			out.Committed.Add(batch...)
		} else {
			out.FailedBatches++
		}
		metrics.IncBatch(target.Network, status)
		for op, n := range map[string]int{"insert": res.Ops.Inserted, "update": res.Ops.Updated, "remove": res.Ops.Removed} {
			metrics.AddOps(target.Network, op, status, n)
		}
	}

	if cp, ok := committedPrefix(batches, committed, target.SettledRevision); ok && cp > prev {
		stored, err := target.Ledger.AdvanceCheckpoint(cp)
		if err != nil {
			return out, rerrors.NewDatabaseError(target.Network, "failed to advance checkpoint", err)
		}
		out.Checkpoint = stored
		if pruned, err := target.Ledger.PruneCommitted(stored); err != nil {
			log.Warn().Err(err).Msg("failed to prune committed submissions")
		} else if pruned > 0 {
			log.Debug().Int64("pruned", pruned).Msg("pruned committed submissions")
		}
	}
	metrics.SetCheckpoint(target.Network, out.Checkpoint)

	log.Info().
		Int("inserted", out.Committed.Inserted).
		Int("updated", out.Committed.Updated).
		Int("removed", out.Committed.Removed).
		Int("failed_batches", out.FailedBatches).
		Uint64("checkpoint", out.Checkpoint).
		Msg("submission finished")

	if cancelled != nil {
		return out, cancelled
	}
	return out, nil
}

// submitBatch runs the state machine of one batch:
// Pending -> Committed | Failed, looping on Pending for Retryable failures
// until the attempt budget is spent.
func (s *Submitter) submitBatch(
	ctx context.Context,
	target Target,
	index int,
	batch []registry.Op,
	acct *account,
	log zerolog.Logger,
) (BatchResult, error) {
	lo, hi := registry.RevisionRange(batch)
	res := BatchResult{Index: index, MinRevision: lo, MaxRevision: hi}
	res.Ops.Add(batch...)

	encoded, err := registry.EncodeOps(batch)
	if err != nil {
		return res, rerrors.NewInternalError(target.Network, "failed to encode op batch", err)
	}
	rec := &store.SubmissionRecord{
		Signer:      target.Signer.Address(),
		OpBatch:     encoded,
		OpCount:     len(batch),
		MinRevision: lo,
		MaxRevision: hi,
		Status:      store.StatusPending,
	}
	if err := target.Ledger.CreateSubmission(rec); err != nil {
		return res, rerrors.NewDatabaseError(target.Network, "failed to record submission", err)
	}

	batchLog := log.With().Int("batch", index).Uint("record_id", rec.ID).Logger()

	var lastErr error
	payloads, err := ExecutePayloads(batch)
	if err != nil {
		lastErr = rerrors.NewFatal(target.Network, "failed to encode execute messages", err)
	}

	if lastErr == nil {
		msgs := target.Signer.ExecuteMsgs(target.Contract, payloads)
		memo := fmt.Sprintf("ansd %s rev %d-%d", target.Network, lo, hi)

	attempts:
		for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
			res.Attempts = attempt
			if attempt > 1 {
				delay := rerrors.ExponentialBackoff(attempt-1, s.cfg.InitialBackoff, s.cfg.MaxBackoff)
				select {
				case <-ctx.Done():
					lastErr = ctx.Err()
					break attempts
				case <-time.After(delay):
				}
			}

			result, err := s.attempt(ctx, target, rec, msgs, memo, acct, batchLog)
			switch result {
			case attemptCommitted:
				rec.Status = store.StatusCommitted
				rec.LastError = ""
				if err := target.Ledger.SaveSubmission(rec); err != nil {
					return res, rerrors.NewDatabaseError(target.Network, "failed to save submission", err)
				}
				res.Status = store.StatusCommitted
				res.TxHash = rec.TxHash
				res.Height = rec.Height
				batchLog.Info().
					Str("tx_hash", rec.TxHash).
					Int64("height", rec.Height).
					Int("attempts", attempt).
					Msg("batch committed")
				return res, nil

			case attemptFatal:
				lastErr = tagged(target.Network, err, rerrors.NewFatal)
				metrics.IncAttemptFailure(target.Network, rerrors.ClassFatal.String())
				break attempts

			default:
				lastErr = tagged(target.Network, err, rerrors.NewRetryable)
				metrics.IncAttemptFailure(target.Network, rerrors.ClassRetryable.String())
				rec.RetryCount = attempt
				rec.LastError = lastErr.Error()
				if err := target.Ledger.SaveSubmission(rec); err != nil {
					return res, rerrors.NewDatabaseError(target.Network, "failed to save submission", err)
				}
				batchLog.Warn().
					Int("attempt", attempt).
					Int("max_attempts", s.cfg.MaxAttempts).
					Err(lastErr).
					Msg("batch attempt failed, retrying")
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("retry budget exhausted")
	}
	rec.Status = store.StatusFailed
	rec.LastError = lastErr.Error()
	if err := target.Ledger.SaveSubmission(rec); err != nil {
		return res, rerrors.NewDatabaseError(target.Network, "failed to save submission", err)
	}
	res.Status = store.StatusFailed
	res.TxHash = rec.TxHash
	res.Error = rec.LastError

	batchLog.Error().
		Int("attempts", res.Attempts).
		Str("code", string(rerrors.CodeOf(lastErr))).
		Str("severity", string(rerrors.GetSeverity(lastErr))).
		Err(lastErr).
		Msg("batch failed")
	return res, nil
}

// attempt makes one broadcast attempt for rec on a freshly leased connection.
func (s *Submitter) attempt(
	ctx context.Context,
	target Target,
	rec *store.SubmissionRecord,
	msgs []sdk.Msg,
	memo string,
	acct *account,
	log zerolog.Logger,
) (attemptResult, error) {
	conn, err := s.conns.Acquire(ctx, target.Network)
	if err != nil {
		if ctx.Err() != nil {
			return attemptFatal, err
		}
		return attemptRetryable, err
	}
	defer conn.Release()

	client, ok := conn.Client.(ChainClient)
	if !ok {
		return attemptFatal, rerrors.NewInternalError(target.Network, "pooled client cannot submit transactions", nil)
	}

	// An earlier attempt may have landed even though its broadcast failed.
	if rec.TxHash != "" {
		txRes, err := client.GetTx(ctx, rec.TxHash)
		switch {
		case err == nil:
			return s.finish(rec, txRes, acct)
		case !errors.Is(err, chain.ErrTxNotFound):
			conn.ReportFailure(err, 0)
			return attemptRetryable, err
		}
	}

	if !acct.known {
		number, sequence, err := client.Account(ctx, target.Signer.Address())
		if err != nil {
			conn.ReportFailure(err, 0)
			return classResult(rerrors.Classify(err)), err
		}
		if number != acct.number || sequence != acct.sequence {
			log.Debug().
				Uint64("account_number", number).
				Uint64("sequence", sequence).
				Msg("sequence refreshed from chain")
		}
		acct.number, acct.sequence, acct.known = number, sequence, true

		// The retained tx may have landed since it was last looked up.
		if rec.TxHash != "" && sequence > rec.SignerSequence {
			txRes, err := client.GetTx(ctx, rec.TxHash)
			switch {
			case err == nil:
				return s.finish(rec, txRes, acct)
			case !errors.Is(err, chain.ErrTxNotFound):
				conn.ReportFailure(err, 0)
				return attemptRetryable, err
			}
		}
	}

	signed, err := target.Signer.Sign(ctx, msgs, memo, acct.number, acct.sequence)
	if err != nil {
		return attemptFatal, err
	}

	// The hash is persisted before broadcast so a restart can find the tx.
	rec.TxHash = signed.Hash
	rec.SignerSequence = signed.Sequence
	if err := target.Ledger.SaveSubmission(rec); err != nil {
		return attemptFatal, rerrors.NewDatabaseError(target.Network, "failed to save submission", err)
	}

	start := time.Now()
	resp, err := client.BroadcastTx(ctx, signed.Bytes)
	if err != nil {
		conn.ReportFailure(err, time.Since(start))
		if txRes, lookupErr := client.GetTx(ctx, signed.Hash); lookupErr == nil {
			return s.finish(rec, txRes, acct)
		}
		acct.known = false
		return classResult(rerrors.Classify(err)), err
	}
	conn.ReportSuccess(time.Since(start))

	if resp.Code != 0 {
		abciErr := rerrors.ABCIError(resp.Codespace, resp.Code, resp.RawLog)
		if !rerrors.IsAlreadyInMempool(abciErr) {
			// a CheckTx rejection leaves the sequence unused
			if rerrors.IsSequenceMismatch(abciErr) {
				acct.known = false
			}
			log.Warn().
				Str("tx_hash", signed.Hash).
				Uint32("code", resp.Code).
				Str("codespace", resp.Codespace).
				Str("raw_log", resp.RawLog).
				Msg("transaction rejected by node")
			return classResult(rerrors.ClassifyABCI(resp.Codespace, resp.Code, resp.RawLog)), abciErr
		}
	}

	log.Debug().
		Str("tx_hash", signed.Hash).
		Uint64("sequence", signed.Sequence).
		Msg("transaction accepted, waiting for commit")
	return s.awaitCommit(ctx, client, target.Network, rec, acct)
}

// awaitCommit polls for the tx until it is included or the commit timeout
// passes. An unconfirmed tx is never reported as committed.
func (s *Submitter) awaitCommit(
	ctx context.Context,
	client ChainClient,
	network string,
	rec *store.SubmissionRecord,
	acct *account,
) (attemptResult, error) {
	pollCtx := ctx
	if s.cfg.CommitTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, s.cfg.CommitTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		txRes, err := client.GetTx(pollCtx, rec.TxHash)
		if err == nil {
			return s.finish(rec, txRes, acct)
		}

		select {
		case <-pollCtx.Done():
			acct.known = false
			return attemptFatal, rerrors.NewTimeoutError(network, "tx "+rec.TxHash,
				fmt.Errorf("%w: %v", ErrCommitUnconfirmed, pollCtx.Err()))
		case <-ticker.C:
		}
	}
}

// finish interprets an included tx. The sequence was consumed either way;
// a failed execution is classified like a rejection.
func (s *Submitter) finish(rec *store.SubmissionRecord, txRes *sdk.TxResponse, acct *account) (attemptResult, error) {
	acct.consumed(rec.SignerSequence)
	rec.Height = txRes.Height
	if txRes.Code == 0 {
		return attemptCommitted, nil
	}

	err := rerrors.ABCIError(txRes.Codespace, txRes.Code, txRes.RawLog)
	// the failed tx must not be mistaken for a landed retry
	rec.TxHash = ""
	return classResult(rerrors.ClassifyABCI(txRes.Codespace, txRes.Code, txRes.RawLog)), err
}

// tagged keeps typed errors and wraps anything else with wrap.
func tagged(network string, err error, wrap func(network, message string, cause error) *rerrors.ChainError) error {
	if err == nil || rerrors.CodeOf(err) != "" {
		return err
	}
	return wrap(network, "batch attempt failed", err)
}

func classResult(c rerrors.Class) attemptResult {
	if c == rerrors.ClassFatal {
		return attemptFatal
	}
	return attemptRetryable
}

// resumePending resolves Pending records left by an interrupted run by
// looking their tx hash up. Records that cannot be looked up now stay
// Pending.
func (s *Submitter) resumePending(ctx context.Context, target Target, log zerolog.Logger) (int, error) {
	pending, err := target.Ledger.GetSubmissionsByStatus(store.StatusPending)
	if err != nil {
		return 0, rerrors.NewDatabaseError(target.Network, "failed to load pending submissions", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	conn, err := s.conns.Acquire(ctx, target.Network)
	if err != nil {
		log.Warn().Err(err).Int("pending", len(pending)).Msg("cannot resolve pending submissions now")
		return 0, nil
	}
	defer conn.Release()

	client, ok := conn.Client.(ChainClient)
	if !ok {
		return 0, rerrors.NewInternalError(target.Network, "pooled client cannot submit transactions", nil)
	}

	resolved := 0
	for i := range pending {
		rec := &pending[i]

		switch {
		case rec.TxHash == "":
			rec.Status = store.StatusFailed
			rec.LastError = "abandoned"
		default:
			txRes, err := client.GetTx(ctx, rec.TxHash)
			switch {
			case err == nil && txRes.Code == 0:
				rec.Status = store.StatusCommitted
				rec.Height = txRes.Height
			case err == nil:
				rec.Status = store.StatusFailed
				rec.LastError = rerrors.ABCIError(txRes.Codespace, txRes.Code, txRes.RawLog).Error()
			case errors.Is(err, chain.ErrTxNotFound):
				rec.Status = store.StatusFailed
				rec.LastError = "abandoned"
			default:
				log.Warn().Str("tx_hash", rec.TxHash).Err(err).Msg("pending submission lookup failed")
				continue
			}
		}

		if err := target.Ledger.SaveSubmission(rec); err != nil {
			return resolved, rerrors.NewDatabaseError(target.Network, "failed to save submission", err)
		}
		resolved++
		log.Info().
			Uint("record_id", rec.ID).
			Str("tx_hash", rec.TxHash).
			Str("status", rec.Status).
			Msg("resolved pending submission")
	}
	return resolved, nil
}
