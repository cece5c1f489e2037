package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbstractSDK/ans-scraper/reconciler/chain"
	"github.com/AbstractSDK/ans-scraper/reconciler/config"
	"github.com/AbstractSDK/ans-scraper/reconciler/db"
	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
	"github.com/AbstractSDK/ans-scraper/reconciler/reader"
	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
	"github.com/AbstractSDK/ans-scraper/reconciler/rpcpool"
	"github.com/AbstractSDK/ans-scraper/reconciler/source"
	"github.com/AbstractSDK/ans-scraper/reconciler/store"
	"github.com/AbstractSDK/ans-scraper/reconciler/submitter"
)

type fakeDesired struct {
	states map[string]*registry.DesiredState
	errs   map[string]error

	// started is signalled on entry; block holds the fetch until closed.
	started chan struct{}
	block   chan struct{}
}

func (f *fakeDesired) FetchDesired(ctx context.Context, network string) (*registry.DesiredState, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if err := f.errs[network]; err != nil {
		return nil, err
	}
	if d, ok := f.states[network]; ok {
		return d, nil
	}
	return registry.NewDesiredState(network), nil
}

type fakeReader struct {
	states map[string]*registry.ActualState
	errs   map[string]error
}

func (f *fakeReader) Read(ctx context.Context, network string, conns reader.ConnSource) (*registry.ActualState, error) {
	if err := f.errs[network]; err != nil {
		return nil, err
	}
	if a, ok := f.states[network]; ok {
		return a.Clone(), nil
	}
	return registry.NewActualState(network), nil
}

// fakeSubmitter commits everything unless told otherwise.
type fakeSubmitter struct {
	mu       sync.Mutex
	calls    map[string][]registry.Op
	outcomes map[string]*submitter.Outcome
	errs     map[string]error
}

func (f *fakeSubmitter) Submit(ctx context.Context, target submitter.Target, ops []registry.Op) (*submitter.Outcome, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string][]registry.Op)
	}
	f.calls[target.Network] = ops
	f.mu.Unlock()

	if err := f.errs[target.Network]; err != nil {
		return &submitter.Outcome{Network: target.Network}, err
	}
	if out, ok := f.outcomes[target.Network]; ok {
		return out, nil
	}

	out := &submitter.Outcome{Network: target.Network}
	out.Committed.Add(ops...)
	stored, err := target.Ledger.AdvanceCheckpoint(target.SettledRevision)
	if err != nil {
		return out, err
	}
	out.Checkpoint = stored
	return out, nil
}

func (f *fakeSubmitter) called(network string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.calls[network]
	return ok
}

type fakePool struct {
	health map[string]rpcpool.NetworkHealth
}

func (f *fakePool) Acquire(ctx context.Context, network string) (*rpcpool.Conn, error) {
	return nil, rerrors.NewNetworkUnreachable(network, errors.New("no endpoints"))
}

func (f *fakePool) Health(network string) rpcpool.NetworkHealth {
	if h, ok := f.health[network]; ok {
		return h
	}
	return rpcpool.Healthy
}

func (f *fakePool) HealthStatus(network string) (*rpcpool.HealthStatus, error) {
	return &rpcpool.HealthStatus{Network: network, Health: f.Health(network)}, nil
}

type fakeSigner struct{}

func (fakeSigner) Address() string { return "chain1signer" }

func (fakeSigner) ExecuteMsgs(contract string, payloads [][]byte) []sdk.Msg { return nil }

func (fakeSigner) Sign(ctx context.Context, msgs []sdk.Msg, memo string, accountNumber, sequence uint64) (*chain.SignedTx, error) {
	return &chain.SignedTx{}, nil
}

type harness struct {
	desired    *fakeDesired
	reader     *fakeReader
	submitter  *fakeSubmitter
	pool       *fakePool
	dbm        *db.NetworkDBManager
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		CycleTimeoutSeconds: 10,
		SubmissionConfig:    config.SubmissionConfig{MaxOpsPerTx: 20},
		Networks: map[string]config.NetworkConfig{
			"chainA": {ChainID: "a-1", Bech32Prefix: "chaina"},
			"chainB": {ChainID: "b-1", Bech32Prefix: "chainb"},
			"chainC": {ChainID: "c-1", Bech32Prefix: "chainc", Disabled: true},
		},
	}
	h := &harness{
		desired:   &fakeDesired{states: map[string]*registry.DesiredState{}, errs: map[string]error{}},
		reader:    &fakeReader{states: map[string]*registry.ActualState{}, errs: map[string]error{}},
		submitter: &fakeSubmitter{outcomes: map[string]*submitter.Outcome{}, errs: map[string]error{}},
		pool:      &fakePool{health: map[string]rpcpool.NetworkHealth{}},
		dbm:       db.NewInMemoryNetworkDBManager(zerolog.Nop()),
	}
	t.Cleanup(func() { _ = h.dbm.CloseAll() })

	targets := map[string]Target{
		"chainA": {Contract: "chaina1registry", Signer: fakeSigner{}},
		"chainB": {Contract: "chainb1registry", Signer: fakeSigner{}},
	}
	h.reconciler = New(cfg, h.pool, h.desired, h.reader, h.submitter, h.dbm, targets, zerolog.Nop())
	return h
}

func (h *harness) want(network string, entries ...registry.Entry) {
	d := registry.NewDesiredState(network)
	for _, e := range entries {
		d.Put(e)
	}
	h.desired.states[network] = d
}

func (h *harness) have(network string, values map[string]string) {
	a := registry.NewActualState(network)
	for name, v := range values {
		a.Merge(asset(network, name), v)
	}
	h.reader.states[network] = a
}

func (h *harness) checkpoint(t *testing.T, network string) uint64 {
	t.Helper()
	ledger, err := h.dbm.GetStore(network)
	require.NoError(t, err)
	cp, err := ledger.GetCheckpoint()
	require.NoError(t, err)
	return cp
}

func asset(network, name string) registry.Key {
	return registry.Key{Network: network, Kind: registry.KindAsset, Name: name}
}

func TestRunCycleInsertsAndCheckpoints(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	require.Len(t, report.Networks, 1)

	rep := report.Networks[0]
	assert.Equal(t, StatusSucceeded, rep.Status)
	assert.Equal(t, 1, rep.Planned.Inserted)
	assert.Equal(t, 1, rep.Committed.Inserted)
	assert.Equal(t, uint64(5), rep.Checkpoint)
	assert.Equal(t, uint64(5), h.checkpoint(t, "chainA"))

	ops := h.submitter.calls["chainA"]
	require.Len(t, ops, 1)
	assert.Equal(t, registry.Insert(asset("chainA", "usdc"), "addr1", 5), ops[0])
	assert.Same(t, report, h.reconciler.LastCycle())
}

func TestRunCycleUpdateAndRemove(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr2", Revision: 6})
	h.have("chainA", map[string]string{"usdc": "addr1", "old": "addrX"})

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)

	rep := report.Networks[0]
	assert.Equal(t, 1, rep.Planned.Updated)
	assert.Equal(t, 1, rep.Planned.Removed)
	assert.Equal(t, []registry.Op{
		registry.Remove(asset("chainA", "old"), 6),
		registry.Update(asset("chainA", "usdc"), "addr1", "addr2", 6),
	}, h.submitter.calls["chainA"])
}

func TestRunCycleIsolatesUnreachableNetwork(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})
	h.want("chainB", registry.Entry{Key: asset("chainB", "usdc"), Value: "addr1", Revision: 5})
	// the pool still reports chainB healthy when the cycle starts
	h.reader.errs["chainB"] = rerrors.NewNetworkUnreachable("chainB", errors.New("3 endpoints excluded"))

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Networks, 2)

	a, ok := report.Network("chainA")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, a.Status)
	assert.Equal(t, uint64(5), a.Checkpoint)

	b, ok := report.Network("chainB")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, rpcpool.Down, b.Health)
	assert.Contains(t, b.Error, "endpoints excluded")
	assert.False(t, h.submitter.called("chainB"))
	assert.Equal(t, uint64(0), h.checkpoint(t, "chainB"))

	_, ok = report.Network("chainC")
	assert.False(t, ok)
}

func TestRunCycleFatalBatchKeepsCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})
	h.want("chainB", registry.Entry{Key: asset("chainB", "usdc"), Value: "addr1", Revision: 5})
	h.submitter.outcomes["chainA"] = &submitter.Outcome{
		Network:       "chainA",
		FailedBatches: 1,
		Batches: []submitter.BatchResult{{
			Index:  0,
			Status: store.StatusFailed,
			Error:  "codespace wasm code 5: unauthorized",
		}},
	}

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{})
	require.NoError(t, err)

	a, _ := report.Network("chainA")
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, []string{"batch 0: codespace wasm code 5: unauthorized"}, a.FailedBatches)
	assert.Equal(t, uint64(0), a.Checkpoint)
	assert.Equal(t, uint64(0), h.checkpoint(t, "chainA"))

	b, _ := report.Network("chainB")
	assert.Equal(t, StatusSucceeded, b.Status)
	assert.Equal(t, uint64(5), h.checkpoint(t, "chainB"))
}

func TestRunCyclePartialOutcome(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})
	h.submitter.outcomes["chainA"] = &submitter.Outcome{
		Network:       "chainA",
		Committed:     registry.Counts{Inserted: 1},
		FailedBatches: 1,
		Checkpoint:    3,
	}

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Networks[0].Status)
	assert.Equal(t, uint64(3), report.Networks[0].Checkpoint)
}

func TestRunCycleDryRun(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}, DryRun: true})
	require.NoError(t, err)

	rep := report.Networks[0]
	assert.Equal(t, StatusDryRun, rep.Status)
	assert.True(t, report.DryRun)
	require.Len(t, rep.Ops, 1)
	assert.False(t, h.submitter.called("chainA"))
	assert.Equal(t, uint64(0), h.checkpoint(t, "chainA"))
}

func TestRunCycleInSyncAdvancesCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 9})
	h.have("chainA", map[string]string{"usdc": "addr1"})

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	assert.Equal(t, StatusInSync, report.Networks[0].Status)
	assert.Equal(t, uint64(9), h.checkpoint(t, "chainA"))
	assert.False(t, h.submitter.called("chainA"))
}

func TestRunCycleSkipsDriftWhenCorrectionDisabled(t *testing.T) {
	h := newHarness(t)
	off := false
	h.reconciler.cfg.CorrectDrift = &off
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})
	ledger, err := h.dbm.GetStore("chainA")
	require.NoError(t, err)
	require.NoError(t, ledger.ResetCheckpoint(5))

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, report.Networks[0].Status)
	assert.False(t, h.submitter.called("chainA"))

	report, err = h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, report.Networks[0].Status)
	assert.True(t, h.submitter.called("chainA"))
}

func TestRunCycleCorrectsDriftByDefault(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})
	h.have("chainA", map[string]string{"usdc": "tampered"})
	ledger, err := h.dbm.GetStore("chainA")
	require.NoError(t, err)
	require.NoError(t, ledger.ResetCheckpoint(5))

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, report.Networks[0].Status)
	assert.Equal(t, []registry.Op{
		registry.Update(asset("chainA", "usdc"), "tampered", "addr1", 5),
	}, h.submitter.calls["chainA"])
	assert.Equal(t, uint64(5), h.checkpoint(t, "chainA"))
}

func TestRunCycleNewRevisionNotSkippedWhenCorrectionDisabled(t *testing.T) {
	h := newHarness(t)
	off := false
	h.reconciler.cfg.CorrectDrift = &off
	h.want("chainA",
		registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5},
		registry.Entry{Key: asset("chainA", "atom"), Value: "addr2", Revision: 7},
	)
	h.have("chainA", map[string]string{"usdc": "addr1"})
	ledger, err := h.dbm.GetStore("chainA")
	require.NoError(t, err)
	require.NoError(t, ledger.ResetCheckpoint(5))

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, report.Networks[0].Status)
	assert.Equal(t, uint64(7), h.checkpoint(t, "chainA"))
}

func TestRunCycleAppliesRepairedRecord(t *testing.T) {
	h := newHarness(t)
	h.have("chainA", map[string]string{"usdc": "native:uusdc"})

	router, err := bech32.ConvertAndEncode("chaina", bytes.Repeat([]byte{7}, 20))
	require.NoError(t, err)
	snapshot := func(routerAddr string) *source.Snapshot {
		return &source.Snapshot{Network: "chainA", Revision: 9, Records: []source.RawRecord{
			{Kind: "asset", Key: "usdc", Denom: "uusdc", Revision: json.RawMessage("5")},
			{Kind: "contract", Key: "router", Address: routerAddr, Revision: json.RawMessage("9")},
		}}
	}

	// the feed serves the router with a broken address first
	h.desired.states["chainA"] = source.Normalize("chainA", "chaina", snapshot("chaina1broken"))
	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	rep := report.Networks[0]
	assert.Equal(t, StatusInSync, rep.Status)
	assert.Len(t, rep.Warnings, 1)
	assert.Equal(t, uint64(5), h.checkpoint(t, "chainA"))

	// then repairs it without bumping the revision
	h.desired.states["chainA"] = source.Normalize("chainA", "chaina", snapshot(router))
	report, err = h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	rep = report.Networks[0]
	assert.Equal(t, StatusSucceeded, rep.Status)
	assert.Equal(t, 1, rep.Committed.Inserted)
	assert.Equal(t, []registry.Op{
		registry.Insert(registry.Key{Network: "chainA", Kind: registry.KindContract, Name: "router"}, router, 9),
	}, h.submitter.calls["chainA"])
	assert.Equal(t, uint64(9), h.checkpoint(t, "chainA"))
}

func TestRunCycleSourceWarnings(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})
	h.desired.states["chainA"].Warnings = []error{
		rerrors.NewSourceMalformed("chainA", "bad", "unknown kind"),
	}

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	require.Len(t, report.Networks[0].Warnings, 1)
	assert.Contains(t, report.Networks[0].Warnings[0], "unknown kind")
	assert.Equal(t, StatusSucceeded, report.Networks[0].Status)
}

func TestRunCycleSourceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.desired.errs["chainA"] = rerrors.NewSourceUnavailable("chainA", "feed down", nil)

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Networks[0].Status)
	assert.Contains(t, report.Networks[0].Error, "feed down")
}

func TestRunCycleDatabaseErrorAborts(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})
	h.submitter.errs["chainA"] = rerrors.NewDatabaseError("chainA", "disk full", nil)

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.Error(t, err)
	assert.True(t, rerrors.IsDatabase(err))
	var aborts *rerrors.ErrorGroup
	require.ErrorAs(t, err, &aborts)
	assert.Len(t, aborts.Errors, 1)
	require.NotNil(t, report)
	assert.Equal(t, StatusFailed, report.Networks[0].Status)
	assert.NotEmpty(t, report.Error)
}

func TestRunCycleWithoutSigner(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})
	h.reconciler.targets["chainA"] = Target{Contract: "chaina1registry"}

	report, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Networks[0].Status)
	assert.Contains(t, report.Networks[0].Error, "no signer")
}

func TestRunCycleRejectsUnknownNetwork(t *testing.T) {
	h := newHarness(t)

	_, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainZ"}})
	require.Error(t, err)
	assert.True(t, rerrors.IsChainError(err, rerrors.ErrCodeConfig))

	_, err = h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainC"}})
	require.Error(t, err)
}

func TestRunCycleIsExclusive(t *testing.T) {
	h := newHarness(t)
	h.desired.started = make(chan struct{}, 1)
	h.desired.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	}()

	select {
	case <-h.desired.started:
	case <-time.After(time.Second):
		t.Fatal("cycle did not start")
	}
	_, err := h.reconciler.RunCycle(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrCycleRunning)

	close(h.desired.block)
	<-done
}

func TestNetworkInfo(t *testing.T) {
	h := newHarness(t)
	h.want("chainA", registry.Entry{Key: asset("chainA", "usdc"), Value: "addr1", Revision: 5})
	_, err := h.reconciler.RunCycle(context.Background(), RunOptions{Networks: []string{"chainA"}})
	require.NoError(t, err)

	infos, err := h.reconciler.NetworkInfo()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "chainA", infos[0].Network)
	assert.Equal(t, uint64(5), infos[0].Checkpoint)
	assert.Equal(t, StatusSucceeded, infos[0].LastStatus)
	require.NotNil(t, infos[0].Pool)
	assert.Equal(t, rpcpool.Healthy, infos[0].Pool.Health)
	assert.Equal(t, "chainB", infos[1].Network)
	assert.Empty(t, infos[1].LastStatus)

	stats := h.reconciler.DatabaseStats()
	assert.Equal(t, 2, stats["total_databases"])
	assert.Equal(t, []string{"chainA", "chainB"}, stats["networks"])
}
