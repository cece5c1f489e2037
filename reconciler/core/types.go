package core

import (
	"time"

	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
	"github.com/AbstractSDK/ans-scraper/reconciler/rpcpool"
	"github.com/AbstractSDK/ans-scraper/reconciler/submitter"
)

// NetworkStatus is the result of one network in a cycle.
type NetworkStatus string

const (
	// StatusSucceeded means every batch committed.
	StatusSucceeded NetworkStatus = "succeeded"
	// StatusPartial means some batches committed and some failed.
	StatusPartial NetworkStatus = "partial"
	// StatusFailed means nothing was committed because of an error.
	StatusFailed NetworkStatus = "failed"
	// StatusInSync means the chain already matched the feed.
	StatusInSync NetworkStatus = "in_sync"
	// StatusSkipped means only drift below the checkpoint was found and drift
	// correction is off.
	StatusSkipped NetworkStatus = "skipped"
	// StatusDryRun means ops were computed but not submitted.
	StatusDryRun NetworkStatus = "dry_run"
)

// Target is the submission setup of one network.
type Target struct {
	Contract    string
	Signer      submitter.TxSigner
	MaxOpsPerTx int
}

// RunOptions select what a cycle does.
type RunOptions struct {
	// Networks restricts the cycle; empty means every configured network.
	Networks []string
	DryRun   bool
	// Force submits drift below the checkpoint even when drift correction is
	// off.
	Force bool
}

// NetworkReport summarizes one network in a cycle.
type NetworkReport struct {
	Network       string                `json:"network"`
	Status        NetworkStatus         `json:"status"`
	Health        rpcpool.NetworkHealth `json:"health"`
	Revision      uint64                `json:"revision"`
	Checkpoint    uint64                `json:"checkpoint"`
	Planned       registry.Counts       `json:"planned"`
	Committed     registry.Counts       `json:"committed"`
	FailedBatches []string              `json:"failed_batches,omitempty"`
	Warnings      []string              `json:"warnings,omitempty"`
	Error         string                `json:"error,omitempty"`
	Duration      time.Duration         `json:"duration"`

	// Ops is only filled on dry runs.
	Ops []registry.Op `json:"ops,omitempty"`
}

// CycleReport summarizes a reconciliation cycle.
type CycleReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DryRun     bool            `json:"dry_run"`
	Networks   []NetworkReport `json:"networks"`
	Error      string          `json:"error,omitempty"`
}

// Network returns the report of a network, if present.
func (c *CycleReport) Network(network string) (NetworkReport, bool) {
	for _, r := range c.Networks {
		if r.Network == network {
			return r, true
		}
	}
	return NetworkReport{}, false
}

// NetworkInfo is the live state of a network for the status API.
type NetworkInfo struct {
	Network     string                `json:"network"`
	Checkpoint  uint64                `json:"checkpoint"`
	Submissions map[string]int64      `json:"submissions"`
	Pool        *rpcpool.HealthStatus `json:"pool,omitempty"`
	LastStatus  NetworkStatus         `json:"last_status,omitempty"`
}
