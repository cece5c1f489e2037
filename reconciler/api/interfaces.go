package api

import "github.com/AbstractSDK/ans-scraper/reconciler/core"

// StatusProvider exposes reconciler state to the API server.
type StatusProvider interface {
	LastCycle() *core.CycleReport
	NetworkInfo() ([]core.NetworkInfo, error)
	DatabaseStats() map[string]interface{}
}

// CycleTrigger requests an out-of-schedule cycle.
type CycleTrigger interface {
	ForceRun()
}
