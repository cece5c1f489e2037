// Package store contains GORM-backed SQLite models used by the reconciler.
//
// Database Structure (database file: network_data.db):
//
//	chains/
//	└── {network}/
//	    └── network_data.db
//	        ├── checkpoints
//	        └── submission_records
package store

import (
	"gorm.io/gorm"
)

// Submission record statuses.
const (
	StatusPending   = "PENDING"
	StatusCommitted = "COMMITTED"
	StatusFailed    = "FAILED"
)

// Checkpoint is the last fully reconciled source revision of a network.
// One record per database (each network has its own DB).
type Checkpoint struct {
	gorm.Model
	Network  string `gorm:"uniqueIndex;not null"`
	Revision uint64 `gorm:"not null"`
}

// SubmissionRecord tracks one batch transaction from build to a terminal state.
type SubmissionRecord struct {
	gorm.Model
	Network        string `gorm:"index;not null"`
	Signer         string `gorm:"not null"`
	SignerSequence uint64
	OpBatch        []byte // JSON-encoded []registry.Op
	OpCount        int
	MinRevision    uint64
	MaxRevision    uint64 `gorm:"index"`

	// TxHash is the upper-case hex hash of the signed tx, empty until built.
	TxHash     string `gorm:"index"`
	Status     string `gorm:"index;not null"` // "PENDING", "COMMITTED" or "FAILED"
	RetryCount int
	LastError  string `gorm:"type:text"`
	Height     int64
}
