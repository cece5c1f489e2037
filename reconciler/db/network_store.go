package db

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/AbstractSDK/ans-scraper/reconciler/store"
)

// NetworkStore provides checkpoint and submission ledger operations for one
// network.
type NetworkStore struct {
	network  string
	database *DB
}

// NewNetworkStore creates a new network store
func NewNetworkStore(network string, database *DB) *NetworkStore {
	return &NetworkStore{
		network:  network,
		database: database,
	}
}

// Network returns the network this store belongs to.
func (s *NetworkStore) Network() string {
	return s.network
}

// GetCheckpoint returns the last fully reconciled revision, 0 if none.
func (s *NetworkStore) GetCheckpoint() (uint64, error) {
	if s.database == nil {
		return 0, errors.New("database is nil")
	}

	var cp store.Checkpoint
	err := s.database.Client().Where("network = ?", s.network).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to get checkpoint")
	}
	return cp.Revision, nil
}

// AdvanceCheckpoint moves the checkpoint forward to revision. Lower values
// never overwrite a higher stored one. It returns the stored revision after
// the call.
func (s *NetworkStore) AdvanceCheckpoint(revision uint64) (uint64, error) {
	if s.database == nil {
		return 0, errors.New("database is nil")
	}

	stored := revision
	err := s.database.Client().Transaction(func(tx *gorm.DB) error {
		var cp store.Checkpoint
		err := tx.Where("network = ?", s.network).First(&cp).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&store.Checkpoint{Network: s.network, Revision: revision}).Error
		}
		if err != nil {
			return err
		}
		if revision <= cp.Revision {
			stored = cp.Revision
			return nil
		}
		return tx.Model(&cp).Update("revision", revision).Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to advance checkpoint")
	}
	return stored, nil
}

// ResetCheckpoint sets the checkpoint unconditionally. Operator use only.
func (s *NetworkStore) ResetCheckpoint(revision uint64) error {
	if s.database == nil {
		return errors.New("database is nil")
	}

	err := s.database.Client().Transaction(func(tx *gorm.DB) error {
		var cp store.Checkpoint
		err := tx.Where("network = ?", s.network).First(&cp).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&store.Checkpoint{Network: s.network, Revision: revision}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&cp).Update("revision", revision).Error
	})
	return errors.Wrap(err, "failed to reset checkpoint")
}

// CreateSubmission inserts a new ledger record.
func (s *NetworkStore) CreateSubmission(rec *store.SubmissionRecord) error {
	if s.database == nil {
		return errors.New("database is nil")
	}
	rec.Network = s.network
	return errors.Wrap(s.database.Client().Create(rec).Error, "failed to create submission record")
}

// SaveSubmission persists every field of an existing record.
func (s *NetworkStore) SaveSubmission(rec *store.SubmissionRecord) error {
	if s.database == nil {
		return errors.New("database is nil")
	}
	return errors.Wrap(s.database.Client().Save(rec).Error, "failed to save submission record")
}

// GetSubmissionsByStatus returns records in a status, oldest first.
func (s *NetworkStore) GetSubmissionsByStatus(status string) ([]store.SubmissionRecord, error) {
	if s.database == nil {
		return nil, errors.New("database is nil")
	}

	var records []store.SubmissionRecord
	if err := s.database.Client().
		Where("network = ? AND status = ?", s.network, status).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query %s submissions", status)
	}
	return records, nil
}

// PruneCommitted deletes committed records covered by the checkpoint.
func (s *NetworkStore) PruneCommitted(checkpoint uint64) (int64, error) {
	if s.database == nil {
		return 0, errors.New("database is nil")
	}

	res := s.database.Client().
		Unscoped().
		Where("network = ? AND status = ? AND max_revision <= ?", s.network, store.StatusCommitted, checkpoint).
		Delete(&store.SubmissionRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to prune committed submissions")
	}
	return res.RowsAffected, nil
}

// CountByStatus returns the number of ledger records per status.
func (s *NetworkStore) CountByStatus() (map[string]int64, error) {
	if s.database == nil {
		return nil, errors.New("database is nil")
	}

	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := s.database.Client().
		Model(&store.SubmissionRecord{}).
		Select("status, count(*) as count").
		Where("network = ?", s.network).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count submissions")
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}
