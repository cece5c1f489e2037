package db

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const networkDBFilename = "network_data.db"

// NetworkDBManager manages per-network database instances so that one
// network's storage never contends with another's.
type NetworkDBManager struct {
	baseDir   string
	databases map[string]*DB // network -> DB instance
	mu        sync.RWMutex
	logger    zerolog.Logger
	inMemory  bool
}

// NewNetworkDBManager creates a new manager for per-network databases
func NewNetworkDBManager(baseDir string, logger zerolog.Logger) *NetworkDBManager {
	return &NetworkDBManager{
		baseDir:   baseDir,
		databases: make(map[string]*DB),
		logger:    logger.With().Str("component", "network_db_manager").Logger(),
	}
}

// NewInMemoryNetworkDBManager creates a manager with in-memory databases (for testing)
func NewInMemoryNetworkDBManager(logger zerolog.Logger) *NetworkDBManager {
	return &NetworkDBManager{
		databases: make(map[string]*DB),
		logger:    logger.With().Str("component", "network_db_manager").Logger(),
		inMemory:  true,
	}
}

// GetNetworkDB returns the database for a network, creating it lazily.
func (m *NetworkDBManager) GetNetworkDB(network string) (*DB, error) {
	m.mu.RLock()
	if db, exists := m.databases[network]; exists {
		m.mu.RUnlock()
		return db, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if db, exists := m.databases[network]; exists {
		return db, nil
	}

	var db *DB
	var err error

	if m.inMemory {
		db, err = OpenInMemoryDB(true)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create in-memory database for network %s", network)
		}
		m.logger.Debug().
			Str("network", network).
			Msg("created in-memory database for network")
	} else {
		dir := filepath.Join(m.baseDir, "chains", sanitizeNetworkID(network))
		db, err = OpenFileDB(dir, networkDBFilename, true)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create database for network %s", network)
		}
		m.logger.Info().
			Str("network", network).
			Str("db_path", filepath.Join(dir, networkDBFilename)).
			Msg("created file database for network")
	}

	m.databases[network] = db
	return db, nil
}

// GetStore returns the NetworkStore backed by a network's database.
func (m *NetworkDBManager) GetStore(network string) (*NetworkStore, error) {
	db, err := m.GetNetworkDB(network)
	if err != nil {
		return nil, err
	}
	return NewNetworkStore(network, db), nil
}

// Networks returns the networks with an open database, sorted.
func (m *NetworkDBManager) Networks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.databases))
	for network := range m.databases {
		out = append(out, network)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes all database connections
func (m *NetworkDBManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for network, db := range m.databases {
		if err := db.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to close database for network %s", network))
		}
	}

	m.databases = make(map[string]*DB)

	if len(errs) > 0 {
		return errors.Errorf("failed to close %d databases", len(errs))
	}

	return nil
}

// GetDatabaseStats returns statistics about managed databases
func (m *NetworkDBManager) GetDatabaseStats() map[string]interface{} {
	networks := m.Networks()
	return map[string]interface{}{
		"total_databases": len(networks),
		"networks":        networks,
		"in_memory":       m.inMemory,
		"base_directory":  m.baseDir,
	}
}

// sanitizeNetworkID converts a network id to a filesystem-safe name,
// e.g. "cosmos:juno-1" -> "cosmos_juno-1".
func sanitizeNetworkID(network string) string {
	var b strings.Builder
	for _, r := range network {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
