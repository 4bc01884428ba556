package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// RecoveryLogger is the logging subset used by recovery and cleanup services.
type RecoveryLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopRecoveryLogger struct{}

func (n *nopRecoveryLogger) Info(string, ...any) {}
func (n *nopRecoveryLogger) Warn(string, ...any) {}

// RecoveryManager scans persisted instances on startup and resumes every
// non-terminal one through the coordinator.
type RecoveryManager struct {
	coordinator *Coordinator
	store       Store
	logger      RecoveryLogger
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(coordinator *Coordinator, store Store, logger RecoveryLogger) (*RecoveryManager, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = &nopRecoveryLogger{}
	}
	return &RecoveryManager{
		coordinator: coordinator,
		store:       store,
		logger:      logger,
	}, nil
}

// Recover resumes all non-terminal instances and returns how many reached
// a terminal state. Failures on individual instances do not stop the scan;
// the first error is returned after the full pass.
func (m *RecoveryManager) Recover(ctx context.Context) (int, error) {
	instances, _, err := m.store.List(ctx, ListFilter{})
	if err != nil {
		return 0, err
	}

	m.logger.Info("saga recovery scan started", "instances", len(instances))

	recovered := 0
	var firstErr error
	for _, instance := range instances {
		if instance == nil || instance.Status.IsTerminal() {
			continue
		}

		if _, err := m.coordinator.Definition(instance.DefinitionName); err != nil {
			m.logger.Warn("skipping recovery, definition not registered",
				"saga_id", instance.ID,
				"definition", instance.DefinitionName,
			)
			continue
		}

		resumed, err := m.coordinator.Resume(ctx, instance.ID)
		if err != nil && (resumed == nil || !resumed.Status.IsTerminal()) {
			m.logger.Warn("saga recovery failed", "saga_id", instance.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		recovered++
		status := instance.Status.String()
		if resumed != nil {
			status = resumed.Status.String()
		}
		m.logger.Info("saga recovered", "saga_id", instance.ID, "status", status)
	}

	m.logger.Info("saga recovery scan completed", "recovered", recovered)
	return recovered, firstErr
}

// CleanupManager handles WAL retention for terminal instances.
type CleanupManager struct {
	wal        *BadgerWAL
	isTerminal func(sagaID string) bool
	logger     RecoveryLogger

	mu      sync.Mutex
	running bool
}

// NewCleanupManager creates a cleanup manager. isTerminal decides whether a
// saga's WAL entries are eligible for deletion; nil treats every saga as
// terminal.
func NewCleanupManager(wal *BadgerWAL, isTerminal func(sagaID string) bool, logger RecoveryLogger) *CleanupManager {
	if logger == nil {
		logger = &nopRecoveryLogger{}
	}
	return &CleanupManager{
		wal:        wal,
		isTerminal: isTerminal,
		logger:     logger,
	}
}

// Start runs periodic cleanup until the context is cancelled.
func (m *CleanupManager) Start(ctx context.Context, interval, retention time.Duration) error {
	if m.wal == nil {
		return nil
	}
	if interval <= 0 {
		return fmt.Errorf("cleanup interval must be > 0")
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be > 0")
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("cleanup manager already running")
	}
	m.running = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.running = false
				m.mu.Unlock()
				return
			case <-ticker.C:
				deleted, err := m.RunOnce(ctx, retention)
				if err != nil {
					m.logger.Warn("wal cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					m.logger.Info("wal cleanup completed", "deleted_entries", deleted)
				}
			}
		}
	}()

	return nil
}

// RunOnce performs one cleanup pass.
func (m *CleanupManager) RunOnce(ctx context.Context, retention time.Duration) (int, error) {
	if m.wal == nil {
		return 0, nil
	}
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be > 0")
	}

	cutoff := time.Now().UTC().Add(-retention)
	expiredBySaga := make(map[string][][]byte)

	err := m.wal.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(walKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			key := string(item.Key())
			sagaID := parseSagaIDFromWALKey(key)
			if sagaID == "" {
				continue
			}
			if !m.isSagaTerminal(sagaID) {
				continue
			}

			var entry WALEntry
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return err
			}
			if entry.Timestamp.IsZero() || entry.Timestamp.After(cutoff) {
				continue
			}

			expiredBySaga[sagaID] = append(expiredBySaga[sagaID], item.KeyCopy(nil))
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(expiredBySaga) == 0 {
		return 0, nil
	}

	totalDeleted := 0
	if err := m.wal.db.Update(func(txn *badger.Txn) error {
		for _, keys := range expiredBySaga {
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
				totalDeleted++
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}

	return totalDeleted, nil
}

func (m *CleanupManager) isSagaTerminal(sagaID string) bool {
	if m.isTerminal == nil {
		return true
	}
	return m.isTerminal(sagaID)
}

func parseSagaIDFromWALKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != strings.TrimSuffix(walKeyPrefix, ":") {
		return ""
	}
	return parts[1]
}
