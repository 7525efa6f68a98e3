// Package state persists the cluster view of a node in badger so that a
// restarted node rejoins with its slot map, epochs and peers. Nothing in the
// cluster depends on it for correctness.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	stateKey             = "cluster-state"
	saveDebounceDuration = 100 * time.Millisecond
)

// Provider captures and restores the state of a running node.
type Provider interface {
	CaptureState() *PersistentState
	RestoreState(state *PersistentState) error
}

type StateManager struct {
	db       *badger.DB
	provider Provider
	logger   *zap.Logger

	dirty atomic.Bool
	mu    sync.Mutex

	saveCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

func NewStateManager(dataDir string, logger *zap.Logger) (*StateManager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	m := &StateManager{
		db:     db,
		logger: logger.Named("state"),
		saveCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.saveLoop()

	return m, nil
}

func (m *StateManager) SetProvider(provider Provider) {
	m.mu.Lock()
	m.provider = provider
	m.mu.Unlock()
}

func (m *StateManager) saveLoop() {
	defer m.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-m.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(saveDebounceDuration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if m.dirty.Load() {
				if err := m.save(); err != nil {
					m.logger.Warn("state save failed", zap.Error(err))
				}
			}

		case <-m.doneCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// MarkDirty schedules a save. Bursts of calls collapse into one write.
func (m *StateManager) MarkDirty() {
	if m.dirty.CompareAndSwap(false, true) {
		select {
		case m.saveCh <- struct{}{}:
		default:
		}
	}
}

// Read returns the saved state, or nil when nothing was saved yet.
func (m *StateManager) Read() (*PersistentState, error) {
	var data []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateKey))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	if state.Version != CurrentStateVersion {
		return nil, fmt.Errorf("unsupported state version: %d", state.Version)
	}
	return &state, nil
}

// Load restores the saved state into the provider. A missing record is
// not an error.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider == nil {
		return fmt.Errorf("provider not set")
	}
	state, err := m.Read()
	if err != nil || state == nil {
		return err
	}
	return m.provider.RestoreState(state)
}

func (m *StateManager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider == nil {
		return fmt.Errorf("provider not set")
	}

	// Cleared before capturing so a change racing with this save marks
	// the state dirty again.
	m.dirty.Store(false)
	state := m.provider.CaptureState()
	state.Version = CurrentStateVersion

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), data)
	}); err != nil {
		m.dirty.Store(true)
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func (m *StateManager) Save() error {
	return m.save()
}

func (m *StateManager) Close() error {
	close(m.doneCh)
	m.wg.Wait()

	var err error
	if m.dirty.Load() {
		err = m.save()
	}
	if cerr := m.db.Close(); err == nil {
		err = cerr
	}
	return err
}
