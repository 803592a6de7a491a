package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cory-johannsen/vdm/internal/game/room"
)

// Memory is a Store kept in process memory. Snapshots are stored encoded so
// a loaded record never aliases a live room. Failures can be injected for tests.
type Memory struct {
	mu       sync.Mutex
	rooms    map[string][]byte
	accounts map[string]Account
	byName   map[string]string
	loadErr  error
	saveErr  error
	loads    int
	saves    int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string][]byte),
		accounts: make(map[string]Account),
		byName:   make(map[string]string),
	}
}

// SetLoadError makes every Load fail with err until cleared with nil.
func (m *Memory) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetSaveError makes every Save fail with err until cleared with nil.
func (m *Memory) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Load implements Gateway.
func (m *Memory) Load(_ context.Context, roomID string) (room.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return room.Record{}, m.loadErr
	}
	data, ok := m.rooms[roomID]
	if !ok {
		return room.Record{}, ErrNotFound
	}
	var rec room.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return room.Record{}, fmt.Errorf("decoding room %s: %w", roomID, err)
	}
	return rec, nil
}

// Save implements Gateway.
func (m *Memory) Save(_ context.Context, roomID string, rec room.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", roomID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.rooms[roomID] = data
	return nil
}

// Loads returns the number of Load calls.
func (m *Memory) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// Saves returns the number of successful Save calls.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// CreateAccount implements AccountStore.
func (m *Memory) CreateAccount(_ context.Context, acct Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(acct.Name)
	if _, ok := m.byName[key]; ok {
		return ErrAccountExists
	}
	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	m.accounts[acct.ID] = acct
	m.byName[key] = acct.ID
	return nil
}

// AccountByName implements AccountStore.
func (m *Memory) AccountByName(_ context.Context, name string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[strings.ToLower(name)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.accounts[id], nil
}

// AccountByID implements AccountStore.
func (m *Memory) AccountByID(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

// Health implements Store. It reports the injected load error, if any.
func (m *Memory) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadErr
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
