package data

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository used in tests and for
// ephemeral nodes that opt out of durability.
type MemoryRepository struct {
	mu         sync.RWMutex
	addresses  []*Address
	windows    map[[2]int64]*PresenceWindow
	identities map[string]*IdentityRecord
	state      map[string][]byte
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		windows:    make(map[[2]int64]*PresenceWindow),
		identities: make(map[string]*IdentityRecord),
		state:      make(map[string][]byte),
	}
}

func (m *MemoryRepository) ReplaceAddresses(_ context.Context, addrs []*Address) error {
	for _, a := range addrs {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses = make([]*Address, len(addrs))
	copy(m.addresses, addrs)
	return nil
}

func (m *MemoryRepository) ListAddresses(_ context.Context) ([]*Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Address, len(m.addresses))
	copy(out, m.addresses)
	return out, nil
}

func (m *MemoryRepository) SaveWindow(_ context.Context, w *PresenceWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.windows[[2]int64{w.Window, int64(w.Tier)}] = &cp
	return nil
}

func (m *MemoryRepository) ListWindows(_ context.Context, limit int) ([]*PresenceWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PresenceWindow, 0, len(m.windows))
	for _, w := range m.windows {
		cp := *w
		out = append(out, &cp)
	}
	sortWindows(out)

	// The limit counts distinct window indexes, matching the SQL
	// implementation.
	if limit > 0 {
		distinct := 0
		cut := 0
		for i := len(out) - 1; i >= 0; i-- {
			if i == len(out)-1 || out[i].Window != out[i+1].Window {
				distinct++
				if distinct > limit {
					cut = i + 1
					break
				}
			}
		}
		out = out[cut:]
	}
	return out, nil
}

func (m *MemoryRepository) SaveIdentity(_ context.Context, id *IdentityRecord) error {
	if err := id.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.identities[string(id.PubKey)]; exists {
		return ErrDuplicate
	}
	cp := *id
	cp.CreatedAt = time.Now()
	m.identities[string(id.PubKey)] = &cp
	return nil
}

func (m *MemoryRepository) GetIdentity(_ context.Context, pubKey []byte) (*IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[string(pubKey)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *id
	return &cp, nil
}

func (m *MemoryRepository) ListIdentities(_ context.Context) ([]*IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*IdentityRecord, 0, len(m.identities))
	for _, id := range m.identities {
		cp := *id
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepository) SetNodeState(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryRepository) GetNodeState(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryRepository) Close() {}

func sortWindows(ws []*PresenceWindow) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].Window != ws[j].Window {
			return ws[i].Window < ws[j].Window
		}
		return ws[i].Tier < ws[j].Tier
	})
}
