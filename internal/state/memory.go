package state

import (
	"context"
	"sync"

	"github.com/matst80/stratum-proxy/internal/obs"
)

type memoryStore struct {
	mu        sync.Mutex
	sessions  map[string]SessionInfo
	total     int64
	bytesUp   int64
	bytesDown int64
	failed    int64
	closing   bool
	ready     bool
}

// NewMemoryStore returns a Store held in process memory.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]SessionInfo)}
}

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryStore) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *memoryStore) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *memoryStore) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }

func (m *memoryStore) Close(context.Context) error { return nil }

func (m *memoryStore) SessionOpened(info SessionInfo) {
	m.mu.Lock()
	m.sessions[info.ID] = info
	m.total++
	m.mu.Unlock()
}

func (m *memoryStore) SessionClosed(res SessionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[res.ID]; !ok {
		obs.Debug("state.unknown_session", obs.Fields{"id": res.ID})
		return
	}
	delete(m.sessions, res.ID)
	m.bytesUp += res.BytesUp
	m.bytesDown += res.BytesDown
	if res.Failed {
		m.failed++
	}
}

func (m *memoryStore) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Active:        len(m.sessions),
		TotalSessions: m.total,
		BytesUp:       m.bytesUp,
		BytesDown:     m.bytesDown,
		Failed:        m.failed,
	}
}
