package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/livedetect/internal/util"
)

// SessionInfo is a point-in-time view of a running session.
type SessionInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Stats     Stats     `json:"stats"`
}

// Manager starts sessions with shared options and keeps track of the
// running ones.
type Manager struct {
	res    Resources
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	total    atomic.Uint64
}

// NewManager creates a new session manager
func NewManager(res Resources, opts Options) *Manager {
	return &Manager{
		res:      res,
		opts:     opts,
		logger:   util.ComponentLogger("stream"),
		sessions: make(map[string]*Session),
	}
}

// Serve runs a new session into out and blocks until it is closed.
func (m *Manager) Serve(ctx context.Context, out *ChunkWriter) (*Session, error) {
	s := NewSession(m.res, m.opts)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	active := len(m.sessions)
	m.mu.Unlock()
	m.total.Add(1)
	m.logger.Debug("Session registered", "session", s.ID(), "active", active)

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
	}()

	return s, s.Run(ctx, out)
}

// Active returns the number of sessions currently running.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Total returns the number of sessions started since the process began.
func (m *Manager) Total() uint64 {
	return m.total.Load()
}

// List returns the running sessions, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, SessionInfo{
			ID:        s.ID(),
			State:     s.State().String(),
			StartedAt: s.StartedAt(),
			Stats:     s.Stats(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}
