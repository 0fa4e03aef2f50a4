// Package stream tracks the lifecycle of active transmux sessions,
// providing create/remove/list operations used by the ingest layer and
// the stats API.
package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/segmux/engine"
	"github.com/zsiec/segmux/track"
)

// Session is one live transmux session: the engine serializing segment
// requests to its worker, plus the caption and metadata tracks
// accumulated across segments.
type Session struct {
	Key       string
	StartedAt time.Time
	Engine    *engine.Engine
	Captions  *track.CaptionTracks
	Metadata  *track.MetadataTrack
	done      chan struct{}

	segments atomic.Int64
	bytesOut atomic.Int64
}

// RecordSegment updates output counters after a completed segment.
func (s *Session) RecordSegment(bytes int) {
	s.segments.Add(1)
	s.bytesOut.Add(int64(bytes))
}

// Done is closed when the session is removed from the manager.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SessionStats is a point-in-time snapshot of a session, serialized by
// the stats API.
type SessionStats struct {
	Key       string          `json:"key"`
	StartedAt int64           `json:"startedAt"`
	UptimeMs  int64           `json:"uptimeMs"`
	Segments  int64           `json:"segments"`
	BytesOut  int64           `json:"bytesOut"`
	Engine    engine.Snapshot `json:"engine"`
}

// Stats returns a snapshot of the session's counters and its engine's
// queue state.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Key:       s.Key,
		StartedAt: s.StartedAt.UnixMilli(),
		UptimeMs:  time.Since(s.StartedAt).Milliseconds(),
		Segments:  s.segments.Load(),
		BytesOut:  s.bytesOut.Load(),
		Engine:    s.Engine.Snapshot(),
	}
}

// Manager manages the lifecycle of active sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a new session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session bound to an engine. Returns the session
// and true if created, or nil and false if a session with this key
// already exists.
func (m *Manager) Create(key string, eng *engine.Engine) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Session{
		Key:       key,
		StartedAt: time.Now(),
		Engine:    eng,
		Captions:  track.NewCaptionTracks(nil, m.log),
		Metadata:  track.NewMetadataTrack(m.log),
		done:      make(chan struct{}),
	}

	m.sessions[key] = s
	m.log.Info("session created", "key", key)
	return s, true
}

// Remove removes a session from the manager and signals Done. The
// caller remains responsible for closing the session's engine.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "key", key)
	}
}

// Get returns the session for the given key, or false if not found.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// List returns all active sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
