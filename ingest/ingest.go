// Package ingest accepts continuous media byte flows from source
// protocols and hands them to per-stream transmux sessions, tracking
// connection-level metrics along the way.
package ingest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// SourceStats captures connection-level metrics for an ingest source,
// exposed via the stats API for monitoring source health.
type SourceStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Source is one active ingest connection: the raw byte reader feeding a
// transmux session, plus metadata and lifecycle signaling. Bytes written
// to the internal pipe by the protocol receiver are read by the
// session's segment slicer.
type Source struct {
	Key       string
	StartedAt time.Time
	input     io.ReadCloser
	pw        io.WriteCloser
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters, called by the
// protocol receiver after each successful socket read.
func (s *Source) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the ingest connection for
// diagnostics.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the source is unregistered.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of ingest connection metrics.
func (s *Source) Stats() SourceStats {
	addr, _ := s.remoteAddr.Load().(string)
	return SourceStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest sources by stream key and dispatches new
// ones to the onSource callback for session setup. It is the rendezvous
// point between protocol receivers and the transmux sessions.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	onSource func(key string, input io.Reader)
}

// NewRegistry creates a Registry. The onSource callback is invoked on
// its own goroutine whenever a new source is registered.
func NewRegistry(onSource func(key string, input io.Reader)) *Registry {
	return &Registry{
		sources:  make(map[string]*Source),
		onSource: onSource,
	}
}

// Register creates a new ingest source with the given key, returning the
// Source and the Writer the protocol receiver should write into.
func (r *Registry) Register(key string) (*Source, io.Writer) {
	pr, pw := io.Pipe()

	source := &Source{
		Key:       key,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.sources[key] = source
	r.mu.Unlock()

	if r.onSource != nil {
		go r.onSource(key, pr)
	}

	return source, pw
}

// Unregister removes a source by key, closing its pipe and signaling
// Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	source, ok := r.sources[key]
	if ok {
		delete(r.sources, key)
	}
	r.mu.Unlock()

	if ok {
		source.pw.Close()
		close(source.done)
	}
}

// Get returns the Source for the given key, or false if not found.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}
