// Package srt provides SRT ingest for segmux: a listener accepting
// publishers and a puller dialing remote SRT sources, both feeding raw
// transport-stream bytes into the ingest registry.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/segmux/ingest"
)

// readBufferSize is the SRT socket read buffer: a multiple of the
// standard 1316-byte SRT payload (7 MPEG-TS packets).
const readBufferSize = 1316 * 10

// defaultLatency is the SRT latency setting used when Config.Latency is
// zero.
const defaultLatency = 120 * time.Millisecond

// Config holds shared SRT settings.
type Config struct {
	Addr    string
	Latency time.Duration
}

func (c Config) srtConfig() srtgo.Config {
	cfg := srtgo.DefaultConfig()
	latency := c.Latency
	if latency == 0 {
		latency = defaultLatency
	}
	cfg.Latency = latency
	return cfg
}

// Listener accepts incoming SRT publish connections and registers them
// with the ingest registry.
type Listener struct {
	log      *slog.Logger
	cfg      Config
	registry *ingest.Registry
}

// NewListener creates an SRT listener. If log is nil, slog.Default() is
// used.
func NewListener(cfg Config, registry *ingest.Registry, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		log:      log.With("component", "srt-listener"),
		cfg:      cfg,
		registry: registry,
	}
}

// Run accepts publish connections until the context is cancelled.
// Connections without a stream ID are rejected at handshake.
func (l *Listener) Run(ctx context.Context) error {
	sock, err := srtgo.Listen(l.cfg.Addr, l.cfg.srtConfig())
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", l.cfg.Addr, err)
	}
	l.log.Info("listening", "addr", l.cfg.Addr)

	sock.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		sock.Close()
	}()

	for {
		conn, err := sock.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("accept error", "error", err)
			continue
		}

		key := streamKeyFromID(conn.StreamID())
		l.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go l.receive(ctx, conn, key)
	}
}

func (l *Listener) receive(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	source, writer := l.registry.Register(key)
	source.SetRemoteAddr(conn.RemoteAddr().String())
	defer l.registry.Unregister(key)

	copyConn(ctx, l.log, conn, source, writer, key)

	stats := source.Stats()
	l.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// Puller dials remote SRT listeners and streams their data into the
// ingest registry, one active pull per stream key.
type Puller struct {
	log      *slog.Logger
	cfg      Config
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]context.CancelFunc
}

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// NewPuller creates a Puller. If log is nil, slog.Default() is used.
func NewPuller(cfg Config, registry *ingest.Registry, log *slog.Logger) *Puller {
	if log == nil {
		log = slog.Default()
	}
	return &Puller{
		log:      log.With("component", "srt-puller"),
		cfg:      cfg,
		registry: registry,
		pulls:    make(map[string]context.CancelFunc),
	}
}

// Pull dials the remote SRT listener synchronously with a timeout,
// returning an error if the connection fails. On success, streaming
// continues in a background goroutine until Stop or context
// cancellation.
func (p *Puller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return fmt.Errorf("address is required")
	}
	if req.StreamKey == "" {
		return fmt.Errorf("streamKey is required")
	}

	p.mu.Lock()
	if _, exists := p.pulls[req.StreamKey]; exists {
		p.mu.Unlock()
		return fmt.Errorf("pull already active for stream key %q", req.StreamKey)
	}
	p.mu.Unlock()

	cfg := p.cfg.srtConfig()
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}

	p.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	conn, err := dialTimeout(ctx, req.Address, cfg, 10*time.Second)
	if err != nil {
		return err
	}

	pullCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if _, exists := p.pulls[req.StreamKey]; exists {
		p.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("pull already active for stream key %q", req.StreamKey)
	}
	p.pulls[req.StreamKey] = cancel
	p.mu.Unlock()

	p.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	source, writer := p.registry.Register(req.StreamKey)
	source.SetRemoteAddr(req.Address)

	go func() {
		defer func() {
			conn.Close()
			stats := source.Stats()
			p.registry.Unregister(req.StreamKey)
			p.mu.Lock()
			delete(p.pulls, req.StreamKey)
			p.mu.Unlock()
			p.log.Info("pull ended", "stream_key", req.StreamKey,
				"bytes", stats.BytesReceived, "uptime_ms", stats.UptimeMs)
		}()
		copyConn(pullCtx, p.log, conn, source, writer, req.StreamKey)
	}()

	return nil
}

// Stop cancels the active pull for a stream key.
func (p *Puller) Stop(streamKey string) error {
	p.mu.Lock()
	cancel, ok := p.pulls[streamKey]
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for stream key %q", streamKey)
	}
	cancel()
	return nil
}

// Active returns the stream keys with a pull in progress.
func (p *Puller) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.pulls))
	for key := range p.pulls {
		keys = append(keys, key)
	}
	return keys
}

// dialTimeout runs srtgo.Dial with a deadline, draining and closing any
// connection that arrives after the deadline fired.
func dialTimeout(ctx context.Context, addr string, cfg srtgo.Config, timeout time.Duration) (*srtgo.Conn, error) {
	type result struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- result{conn, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("SRT dial timed out after %s", timeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

// copyConn pumps bytes from an SRT connection into a registry pipe until
// the context ends or either side fails.
func copyConn(ctx context.Context, log *slog.Logger, conn *srtgo.Conn, source *ingest.Source, writer io.Writer, key string) {
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", key, "error", err)
			}
			return
		}
		source.RecordRead(n)
		if _, err := writer.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "stream_key", key, "error", err)
			return
		}
	}
}

// streamKeyFromID extracts the stream key from an SRT stream ID,
// stripping the conventional "live/" prefix.
func streamKeyFromID(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
