package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/segmux/engine"
	"github.com/zsiec/segmux/ingest"
	srtingest "github.com/zsiec/segmux/ingest/srt"
	"github.com/zsiec/segmux/media"
	"github.com/zsiec/segmux/stream"
	"github.com/zsiec/segmux/worker"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srtAddr := envOr("SRT_ADDR", ":6000")
	apiAddr := envOr("API_ADDR", ":4444")
	outDir := envOr("OUT_DIR", "out")
	workerCmd := os.Getenv("WORKER_CMD")
	segmentBytes, err := strconv.Atoi(envOr("SEGMENT_BYTES", "1048576"))
	if err != nil || segmentBytes <= 0 {
		slog.Error("invalid SEGMENT_BYTES", "value", os.Getenv("SEGMENT_BYTES"))
		os.Exit(1)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		slog.Error("failed to create output directory", "dir", outDir, "error", err)
		os.Exit(1)
	}

	slog.Info("segmux starting",
		"version", version,
		"srt", srtAddr,
		"api", apiAddr,
		"out_dir", outDir,
		"segment_bytes", segmentBytes,
		"worker", workerLabel(workerCmd),
	)

	a := &app{
		mgr:          stream.NewManager(nil),
		outDir:       outDir,
		segmentBytes: segmentBytes,
		workerCmd:    workerCmd,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Create registry and SRT puller after errgroup so closures capture the
	// errgroup-derived context, ensuring sessions shut down when any
	// component fails.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader) {
		a.handleNewStream(ctx, key, input)
	})
	a.puller = srtingest.NewPuller(srtingest.Config{}, a.registry, nil)

	srtListener := srtingest.NewListener(srtingest.Config{Addr: srtAddr}, a.registry, nil)

	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: a.apiHandler(ctx),
	}

	g.Go(func() error {
		return srtListener.Run(ctx)
	})

	g.Go(func() error {
		slog.Info("API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	mgr          *stream.Manager
	registry     *ingest.Registry
	puller       *srtingest.Puller
	outDir       string
	segmentBytes int
	workerCmd    string
}

// newChannel builds the worker channel for a session: an in-process
// pass-through worker by default, or a subprocess speaking the wire
// protocol over stdio when WORKER_CMD is set.
func (a *app) newChannel(ctx context.Context, key string) (worker.Channel, error) {
	if a.workerCmd == "" {
		return worker.NewHost(worker.NewLoopback, nil), nil
	}

	parts := strings.Fields(a.workerCmd)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			slog.Error("worker process exited", "stream", key, "error", err)
		}
	}()

	return worker.NewRemoteChannel(&stdioPipe{stdout, stdin}, nil), nil
}

// stdioPipe joins a subprocess's stdout/stdin into one ReadWriteCloser.
type stdioPipe struct {
	io.Reader
	io.WriteCloser
}

func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader) {
	slog.Info("new stream from ingest", "key", key)

	ch, err := a.newChannel(ctx, key)
	if err != nil {
		slog.Error("failed to create worker channel", "stream", key, "error", err)
		return
	}
	eng := engine.New(ch, slog.Default().With("stream", key))

	session, created := a.mgr.Create(key, eng)
	if !created {
		slog.Warn("rejecting duplicate stream connection", "key", key)
		eng.Close()
		return
	}
	defer func() {
		a.mgr.Remove(key)
		if err := eng.Close(); err != nil {
			slog.Warn("engine close", "stream", key, "error", err)
		}
		slog.Info("stream ended", "key", key)
	}()

	if err := runSession(ctx, session, input, a.outDir, a.segmentBytes); err != nil {
		slog.Error("session error", "stream", key, "error", err)
	}
}

// runSession slices the input into packet-aligned chunks and drives the
// engine one segment at a time, writing finalized segments to disk and
// feeding caption and metadata tracks. The engine allows unbounded
// queueing; pacing one request per completion keeps memory proportional
// to a single segment.
func runSession(ctx context.Context, session *stream.Session, input io.Reader, outDir string, segmentBytes int) error {
	slicer := ingest.NewSlicer(input, segmentBytes)
	seq := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		payload, err := slicer.Next()
		if err == io.EOF {
			session.Engine.EndTimeline()
			return nil
		}
		if err != nil {
			return err
		}

		done := make(chan struct{})
		name := fmt.Sprintf("%s_%06d.mp4", session.Key, seq)
		seq++

		session.Engine.Transmux(&engine.Request{
			Payload: payload,
			OnData: func(data media.SegmentData) {
				n, err := writeSegment(outDir, name, data)
				if err != nil {
					slog.Error("segment write failed", "stream", session.Key, "file", name, "error", err)
					return
				}
				session.RecordSegment(n)
			},
			OnTrackInfo: func(info media.TrackInfo) {
				slog.Debug("track info", "stream", session.Key,
					"audio", info.HasAudio, "video", info.HasVideo)
			},
			OnID3: func(frames []media.Metadata, dispatchType string) {
				session.Metadata.AddMetadata(frames, dispatchType)
			},
			OnCaptions: func(captions []media.Caption, streams map[string]bool) {
				session.Captions.AddCaptions(captions, streams)
			},
			OnDone: func(*media.SegmentResult) {
				close(done)
			},
		})

		select {
		case <-done:
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return nil
		}
	}
}

// writeSegment appends a finished fragment to the per-segment output
// file, prefixing the init segment on first write.
func writeSegment(outDir, name string, data media.SegmentData) (int, error) {
	path := filepath.Join(outDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	written := 0
	if info, err := f.Stat(); err == nil && info.Size() == 0 && len(data.InitSegment) > 0 {
		n, err := f.Write(data.InitSegment)
		written += n
		if err != nil {
			return written, err
		}
	}
	n, err := f.Write(data.Data)
	written += n
	return written, err
}

func (a *app) apiHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/streams", func(w http.ResponseWriter, r *http.Request) {
		sessions := a.mgr.List()
		stats := make([]stream.SessionStats, len(sessions))
		for i, s := range sessions {
			stats[i] = s.Stats()
		}
		writeJSON(w, stats)
	})

	mux.HandleFunc("GET /api/streams/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		session, ok := a.mgr.Get(key)
		if !ok {
			http.Error(w, "stream not found", http.StatusNotFound)
			return
		}
		writeJSON(w, session.Stats())
	})

	mux.HandleFunc("GET /api/streams/{key}/ingest", func(w http.ResponseWriter, r *http.Request) {
		source, ok := a.registry.Get(r.PathValue("key"))
		if !ok {
			http.Error(w, "stream not found", http.StatusNotFound)
			return
		}
		writeJSON(w, source.Stats())
	})

	mux.HandleFunc("POST /api/srt/pull", func(w http.ResponseWriter, r *http.Request) {
		var req srtingest.PullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := a.puller.Pull(ctx, req); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /api/srt/stop/{key}", func(w http.ResponseWriter, r *http.Request) {
		if err := a.puller.Stop(r.PathValue("key")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /api/srt/pulls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.puller.Active())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func workerLabel(cmd string) string {
	if cmd == "" {
		return "in-process"
	}
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
