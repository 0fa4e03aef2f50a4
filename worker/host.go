package worker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/zsiec/segmux/media"
)

// ErrChannelClosed is returned by Send after the channel has been closed.
var ErrChannelClosed = errors.New("worker: channel closed")

// Host runs a Transmuxer as an in-process actor: a single goroutine
// consumes commands in order and publishes the events the transmuxer
// emits while handling them. Payload slices given to Send are handed to
// the transmuxer without copying; the caller relinquishes ownership.
type Host struct {
	log    *slog.Logger
	cmds   chan Command
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// NewHost starts an actor around the transmuxer produced by newMux. The
// constructor receives the emit callback the transmuxer should publish
// events through. If log is nil, slog.Default() is used.
func NewHost(newMux func(emit Emit) Transmuxer, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	h := &Host{
		log:    log.With("component", "worker-host"),
		cmds:   make(chan Command, media.CommandBufferSize),
		events: make(chan Event, media.EventBufferSize),
		done:   make(chan struct{}),
	}

	mux := newMux(h.emit)
	go h.run(mux)
	return h
}

// Send queues a command for the actor. Commands are applied strictly in
// Send order.
func (h *Host) Send(cmd Command) error {
	select {
	case <-h.done:
		return ErrChannelClosed
	default:
	}

	select {
	case h.cmds <- cmd:
		return nil
	case <-h.done:
		return ErrChannelClosed
	}
}

// Events returns the actor's event stream. The channel is closed when the
// host shuts down.
func (h *Host) Events() <-chan Event {
	return h.events
}

// Close stops the actor. Commands already queued may be dropped.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	return nil
}

func (h *Host) run(mux Transmuxer) {
	defer close(h.events)

	for {
		select {
		case <-h.done:
			return
		case cmd := <-h.cmds:
			h.apply(mux, cmd)
		}
	}
}

func (h *Host) apply(mux Transmuxer, cmd Command) {
	switch c := cmd.(type) {
	case Push:
		mux.Push(c.Data[c.ByteOffset : c.ByteOffset+c.ByteLength])
	case Flush:
		mux.Flush()
	case PartialFlush:
		mux.PartialFlush()
	case SetAudioAppendStart:
		mux.SetAudioAppendStart(c.AppendStart)
	case AlignGopsWith:
		mux.AlignGopsWith(c.Gops)
	case Reset:
		mux.Reset()
	case EndTimeline:
		mux.EndTimeline()
	default:
		h.log.Warn("unhandled command", "type", cmd.msgType())
	}
}

func (h *Host) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}
