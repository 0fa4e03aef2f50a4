package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/segmux/media"
)

// RemoteChannel speaks the worker protocol to a transmuxing actor on the
// far side of a byte stream, typically a subprocess pipe or a socket.
// Commands are framed with the wire codec; a background goroutine decodes
// inbound events and delivers them in arrival order.
type RemoteChannel struct {
	log *slog.Logger
	rw  io.ReadWriteCloser

	writeMu sync.Mutex
	events  chan Event

	closeOnce sync.Once
	closeErr  error
}

// NewRemoteChannel wraps rw as a Channel. The event-reading goroutine
// runs until rw fails or Close is called. If log is nil, slog.Default()
// is used.
func NewRemoteChannel(rw io.ReadWriteCloser, log *slog.Logger) *RemoteChannel {
	if log == nil {
		log = slog.Default()
	}
	c := &RemoteChannel{
		log:    log.With("component", "remote-worker"),
		rw:     rw,
		events: make(chan Event, media.EventBufferSize),
	}
	go c.readLoop()
	return c
}

// Send encodes and writes one command. Safe for concurrent use; frame
// writes are serialized so commands never interleave on the wire.
func (c *RemoteChannel) Send(cmd Command) error {
	msgType, payload := EncodeCommand(cmd)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteMessage(c.rw, msgType, payload); err != nil {
		return fmt.Errorf("send command 0x%02x: %w", msgType, err)
	}
	return nil
}

// Events returns the inbound event stream. The channel is closed when the
// transport fails or the channel is closed.
func (c *RemoteChannel) Events() <-chan Event {
	return c.events
}

// Close tears down the transport, unblocking the read loop.
func (c *RemoteChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

func (c *RemoteChannel) readLoop() {
	defer close(c.events)

	// Wrap once: ReadMessage may read ahead through the bufio layer, so a
	// fresh wrapper per frame would drop buffered bytes.
	r := bufio.NewReader(c.rw)

	for {
		msgType, payload, err := ReadMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("event read ended", "error", err)
			}
			return
		}

		ev, err := DecodeEvent(msgType, payload)
		if err != nil {
			c.log.Warn("dropping undecodable event", "type", msgType, "error", err)
			continue
		}
		c.events <- ev
	}
}

// Serve hosts a transmuxer on the far side of a remote channel: it reads
// commands from rw, applies them to the transmuxer produced by newMux,
// and writes the emitted events back. It returns when rw is exhausted or
// fails. Intended as the main loop of a worker subprocess.
func Serve(rw io.ReadWriteCloser, newMux func(emit Emit) Transmuxer, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "worker-serve")

	var writeMu sync.Mutex
	emit := func(ev Event) {
		msgType, payload := EncodeEvent(ev)
		writeMu.Lock()
		err := WriteMessage(rw, msgType, payload)
		writeMu.Unlock()
		if err != nil {
			log.Debug("event write failed", "type", msgType, "error", err)
		}
	}

	mux := newMux(emit)

	r := bufio.NewReader(rw)
	for {
		msgType, payload, err := ReadMessage(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}

		cmd, err := DecodeCommand(msgType, payload)
		if err != nil {
			return fmt.Errorf("decode command: %w", err)
		}

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
		}
	}
}
