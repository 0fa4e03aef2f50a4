// Package engine coordinates one stateful transmuxing worker: a
// single-flight task queue serializes transmux requests and control
// actions against the worker channel, an event loop routes the worker's
// asynchronous events into typed callbacks, and a per-operation
// accumulator assembles a consistent segment result before the queue
// advances.
package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/segmux/media"
	"github.com/zsiec/segmux/worker"
)

// Request is one unit of transmux work. Payload is moved into the worker
// channel on submit; the caller must not retain a usable reference to it
// afterward. Callback slots left nil are skipped. A Request is immutable
// once submitted.
type Request struct {
	Payload   []byte
	IsPartial bool

	// AudioAppendStart, when set, is forwarded to the worker before the
	// push so it can trim overlapping audio, in 90kHz clock ticks.
	AudioAppendStart *int64

	// GopsToAlignWith, when set, is forwarded to the worker before the
	// push so it can align the produced segment with previously appended
	// video.
	GopsToAlignWith []media.Gop

	OnData            func(media.SegmentData)
	OnTrackInfo       func(media.TrackInfo)
	OnAudioTimingInfo func(media.TimingInfo)
	OnVideoTimingInfo func(media.TimingInfo)
	OnID3             func(frames []media.Metadata, dispatchType string)
	OnCaptions        func(captions []media.Caption, streams map[string]bool)
	OnDone            func(*media.SegmentResult)
}

// operation is one queue entry: either a transmux request with its
// transient accumulator, or a zero-argument control action that
// completes synchronously upon send.
type operation struct {
	req *Request
	acc *accumulator

	control worker.Command
	name    string
}

// Engine owns the task queue and event routing for one worker channel.
// At most one operation is in flight at any time; the rest wait in FIFO
// order. Construct one Engine per worker-channel lifetime.
type Engine struct {
	log *slog.Logger
	ch  worker.Channel

	mu      sync.Mutex
	current *operation
	pending []*operation

	submitted atomic.Int64
	completed atomic.Int64
	fragments atomic.Int64
	captions  atomic.Int64
	metadata  atomic.Int64

	loopDone chan struct{}
}

// New creates an Engine bound to ch and starts its event loop. If log is
// nil, slog.Default() is used.
func New(ch worker.Channel, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:      log.With("component", "engine"),
		ch:       ch,
		loopDone: make(chan struct{}),
	}
	go e.loop()
	return e
}

// Transmux enqueues a transmux request. It returns immediately; the
// result is delivered through the request's callbacks once the worker
// finishes the push+flush cycle.
func (e *Engine) Transmux(req *Request) {
	e.submit(&operation{req: req, name: "transmux"})
}

// Reset enqueues a worker reset. It drains behind any in-flight and
// pending operations, guaranteeing it observes a clean worker state.
func (e *Engine) Reset() {
	e.submit(&operation{control: worker.Reset{}, name: "reset"})
}

// EndTimeline enqueues an end-of-timeline signal, queued with the same
// ordering rules as Reset.
func (e *Engine) EndTimeline() {
	e.submit(&operation{control: worker.EndTimeline{}, name: "endTimeline"})
}

// Close tears down the worker channel and waits for the event loop to
// drain. Pending operations are abandoned.
func (e *Engine) Close() error {
	err := e.ch.Close()
	<-e.loopDone
	return err
}

func (e *Engine) submit(op *operation) {
	e.submitted.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		e.pending = append(e.pending, op)
		e.log.Debug("operation queued", "op", op.name, "pending", len(e.pending))
		return
	}
	e.start(op)
}

// start makes op current and issues its worker commands. Control actions
// produce no data response, so they complete synchronously: send, then
// advance to the next pending operation immediately. Callers hold e.mu.
func (e *Engine) start(op *operation) {
	e.current = op
	e.log.Debug("operation started", "op", op.name)

	if op.control != nil {
		e.send(op.control)
		e.completed.Add(1)
		e.advance()
		return
	}

	req := op.req
	op.acc = newAccumulator(req.IsPartial)

	if req.AudioAppendStart != nil {
		e.send(worker.SetAudioAppendStart{AppendStart: *req.AudioAppendStart})
	}
	if req.GopsToAlignWith != nil {
		e.send(worker.AlignGopsWith{Gops: req.GopsToAlignWith})
	}
	if len(req.Payload) > 0 {
		e.send(worker.Push{
			Data:       req.Payload,
			ByteOffset: 0,
			ByteLength: len(req.Payload),
		})
	}

	// Flush is never skipped: it is what elicits the terminal event
	// that drives the dequeue, even when no bytes were pushed.
	if req.IsPartial {
		e.send(worker.PartialFlush{})
	} else {
		e.send(worker.Flush{})
	}
}

// advance clears the current slot and starts the head of the pending
// list, if any. Callers hold e.mu.
func (e *Engine) advance() {
	e.current = nil
	if len(e.pending) == 0 {
		return
	}
	next := e.pending[0]
	e.pending = e.pending[1:]
	e.start(next)
}

func (e *Engine) send(cmd worker.Command) {
	if err := e.ch.Send(cmd); err != nil {
		// No recovery path exists for a broken channel; the operation
		// will never complete and the queue stalls, which Snapshot
		// makes visible through the pending depth.
		e.log.Error("send failed", "error", err)
	}
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	for ev := range e.ch.Events() {
		e.handle(ev)
	}
}

// handle routes one worker event. Accumulator and queue mutations happen
// under e.mu; caller callbacks are invoked outside it so they may
// re-enter the engine (submitting from OnDone lands at the pending
// tail).
func (e *Engine) handle(ev worker.Event) {
	e.mu.Lock()

	op := e.current
	if op == nil || op.req == nil {
		e.mu.Unlock()
		e.log.Debug("event with no transmux in flight", "event", ev)
		return
	}
	req := op.req

	switch v := ev.(type) {
	case worker.DataEvent:
		op.acc.append(v.Segment)
		e.fragments.Add(1)
		e.captions.Add(int64(len(v.Segment.Captions)))
		e.metadata.Add(int64(len(v.Segment.Metadata)))
		data := scopeSegment(v.Segment)
		e.mu.Unlock()
		if req.OnData != nil {
			req.OnData(data)
		}

	case worker.TrackInfoEvent:
		e.mu.Unlock()
		if req.OnTrackInfo != nil {
			req.OnTrackInfo(v.Info)
		}

	case worker.GopInfoEvent:
		op.acc.gopInfo = v.Gops
		e.mu.Unlock()

	case worker.AudioTimingInfoEvent:
		info := v.Info
		op.acc.audioTimingInfo = &info
		e.mu.Unlock()
		if req.OnAudioTimingInfo != nil {
			req.OnAudioTimingInfo(v.Info)
		}

	case worker.VideoTimingInfoEvent:
		info := v.Info
		op.acc.videoTimingInfo = &info
		e.mu.Unlock()
		if req.OnVideoTimingInfo != nil {
			req.OnVideoTimingInfo(v.Info)
		}

	case worker.ID3FrameEvent:
		e.mu.Unlock()
		// Low-latency delivery ahead of finalization, partial mode only.
		if req.IsPartial && req.OnID3 != nil {
			req.OnID3([]media.Metadata{v.Frame}, v.DispatchType)
		}

	case worker.StreamDoneEvent:
		// Sub-terminal; completion is defined by TransmuxedEvent alone.
		e.mu.Unlock()

	case worker.TransmuxedEvent:
		result := op.acc.finalize()
		op.acc = nil
		e.mu.Unlock()

		e.deliver(req, &result)

		e.completed.Add(1)
		e.log.Debug("operation completed", "op", op.name)

		e.mu.Lock()
		e.advance()
		e.mu.Unlock()

	default:
		e.mu.Unlock()
		e.log.Debug("ignoring unknown event", "event", ev)
	}
}

// deliver fires the finalization callbacks: OnID3 and OnCaptions at most
// once each, never for empty collections, strictly before OnDone.
func (e *Engine) deliver(req *Request, result *media.SegmentResult) {
	if len(result.Metadata) > 0 && req.OnID3 != nil {
		req.OnID3(result.Metadata, result.MetadataDispatchType)
	}
	if len(result.Captions) > 0 && req.OnCaptions != nil {
		req.OnCaptions(result.Captions, result.CaptionStreams)
	}
	if req.OnDone != nil {
		req.OnDone(result)
	}
}

// scopeSegment recasts the raw buffer views of a data event into byte
// slices scoped exactly to their declared offset/length. The slices
// alias the worker-owned buffers; nothing is copied.
func scopeSegment(seg media.SegmentPayload) media.SegmentData {
	return media.SegmentData{
		Type:              seg.Type,
		InitSegment:       seg.InitSegment.Bytes(),
		Data:              seg.Data.Bytes(),
		VideoFrameDTSTime: seg.VideoFrameDTSTime,
	}
}
