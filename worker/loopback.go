package worker

import "github.com/zsiec/segmux/media"

// Loopback is a pass-through Transmuxer: it buffers pushed bytes and
// emits them unchanged as a single video fragment on flush. It performs
// no container conversion but exercises the complete command/event
// contract, which makes it the default worker for examples, the CLI's
// loopback mode, and tests that need a live channel without real media.
type Loopback struct {
	emit Emit

	buffered []byte
	pushes   int

	// Recorded side-channel state, observable by tests.
	AppendStart *int64
	AlignedGops []media.Gop
}

// NewLoopback constructs a Loopback publishing through emit.
func NewLoopback(emit Emit) Transmuxer {
	return &Loopback{emit: emit}
}

func (l *Loopback) Push(data []byte) {
	l.buffered = append(l.buffered, data...)
	l.pushes++
}

func (l *Loopback) Flush() {
	l.drain()
}

// PartialFlush behaves identically to Flush here: with no real frame
// buffering there is nothing to hold back between partial appends.
func (l *Loopback) PartialFlush() {
	l.drain()
}

func (l *Loopback) drain() {
	if len(l.buffered) > 0 {
		l.emit(TrackInfoEvent{Info: media.TrackInfo{HasVideo: true}})
		l.emit(DataEvent{Segment: media.SegmentPayload{
			Type: media.StreamVideo,
			Data: media.ViewOf(l.buffered),
		}})
		l.emit(StreamDoneEvent{Stream: media.StreamVideo})
		l.buffered = nil
	}
	// The terminal event is owed even when nothing was pushed: the
	// engine's dequeue is driven by it.
	l.emit(TransmuxedEvent{})
}

func (l *Loopback) SetAudioAppendStart(appendStart int64) {
	l.AppendStart = &appendStart
}

func (l *Loopback) AlignGopsWith(gops []media.Gop) {
	l.AlignedGops = gops
}

func (l *Loopback) Reset() {
	l.buffered = nil
	l.pushes = 0
	l.AppendStart = nil
	l.AlignedGops = nil
}

// EndTimeline drops any bytes buffered outside a flush cycle. It emits
// nothing: terminal events belong to Flush and PartialFlush alone, and
// an extra one here would be misattributed to the next cycle.
func (l *Loopback) EndTimeline() {
	l.buffered = nil
}
