// Package worker defines the command/event contract between the
// coordination engine and a stateful transmuxing actor, along with an
// in-process host, a remote transport, and the binary wire codec shared
// by both ends of a remote channel.
package worker

import "github.com/zsiec/segmux/media"

// Wire message type IDs. Commands and events share one numbering space
// so a single framed stream can carry either direction.
const (
	MsgPush                uint64 = 0x01
	MsgFlush               uint64 = 0x02
	MsgPartialFlush        uint64 = 0x03
	MsgSetAudioAppendStart uint64 = 0x04
	MsgAlignGopsWith       uint64 = 0x05
	MsgReset               uint64 = 0x06
	MsgEndTimeline         uint64 = 0x07

	MsgData            uint64 = 0x10
	MsgTrackInfo       uint64 = 0x11
	MsgGopInfo         uint64 = 0x12
	MsgAudioTimingInfo uint64 = 0x13
	MsgVideoTimingInfo uint64 = 0x14
	MsgID3Frame        uint64 = 0x15
	MsgStreamDone      uint64 = 0x16
	MsgTransmuxed      uint64 = 0x17
)

// Command is one instruction sent to the transmuxing actor. Commands are
// atomic and order-preserving relative to other commands on the same
// channel.
type Command interface {
	msgType() uint64
}

// Push hands the actor a window of compressed media bytes. The backing
// buffer is transferred: the sender must not retain a usable reference
// after Send returns.
type Push struct {
	Data       []byte
	ByteOffset int
	ByteLength int
}

// Flush tells the actor to emit all buffered fragments for the current
// push cycle, ending with a terminal Transmuxed event.
type Flush struct{}

// PartialFlush is the low-latency variant of Flush used for partial
// segment appends.
type PartialFlush struct{}

// SetAudioAppendStart tells the actor where audio will be appended on the
// destination timeline, in 90kHz clock ticks, so it can trim overlap.
type SetAudioAppendStart struct {
	AppendStart int64
}

// AlignGopsWith supplies the GOP list of previously appended video so the
// actor can align the next segment across a quality switch.
type AlignGopsWith struct {
	Gops []media.Gop
}

// Reset discards all actor state accumulated for the current timeline
// position.
type Reset struct{}

// EndTimeline signals that no further bytes belong to the current
// timeline, letting the actor flush any final frames it was holding.
type EndTimeline struct{}

func (Push) msgType() uint64                { return MsgPush }
func (Flush) msgType() uint64               { return MsgFlush }
func (PartialFlush) msgType() uint64        { return MsgPartialFlush }
func (SetAudioAppendStart) msgType() uint64 { return MsgSetAudioAppendStart }
func (AlignGopsWith) msgType() uint64       { return MsgAlignGopsWith }
func (Reset) msgType() uint64               { return MsgReset }
func (EndTimeline) msgType() uint64         { return MsgEndTimeline }

// Event is one message emitted by the transmuxing actor. The only
// sequencing guarantee is that Transmuxed is the last event of a
// push+flush cycle.
type Event interface {
	msgType() uint64
}

// DataEvent carries one produced media fragment.
type DataEvent struct {
	Segment media.SegmentPayload
}

// TrackInfoEvent reports which elementary streams were found.
type TrackInfoEvent struct {
	Info media.TrackInfo
}

// GopInfoEvent carries the GOP structure of the produced video segment.
type GopInfoEvent struct {
	Gops []media.Gop
}

// AudioTimingInfoEvent reports decoded audio start/end times.
type AudioTimingInfoEvent struct {
	Info media.TimingInfo
}

// VideoTimingInfoEvent reports decoded video start/end times.
type VideoTimingInfoEvent struct {
	Info media.TimingInfo
}

// ID3FrameEvent delivers a single timed ID3 tag ahead of finalization.
// Only emitted in partial mode, where callers want metadata with minimal
// latency.
type ID3FrameEvent struct {
	Frame        media.Metadata
	DispatchType string
}

// StreamDoneEvent signals that one elementary stream ("audio" or
// "video") has emitted all fragments for the cycle. Sub-terminal only:
// completion is defined by TransmuxedEvent.
type StreamDoneEvent struct {
	Stream string
}

// TransmuxedEvent is the terminal event of a push+flush cycle: all
// buffered fragments have been emitted.
type TransmuxedEvent struct{}

func (DataEvent) msgType() uint64            { return MsgData }
func (TrackInfoEvent) msgType() uint64       { return MsgTrackInfo }
func (GopInfoEvent) msgType() uint64         { return MsgGopInfo }
func (AudioTimingInfoEvent) msgType() uint64 { return MsgAudioTimingInfo }
func (VideoTimingInfoEvent) msgType() uint64 { return MsgVideoTimingInfo }
func (ID3FrameEvent) msgType() uint64        { return MsgID3Frame }
func (StreamDoneEvent) msgType() uint64      { return MsgStreamDone }
func (TransmuxedEvent) msgType() uint64      { return MsgTransmuxed }

// Channel is the engine's view of a transmuxing actor: commands go in,
// events come out. Implementations must preserve command order and close
// the event channel when the actor goes away.
type Channel interface {
	Send(cmd Command) error
	Events() <-chan Event
	Close() error
}

// Emit is the callback a Transmuxer uses to publish events while
// processing a command.
type Emit func(Event)

// Transmuxer is the actor behind a Channel. Implementations are driven
// from a single goroutine, so they need no internal locking. The
// contract: every Flush or PartialFlush must eventually result in a
// TransmuxedEvent being emitted, even when nothing was pushed.
type Transmuxer interface {
	Push(data []byte)
	Flush()
	PartialFlush()
	SetAudioAppendStart(appendStart int64)
	AlignGopsWith(gops []media.Gop)
	Reset()
	EndTimeline()
}
