package worker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/segmux/media"
)

// Sentinel errors for wire decoding. These enable callers to distinguish
// failure modes using errors.Is.
var (
	ErrUnknownCommand = errors.New("worker: unknown command type")
	ErrUnknownEvent   = errors.New("worker: unknown event type")
)

// ParseError indicates a failure to parse a wire message field. It wraps
// the underlying I/O or format error and records which field was being
// parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("worker: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ReadMessage reads one framed message from r.
// Wire format: [message_type (varint)] [payload_length (varint)] [payload].
func ReadMessage(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		buffered := bufio.NewReader(r)
		br = buffered
		r = buffered
	}

	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}

	return msgType, payload, nil
}

// WriteMessage writes one framed message to w as a single Write call to
// ensure atomicity even without external synchronization.
func WriteMessage(w io.Writer, msgType uint64, payload []byte) error {
	var buf []byte
	buf = quicvarint.Append(buf, msgType)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// EncodeCommand serializes a command into its wire type and payload.
func EncodeCommand(cmd Command) (uint64, []byte) {
	var buf []byte
	switch c := cmd.(type) {
	case Push:
		buf = quicvarint.Append(buf, uint64(c.ByteOffset))
		buf = quicvarint.Append(buf, uint64(c.ByteLength))
		buf = appendVarIntBytes(buf, c.Data)
	case SetAudioAppendStart:
		buf = appendSignedVarint(buf, c.AppendStart)
	case AlignGopsWith:
		buf = appendGops(buf, c.Gops)
	case Flush, PartialFlush, Reset, EndTimeline:
		// No payload.
	}
	return cmd.msgType(), buf
}

// DecodeCommand parses a wire payload back into a typed command.
func DecodeCommand(msgType uint64, payload []byte) (Command, error) {
	r := newBufReader(payload)

	switch msgType {
	case MsgPush:
		offset, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "byte_offset", Err: err}
		}
		length, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "byte_length", Err: err}
		}
		data, err := r.readVarIntBytes()
		if err != nil {
			return nil, &ParseError{Field: "data", Err: err}
		}
		return Push{Data: data, ByteOffset: int(offset), ByteLength: int(length)}, nil

	case MsgSetAudioAppendStart:
		start, err := r.readSignedVarint()
		if err != nil {
			return nil, &ParseError{Field: "append_start", Err: err}
		}
		return SetAudioAppendStart{AppendStart: start}, nil

	case MsgAlignGopsWith:
		gops, err := r.readGops()
		if err != nil {
			return nil, &ParseError{Field: "gops", Err: err}
		}
		return AlignGopsWith{Gops: gops}, nil

	case MsgFlush:
		return Flush{}, nil
	case MsgPartialFlush:
		return PartialFlush{}, nil
	case MsgReset:
		return Reset{}, nil
	case MsgEndTimeline:
		return EndTimeline{}, nil
	}

	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, msgType)
}

// EncodeEvent serializes an event into its wire type and payload.
func EncodeEvent(ev Event) (uint64, []byte) {
	var buf []byte
	switch e := ev.(type) {
	case DataEvent:
		buf = appendSegmentPayload(buf, e.Segment)
	case TrackInfoEvent:
		buf = appendBool(buf, e.Info.HasAudio)
		buf = appendBool(buf, e.Info.HasVideo)
	case GopInfoEvent:
		buf = appendGops(buf, e.Gops)
	case AudioTimingInfoEvent:
		buf = appendFloat(buf, e.Info.Start)
		buf = appendFloat(buf, e.Info.End)
	case VideoTimingInfoEvent:
		buf = appendFloat(buf, e.Info.Start)
		buf = appendFloat(buf, e.Info.End)
	case ID3FrameEvent:
		buf = appendMetadata(buf, e.Frame)
		buf = appendVarIntBytes(buf, []byte(e.DispatchType))
	case StreamDoneEvent:
		buf = appendVarIntBytes(buf, []byte(e.Stream))
	case TransmuxedEvent:
		// No payload.
	}
	return ev.msgType(), buf
}

// DecodeEvent parses a wire payload back into a typed event.
func DecodeEvent(msgType uint64, payload []byte) (Event, error) {
	r := newBufReader(payload)

	switch msgType {
	case MsgData:
		seg, err := r.readSegmentPayload()
		if err != nil {
			return nil, err
		}
		return DataEvent{Segment: seg}, nil

	case MsgTrackInfo:
		hasAudio, err := r.readBool()
		if err != nil {
			return nil, &ParseError{Field: "has_audio", Err: err}
		}
		hasVideo, err := r.readBool()
		if err != nil {
			return nil, &ParseError{Field: "has_video", Err: err}
		}
		return TrackInfoEvent{Info: media.TrackInfo{HasAudio: hasAudio, HasVideo: hasVideo}}, nil

	case MsgGopInfo:
		gops, err := r.readGops()
		if err != nil {
			return nil, &ParseError{Field: "gops", Err: err}
		}
		return GopInfoEvent{Gops: gops}, nil

	case MsgAudioTimingInfo:
		info, err := r.readTimingInfo()
		if err != nil {
			return nil, err
		}
		return AudioTimingInfoEvent{Info: info}, nil

	case MsgVideoTimingInfo:
		info, err := r.readTimingInfo()
		if err != nil {
			return nil, err
		}
		return VideoTimingInfoEvent{Info: info}, nil

	case MsgID3Frame:
		frame, err := r.readMetadata()
		if err != nil {
			return nil, err
		}
		dispatch, err := r.readVarIntBytes()
		if err != nil {
			return nil, &ParseError{Field: "dispatch_type", Err: err}
		}
		return ID3FrameEvent{Frame: frame, DispatchType: string(dispatch)}, nil

	case MsgStreamDone:
		stream, err := r.readVarIntBytes()
		if err != nil {
			return nil, &ParseError{Field: "stream", Err: err}
		}
		return StreamDoneEvent{Stream: string(stream)}, nil

	case MsgTransmuxed:
		return TransmuxedEvent{}, nil
	}

	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownEvent, msgType)
}

func appendSegmentPayload(buf []byte, seg media.SegmentPayload) []byte {
	buf = appendVarIntBytes(buf, []byte(seg.Type))
	buf = appendView(buf, seg.InitSegment)
	buf = appendView(buf, seg.Data)

	buf = quicvarint.Append(buf, uint64(len(seg.Captions)))
	for _, c := range seg.Captions {
		buf = appendSignedVarint(buf, c.StartPTS)
		buf = appendSignedVarint(buf, c.EndPTS)
		buf = appendFloat(buf, c.StartTime)
		buf = appendFloat(buf, c.EndTime)
		buf = appendVarIntBytes(buf, []byte(c.Text))
		buf = appendVarIntBytes(buf, []byte(c.Stream))
	}

	buf = quicvarint.Append(buf, uint64(len(seg.CaptionStreams)))
	for name, active := range seg.CaptionStreams {
		buf = appendVarIntBytes(buf, []byte(name))
		buf = appendBool(buf, active)
	}

	buf = quicvarint.Append(buf, uint64(len(seg.Metadata)))
	for _, m := range seg.Metadata {
		buf = appendMetadata(buf, m)
	}
	buf = appendVarIntBytes(buf, []byte(seg.MetadataDispatchType))

	if seg.VideoFrameDTSTime != nil {
		buf = appendBool(buf, true)
		buf = appendFloat(buf, *seg.VideoFrameDTSTime)
	} else {
		buf = appendBool(buf, false)
	}
	return buf
}

func (b *bufReader) readSegmentPayload() (media.SegmentPayload, error) {
	var seg media.SegmentPayload

	segType, err := b.readVarIntBytes()
	if err != nil {
		return seg, &ParseError{Field: "segment_type", Err: err}
	}
	seg.Type = string(segType)

	if seg.InitSegment, err = b.readView(); err != nil {
		return seg, &ParseError{Field: "init_segment", Err: err}
	}
	if seg.Data, err = b.readView(); err != nil {
		return seg, &ParseError{Field: "data", Err: err}
	}

	captionCount, err := b.readVarint()
	if err != nil {
		return seg, &ParseError{Field: "caption_count", Err: err}
	}
	for i := uint64(0); i < captionCount; i++ {
		var c media.Caption
		startPTS, err := b.readSignedVarint()
		if err != nil {
			return seg, &ParseError{Field: "caption_start_pts", Err: err}
		}
		endPTS, err := b.readSignedVarint()
		if err != nil {
			return seg, &ParseError{Field: "caption_end_pts", Err: err}
		}
		c.StartPTS = startPTS
		c.EndPTS = endPTS
		if c.StartTime, err = b.readFloat(); err != nil {
			return seg, &ParseError{Field: "caption_start_time", Err: err}
		}
		if c.EndTime, err = b.readFloat(); err != nil {
			return seg, &ParseError{Field: "caption_end_time", Err: err}
		}
		text, err := b.readVarIntBytes()
		if err != nil {
			return seg, &ParseError{Field: "caption_text", Err: err}
		}
		c.Text = string(text)
		stream, err := b.readVarIntBytes()
		if err != nil {
			return seg, &ParseError{Field: "caption_stream", Err: err}
		}
		c.Stream = string(stream)
		seg.Captions = append(seg.Captions, c)
	}

	streamCount, err := b.readVarint()
	if err != nil {
		return seg, &ParseError{Field: "caption_stream_count", Err: err}
	}
	if streamCount > 0 {
		seg.CaptionStreams = make(map[string]bool, streamCount)
	}
	for i := uint64(0); i < streamCount; i++ {
		name, err := b.readVarIntBytes()
		if err != nil {
			return seg, &ParseError{Field: "caption_stream_name", Err: err}
		}
		active, err := b.readBool()
		if err != nil {
			return seg, &ParseError{Field: "caption_stream_active", Err: err}
		}
		seg.CaptionStreams[string(name)] = active
	}

	metadataCount, err := b.readVarint()
	if err != nil {
		return seg, &ParseError{Field: "metadata_count", Err: err}
	}
	for i := uint64(0); i < metadataCount; i++ {
		m, err := b.readMetadata()
		if err != nil {
			return seg, err
		}
		seg.Metadata = append(seg.Metadata, m)
	}
	dispatch, err := b.readVarIntBytes()
	if err != nil {
		return seg, &ParseError{Field: "dispatch_type", Err: err}
	}
	seg.MetadataDispatchType = string(dispatch)

	hasDTS, err := b.readBool()
	if err != nil {
		return seg, &ParseError{Field: "video_frame_dts_present", Err: err}
	}
	if hasDTS {
		dts, err := b.readFloat()
		if err != nil {
			return seg, &ParseError{Field: "video_frame_dts", Err: err}
		}
		seg.VideoFrameDTSTime = &dts
	}

	return seg, nil
}

// appendView serializes a buffer view as offset, length, and the backing
// buffer. Transfer over a byte stream necessarily copies, but the
// offset/length scoping survives the trip so the receiving router can
// rebuild the same window.
func appendView(buf []byte, v media.BufferView) []byte {
	buf = quicvarint.Append(buf, uint64(v.Offset))
	buf = quicvarint.Append(buf, uint64(v.Length))
	buf = appendVarIntBytes(buf, v.Buffer)
	return buf
}

func (b *bufReader) readView() (media.BufferView, error) {
	offset, err := b.readVarint()
	if err != nil {
		return media.BufferView{}, err
	}
	length, err := b.readVarint()
	if err != nil {
		return media.BufferView{}, err
	}
	backing, err := b.readVarIntBytes()
	if err != nil {
		return media.BufferView{}, err
	}
	return media.BufferView{Buffer: backing, Offset: int(offset), Length: int(length)}, nil
}

func appendMetadata(buf []byte, m media.Metadata) []byte {
	buf = appendFloat(buf, m.CueTime)
	buf = quicvarint.Append(buf, uint64(len(m.Frames)))
	for _, f := range m.Frames {
		buf = appendVarIntBytes(buf, []byte(f.Key))
		buf = appendVarIntBytes(buf, []byte(f.Value))
		buf = appendVarIntBytes(buf, f.Data)
	}
	return buf
}

func (b *bufReader) readMetadata() (media.Metadata, error) {
	var m media.Metadata
	cueTime, err := b.readFloat()
	if err != nil {
		return m, &ParseError{Field: "cue_time", Err: err}
	}
	m.CueTime = cueTime

	frameCount, err := b.readVarint()
	if err != nil {
		return m, &ParseError{Field: "frame_count", Err: err}
	}
	for i := uint64(0); i < frameCount; i++ {
		var f media.ID3Frame
		key, err := b.readVarIntBytes()
		if err != nil {
			return m, &ParseError{Field: "frame_key", Err: err}
		}
		f.Key = string(key)
		value, err := b.readVarIntBytes()
		if err != nil {
			return m, &ParseError{Field: "frame_value", Err: err}
		}
		f.Value = string(value)
		if f.Data, err = b.readVarIntBytes(); err != nil {
			return m, &ParseError{Field: "frame_data", Err: err}
		}
		m.Frames = append(m.Frames, f)
	}
	return m, nil
}

func appendGops(buf []byte, gops []media.Gop) []byte {
	buf = quicvarint.Append(buf, uint64(len(gops)))
	for _, g := range gops {
		buf = appendSignedVarint(buf, g.PTS)
		buf = appendSignedVarint(buf, g.DTS)
		buf = quicvarint.Append(buf, uint64(g.ByteLength))
	}
	return buf
}

func (b *bufReader) readGops() ([]media.Gop, error) {
	count, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	gops := make([]media.Gop, 0, count)
	for i := uint64(0); i < count; i++ {
		pts, err := b.readSignedVarint()
		if err != nil {
			return nil, err
		}
		dts, err := b.readSignedVarint()
		if err != nil {
			return nil, err
		}
		byteLength, err := b.readVarint()
		if err != nil {
			return nil, err
		}
		gops = append(gops, media.Gop{PTS: pts, DTS: dts, ByteLength: int(byteLength)})
	}
	return gops, nil
}

func (b *bufReader) readTimingInfo() (media.TimingInfo, error) {
	var info media.TimingInfo
	var err error
	if info.Start, err = b.readFloat(); err != nil {
		return info, &ParseError{Field: "timing_start", Err: err}
	}
	if info.End, err = b.readFloat(); err != nil {
		return info, &ParseError{Field: "timing_end", Err: err}
	}
	return info, nil
}

func appendFloat(buf []byte, f float64) []byte {
	var fb [8]byte
	binary.BigEndian.PutUint64(fb[:], math.Float64bits(f))
	return append(buf, fb[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// appendSignedVarint zigzag-maps a signed value into the unsigned varint
// space so timestamps that go negative around discontinuities stay
// within quicvarint's 62-bit range.
func appendSignedVarint(buf []byte, v int64) []byte {
	return quicvarint.Append(buf, uint64(v<<1)^uint64(v>>63))
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readSignedVarint() (int64, error) {
	u, err := b.readVarint()
	if err != nil {
		return 0, err
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

func (b *bufReader) readBool() (bool, error) {
	if b.pos >= len(b.data) {
		return false, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v != 0, nil
}

func (b *bufReader) readFloat() (float64, error) {
	if b.pos+8 > len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	bits := binary.BigEndian.Uint64(b.data[b.pos : b.pos+8])
	b.pos += 8
	return math.Float64frombits(bits), nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	end := b.pos + int(length)
	if end > len(b.data) {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
