package worker

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/segmux/media"
)

func TestMessageFraming(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgFlush, nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := WriteMessage(&buf, MsgPush, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	msgType, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != MsgFlush || len(payload) != 0 {
		t.Errorf("first frame: type=0x%02x len=%d, want flush with empty payload", msgType, len(payload))
	}

	msgType, payload, err = ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != MsgPush || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Errorf("second frame: type=0x%02x payload=%v", msgType, payload)
	}
}

func TestPushCommandPreservesWindow(t *testing.T) {
	t.Parallel()

	in := Push{Data: []byte{0xAA, 1, 2, 3, 0xBB}, ByteOffset: 1, ByteLength: 3}
	msgType, payload := EncodeCommand(in)

	cmd, err := DecodeCommand(msgType, payload)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	out, ok := cmd.(Push)
	if !ok {
		t.Fatalf("decoded %#v, want Push", cmd)
	}
	if out.ByteOffset != 1 || out.ByteLength != 3 {
		t.Errorf("window: got (%d,%d), want (1,3)", out.ByteOffset, out.ByteLength)
	}
	window := out.Data[out.ByteOffset : out.ByteOffset+out.ByteLength]
	if !bytes.Equal(window, []byte{1, 2, 3}) {
		t.Errorf("window bytes: %v", window)
	}
}

func TestAlignGopsCommand(t *testing.T) {
	t.Parallel()

	in := AlignGopsWith{Gops: []media.Gop{{PTS: 90000, DTS: 87000, ByteLength: 4096}}}
	cmd, err := DecodeCommand(EncodeCommand(in))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	out := cmd.(AlignGopsWith)
	if len(out.Gops) != 1 || out.Gops[0] != in.Gops[0] {
		t.Errorf("gops: got %#v, want %#v", out.Gops, in.Gops)
	}
}

func TestDataEventCarriesOutOfBandPayload(t *testing.T) {
	t.Parallel()

	dts := 2.25
	in := DataEvent{Segment: media.SegmentPayload{
		Type:        media.StreamVideo,
		InitSegment: media.BufferView{Buffer: []byte{0xF0, 0xF1}, Offset: 0, Length: 2},
		Data:        media.BufferView{Buffer: []byte{9, 8, 7, 6}, Offset: 1, Length: 2},
		Captions: []media.Caption{
			{StartPTS: 100, EndPTS: 200, StartTime: 1.5, EndTime: 2.5, Text: "hello", Stream: "CC1"},
		},
		CaptionStreams: map[string]bool{"CC1": true},
		Metadata: []media.Metadata{
			{CueTime: 0.5, Frames: []media.ID3Frame{{Key: "TXXX", Value: "v", Data: []byte{1}}}},
		},
		MetadataDispatchType: "15",
		VideoFrameDTSTime:    &dts,
	}}

	ev, err := DecodeEvent(EncodeEvent(in))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	out := ev.(DataEvent).Segment

	if out.Type != media.StreamVideo {
		t.Errorf("type: %q", out.Type)
	}
	if !bytes.Equal(out.Data.Bytes(), []byte{8, 7}) {
		t.Errorf("data window survived the wire wrong: %v", out.Data.Bytes())
	}
	if len(out.Captions) != 1 || out.Captions[0].Text != "hello" || out.Captions[0].StartTime != 1.5 {
		t.Errorf("captions: %#v", out.Captions)
	}
	if !out.CaptionStreams["CC1"] {
		t.Errorf("caption streams: %#v", out.CaptionStreams)
	}
	if len(out.Metadata) != 1 || out.Metadata[0].Frames[0].Key != "TXXX" {
		t.Errorf("metadata: %#v", out.Metadata)
	}
	if out.MetadataDispatchType != "15" {
		t.Errorf("dispatch type: %q", out.MetadataDispatchType)
	}
	if out.VideoFrameDTSTime == nil || *out.VideoFrameDTSTime != dts {
		t.Errorf("video frame dts: %v", out.VideoFrameDTSTime)
	}
}

func TestDataEventOmitsAbsentDTS(t *testing.T) {
	t.Parallel()

	in := DataEvent{Segment: media.SegmentPayload{Type: media.StreamAudio}}
	ev, err := DecodeEvent(EncodeEvent(in))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if out := ev.(DataEvent).Segment; out.VideoFrameDTSTime != nil {
		t.Errorf("absent dts decoded as %v, want nil", out.VideoFrameDTSTime)
	}
}

func TestSignedFieldsSurviveNegativeValues(t *testing.T) {
	t.Parallel()

	cmd, err := DecodeCommand(EncodeCommand(SetAudioAppendStart{AppendStart: -1}))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if got := cmd.(SetAudioAppendStart).AppendStart; got != -1 {
		t.Errorf("append start: got %d, want -1", got)
	}

	// PTS/DTS can dip negative around discontinuities.
	gops := []media.Gop{{PTS: -90000, DTS: -93003, ByteLength: 188}}
	cmd, err = DecodeCommand(EncodeCommand(AlignGopsWith{Gops: gops}))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if got := cmd.(AlignGopsWith).Gops; got[0] != gops[0] {
		t.Errorf("gops: got %#v, want %#v", got[0], gops[0])
	}

	in := DataEvent{Segment: media.SegmentPayload{
		Type:     media.StreamVideo,
		Captions: []media.Caption{{StartPTS: -100, EndPTS: 200, Text: "x", Stream: "CC1"}},
	}}
	ev, err := DecodeEvent(EncodeEvent(in))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	c := ev.(DataEvent).Segment.Captions[0]
	if c.StartPTS != -100 || c.EndPTS != 200 {
		t.Errorf("caption pts: got (%d,%d), want (-100,200)", c.StartPTS, c.EndPTS)
	}
}

func TestDecodeUnknownTypes(t *testing.T) {
	t.Parallel()

	if _, err := DecodeCommand(0x3F, nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("DecodeCommand unknown: %v", err)
	}
	if _, err := DecodeEvent(0x3F, nil); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("DecodeEvent unknown: %v", err)
	}
}

func TestTruncatedPayloadReportsField(t *testing.T) {
	t.Parallel()

	// A push payload cut off before its data bytes.
	_, full := EncodeCommand(Push{Data: []byte{1, 2, 3, 4}, ByteLength: 4})
	_, err := DecodeCommand(MsgPush, full[:len(full)-2])

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want ParseError", err)
	}
	if pe.Field != "data" {
		t.Errorf("field: got %q, want %q", pe.Field, "data")
	}
}
