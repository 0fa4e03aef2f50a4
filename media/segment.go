// Package media defines the data types that flow between the transmuxing
// worker, the coordination engine, and downstream track consumers.
package media

// Channel buffer sizes used by worker hosts (producer) and the engine's
// event loop (consumer) to decouple event emission from routing. One
// push+flush cycle rarely produces more than a handful of events; the
// buffers only need to absorb a burst of data fragments.
const (
	CommandBufferSize = 16
	EventBufferSize   = 64
)

// BufferView is a window into a larger backing buffer, mirroring the
// offset/length views the worker uses to hand back produced bytes without
// copying. Bytes returns the scoped slice; the backing array is owned by
// whoever produced it.
type BufferView struct {
	Buffer []byte
	Offset int
	Length int
}

// Bytes returns the view's window into the backing buffer. The returned
// slice aliases the backing array.
func (v BufferView) Bytes() []byte {
	if v.Buffer == nil {
		return nil
	}
	return v.Buffer[v.Offset : v.Offset+v.Length]
}

// ViewOf wraps an entire slice as a BufferView.
func ViewOf(b []byte) BufferView {
	return BufferView{Buffer: b, Offset: 0, Length: len(b)}
}

// Stream type tags carried on segment payloads.
const (
	StreamAudio = "audio"
	StreamVideo = "video"
)

// Caption is a single decoded caption cue produced by the worker for one
// segment, positioned both in presentation timestamps and in seconds on
// the playback timeline.
type Caption struct {
	StartPTS  int64
	EndPTS    int64
	StartTime float64
	EndTime   float64
	Text      string
	Stream    string
}

// ID3Frame is one frame within a timed ID3 tag.
type ID3Frame struct {
	Key   string
	Value string
	Data  []byte
}

// Metadata is a timed ID3 tag anchored to the playback timeline. CueTime
// is the tag's position in seconds relative to the segment timeline.
type Metadata struct {
	CueTime float64
	Frames  []ID3Frame
}

// TrackInfo reports which elementary streams the worker found in the
// pushed bytes.
type TrackInfo struct {
	HasAudio bool
	HasVideo bool
}

// TimingInfo is the start/end of the decoded media in a push+flush cycle,
// in seconds, reported separately for audio and video.
type TimingInfo struct {
	Start float64
	End   float64
}

// Gop identifies one group of pictures in a produced video segment, used
// by callers to align subsequent segments across quality switches.
type Gop struct {
	PTS        int64
	DTS        int64
	ByteLength int
}

// SegmentPayload is the raw body of a worker data event: one produced
// media fragment plus its init segment and any caption/metadata extracted
// while transmuxing it. Buffer views reference worker-owned memory.
type SegmentPayload struct {
	Type        string
	InitSegment BufferView
	Data        BufferView

	Captions       []Caption
	CaptionStreams map[string]bool

	Metadata             []Metadata
	MetadataDispatchType string

	// VideoFrameDTSTime is the DTS of the first video frame in seconds,
	// present only when the fragment starts with video.
	VideoFrameDTSTime *float64
}

// SegmentData is the per-fragment result handed to the caller's OnData
// callback: byte views scoped to the declared offset/length, never copies.
type SegmentData struct {
	Type              string
	InitSegment       []byte
	Data              []byte
	VideoFrameDTSTime *float64
}

// SegmentResult is the finalized outcome of one push+flush cycle:
// captions and metadata merged across fragments in arrival order, the
// caption-stream map merged left to right with later keys winning, and
// the side-channel timing/GOP records captured along the way.
type SegmentResult struct {
	Captions             []Caption
	CaptionStreams       map[string]bool
	Metadata             []Metadata
	MetadataDispatchType string

	GopInfo         []Gop
	VideoTimingInfo *TimingInfo
	AudioTimingInfo *TimingInfo
}
