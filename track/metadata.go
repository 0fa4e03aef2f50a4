package track

import (
	"log/slog"
	"math"
	"sync"

	"github.com/zsiec/segmux/media"
)

// MetadataCue is one timed ID3 tag placed on the metadata track. EndTime
// is positive infinity until a later cue arrives to bound it.
type MetadataCue struct {
	StartTime float64
	EndTime   float64
	Frames    []media.ID3Frame
}

// MetadataTrack places timed ID3 tags from finalized segment results onto
// the playback timeline. Tags whose computed position is not a finite
// non-negative number are discarded rather than propagated; this is the
// one deliberate filtering branch in the whole attachment path.
type MetadataTrack struct {
	log *slog.Logger

	mu              sync.Mutex
	dispatchType    string
	timestampOffset float64
	cues            []MetadataCue
}

// NewMetadataTrack creates a metadata track. If log is nil,
// slog.Default() is used.
func NewMetadataTrack(log *slog.Logger) *MetadataTrack {
	if log == nil {
		log = slog.Default()
	}
	return &MetadataTrack{log: log.With("component", "metadata-track")}
}

// SetTimestampOffset sets the offset, in seconds, added to each tag's cue
// time to position it on the destination timeline.
func (t *MetadataTrack) SetTimestampOffset(offset float64) {
	t.mu.Lock()
	t.timestampOffset = offset
	t.mu.Unlock()
}

// AddMetadata appends cues for the given tags. The previous open-ended
// cue is closed at each new cue's start time. dispatchType is recorded
// once, from the first batch that carries one.
func (t *MetadataTrack) AddMetadata(tags []media.Metadata, dispatchType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dispatchType == "" && dispatchType != "" {
		t.dispatchType = dispatchType
	}

	for _, tag := range tags {
		time := tag.CueTime + t.timestampOffset
		if math.IsNaN(time) || math.IsInf(time, 0) || time < 0 {
			continue
		}

		if n := len(t.cues); n > 0 && math.IsInf(t.cues[n-1].EndTime, 1) {
			t.cues[n-1].EndTime = time
		}

		t.cues = append(t.cues, MetadataCue{
			StartTime: time,
			EndTime:   math.Inf(1),
			Frames:    tag.Frames,
		})
	}
}

// Cues returns the current cue list in insertion order.
func (t *MetadataTrack) Cues() []MetadataCue {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MetadataCue, len(t.cues))
	copy(out, t.cues)
	return out
}

// DispatchType returns the ID3 dispatch type recorded for this track,
// empty if none has been seen.
func (t *MetadataTrack) DispatchType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispatchType
}
