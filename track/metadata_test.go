package track

import (
	"math"
	"testing"

	"github.com/zsiec/segmux/media"
)

func TestAddMetadataFiltersNonFiniteTimes(t *testing.T) {
	t.Parallel()
	track := NewMetadataTrack(nil)

	track.AddMetadata([]media.Metadata{
		{CueTime: 1.5, Frames: []media.ID3Frame{{Key: "TXXX"}}},
		{CueTime: math.NaN()},
		{CueTime: -2},
		{CueTime: math.Inf(1)},
		{CueTime: math.Inf(-1)},
		{CueTime: 4, Frames: []media.ID3Frame{{Key: "PRIV"}}},
	}, "15")

	cues := track.Cues()
	if len(cues) != 2 {
		t.Fatalf("cues: got %d, want 2 (malformed times excluded)", len(cues))
	}
	if cues[0].StartTime != 1.5 {
		t.Errorf("cue 0 start: got %v, want 1.5 unchanged", cues[0].StartTime)
	}
	if cues[1].StartTime != 4 {
		t.Errorf("cue 1 start: got %v, want 4 unchanged", cues[1].StartTime)
	}
}

func TestAddMetadataClosesPreviousCue(t *testing.T) {
	t.Parallel()
	track := NewMetadataTrack(nil)

	track.AddMetadata([]media.Metadata{{CueTime: 1}}, "")
	track.AddMetadata([]media.Metadata{{CueTime: 5}}, "")

	cues := track.Cues()
	if len(cues) != 2 {
		t.Fatalf("cues: got %d, want 2", len(cues))
	}
	if cues[0].EndTime != 5 {
		t.Errorf("first cue end: got %v, want 5", cues[0].EndTime)
	}
	if !math.IsInf(cues[1].EndTime, 1) {
		t.Errorf("last cue end: got %v, want +Inf", cues[1].EndTime)
	}
}

func TestAddMetadataAppliesTimestampOffset(t *testing.T) {
	t.Parallel()
	track := NewMetadataTrack(nil)
	track.SetTimestampOffset(10)

	track.AddMetadata([]media.Metadata{
		{CueTime: 2},
		{CueTime: -12}, // lands at -2, filtered
	}, "")

	cues := track.Cues()
	if len(cues) != 1 {
		t.Fatalf("cues: got %d, want 1", len(cues))
	}
	if cues[0].StartTime != 12 {
		t.Errorf("start: got %v, want 12", cues[0].StartTime)
	}
}

func TestDispatchTypeRecordedOnce(t *testing.T) {
	t.Parallel()
	track := NewMetadataTrack(nil)

	track.AddMetadata(nil, "")
	track.AddMetadata(nil, "15")
	track.AddMetadata(nil, "99")

	if got := track.DispatchType(); got != "15" {
		t.Errorf("dispatch type: got %q, want %q", got, "15")
	}
}
