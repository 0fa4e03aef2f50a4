// Package track implements the downstream consumers of finalized segment
// results: per-stream caption cue tracks and a timed-ID3 metadata track
// anchored to the playback timeline.
package track

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zsiec/ccx"

	"github.com/zsiec/segmux/media"
)

// Cue is one caption cue placed on a track.
type Cue struct {
	StartTime float64
	EndTime   float64
	Text      string
}

// Broadcaster receives caption frames as they are added, for live fanout
// to viewers. Accepting an interface here keeps the cue bookkeeping
// independent of any concrete delivery layer.
type Broadcaster interface {
	BroadcastCaptions(frame *ccx.CaptionFrame)
}

// CaptionTracks maintains one cue track per caption stream seen in
// finalized segment results. Duplicate cues (same start, end, and text on
// the same stream) are dropped, which absorbs the re-delivery that
// happens when overlapping segments are transmuxed.
type CaptionTracks struct {
	log         *slog.Logger
	broadcaster Broadcaster

	mu     sync.Mutex
	tracks map[string][]Cue
}

// NewCaptionTracks creates a caption track manager. broadcaster may be
// nil when no live fanout is needed. If log is nil, slog.Default() is
// used.
func NewCaptionTracks(broadcaster Broadcaster, log *slog.Logger) *CaptionTracks {
	if log == nil {
		log = slog.Default()
	}
	return &CaptionTracks{
		log:         log.With("component", "caption-tracks"),
		broadcaster: broadcaster,
		tracks:      make(map[string][]Cue),
	}
}

// AddCaptions processes one finalized (captions, streams) pair: tracks
// are created for every stream in the mapping, cues are appended in
// order, and new cues are fanned out through the broadcaster.
func (c *CaptionTracks) AddCaptions(captions []media.Caption, streams map[string]bool) {
	c.mu.Lock()
	var added []*ccx.CaptionFrame

	for name := range streams {
		if _, ok := c.tracks[name]; !ok {
			c.tracks[name] = nil
			c.log.Debug("caption track created", "stream", name)
		}
	}

	for _, caption := range captions {
		cue := Cue{StartTime: caption.StartTime, EndTime: caption.EndTime, Text: caption.Text}
		if c.hasCue(caption.Stream, cue) {
			continue
		}
		c.tracks[caption.Stream] = append(c.tracks[caption.Stream], cue)
		added = append(added, &ccx.CaptionFrame{
			PTS:     caption.StartPTS,
			Text:    caption.Text,
			Channel: ChannelForStream(caption.Stream),
		})
	}
	c.mu.Unlock()

	if c.broadcaster != nil {
		for _, frame := range added {
			c.broadcaster.BroadcastCaptions(frame)
		}
	}
}

func (c *CaptionTracks) hasCue(stream string, cue Cue) bool {
	for _, existing := range c.tracks[stream] {
		if existing == cue {
			return true
		}
	}
	return false
}

// Cues returns the cue list for one stream, in insertion order.
func (c *CaptionTracks) Cues(stream string) []Cue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Cue, len(c.tracks[stream]))
	copy(out, c.tracks[stream])
	return out
}

// ActiveStreams returns the names of all streams with a track, sorted.
func (c *CaptionTracks) ActiveStreams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tracks))
	for name := range c.tracks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChannelForStream maps a caption stream name to the channel numbering
// used for caption frames: CC1-CC4 map to channels 1-4, 708 services
// ("cc708_N") map to N+6.
func ChannelForStream(stream string) int {
	if n, ok := strings.CutPrefix(stream, "cc708_"); ok {
		if svc, err := strconv.Atoi(n); err == nil {
			return svc + 6
		}
		return 0
	}
	if n, ok := strings.CutPrefix(stream, "CC"); ok {
		if ch, err := strconv.Atoi(n); err == nil && ch >= 1 && ch <= 4 {
			return ch
		}
	}
	return 0
}
