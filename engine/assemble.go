package engine

import "github.com/zsiec/segmux/media"

// fragment is the out-of-band slice of one worker data event: the
// captions, caption-stream map, and metadata that arrived alongside the
// produced bytes. Fragments are kept in arrival order so the merge rules
// stay visible in one place at finalization.
type fragment struct {
	captions       []media.Caption
	captionStreams map[string]bool
	metadata       []media.Metadata
	dispatchType   string
}

// accumulator is the per-in-flight-operation state: the ordered fragment
// list plus the side-channel slots populated by gop/timing events. It is
// created when a transmux request starts and discarded once the terminal
// event has been consumed; it is never shared across operations.
type accumulator struct {
	isPartial bool
	fragments []fragment

	gopInfo         []media.Gop
	videoTimingInfo *media.TimingInfo
	audioTimingInfo *media.TimingInfo
}

func newAccumulator(isPartial bool) *accumulator {
	return &accumulator{isPartial: isPartial}
}

// append records one data event's out-of-band payload. No ordering is
// assumed among fragments beyond arrival order.
func (a *accumulator) append(seg media.SegmentPayload) {
	a.fragments = append(a.fragments, fragment{
		captions:       seg.Captions,
		captionStreams: seg.CaptionStreams,
		metadata:       seg.Metadata,
		dispatchType:   seg.MetadataDispatchType,
	})
}

// finalize builds the merged result for the operation: captions and
// metadata concatenated in arrival order, the caption-stream map merged
// left to right with later fragments' keys overriding earlier ones, and
// the side-channel slots copied over. Called exactly once, after the
// terminal event.
func (a *accumulator) finalize() media.SegmentResult {
	result := media.SegmentResult{
		GopInfo:         a.gopInfo,
		VideoTimingInfo: a.videoTimingInfo,
		AudioTimingInfo: a.audioTimingInfo,
	}

	for _, f := range a.fragments {
		result.Captions = append(result.Captions, f.captions...)
		result.Metadata = append(result.Metadata, f.metadata...)

		if len(f.captionStreams) > 0 && result.CaptionStreams == nil {
			result.CaptionStreams = make(map[string]bool)
		}
		for name, active := range f.captionStreams {
			result.CaptionStreams[name] = active
		}

		if f.dispatchType != "" {
			result.MetadataDispatchType = f.dispatchType
		}
	}

	return result
}
