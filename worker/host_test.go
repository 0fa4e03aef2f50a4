package worker

import (
	"bytes"
	"testing"
	"time"

	"github.com/zsiec/segmux/media"
)

func collectCycle(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event channel closed before terminal event")
			}
			got = append(got, ev)
			if _, terminal := ev.(TransmuxedEvent); terminal {
				return got
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for terminal event, have %d events", len(got))
		}
	}
}

func TestHostPushFlushCycle(t *testing.T) {
	t.Parallel()

	h := NewHost(NewLoopback, nil)
	defer h.Close()

	payload := []byte{1, 2, 3, 4}
	if err := h.Send(Push{Data: payload, ByteOffset: 0, ByteLength: len(payload)}); err != nil {
		t.Fatalf("Send push: %v", err)
	}
	if err := h.Send(Flush{}); err != nil {
		t.Fatalf("Send flush: %v", err)
	}

	events := collectCycle(t, h.Events())
	var data *DataEvent
	for _, ev := range events {
		if d, ok := ev.(DataEvent); ok {
			data = &d
		}
	}
	if data == nil {
		t.Fatal("no data event emitted")
	}
	if !bytes.Equal(data.Segment.Data.Bytes(), payload) {
		t.Errorf("loopback data: got %v, want %v", data.Segment.Data.Bytes(), payload)
	}
}

func TestHostFlushWithoutPushStillTerminates(t *testing.T) {
	t.Parallel()

	h := NewHost(NewLoopback, nil)
	defer h.Close()

	if err := h.Send(Flush{}); err != nil {
		t.Fatalf("Send flush: %v", err)
	}

	events := collectCycle(t, h.Events())
	if len(events) != 1 {
		t.Errorf("events for empty flush: got %d, want only the terminal event", len(events))
	}
}

func TestHostCommandOrderPreserved(t *testing.T) {
	t.Parallel()

	h := NewHost(NewLoopback, nil)
	defer h.Close()

	// Two push+flush cycles; fragments must come back in push order.
	h.Send(Push{Data: []byte{1}, ByteLength: 1})
	h.Send(Flush{})
	h.Send(Push{Data: []byte{2}, ByteLength: 1})
	h.Send(Flush{})

	first := collectCycle(t, h.Events())
	second := collectCycle(t, h.Events())

	firstData := first[1].(DataEvent)
	_ = first[0].(TrackInfoEvent)
	if firstData.Segment.Data.Bytes()[0] != 1 {
		t.Errorf("first cycle carried %v", firstData.Segment.Data.Bytes())
	}
	secondData := second[1].(DataEvent)
	if secondData.Segment.Data.Bytes()[0] != 2 {
		t.Errorf("second cycle carried %v", secondData.Segment.Data.Bytes())
	}
}

func TestHostSendAfterClose(t *testing.T) {
	t.Parallel()

	h := NewHost(NewLoopback, nil)
	h.Close()

	// The event channel drains and closes.
	deadline := time.After(2 * time.Second)
	open := true
	for open {
		select {
		case _, ok := <-h.Events():
			open = ok
		case <-deadline:
			t.Fatal("event channel never closed")
		}
	}

	if err := h.Send(Flush{}); err == nil {
		t.Error("Send after Close should fail")
	}
}

func TestLoopbackEndTimelineEmitsNoTerminal(t *testing.T) {
	t.Parallel()

	var events []Event
	lb := NewLoopback(func(ev Event) { events = append(events, ev) }).(*Loopback)

	lb.Push([]byte{1})
	lb.EndTimeline()

	// Terminal events belong to flush cycles only; a stray one here would
	// complete a later cycle prematurely.
	if len(events) != 0 {
		t.Fatalf("events after end-timeline: got %d, want none (%#v)", len(events), events)
	}

	lb.Push([]byte{2})
	lb.Flush()

	data := events[1].(DataEvent)
	if got := data.Segment.Data.Bytes(); len(got) != 1 || got[0] != 2 {
		t.Errorf("post-end-timeline cycle carried %v, want [2]", got)
	}
	if _, ok := events[len(events)-1].(TransmuxedEvent); !ok {
		t.Errorf("cycle did not end with the terminal event: %#v", events)
	}
}

func TestLoopbackReset(t *testing.T) {
	t.Parallel()

	var events []Event
	lb := NewLoopback(func(ev Event) { events = append(events, ev) }).(*Loopback)

	lb.SetAudioAppendStart(90000)
	lb.AlignGopsWith([]media.Gop{{PTS: 1}})
	lb.Push([]byte{1, 2, 3})
	lb.Reset()
	lb.Flush()

	// Reset discarded the buffered bytes, so the flush emits only the
	// terminal event.
	if len(events) != 1 {
		t.Fatalf("events after reset+flush: got %d, want 1", len(events))
	}
	if _, ok := events[0].(TransmuxedEvent); !ok {
		t.Errorf("got %#v, want TransmuxedEvent", events[0])
	}
	if lb.AppendStart != nil || lb.AlignedGops != nil {
		t.Error("reset should clear recorded side-channel state")
	}
}
