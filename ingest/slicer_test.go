package ingest

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// tsStream builds n packets with recognizable first payload bytes.
func tsStream(n int) []byte {
	out := make([]byte, 0, n*PacketSize)
	for i := 0; i < n; i++ {
		pkt := make([]byte, PacketSize)
		pkt[0] = 0x47
		pkt[1] = byte(i)
		out = append(out, pkt...)
	}
	return out
}

func TestSlicerPacketAlignedSlices(t *testing.T) {
	t.Parallel()

	stream := tsStream(10)
	s := NewSlicer(bytes.NewReader(stream), 4*PacketSize)

	var slices [][]byte
	for {
		slice, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		slices = append(slices, slice)
	}

	if len(slices) != 3 {
		t.Fatalf("slices: got %d, want 3 (4+4+2 packets)", len(slices))
	}
	if len(slices[0]) != 4*PacketSize || len(slices[2]) != 2*PacketSize {
		t.Errorf("slice sizes: %d, %d, %d", len(slices[0]), len(slices[1]), len(slices[2]))
	}
	for i, slice := range slices {
		if slice[0] != 0x47 {
			t.Errorf("slice %d does not start on a packet boundary", i)
		}
	}
	// Continuity across slices: packet counters keep incrementing.
	if slices[1][1] != 4 || slices[2][1] != 8 {
		t.Errorf("packet order: slice1 starts at %d, slice2 at %d", slices[1][1], slices[2][1])
	}
}

func TestSlicerResyncsMidPacketJoin(t *testing.T) {
	t.Parallel()

	stream := tsStream(4)
	// Join 100 bytes into the first packet.
	s := NewSlicer(bytes.NewReader(stream[100:]), 2*PacketSize)

	slice, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if slice[0] != 0x47 || slice[1] != 1 {
		t.Errorf("first slice should start at packet 1, got header %v", slice[:2])
	}
}

func TestSlicerTargetFloor(t *testing.T) {
	t.Parallel()

	s := NewSlicer(bytes.NewReader(tsStream(2)), 10)
	slice, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(slice) != PacketSize {
		t.Errorf("slice: got %d bytes, want one packet", len(slice))
	}
}

func TestSlicerDiscardsTrailingPartialPacket(t *testing.T) {
	t.Parallel()

	stream := append(tsStream(1), 0x47, 1, 2, 3)
	s := NewSlicer(bytes.NewReader(stream), 4*PacketSize)

	slice, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(slice) != PacketSize {
		t.Errorf("slice: got %d bytes, want one whole packet", len(slice))
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("after drain: got %v, want io.EOF", err)
	}
}

func TestSlicerLostSync(t *testing.T) {
	t.Parallel()

	junk := make([]byte, 2*PacketSize)
	s := NewSlicer(bytes.NewReader(junk), PacketSize)

	if _, err := s.Next(); !errors.Is(err, ErrLostSync) {
		t.Errorf("got %v, want ErrLostSync", err)
	}
}
