package ingest

import (
	"bytes"
	"errors"
	"io"
)

// PacketSize is the fixed MPEG-TS packet size. The slicer aligns segment
// boundaries to it so every slice the engine pushes starts on a packet
// boundary; it does not otherwise interpret the stream.
const PacketSize = 188

const syncByte = 0x47

// ErrLostSync is returned when no sync byte can be found in a full
// packet's worth of data, meaning the input is not a transport stream.
var ErrLostSync = errors.New("ingest: no sync byte found")

// Slicer cuts a continuous transport-stream byte flow into packet-aligned
// slices of roughly target bytes each, suitable for per-segment transmux
// requests. Alignment is established once at stream start by discarding
// bytes up to the first sync byte, covering sources that join mid-packet.
// The final slice at EOF may be shorter; a trailing partial packet is
// discarded.
type Slicer struct {
	r      io.Reader
	target int

	buf    []byte
	fill   int
	synced bool
}

// NewSlicer wraps r. target is rounded down to a whole number of
// packets, with a floor of one packet.
func NewSlicer(r io.Reader, target int) *Slicer {
	packets := target / PacketSize
	if packets < 1 {
		packets = 1
	}
	return &Slicer{
		r:      r,
		target: packets * PacketSize,
		buf:    make([]byte, packets*PacketSize),
	}
}

// Next returns the next slice. The returned buffer is owned by the
// caller; the slicer allocates a fresh one per call because the engine
// transfers payload ownership to the worker. Returns io.EOF when the
// input is exhausted.
func (s *Slicer) Next() ([]byte, error) {
	for s.fill < s.target {
		n, err := s.r.Read(s.buf[s.fill:])
		s.fill += n
		if serr := s.sync(); serr != nil {
			return nil, serr
		}
		if err != nil {
			if err == io.EOF {
				return s.drain()
			}
			return nil, err
		}
	}

	out := s.buf[:s.target]
	s.buf = make([]byte, s.target)
	s.fill = 0
	return out, nil
}

// sync discards leading bytes up to the first sync byte, once per
// stream. It waits for at least one packet's worth of data before
// declaring the sync byte missing.
func (s *Slicer) sync() error {
	if s.synced || s.fill == 0 {
		return nil
	}
	if s.buf[0] == syncByte {
		s.synced = true
		return nil
	}
	window := s.fill
	if window > PacketSize {
		window = PacketSize
	}
	idx := bytes.IndexByte(s.buf[:window], syncByte)
	if idx < 0 {
		if s.fill >= PacketSize {
			return ErrLostSync
		}
		return nil // not enough data to decide yet
	}
	copy(s.buf, s.buf[idx:s.fill])
	s.fill -= idx
	s.synced = true
	return nil
}

// drain returns whatever whole packets are buffered at EOF.
func (s *Slicer) drain() ([]byte, error) {
	whole := (s.fill / PacketSize) * PacketSize
	if whole == 0 {
		return nil, io.EOF
	}
	out := make([]byte, whole)
	copy(out, s.buf[:whole])
	s.fill = 0
	return out, nil
}
