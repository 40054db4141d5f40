package mesh

import (
	"errors"

	"github.com/drunlade/mesh-zmodem/zmodem"
)

// PacketIdentifier is the first byte of every transfer datagram,
// distinguishing transfer traffic from unrelated traffic on the same port.
const PacketIdentifier = 0xFF

// packetHeaderSize is identifier + 16-bit sequence number.
const packetHeaderSize = 3

var (
	errNoPeer      = errors.New("mesh: no peer set")
	errPayloadSize = errors.New("mesh: staged data exceeds packet capacity")
)

// Stream turns the datagram transport into a bidirectional byte stream
// with in-order, duplicate-free delivery. Each direction carries a 16-bit
// sequence number starting at 0; inbound packets that are duplicates or
// leave a gap are dropped, and the peer's retry timers recover. Outbound
// bytes coalesce in a staging buffer that is emitted as one packet when it
// fills to MTU-3 or when the caller flushes.
//
// Stream is single-threaded cooperative: PushPacket and the engine's reads
// and writes must run on the same executor.
type Stream struct {
	transport Transport
	port      uint8
	mtu       int
	logger    zmodem.Logger

	peer NodeID

	// outbound
	tx     []byte
	nextTX uint16

	// inbound: a single packet slot; the engine must drain it before the
	// next in-order packet can be accepted.
	rx         []byte
	rxPos      int
	expectedRX uint16
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithMTU overrides the maximum datagram payload length.
func WithMTU(mtu int) StreamOption {
	return func(s *Stream) {
		if mtu > packetHeaderSize {
			s.mtu = mtu
		}
	}
}

// WithStreamLogger sets the adapter logger.
func WithStreamLogger(logger zmodem.Logger) StreamOption {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStream creates a stream adapter emitting on the given transport port.
func NewStream(transport Transport, port uint8, opts ...StreamOption) *Stream {
	s := &Stream{
		transport: transport,
		port:      port,
		mtu:       DefaultMTU,
		logger:    zmodem.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tx = make([]byte, 0, s.mtu-packetHeaderSize)
	return s
}

// SetPeer pins the remote node all outbound packets go to. A receiver
// leaves the peer unset and learns it from the first accepted packet.
func (s *Stream) SetPeer(peer NodeID) {
	s.peer = peer
}

// Peer returns the current session peer (0 if not yet known).
func (s *Stream) Peer() NodeID {
	return s.peer
}

// Reset clears both directions for a new session: sequence counters to
// zero, buffers emptied, peer forgotten.
func (s *Stream) Reset() {
	s.tx = s.tx[:0]
	s.nextTX = 0
	s.rx = nil
	s.rxPos = 0
	s.expectedRX = 0
	s.peer = 0
}

// Available returns the number of buffered inbound bytes.
func (s *Stream) Available() int {
	return len(s.rx) - s.rxPos
}

// ReadByte consumes one inbound byte.
func (s *Stream) ReadByte() (byte, bool) {
	if s.rxPos >= len(s.rx) {
		return 0, false
	}
	b := s.rx[s.rxPos]
	s.rxPos++
	return b, true
}

// PeekByte returns the next inbound byte without consuming it.
func (s *Stream) PeekByte() (byte, bool) {
	if s.rxPos >= len(s.rx) {
		return 0, false
	}
	return s.rx[s.rxPos], true
}

// WriteByte stages one outbound byte, emitting a packet when the staging
// buffer reaches capacity. The byte is accepted even if that emission
// fails; the staged data is retried on the next write or flush.
func (s *Stream) WriteByte(b byte) error {
	if len(s.tx) >= cap(s.tx) {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	s.tx = append(s.tx, b)
	if len(s.tx) >= cap(s.tx) {
		s.Flush()
	}
	return nil
}

// Write stages outbound bytes, emitting packets as the buffer fills.
func (s *Stream) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := s.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Flush emits the staged bytes as one packet regardless of fill level. On
// transport failure the staging buffer and sequence number are retained,
// so the identical packet is retried later.
func (s *Stream) Flush() error {
	if len(s.tx) == 0 {
		return nil
	}
	if !s.peer.Valid() {
		return errNoPeer
	}
	if len(s.tx) > s.mtu-packetHeaderSize {
		return errPayloadSize
	}

	packet := make([]byte, 0, packetHeaderSize+len(s.tx))
	packet = append(packet, PacketIdentifier, byte(s.nextTX>>8), byte(s.nextTX))
	packet = append(packet, s.tx...)

	if err := s.transport.SendUnicast(s.peer, s.port, packet); err != nil {
		s.logger.Debug("mesh: send of seq %d failed: %v", s.nextTX, err)
		return err
	}
	s.logger.Debug("mesh: sent seq %d (%d bytes)", s.nextTX, len(s.tx))
	s.nextTX++
	s.tx = s.tx[:0]
	return nil
}

// PushPacket delivers one received datagram to the adapter. Packets that
// are short, foreign, duplicated, out of order, or that arrive while the
// previous one is still being drained are dropped; the protocol's retry
// timers recover everything that matters.
func (s *Stream) PushPacket(payload []byte, from NodeID) {
	if len(payload) < packetHeaderSize || payload[0] != PacketIdentifier {
		return
	}
	if s.peer.Valid() && from != s.peer {
		// One transfer per node; third parties don't get to interleave.
		s.logger.Debug("mesh: dropping packet from %s, session peer is %s", from, s.peer)
		return
	}
	seq := uint16(payload[1])<<8 | uint16(payload[2])

	switch {
	case seq < s.expectedRX:
		// Duplicate of an already delivered packet.
		s.logger.Debug("mesh: dropping duplicate seq %d (expected %d)", seq, s.expectedRX)
		return
	case seq > s.expectedRX:
		// Gap: a packet went missing. The sender's retry timer will
		// re-emit from the last acknowledged point.
		s.logger.Debug("mesh: dropping out-of-order seq %d (expected %d)", seq, s.expectedRX)
		return
	}

	if s.Available() > 0 {
		// Back-pressure: the engine has not drained the slot yet.
		s.logger.Debug("mesh: dropping seq %d, receive slot busy", seq)
		return
	}

	if !s.peer.Valid() {
		s.peer = from
		s.logger.Info("mesh: session peer is %s", from)
	}

	s.rx = append(s.rx[:0], payload[packetHeaderSize:]...)
	s.rxPos = 0
	s.expectedRX++
}
