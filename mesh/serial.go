package mesh

import (
	"encoding/binary"
	"fmt"

	"go.bug.st/serial"
)

// Frame is one addressed datagram received from the radio link.
type Frame struct {
	From    NodeID
	To      NodeID
	Port    uint8
	Payload []byte
}

// frameHeaderSize is dst(4) + src(4) + port(1).
const frameHeaderSize = 9

// SerialTransport carries addressed datagrams over a serial-attached radio
// modem using KISS framing. Each KISS data frame holds one datagram:
// destination and source node ids big-endian, a port byte, then the
// payload.
type SerialTransport struct {
	port  serial.Port
	local NodeID
	mtu   int

	frames chan Frame
	done   chan struct{}
}

// OpenSerial opens the modem device and starts the background reader that
// feeds Frames.
func OpenSerial(device string, baud int, local NodeID) (*SerialTransport, error) {
	if !local.Valid() {
		return nil, fmt.Errorf("mesh: invalid local node id %s", local)
	}
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("mesh: open %s: %w", device, err)
	}

	t := &SerialTransport{
		port:   port,
		local:  local,
		mtu:    DefaultMTU,
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Local returns this node's id.
func (t *SerialTransport) Local() NodeID {
	return t.local
}

// Frames returns the channel of inbound datagrams addressed to this node
// (or broadcast). The channel is closed when the transport shuts down.
func (t *SerialTransport) Frames() <-chan Frame {
	return t.frames
}

// SendUnicast implements Transport.
func (t *SerialTransport) SendUnicast(to NodeID, port uint8, payload []byte) error {
	if !to.Valid() {
		return fmt.Errorf("mesh: invalid destination %s", to)
	}
	if len(payload) > t.mtu {
		return fmt.Errorf("mesh: payload %d exceeds MTU %d", len(payload), t.mtu)
	}

	packet := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(packet[0:4], uint32(to))
	binary.BigEndian.PutUint32(packet[4:8], uint32(t.local))
	packet[8] = port
	copy(packet[frameHeaderSize:], payload)

	_, err := t.port.Write(buildKISSFrame(packet))
	return err
}

// Close stops the reader and closes the device.
func (t *SerialTransport) Close() error {
	close(t.done)
	return t.port.Close()
}

func (t *SerialTransport) readLoop() {
	defer close(t.frames)

	var dec kissDecoder
	buf := make([]byte, 512)
	for {
		n, err := t.port.Read(buf)
		if err != nil {
			return
		}
		for _, raw := range dec.Feed(buf[:n]) {
			if len(raw) < frameHeaderSize {
				continue
			}
			f := Frame{
				To:      NodeID(binary.BigEndian.Uint32(raw[0:4])),
				From:    NodeID(binary.BigEndian.Uint32(raw[4:8])),
				Port:    raw[8],
				Payload: append([]byte(nil), raw[frameHeaderSize:]...),
			}
			if f.To != t.local && f.To != Broadcast {
				continue
			}
			select {
			case t.frames <- f:
			case <-t.done:
				return
			}
		}
	}
}
