package zmodem

import (
	"errors"
	"io"
	"time"
)

// memFile is an in-memory File for engine tests.
type memFile struct {
	data   []byte
	pos    int64
	closed bool
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errors.New("write to closed file")
	}
	end := f.pos + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[f.pos:], p)
	f.pos = end
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(f.data)) + offset
	}
	if f.pos < 0 {
		return 0, errors.New("negative seek")
	}
	return f.pos, nil
}

func (f *memFile) Close() error {
	f.closed = true
	return nil
}

// scriptStream is a Stream fake: tests push inbound wire bytes and inspect
// the outbound byte record.
type scriptStream struct {
	in      []byte
	out     []byte
	sendErr error
}

func (s *scriptStream) push(b []byte) {
	s.in = append(s.in, b...)
}

func (s *scriptStream) takeOut() []byte {
	out := s.out
	s.out = nil
	return out
}

func (s *scriptStream) Available() int {
	return len(s.in)
}

func (s *scriptStream) ReadByte() (byte, bool) {
	if len(s.in) == 0 {
		return 0, false
	}
	b := s.in[0]
	s.in = s.in[1:]
	return b, true
}

func (s *scriptStream) PeekByte() (byte, bool) {
	if len(s.in) == 0 {
		return 0, false
	}
	return s.in[0], true
}

func (s *scriptStream) WriteByte(b byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.out = append(s.out, b)
	return nil
}

func (s *scriptStream) Write(p []byte) (int, error) {
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	s.out = append(s.out, p...)
	return len(p), nil
}

func (s *scriptStream) Flush() error {
	return s.sendErr
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

// wireEvent is one decoded protocol unit from an outbound byte record.
type wireEvent struct {
	frameType byte
	hdr       Header
	payload   []byte
	term      byte
	isData    bool
}

// parseWire decodes a captured outbound stream into headers and, after
// ZFILE/ZDATA headers, their data subpackets. Literal bytes like "OO" or
// the abort sequence are skipped as garbage.
func parseWire(wire []byte) []wireEvent {
	var events []wireEvent
	var hp headerParser

	i := 0
	for i < len(wire) {
		frameType, hdr, done := hp.feed(wire[i])
		i++
		if !done {
			continue
		}
		events = append(events, wireEvent{frameType: frameType, hdr: hdr})

		if frameType != ZFILE && frameType != ZDATA {
			continue
		}
		sp := newSubpacketParser(1024)
		for i < len(wire) {
			res, done, overflow := sp.feed(wire[i])
			i++
			if overflow {
				break
			}
			if done {
				if res.crcOK {
					events = append(events, wireEvent{
						payload: append([]byte(nil), res.payload...),
						term:    res.terminator,
						isData:  true,
					})
				}
				break
			}
		}
	}
	return events
}

// headersOf filters parseWire output down to header frame types.
func headersOf(events []wireEvent) []byte {
	var types []byte
	for _, ev := range events {
		if !ev.isData {
			types = append(types, ev.frameType)
		}
	}
	return types
}

// dataOf concatenates the subpacket payloads in events.
func dataOf(events []wireEvent) []byte {
	var out []byte
	for _, ev := range events {
		if ev.isData {
			out = append(out, ev.payload...)
		}
	}
	return out
}

func containsType(events []wireEvent, frameType byte) bool {
	for _, ev := range events {
		if !ev.isData && ev.frameType == frameType {
			return true
		}
	}
	return false
}
