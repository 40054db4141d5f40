package zmodem

import (
	"bytes"
	"io"
	"strconv"
	"time"
)

// recvState tracks the receiver state machine:
//
//	AwaitHeader -> ReadZFile -> ReadZData -> (ZEOF) -> AwaitHeader
//	            -> (ZFIN) -> Complete
type recvState int

const (
	recvStateAwaitHeader recvState = iota
	recvStateReadZFile
	recvStateReadZData
	recvStateComplete
	recvStateError
)

// receiver implements the receiving side of the transfer.
type receiver struct {
	engineCore

	state recvState

	filename string
	size     int64

	// written is the committed file offset; only CRC-verified subpacket
	// payloads advance it.
	written int64

	// expectHeader is true inside ReadZData while between frames, false
	// while a data subpacket is being accumulated.
	expectHeader bool

	// frameAccepted is true when the current ZDATA frame's offset
	// matched the committed offset; payloads of unmatched frames are
	// parsed but discarded.
	frameAccepted bool

	info *subpacketParser
	data *subpacketParser

	lastKeepalive time.Time
}

func newReceiver(core engineCore, file File, timeout time.Duration) *receiver {
	r := &receiver{
		engineCore: core,
		state:      recvStateAwaitHeader,
		info:       newSubpacketParser(fileInfoMax),
		data:       newSubpacketParser(4 * DataChunkSize),
	}
	r.file = file
	r.timeout = timeout
	r.lastEvent = r.clock()
	r.lastKeepalive = r.clock()

	// Announce readiness; the keepalive repeats this until the sender
	// shows up.
	r.sendHexHeader(ZRINIT, Header{})
	return r
}

func (r *receiver) terminal() bool {
	return r.state == recvStateComplete || r.state == recvStateError
}

func (r *receiver) result() Result {
	switch r.state {
	case recvStateComplete:
		return ResultComplete
	case recvStateError:
		return ResultError
	}
	return ResultBusy
}

func (r *receiver) abort() {
	if r.terminal() {
		return
	}
	r.sendAbortSequence()
	r.fail(ErrAborted, "transfer aborted")
	r.state = recvStateError
}

func (r *receiver) tick() Result {
	if r.terminal() {
		return r.result()
	}

	if r.timedOut() {
		r.fail(ErrTimeout, "no activity from sender")
		r.state = recvStateError
		return r.result()
	}

	r.drain()
	if r.err != nil {
		r.state = recvStateError
		return r.result()
	}

	// Keep poking the sender while idle between frames.
	if r.state == recvStateAwaitHeader &&
		r.clock().Sub(r.lastKeepalive) >= keepaliveInterval {
		r.sendHexHeader(ZRINIT, Header{})
		r.lastKeepalive = r.clock()
	}

	return r.result()
}

// drain consumes every buffered wire byte, feeding whichever incremental
// parser the current state calls for. Parsing state survives across ticks,
// so a subpacket whose CRC tail has not arrived yet simply resumes later.
func (r *receiver) drain() {
	for r.stream.Available() > 0 && r.err == nil && !r.terminal() {
		b, ok := r.stream.ReadByte()
		if !ok {
			return
		}

		switch r.state {
		case recvStateAwaitHeader:
			if frameType, hdr, done := r.hdr.feed(b); done {
				r.handleHeader(frameType, hdr)
			}

		case recvStateReadZFile:
			r.feedFileInfo(b)

		case recvStateReadZData:
			if r.expectHeader {
				if frameType, hdr, done := r.hdr.feed(b); done {
					r.handleHeader(frameType, hdr)
				}
			} else {
				r.feedData(b)
			}
		}
	}
}

func (r *receiver) handleHeader(frameType byte, hdr Header) {
	r.logger.Debug("%s", FormatFrameLog("rx", frameType, hdr))
	r.touch()

	switch frameType {
	case ZRQINIT:
		r.sendHexHeader(ZRINIT, Header{})
		r.lastKeepalive = r.clock()

	case ZFILE:
		r.info.reset()
		r.state = recvStateReadZFile

	case ZDATA:
		if r.state != recvStateReadZData {
			return
		}
		pos := int64(rclhdr(hdr))
		switch {
		case pos == r.written:
			r.frameAccepted = true
		case pos < r.written:
			// Sender rewound (our own ZRPOS, or a stale frame
			// that is about to overwrite verified bytes again).
			if _, err := r.file.Seek(pos, io.SeekStart); err != nil {
				r.fail(ErrResource, "seek failed: "+err.Error())
				return
			}
			r.written = pos
			r.frameAccepted = true
		default:
			// Gap: data we never committed. Parse and discard the
			// frame, and re-anchor the sender.
			r.frameAccepted = false
			r.sendHexHeader(ZRPOS, stohdr(uint32(r.written)))
		}
		r.data.reset()
		r.expectHeader = false

	case ZEOF:
		pos := int64(rclhdr(hdr))
		if pos == r.written {
			r.sendHexHeader(ZRINIT, Header{})
			r.lastKeepalive = r.clock()
			r.state = recvStateAwaitHeader
		} else {
			r.sendHexHeader(ZRPOS, stohdr(uint32(r.written)))
		}

	case ZFIN:
		if r.state != recvStateAwaitHeader {
			return
		}
		r.sendHexHeader(ZFIN, Header{})
		r.closeFile()
		r.state = recvStateComplete
		r.logger.Info("receive complete: %s (%d bytes)", r.filename, r.written)
	}
}

// feedFileInfo accumulates the ZFILE info subpacket. On a verified
// subpacket it parses filename and declared size, acknowledges with ZRPOS
// at the committed offset and moves on to the data phase.
func (r *receiver) feedFileInfo(b byte) {
	res, done, overflow := r.info.feed(b)
	if overflow {
		r.logger.Debug("file info subpacket overflow, discarding")
		r.info.reset()
		r.state = recvStateAwaitHeader
		return
	}
	if !done {
		return
	}
	if !res.crcOK {
		r.logger.Debug("file info subpacket CRC mismatch, discarding")
		r.state = recvStateAwaitHeader
		return
	}

	name, size, ok := parseFileInfo(res.payload)
	if !ok {
		r.logger.Debug("malformed file info subpacket, discarding")
		r.state = recvStateAwaitHeader
		return
	}

	r.filename = name
	r.size = size
	r.touch()
	r.logger.Info("incoming file: %s (%d bytes)", name, size)

	r.sendHexHeader(ZRPOS, stohdr(uint32(r.written)))
	r.state = recvStateReadZData
	r.expectHeader = true
}

// feedData accumulates the current data subpacket. Verified payloads of an
// accepted frame are appended to the file; anything else is discarded and
// the sender is re-anchored at the committed offset.
func (r *receiver) feedData(b byte) {
	res, done, overflow := r.data.feed(b)
	if overflow {
		r.logger.Debug("data subpacket overflow, re-anchoring")
		r.data.reset()
		r.sendHexHeader(ZRPOS, stohdr(uint32(r.written)))
		r.expectHeader = true
		return
	}
	if !done {
		return
	}

	if !res.crcOK {
		r.logger.Debug("data subpacket CRC mismatch at offset %d", r.written)
		r.sendHexHeader(ZRPOS, stohdr(uint32(r.written)))
		r.expectHeader = true
		return
	}

	if r.frameAccepted {
		if _, err := r.file.Write(res.payload); err != nil {
			r.fail(ErrResource, "write failed: "+err.Error())
			return
		}
		r.written += int64(len(res.payload))
	}
	r.touch()

	// On this wire every subpacket is announced by its own ZDATA header;
	// ZCRCG only promises that more data frames follow, ZCRCE that the
	// next header may be ZEOF. Either way a header comes next.
	r.data.reset()
	r.expectHeader = true
}

// parseFileInfo splits the ZFILE info payload: filename, NUL,
// ASCII-decimal size, NUL.
func parseFileInfo(payload []byte) (string, int64, bool) {
	sep := bytes.IndexByte(payload, 0)
	if sep <= 0 {
		return "", 0, false
	}
	name := string(payload[:sep])

	rest := payload[sep+1:]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}
	if len(rest) == 0 {
		return name, 0, true
	}
	size, err := strconv.ParseInt(string(rest), 10, 64)
	if err != nil || size < 0 {
		return "", 0, false
	}
	return name, size, true
}
