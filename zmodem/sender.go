package zmodem

import (
	"io"
	"strconv"
	"time"
)

// sendState tracks the sender state machine:
//
//	SendZRQINIT -> AwaitZRINIT -> SendZFILE -> AwaitZRPOS -> SendZDATA
//	            -> SendZEOF -> AwaitZFIN -> Complete
//
// The waiting half of each handshake pair is folded into the sending
// state: a state both retransmits its characteristic header on the retry
// timer and reacts to the qualifying response.
type sendState int

const (
	sendStateZRQINIT sendState = iota // retrying ZRQINIT, awaiting ZRINIT
	sendStateZFILE                    // retrying ZFILE, awaiting ZRPOS
	sendStateZDATA                    // streaming data subpackets
	sendStateZEOF                     // retrying ZEOF, awaiting ZRINIT
	sendStateZFIN                     // retrying ZFIN, awaiting ZFIN echo
	sendStateComplete
	sendStateError
)

// sender implements the sending side of the transfer.
type sender struct {
	engineCore

	state sendState
	name  string
	size  int64

	// offset is the next file position to read; it rewinds on ZRPOS.
	offset int64
}

func newSender(core engineCore, file File, name string, size int64, timeout time.Duration) *sender {
	s := &sender{
		engineCore: core,
		state:      sendStateZRQINIT,
		name:       name,
		size:       size,
	}
	s.file = file
	s.timeout = timeout
	s.lastEvent = s.clock()
	s.armRetry()
	return s
}

func (s *sender) terminal() bool {
	return s.state == sendStateComplete || s.state == sendStateError
}

func (s *sender) result() Result {
	switch s.state {
	case sendStateComplete:
		return ResultComplete
	case sendStateError:
		return ResultError
	}
	return ResultBusy
}

func (s *sender) abort() {
	if s.terminal() {
		return
	}
	s.sendAbortSequence()
	s.fail(ErrAborted, "transfer aborted")
	s.state = sendStateError
}

func (s *sender) tick() Result {
	if s.terminal() {
		return s.result()
	}

	if s.timedOut() {
		s.fail(ErrTimeout, "no response from receiver")
		s.state = sendStateError
		return s.result()
	}

	s.drainHeaders()
	if s.err != nil {
		s.state = sendStateError
		return s.result()
	}

	switch s.state {
	case sendStateZRQINIT:
		if s.retryDue() {
			s.sendHexHeader(ZRQINIT, Header{})
			s.markSent()
		}

	case sendStateZFILE:
		if s.retryDue() {
			s.sendFileInfo()
			s.markSent()
		}

	case sendStateZDATA:
		s.pumpData()

	case sendStateZEOF:
		if s.retryDue() {
			s.sendHexHeader(ZEOF, stohdr(uint32(s.offset)))
			s.markSent()
		}

	case sendStateZFIN:
		if s.retryDue() {
			s.sendHexHeader(ZFIN, Header{})
			s.markSent()
		}
	}

	if s.err != nil {
		s.state = sendStateError
	}
	return s.result()
}

// drainHeaders parses every buffered wire byte. The receiver only ever
// talks to us in hex headers.
func (s *sender) drainHeaders() {
	for s.stream.Available() > 0 && s.err == nil && !s.terminal() {
		b, ok := s.stream.ReadByte()
		if !ok {
			return
		}
		frameType, hdr, done := s.hdr.feed(b)
		if done {
			s.handleHeader(frameType, hdr)
		}
	}
}

func (s *sender) handleHeader(frameType byte, hdr Header) {
	s.logger.Debug("%s", FormatFrameLog("rx", frameType, hdr))
	s.touch()

	switch s.state {
	case sendStateZRQINIT:
		if frameType == ZRINIT {
			s.state = sendStateZFILE
			s.armRetry()
		}

	case sendStateZFILE:
		if frameType == ZRPOS {
			s.resumeAt(int64(rclhdr(hdr)))
		}

	case sendStateZDATA:
		if frameType == ZRPOS {
			s.resumeAt(int64(rclhdr(hdr)))
		}

	case sendStateZEOF:
		switch frameType {
		case ZRINIT:
			s.state = sendStateZFIN
			s.armRetry()
		case ZRPOS:
			// Receiver is missing data; back up and resend.
			s.resumeAt(int64(rclhdr(hdr)))
		}

	case sendStateZFIN:
		if frameType == ZFIN {
			s.emit([]byte("OO"))
			s.closeFile()
			s.state = sendStateComplete
			s.logger.Info("send complete: %s (%d bytes)", s.name, s.offset)
		}
	}
}

// resumeAt seeks the file to pos and rewinds the offset counter. Backward
// resume within the session is fine; forward resume would acknowledge data
// the receiver never saw.
func (s *sender) resumeAt(pos int64) {
	if s.state == sendStateZDATA && pos > s.offset {
		s.fail(ErrProtocol, "peer requested resume beyond sent data")
		return
	}
	if pos > s.size {
		s.fail(ErrProtocol, "peer requested resume beyond file size")
		return
	}
	if _, err := s.file.Seek(pos, io.SeekStart); err != nil {
		s.fail(ErrResource, "seek failed: "+err.Error())
		return
	}
	s.offset = pos
	s.state = sendStateZDATA
	s.logger.Debug("resume at offset %d", pos)
}

// sendFileInfo emits the ZFILE binary header followed by the file-info
// subpacket: filename, NUL, ASCII-decimal size, NUL.
func (s *sender) sendFileInfo() {
	info := make([]byte, 0, len(s.name)+24)
	info = append(info, s.name...)
	info = append(info, 0)
	info = strconv.AppendInt(info, s.size, 10)
	info = append(info, 0)

	s.logger.Debug("%s", FormatFrameLog("tx", ZFILE, Header{}))
	frame := append(encodeBinaryHeader(ZFILE, Header{}), encodeDataSubpacket(info, ZCRCE)...)
	s.emit(frame)
}

// pumpData sends one file chunk per tick: a ZDATA binary header carrying
// the little-endian offset, then one data subpacket. The last chunk is
// terminated with ZCRCE, intermediate ones with ZCRCG. A failed emit is
// not retried here; the receiver's ZRPOS re-anchor recovers it.
func (s *sender) pumpData() {
	if s.offset >= s.size {
		s.state = sendStateZEOF
		s.armRetry()
		return
	}

	n := s.size - s.offset
	if n > DataChunkSize {
		n = DataChunkSize
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.file, buf); err != nil {
		s.fail(ErrResource, "read failed: "+err.Error())
		return
	}

	last := s.offset+n == s.size
	terminator := byte(ZCRCG)
	if last {
		terminator = ZCRCE
	}

	hdr := stohdr(uint32(s.offset))
	s.logger.Debug("%s", FormatFrameLog("tx", ZDATA, hdr))
	frame := append(encodeBinaryHeader(ZDATA, hdr), encodeDataSubpacket(buf, terminator)...)
	s.emit(frame)
	s.offset += n

	if last {
		s.state = sendStateZEOF
		s.armRetry()
	}
}
