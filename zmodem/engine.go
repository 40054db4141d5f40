package zmodem

import (
	"io"
	"time"
)

// Result is the outcome of one engine tick.
type Result int

const (
	// ResultBusy means the transfer is still in progress
	ResultBusy Result = iota

	// ResultComplete means the session finished successfully
	ResultComplete

	// ResultError means the session failed; Err() has the cause
	ResultError
)

// Stream is the byte-stream capability the engine drives. It is the narrow
// surface of the mesh adapter: non-blocking reads from the single-slot
// receive buffer and coalescing writes into MTU-sized packets.
type Stream interface {
	Available() int
	ReadByte() (byte, bool)
	PeekByte() (byte, bool)
	WriteByte(b byte) error
	Write(p []byte) (int, error)
	Flush() error
}

// File is the filesystem capability the engine owns for the duration of a
// session. Ownership transfers in on BeginSend/BeginReceive and returns via
// Close on the terminal state.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	Close() error
}

// Clock supplies the current time. Injectable so retry pacing and timeouts
// are testable without wall-clock sleeps.
type Clock func() time.Time

// retryInterval is the pacing for retransmitting the characteristic header
// of a waiting state.
const retryInterval = time.Second

// keepaliveInterval is how often an idle receiver re-emits ZRINIT.
const keepaliveInterval = 3 * time.Second

// maxFlushFailures bounds consecutive transport send failures before the
// session errors out.
const maxFlushFailures = 25

// abortSequence is emitted (best effort) when a session is aborted.
var abortSequence = []byte{ZDLE, ZCAN, ZDLE, ZCAN, ZDLE, ZCAN, ZDLE, ZCAN}

// Engine is the protocol engine for a single transfer session. At most one
// of the sender or receiver roles is active at a time; Tick drives
// whichever role was begun.
type Engine struct {
	stream Stream
	logger Logger
	clock  Clock

	sender   *sender
	receiver *receiver
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the protocol logger.
func WithLogger(logger Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine creates an engine over the given stream.
func NewEngine(stream Stream, opts ...EngineOption) *Engine {
	e := &Engine{
		stream: stream,
		logger: NoopLogger{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Active reports whether a non-terminal session is in progress.
func (e *Engine) Active() bool {
	if e.sender != nil && !e.sender.terminal() {
		return true
	}
	if e.receiver != nil && !e.receiver.terminal() {
		return true
	}
	return false
}

// BeginSend starts sending the opened file. name is the filename announced
// in the ZFILE frame, size its length in bytes. The engine takes ownership
// of file.
func (e *Engine) BeginSend(file File, name string, size int64, timeout time.Duration) error {
	if e.Active() {
		return NewError(ErrConfig, "transfer already in progress")
	}
	e.receiver = nil
	e.sender = newSender(e.core(), file, name, size, timeout)
	e.logger.Info("send: %s (%d bytes)", name, size)
	return nil
}

// BeginReceive starts receiving into the opened file. The filename and
// declared size are learned from the peer's ZFILE frame. The engine takes
// ownership of file and immediately announces readiness with ZRINIT.
func (e *Engine) BeginReceive(file File, timeout time.Duration) error {
	if e.Active() {
		return NewError(ErrConfig, "transfer already in progress")
	}
	e.sender = nil
	e.receiver = newReceiver(e.core(), file, timeout)
	e.logger.Info("receive: awaiting sender")
	return nil
}

// Tick advances the active session. It is non-blocking and bounded: one
// file chunk, the currently buffered wire bytes, at most a few packet
// emits.
func (e *Engine) Tick() Result {
	switch {
	case e.sender != nil:
		return e.sender.tick()
	case e.receiver != nil:
		return e.receiver.tick()
	}
	return ResultBusy
}

// Abort cancels the active session: emits the abort sequence (best
// effort), closes the file and forces the error state.
func (e *Engine) Abort() {
	switch {
	case e.sender != nil:
		e.sender.abort()
	case e.receiver != nil:
		e.receiver.abort()
	}
}

// Err returns the terminal error of the session, if any.
func (e *Engine) Err() error {
	switch {
	case e.sender != nil && e.sender.err != nil:
		return e.sender.err
	case e.receiver != nil && e.receiver.err != nil:
		return e.receiver.err
	}
	return nil
}

// Filename returns the announced (sender) or learned (receiver) filename.
func (e *Engine) Filename() string {
	switch {
	case e.sender != nil:
		return e.sender.name
	case e.receiver != nil:
		return e.receiver.filename
	}
	return ""
}

// FileSize returns the declared file size, 0 if not yet known.
func (e *Engine) FileSize() int64 {
	switch {
	case e.sender != nil:
		return e.sender.size
	case e.receiver != nil:
		return e.receiver.size
	}
	return 0
}

// BytesTransferred returns the number of file bytes sent or committed.
func (e *Engine) BytesTransferred() int64 {
	switch {
	case e.sender != nil:
		return e.sender.offset
	case e.receiver != nil:
		return e.receiver.written
	}
	return 0
}

func (e *Engine) core() engineCore {
	return engineCore{
		stream: e.stream,
		logger: e.logger,
		clock:  e.clock,
	}
}

// engineCore holds the capabilities and bookkeeping shared by the sender
// and receiver roles.
type engineCore struct {
	stream Stream
	logger Logger
	clock  Clock

	file    File
	timeout time.Duration

	// lastEvent is the last valid peer event; local retransmissions do
	// not touch it.
	lastEvent time.Time

	// lastSend paces the 1 s retransmit timer of waiting states.
	lastSend time.Time

	flushFails int
	hdr        headerParser
	err        *Error
}

func (c *engineCore) touch() {
	c.lastEvent = c.clock()
}

func (c *engineCore) timedOut() bool {
	return c.clock().Sub(c.lastEvent) > c.timeout
}

func (c *engineCore) retryDue() bool {
	return c.clock().Sub(c.lastSend) >= retryInterval
}

func (c *engineCore) markSent() {
	c.lastSend = c.clock()
}

// armRetry makes the retransmit timer fire on the next tick.
func (c *engineCore) armRetry() {
	c.lastSend = time.Time{}
}

// emit writes a fully encoded frame to the stream and flushes. Send
// failures leave the staged bytes in the adapter; the engine only counts
// them, and escalates after maxFlushFailures consecutive ones. Corruption
// from a partially staged frame is recovered by the protocol itself
// (header retry timers, receiver ZRPOS re-anchoring).
func (c *engineCore) emit(frame []byte) bool {
	_, err := c.stream.Write(frame)
	if err == nil {
		err = c.stream.Flush()
	}
	if err != nil {
		c.flushFails++
		c.logger.Debug("emit: send failed (%d consecutive): %v", c.flushFails, err)
		if c.flushFails > maxFlushFailures {
			c.fail(ErrTransport, "persistent transport send failure")
		}
		return false
	}
	c.flushFails = 0
	return true
}

func (c *engineCore) sendHexHeader(frameType byte, hdr Header) bool {
	c.logger.Debug("%s", FormatFrameLog("tx", frameType, hdr))
	return c.emit(encodeHexHeader(frameType, hdr))
}

func (c *engineCore) sendAbortSequence() {
	c.stream.Write(abortSequence)
	c.stream.Flush()
}

func (c *engineCore) closeFile() {
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}

// fail transitions to the terminal error state (first error wins) and
// closes the file.
func (c *engineCore) fail(kind ErrorKind, msg string) {
	if c.err == nil {
		c.err = NewError(kind, msg)
		c.logger.Error("session failed: %v", c.err)
	}
	c.closeFile()
}
