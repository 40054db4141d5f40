// Package session glues the zmodem engine, the mesh stream adapter and the
// filesystem into one transfer lifecycle per node, and parses the text
// command surface that starts transfers.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drunlade/mesh-zmodem/mesh"
	"github.com/drunlade/mesh-zmodem/zmodem"
)

// State is the controller's public transfer state.
type State int

const (
	Idle State = iota
	Sending
	Receiving
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Receiving:
		return "receiving"
	case Complete:
		return "complete"
	case Error:
		return "error"
	}
	return "unknown"
}

// DefaultTimeout is the inactivity deadline for a transfer. LoRa latency
// plus retries make this deliberately generous.
const DefaultTimeout = 30 * time.Second

// DefaultProgressInterval is how often a progress line is logged.
const DefaultProgressInterval = 5 * time.Second

// Controller owns at most one transfer session at a time. The host event
// loop forwards data-port packets to HandlePacket, command-port text to
// HandleCommand, and calls Tick at a cadence of 100 ms or faster.
// Everything runs single-threaded cooperative.
type Controller struct {
	transport mesh.Transport
	dataPort  uint8
	mtu       int

	logger           zmodem.Logger
	clock            zmodem.Clock
	timeout          time.Duration
	progressInterval time.Duration

	state    State
	path     string
	stream   *mesh.Stream
	engine   *zmodem.Engine
	progress *zmodem.ProgressTracker
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller and engine logger.
func WithLogger(logger zmodem.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock zmodem.Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithTimeout sets the inactivity deadline for transfers.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithProgressInterval sets the progress report interval; 0 disables
// periodic reports.
func WithProgressInterval(interval time.Duration) Option {
	return func(c *Controller) {
		c.progressInterval = interval
	}
}

// WithMTU overrides the datagram payload bound.
func WithMTU(mtu int) Option {
	return func(c *Controller) {
		if mtu > 0 {
			c.mtu = mtu
		}
	}
}

// New creates a controller emitting transfer datagrams on dataPort.
func New(transport mesh.Transport, dataPort uint8, opts ...Option) *Controller {
	c := &Controller{
		transport:        transport,
		dataPort:         dataPort,
		mtu:              mesh.DefaultMTU,
		logger:           zmodem.NoopLogger{},
		clock:            time.Now,
		timeout:          DefaultTimeout,
		progressInterval: DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stream = mesh.NewStream(transport, dataPort,
		mesh.WithMTU(c.mtu), mesh.WithStreamLogger(c.logger))
	c.engine = zmodem.NewEngine(c.stream,
		zmodem.WithLogger(c.logger), zmodem.WithClock(c.clock))
	c.progress = zmodem.NewProgressTracker(c.clock, c.progressInterval)
	return c
}

// State returns the controller's public state.
func (c *Controller) State() State {
	return c.state
}

// Filename returns the filename of the current or last transfer.
func (c *Controller) Filename() string {
	return c.engine.Filename()
}

// FileSize returns the declared size of the current or last transfer.
func (c *Controller) FileSize() int64 {
	return c.engine.FileSize()
}

// BytesTransferred returns the bytes moved so far.
func (c *Controller) BytesTransferred() int64 {
	return c.engine.BytesTransferred()
}

// busy reports whether a transfer is in flight. Complete and Error are
// re-armable: the next Start* call begins a fresh session.
func (c *Controller) busy() bool {
	return c.state == Sending || c.state == Receiving
}

// StartSend opens path read-only and begins sending it to peer. The
// engine takes ownership of the file handle. Config errors are returned
// synchronously and leave the prior state untouched.
func (c *Controller) StartSend(peer mesh.NodeID, path string) error {
	if c.busy() {
		return zmodem.NewError(zmodem.ErrConfig,
			fmt.Sprintf("transfer already in progress (%s)", c.state))
	}
	if !peer.Valid() {
		return zmodem.NewError(zmodem.ErrConfig, "invalid peer node id")
	}

	file, err := os.Open(path)
	if err != nil {
		return zmodem.NewError(zmodem.ErrResource, "open failed: "+err.Error())
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return zmodem.NewError(zmodem.ErrResource, "stat failed: "+err.Error())
	}
	if info.IsDir() {
		file.Close()
		return zmodem.NewError(zmodem.ErrConfig, "cannot send a directory")
	}

	c.stream.Reset()
	c.stream.SetPeer(peer)
	if err := c.engine.BeginSend(file, filepath.Base(path), info.Size(), c.timeout); err != nil {
		file.Close()
		return err
	}

	c.path = path
	c.state = Sending
	c.progress.Start()
	c.logger.Info("sending %s (%d bytes) to %s", path, info.Size(), peer)
	return nil
}

// StartReceive creates (truncating) path and begins waiting for a sender.
// The peer is learned from the first inbound packet.
func (c *Controller) StartReceive(path string) error {
	if c.busy() {
		return zmodem.NewError(zmodem.ErrConfig,
			fmt.Sprintf("transfer already in progress (%s)", c.state))
	}

	file, err := os.Create(path)
	if err != nil {
		return zmodem.NewError(zmodem.ErrResource, "create failed: "+err.Error())
	}

	c.stream.Reset()
	if err := c.engine.BeginReceive(file, c.timeout); err != nil {
		file.Close()
		return err
	}

	c.path = path
	c.state = Receiving
	c.progress.Start()
	c.logger.Info("receiving to %s", path)
	return nil
}

// Abort cancels the active transfer, if any.
func (c *Controller) Abort() {
	if !c.busy() {
		return
	}
	c.engine.Abort()
	c.state = Error
	c.logger.Info("transfer aborted: %s", c.path)
}

// HandlePacket forwards one data-port datagram to the stream adapter.
func (c *Controller) HandlePacket(payload []byte, from mesh.NodeID) {
	if !c.busy() {
		return
	}
	c.stream.PushPacket(payload, from)
}

// Tick drives the engine one step and mirrors its outcome into the
// controller state, logging progress and the terminal line.
func (c *Controller) Tick() State {
	if !c.busy() {
		return c.state
	}

	switch c.engine.Tick() {
	case zmodem.ResultBusy:
		if line, ok := c.progress.Update(c.engine.BytesTransferred(), c.engine.FileSize()); ok {
			c.logger.Info("%s", line)
		}

	case zmodem.ResultComplete:
		c.state = Complete
		c.logger.Info("%s complete: %s", c.path, c.progress.Complete(c.engine.BytesTransferred()))

	case zmodem.ResultError:
		c.state = Error
		c.logger.Error("%s failed: %v (%d/%d bytes)",
			c.path, c.engine.Err(), c.engine.BytesTransferred(), c.engine.FileSize())
	}
	return c.state
}
