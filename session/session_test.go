package session_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drunlade/mesh-zmodem/mesh"
	"github.com/drunlade/mesh-zmodem/session"
)

const (
	nodeA    = mesh.NodeID(0x1111)
	nodeB    = mesh.NodeID(0x2222)
	dataPort = 91
)

// fakeClock is a manually advanced time source shared by both nodes.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type queuedPacket struct {
	to      mesh.NodeID
	payload []byte
}

// queueTransport queues outbound packets for the test harness to deliver
// one at a time, modelling the radio's pacing. failAt, when set to a 1-up
// send count, fails that send once.
type queueTransport struct {
	queue  []queuedPacket
	count  int
	failAt int
	failed bool
}

func (t *queueTransport) SendUnicast(to mesh.NodeID, port uint8, payload []byte) error {
	t.count++
	if t.failAt != 0 && t.count == t.failAt && !t.failed {
		t.failed = true
		return os.ErrDeadlineExceeded
	}
	t.queue = append(t.queue, queuedPacket{to, append([]byte(nil), payload...)})
	return nil
}

func (t *queueTransport) pop() (queuedPacket, bool) {
	if len(t.queue) == 0 {
		return queuedPacket{}, false
	}
	p := t.queue[0]
	t.queue = t.queue[1:]
	return p, true
}

// pair wires two controllers over queue transports.
type pair struct {
	clock  *fakeClock
	aT, bT *queueTransport
	a, b   *session.Controller

	// mutate, when set, can rewrite an A->B payload in flight.
	mutate func(n int, payload []byte) []byte
	nAtoB  int

	// duplicate delivers every A->B packet twice.
	duplicate bool
}

func newPair(t *testing.T, timeout time.Duration) *pair {
	t.Helper()
	p := &pair{
		clock: newFakeClock(),
		aT:    &queueTransport{},
		bT:    &queueTransport{},
	}
	opts := func(tr mesh.Transport) *session.Controller {
		return session.New(tr, dataPort,
			session.WithClock(p.clock.Now),
			session.WithTimeout(timeout),
			session.WithProgressInterval(0),
		)
	}
	p.a = opts(p.aT)
	p.b = opts(p.bT)
	return p
}

// run steps both nodes until they reach terminal states or the iteration
// budget runs out. Each iteration is one 50 ms event-loop turn per node
// with at most one packet delivered per direction.
func (p *pair) run(t *testing.T, iterations int) {
	t.Helper()
	for i := 0; i < iterations; i++ {
		p.a.Tick()
		if pkt, ok := p.aT.pop(); ok && pkt.to == nodeB {
			payload := pkt.payload
			p.nAtoB++
			if p.mutate != nil {
				payload = p.mutate(p.nAtoB, payload)
			}
			p.b.HandlePacket(payload, nodeA)
			if p.duplicate {
				p.b.HandlePacket(payload, nodeA)
			}
		}

		p.b.Tick()
		if pkt, ok := p.bT.pop(); ok && pkt.to == nodeA {
			p.a.HandlePacket(pkt.payload, nodeB)
		}

		p.clock.Advance(50 * time.Millisecond)

		if !isBusy(p.a.State()) && !isBusy(p.b.State()) {
			return
		}
	}
	t.Fatalf("transfer did not settle: a=%s b=%s (a %d/%d, b %d/%d bytes)",
		p.a.State(), p.b.State(),
		p.a.BytesTransferred(), p.a.FileSize(),
		p.b.BytesTransferred(), p.b.FileSize())
}

func isBusy(s session.State) bool {
	return s == session.Sending || s == session.Receiving
}

// transfer runs one complete file transfer of content and returns the
// received bytes.
func (p *pair) transfer(t *testing.T, content []byte) []byte {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}

	if err := p.b.StartReceive(dst); err != nil {
		t.Fatalf("StartReceive: %v", err)
	}
	if err := p.a.StartSend(nodeB, src); err != nil {
		t.Fatalf("StartSend: %v", err)
	}

	p.run(t, 5000)

	if p.a.State() != session.Complete {
		t.Fatalf("sender state = %s", p.a.State())
	}
	if p.b.State() != session.Complete {
		t.Fatalf("receiver state = %s", p.b.State())
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func patternData(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 256)
	}
	return out
}

func TestTransferSmallText(t *testing.T) {
	p := newPair(t, 30*time.Second)
	content := []byte("HELLO\n")

	got := p.transfer(t, content)
	if !bytes.Equal(got, content) {
		t.Fatalf("received %q, want %q", got, content)
	}
	if p.a.BytesTransferred() != 6 {
		t.Fatalf("sender BytesTransferred = %d, want 6", p.a.BytesTransferred())
	}
	if p.b.Filename() != "src.bin" {
		t.Fatalf("receiver learned filename %q", p.b.Filename())
	}
}

func TestTransferBinaryPattern(t *testing.T) {
	p := newPair(t, 30*time.Second)
	content := patternData(1024)

	got := p.transfer(t, content)
	if !bytes.Equal(got, content) {
		t.Fatalf("binary transfer corrupted (%d bytes received)", len(got))
	}
}

func TestTransferEmptyFile(t *testing.T) {
	p := newPair(t, 30*time.Second)
	got := p.transfer(t, nil)
	if len(got) != 0 {
		t.Fatalf("received %d bytes for empty file", len(got))
	}
}

func TestTransferWithDuplicatedPackets(t *testing.T) {
	// Every data-port packet delivered twice: the adapter's duplicate
	// suppression must keep the engine's input identical.
	p := newPair(t, 30*time.Second)
	p.duplicate = true
	content := patternData(600)

	got := p.transfer(t, content)
	if !bytes.Equal(got, content) {
		t.Fatalf("duplicate delivery corrupted the transfer")
	}
}

func TestTransferRecoversFromSendFailure(t *testing.T) {
	// One transport-level send failure: the adapter retains the staged
	// bytes and the same sequence number goes out on the next flush.
	p := newPair(t, 30*time.Second)
	p.aT.failAt = 4
	content := patternData(700)

	got := p.transfer(t, content)
	if !bytes.Equal(got, content) {
		t.Fatalf("send-failure recovery corrupted the transfer")
	}
}

func TestTransferResumesAfterCorruption(t *testing.T) {
	// Corrupt one mid-stream data packet (sequence header intact): the
	// receiver discards the damaged subpacket, re-anchors with ZRPOS and
	// the sender rewinds.
	p := newPair(t, 60*time.Second)
	p.mutate = func(n int, payload []byte) []byte {
		if n == 6 && len(payload) > 20 {
			mutated := append([]byte(nil), payload...)
			mutated[20] ^= 0xFF
			return mutated
		}
		return payload
	}
	content := patternData(900)

	got := p.transfer(t, content)
	if !bytes.Equal(got, content) {
		t.Fatalf("corruption recovery failed")
	}
}

func TestReceiveTimeout(t *testing.T) {
	p := newPair(t, 5*time.Second)
	dst := filepath.Join(t.TempDir(), "out.bin")

	if err := p.b.StartReceive(dst); err != nil {
		t.Fatalf("StartReceive: %v", err)
	}

	// Nobody sends; after the 5 s inactivity deadline the session errors.
	for i := 0; i < 200 && p.b.State() == session.Receiving; i++ {
		p.b.Tick()
		p.clock.Advance(100 * time.Millisecond)
	}
	if p.b.State() != session.Error {
		t.Fatalf("state = %s, want error", p.b.State())
	}

	// The session is re-armable.
	if err := p.b.StartReceive(dst); err != nil {
		t.Fatalf("StartReceive after timeout: %v", err)
	}
	if p.b.State() != session.Receiving {
		t.Fatalf("re-armed state = %s", p.b.State())
	}
}

func TestAbortReArms(t *testing.T) {
	p := newPair(t, 30*time.Second)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	os.WriteFile(src, patternData(512), 0644)

	if err := p.a.StartSend(nodeB, src); err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	p.a.Tick()
	p.a.Abort()
	if p.a.State() != session.Error {
		t.Fatalf("state after abort = %s", p.a.State())
	}
	if err := p.a.StartSend(nodeB, src); err != nil {
		t.Fatalf("StartSend after abort: %v", err)
	}
}

func TestStartGuards(t *testing.T) {
	p := newPair(t, 30*time.Second)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	os.WriteFile(src, []byte("x"), 0644)

	if err := p.a.StartSend(0, src); err == nil {
		t.Fatalf("zero peer accepted")
	}
	if err := p.a.StartSend(mesh.Broadcast, src); err == nil {
		t.Fatalf("broadcast peer accepted")
	}
	if err := p.a.StartSend(nodeB, filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("missing file accepted")
	}
	if p.a.State() != session.Idle {
		t.Fatalf("rejected starts changed state to %s", p.a.State())
	}

	if err := p.a.StartSend(nodeB, src); err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	if err := p.a.StartSend(nodeB, src); err == nil {
		t.Fatalf("second start during transfer accepted")
	}
	if err := p.a.StartReceive(filepath.Join(dir, "dst")); err == nil {
		t.Fatalf("receive during send accepted")
	}
	if p.a.State() != session.Sending {
		t.Fatalf("guard rejection changed state to %s", p.a.State())
	}
}
