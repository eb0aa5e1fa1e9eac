package carabiner

// Shared test doubles: a recording deck network, a scriptable socket, and
// a stub embedded-daemon runner.

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/deckbridge/bridge/internal/deck"
)

type fakeDeck struct {
	mu            sync.Mutex
	running       bool
	sendingStatus bool
	master        bool
	synced        bool
	masterTempo   float64
	position      deck.PlaybackPosition

	setTempos   []float64
	becameCount int
	playCalls   []bool
	adjustments []int64
	listeners   []deck.MasterListener
}

func newFakeDeck() *fakeDeck {
	return &fakeDeck{
		running:       true,
		sendingStatus: true,
		masterTempo:   128,
		position: deck.PlaybackPosition{
			BeatIntervalMs: 500,
			BarIntervalMs:  2000,
		},
	}
}

func (d *fakeDeck) Running() bool       { d.mu.Lock(); defer d.mu.Unlock(); return d.running }
func (d *fakeDeck) SendingStatus() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.sendingStatus }
func (d *fakeDeck) TempoMaster() bool   { d.mu.Lock(); defer d.mu.Unlock(); return d.master }
func (d *fakeDeck) Synced() bool        { d.mu.Lock(); defer d.mu.Unlock(); return d.synced }
func (d *fakeDeck) SetSynced(s bool)    { d.mu.Lock(); defer d.mu.Unlock(); d.synced = s }

func (d *fakeDeck) MasterTempo() float64 { d.mu.Lock(); defer d.mu.Unlock(); return d.masterTempo }

func (d *fakeDeck) SetTempo(bpm float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setTempos = append(d.setTempos, bpm)
}

func (d *fakeDeck) BecomeTempoMaster() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.master = true
	d.becameCount++
}

func (d *fakeDeck) SetPlaying(playing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playCalls = append(d.playCalls, playing)
}

func (d *fakeDeck) PlaybackPosition() deck.PlaybackPosition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

func (d *fakeDeck) AdjustPlaybackPosition(msDelta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adjustments = append(d.adjustments, msDelta)
}

func (d *fakeDeck) AddMasterListener(l deck.MasterListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.listeners {
		if existing == l {
			return
		}
	}
	d.listeners = append(d.listeners, l)
}

func (d *fakeDeck) RemoveMasterListener(l deck.MasterListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.listeners {
		if existing == l {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *fakeDeck) listenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

func (d *fakeDeck) adjustmentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.adjustments)
}

// timeoutError satisfies net.Error for scripted read timeouts.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeConn records writes and serves scripted reads. Closing it makes
// reads return EOF-like errors, mirroring a closed socket.
type fakeConn struct {
	mu     sync.Mutex
	wrote  bytes.Buffer
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	// Drain pending data before reporting closure or timing out, the way
	// a real socket delivers buffered bytes after the peer closes.
	select {
	case data := <-c.in:
		return copy(p, data), nil
	default:
	}
	select {
	case <-c.closed:
		return 0, errClosed{}
	case data := <-c.in:
		return copy(p, data), nil
	case <-time.After(20 * time.Millisecond):
		return 0, timeoutError{}
	}
}

type errClosed struct{}

func (errClosed) Error() string { return "use of closed network connection" }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wrote.Write(p)
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

// written returns the protocol lines sent so far.
func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := strings.TrimSpace(c.wrote.String())
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// commandCount counts sent lines beginning with name.
func (c *fakeConn) commandCount(name string) int {
	count := 0
	for _, line := range c.written() {
		if cmd, _ := parseCommand(line); cmd == name {
			count++
		}
	}
	return count
}

type fakeRunner struct {
	mu       sync.Mutex
	canRun   bool
	started  []int
	stopped  int
	onStart  func(port int) error
	startErr error
}

func (r *fakeRunner) CanRunLocally() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canRun
}

func (r *fakeRunner) Start(port int) error {
	r.mu.Lock()
	r.started = append(r.started, port)
	onStart := r.onStart
	startErr := r.startErr
	r.mu.Unlock()
	if startErr != nil {
		return startErr
	}
	if onStart != nil {
		return onStart(port)
	}
	return nil
}

func (r *fakeRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
	return nil
}

func (r *fakeRunner) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// newTestBridge returns an engine wired to a fake deck and, when
// connected is true, a fake socket under run id 1.
func newTestBridge(connected bool) (*Bridge, *fakeDeck, *fakeConn) {
	d := newFakeDeck()
	b := New(d, nil)
	fc := newFakeConn()
	if connected {
		b.mu.Lock()
		b.lastRunID = 1
		b.running = 1
		b.conn = fc
		b.mu.Unlock()
	}
	return b, d, fc
}
