package carabiner

import (
	"log"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	connectTimeout = 5 * time.Second
	// readTimeout bounds each socket read so the loop can notice a
	// requested shutdown even with no traffic.
	readTimeout = 2 * time.Second

	// Embedded-daemon launch: retry the dial every launchRetryDelay for up
	// to launchRetryMax attempts (about two seconds) before giving up.
	launchRetryDelay = 10 * time.Millisecond
	launchRetryMax   = 200

	// handshakeDelay is how long after connecting to wait for the first
	// status message before concluding the wrong process answered.
	handshakeDelay = time.Second

	// embeddedStopDelay lets the socket close gracefully before the child
	// daemon is stopped.
	embeddedStopDelay = 100 * time.Millisecond
)

// connWriter is the slice of net.Conn the engine uses. Tests substitute a
// scripted implementation.
type connWriter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// Connect establishes the daemon connection and starts its read loop.
// Returns true when a connection attempt is under way or already active.
// Failures — both the initial dial and a failed post-connect handshake —
// are reported through onFailure rather than an error return, since the
// engine runs unattended.
func (b *Bridge) Connect(onFailure func(error)) bool {
	b.mu.Lock()
	if b.running != 0 || b.connecting {
		b.mu.Unlock()
		return true
	}
	b.connecting = true
	port := b.port
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.connecting = false
		b.mu.Unlock()
	}()

	conn, embedded, err := b.dial(port)
	if err != nil {
		log.Printf("[carabiner] connect failed: %v", err)
		if onFailure != nil {
			onFailure(err)
		}
		return false
	}

	b.mu.Lock()
	b.lastRunID++
	id := b.lastRunID
	b.running = id
	b.conn = conn
	b.embedded = embedded
	b.haveStatus = false
	b.haveLink = false
	b.mu.Unlock()

	go b.readLoop(conn, id)
	time.AfterFunc(handshakeDelay, func() { b.finishHandshake(id, onFailure) })

	log.Printf("[carabiner] connected to 127.0.0.1:%d (embedded=%v)", port, embedded)
	return true
}

// dial connects to the daemon, launching an embedded copy when the port
// actively refuses and the runner permits it.
func (b *Bridge) dial(port int) (net.Conn, bool, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err == nil {
		return conn, false, nil
	}
	if !errors.Is(err, syscall.ECONNREFUSED) || b.runner == nil || !b.runner.CanRunLocally() {
		return nil, false, errors.Wrapf(ErrConnect, "dial %s: %v", addr, err)
	}

	log.Printf("[carabiner] nothing listening on %s, launching embedded daemon", addr)
	if lerr := b.runner.Start(port); lerr != nil {
		return nil, false, errors.Wrapf(ErrConnect, "launching embedded daemon: %v", lerr)
	}
	for attempt := 0; attempt < launchRetryMax; attempt++ {
		time.Sleep(launchRetryDelay)
		conn, err = net.DialTimeout("tcp", addr, connectTimeout)
		if err == nil {
			return conn, true, nil
		}
	}
	if serr := b.runner.Stop(); serr != nil {
		log.Printf("[carabiner] stopping unreachable embedded daemon: %v", serr)
	}
	return nil, false, errors.Wrapf(ErrConnect, "embedded daemon never accepted connections on %s: %v", addr, err)
}

// finishHandshake runs one second after connecting. No status message by
// then means something other than Carabiner answered the port; otherwise
// the version probe and start/stop-sync capability are sent.
func (b *Bridge) finishHandshake(id uint64, onFailure func(error)) {
	b.mu.Lock()
	current := b.running == id
	haveStatus := b.haveStatus
	b.mu.Unlock()

	if !current {
		return
	}
	if !haveStatus {
		log.Printf("[carabiner] no status message after connect; wrong process on the configured port?")
		b.Disconnect()
		if onFailure != nil {
			onFailure(errors.Wrap(ErrConnect, "connected port did not speak the carabiner protocol"))
		}
		return
	}
	b.sendLogged(encodeCommand(cmdVersion))
	b.sendLogged(encodeCommand(cmdEnableStartStopSync))
}

// Disconnect closes the active connection. The read loop notices within
// one read timeout and finishes the teardown; its disconnection event
// carries unexpected=false.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	if b.running == 0 {
		b.mu.Unlock()
		return
	}
	conn := b.conn
	embedded := b.embedded
	b.clearConnectionLocked()
	b.mu.Unlock()

	b.dropLinkages()
	b.scheduleEmbeddedStop(embedded)
	if conn != nil {
		conn.Close()
	}
}

// clearConnectionLocked resets every connection-related field. Callers
// hold b.mu and handle socket closing and linkage teardown themselves.
func (b *Bridge) clearConnectionLocked() {
	b.running = 0
	b.conn = nil
	b.embedded = false
	b.haveStatus = false
	b.haveLink = false
	b.linkBPM = 0
	b.linkPeers = 0
	b.pendingBeat = nil
	b.pendingPhase = nil
	b.syncMode = ModeOff
}

// dropLinkages tears down both sync directions after the mode has already
// been forced to off.
func (b *Bridge) dropLinkages() {
	b.untieDeckToSession()
	b.untieSessionToDeck()
}

func (b *Bridge) scheduleEmbeddedStop(embedded bool) {
	if !embedded || b.runner == nil {
		return
	}
	time.AfterFunc(embeddedStopDelay, func() {
		if err := b.runner.Stop(); err != nil {
			log.Printf("[carabiner] stopping embedded daemon: %v", err)
		}
	})
}

func (b *Bridge) isCurrent(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running == id
}

// readLoop runs for one connection generation. It only acts on socket
// data while its captured id is still the current one; after a
// disconnect/reconnect it exits without touching state.
func (b *Bridge) readLoop(conn connWriter, id uint64) {
	dec := &decoder{}
	buf := make([]byte, 4096)
	unexpected := false

	for b.isCurrent(id) {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			unexpected = b.isCurrent(id)
			break
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.feed(buf[:n])
			b.dispatchDecoded(dec, id)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Timeouts are how the loop polls for shutdown.
				continue
			}
			// The far end closed, or teardown closed the socket under us.
			unexpected = b.isCurrent(id)
			break
		}
	}

	b.finishReadLoop(conn, id, unexpected)
}

// finishReadLoop performs the loop-exit teardown. A stale loop (whose id
// has been superseded) makes no state changes; either way the socket is
// closed and disconnection subscribers are notified.
func (b *Bridge) finishReadLoop(conn connWriter, id uint64, unexpected bool) {
	b.mu.Lock()
	wasCurrent := b.running == id
	embedded := false
	if wasCurrent {
		embedded = b.embedded
		b.clearConnectionLocked()
	}
	b.mu.Unlock()

	if wasCurrent {
		b.dropLinkages()
		b.scheduleEmbeddedStop(embedded)
	}
	conn.Close()

	if unexpected {
		log.Printf("[carabiner] connection closed by daemon")
	}
	b.notifyDisconnect(unexpected)
}

// dispatchDecoded drains every complete message the decoder holds. Decode
// and handler problems are logged and never terminate the read loop.
func (b *Bridge) dispatchDecoded(dec *decoder, id uint64) {
	for {
		msg, ok, err := dec.next()
		if err != nil {
			log.Printf("[carabiner] %v", err)
		}
		if !ok {
			return
		}
		if err != nil {
			continue
		}
		if !b.isCurrent(id) {
			// Superseded mid-batch; a stale loop must not mutate state.
			return
		}
		b.dispatch(msg)
	}
}

func (b *Bridge) dispatch(msg message) {
	switch msg.tag {
	case "status":
		bpm, okBPM := floatField(msg.value, "bpm")
		peers, okPeers := intField(msg.value, "peers")
		if !okBPM || !okPeers {
			log.Printf("[carabiner] status message missing bpm/peers: %v", msg.value)
			return
		}
		b.handleStatus(bpm, int(peers))
	case "beat-at-time":
		beat, okBeat := floatField(msg.value, "beat")
		when, okWhen := intField(msg.value, "when")
		if !okBeat || !okWhen {
			log.Printf("[carabiner] beat-at-time message missing beat/when: %v", msg.value)
			return
		}
		b.handleBeatAtTime(beat, when)
	case "phase-at-time":
		phase, okPhase := floatField(msg.value, "phase")
		when, okWhen := intField(msg.value, "when")
		if !okPhase || !okWhen {
			log.Printf("[carabiner] phase-at-time message missing phase/when: %v", msg.value)
			return
		}
		b.handlePhaseAtTime(phase, when)
	case "version":
		b.handleVersion(asString(msg.value))
	case "unsupported":
		b.handleUnsupported(asString(msg.value))
	default:
		log.Printf("[carabiner] dropping unhandled message %q", msg.tag)
	}
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case symbol:
		return string(s)
	}
	return ""
}

// handleStatus records the session's tempo and peer count and re-runs the
// tempo check.
func (b *Bridge) handleStatus(bpm float64, peers int) {
	b.mu.Lock()
	b.haveStatus = true
	b.haveLink = true
	b.linkBPM = bpm
	b.linkPeers = peers
	b.mu.Unlock()

	b.notifyStatus()
	b.checkLinkTempo()
}

// send writes one encoded command to the socket. Fails when no connection
// is active. Writes are serialized; the state mutex is never held during
// I/O.
func (b *Bridge) send(cmd []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if _, err := conn.Write(cmd); err != nil {
		return errors.Wrapf(err, "sending %q", string(cmd))
	}
	return nil
}

func (b *Bridge) sendLogged(cmd []byte) {
	if err := b.send(cmd); err != nil {
		log.Printf("[carabiner] send failed: %v", err)
	}
}
