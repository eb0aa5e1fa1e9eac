// Package carabiner implements the synchronization engine bridging a deck
// network's tempo master to a peer-to-peer Link session reached through a
// local Carabiner daemon. It owns the daemon connection and its wire
// protocol, the tempo/beat/phase alignment logic, and the sync-mode state
// machine that decides which side follows which.
package carabiner

import (
	"sync"
	"time"

	"github.com/deckbridge/bridge/internal/deck"
	"github.com/pkg/errors"
)

// Mode selects which direction, if any, the engine keeps aligned.
type Mode string

const (
	// ModeOff performs no synchronization.
	ModeOff Mode = "off"
	// ModeManual leaves alignment to explicit lock/unlock calls.
	ModeManual Mode = "manual"
	// ModePassive keeps the Link session following the deck network's
	// tempo master.
	ModePassive Mode = "passive"
	// ModeFull synchronizes in both directions, switching with the
	// session-master flag.
	ModeFull Mode = "full"
)

func (m Mode) valid() bool {
	switch m {
	case ModeOff, ModeManual, ModePassive, ModeFull:
		return true
	}
	return false
}

// Runner launches and stops an embedded Carabiner daemon when no external
// one is listening.
type Runner interface {
	// CanRunLocally reports whether an embedded daemon can be launched on
	// this host.
	CanRunLocally() bool
	// Start launches the daemon on the given port.
	Start(port int) error
	// Stop shuts the daemon down.
	Stop() error
}

// Snapshot is a point-in-time copy of the engine's public state. Pointer
// fields are nil while the corresponding value is absent.
type Snapshot struct {
	Port      int      `json:"port"`
	LatencyMs int      `json:"latencyMs"`
	SyncMode  Mode     `json:"syncMode"`
	AlignBars bool     `json:"alignBars"`
	Running   bool     `json:"running"`
	LinkBPM   *float64 `json:"linkBpm,omitempty"`
	LinkPeers *int     `json:"linkPeers,omitempty"`
	TargetBPM *float64 `json:"targetBpm,omitempty"`
}

// beatProbe is an outstanding beat-alignment request. bar is the requested
// position within the bar (1-4), or 0 when alignment is beat-granular.
type beatProbe struct {
	when int64
	bar  int
}

// phaseProbe is an outstanding phase-alignment request, pairing the
// timestamp sent to the daemon with the deck timeline snapshot taken at
// the same moment.
type phaseProbe struct {
	when int64
	pos  deck.PlaybackPosition
}

// Bridge is the synchronization engine. At most one instance should be
// live per process. All exported methods are safe for concurrent use.
//
// The mutex guards in-memory state only; socket and deck I/O always happen
// outside it. Each connection generation is identified by a run id, and a
// read loop only mutates state while its captured id is still current.
type Bridge struct {
	deck   deck.Network
	runner Runner

	// nowMicros supplies the engine's time base in microseconds. Replaced
	// by tests to pin probe timestamps.
	nowMicros func() int64

	mu        sync.Mutex
	port      int
	latencyMs int
	lastRunID uint64
	running   uint64 // current read-loop generation; 0 while disconnected
	// connecting is held across the dial so overlapping Connect calls
	// cannot race two read loops into existence.
	connecting bool
	embedded  bool
	conn      connWriter
	syncMode  Mode
	alignBars bool

	haveStatus bool // a status message arrived on this connection
	haveLink   bool
	linkBPM    float64
	linkPeers  int

	tempoLocked bool
	targetBPM   float64

	pendingBeat  *beatProbe
	pendingPhase *phaseProbe

	// listenerOn tracks whether the master listener is registered with the
	// deck network (the session-follows-deck direction).
	listenerOn bool
	// deckFollowsSession tracks whether the stand-in has been made tempo
	// master to carry the session's timeline onto the deck network.
	deckFollowsSession bool

	listener *masterListener

	// sendMu serializes writes to the socket.
	sendMu sync.Mutex

	obs observers
}

// New creates an engine talking to the given deck network, with the
// Carabiner daemon's default port. runner may be nil when embedded launch
// is unavailable.
func New(network deck.Network, runner Runner) *Bridge {
	b := &Bridge{
		deck:      network,
		runner:    runner,
		nowMicros: func() int64 { return time.Now().UnixMicro() },
		port:      17000,
		latencyMs: 1,
		syncMode:  ModeOff,
	}
	b.listener = &masterListener{bridge: b}
	b.obs.init()
	return b
}

// State returns a snapshot of the engine's current public state.
func (b *Bridge) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Bridge) snapshotLocked() Snapshot {
	s := Snapshot{
		Port:      b.port,
		LatencyMs: b.latencyMs,
		SyncMode:  b.syncMode,
		AlignBars: b.alignBars,
		Running:   b.running != 0,
	}
	if b.haveLink {
		bpm := b.linkBPM
		peers := b.linkPeers
		s.LinkBPM = &bpm
		s.LinkPeers = &peers
	}
	if b.tempoLocked {
		target := b.targetBPM
		s.TargetBPM = &target
	}
	return s
}

// SetPort changes the daemon port. Fails while a connection is active.
func (b *Bridge) SetPort(port int) error {
	if port < 1 || port > 65535 {
		return errors.Wrapf(ErrInvalidArgument, "port %d outside [1, 65535]", port)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running != 0 {
		return errors.Wrap(ErrInvalidState, "cannot change port while connected")
	}
	b.port = port
	return nil
}

// SetLatency sets the milliseconds by which deck beat packets lag the
// audio they describe.
func (b *Bridge) SetLatency(ms int) error {
	if ms < 0 || ms > 1000 {
		return errors.Wrapf(ErrInvalidArgument, "latency %d ms outside [0, 1000]", ms)
	}
	b.mu.Lock()
	b.latencyMs = ms
	b.mu.Unlock()
	return nil
}

// SetAlignBars selects whether alignment operates at 4-beat-bar
// granularity rather than single beats.
func (b *Bridge) SetAlignBars(align bool) {
	b.mu.Lock()
	b.alignBars = align
	b.mu.Unlock()
}
