package carabiner

import (
	"log"
	"time"

	"github.com/deckbridge/bridge/internal/deck"
	"github.com/pkg/errors"
)

// settleDelay is how long to wait after a master handoff before asking the
// daemon for fresh status, in case the outgoing master altered the tempo
// mid-handoff.
const settleDelay = time.Millisecond

// SetSyncMode transitions the engine between its four operating modes,
// engaging or tearing down the directional linkages the new mode requires.
func (b *Bridge) SetSyncMode(mode Mode) error {
	if !mode.valid() {
		return errors.Wrapf(ErrInvalidArgument, "unknown sync mode %q", mode)
	}
	if mode != ModeOff {
		b.mu.Lock()
		connected := b.running != 0
		b.mu.Unlock()
		if !connected {
			return errors.Wrapf(ErrInvalidState, "sync mode %s requires an active carabiner connection", mode)
		}
		if !b.deck.Running() {
			return errors.Wrapf(ErrInvalidState, "sync mode %s requires the deck stand-in to be running", mode)
		}
		if mode == ModeFull && !b.deck.SendingStatus() {
			return errors.Wrap(ErrInvalidState, "full sync requires the deck stand-in to be sending status packets")
		}
	}

	b.mu.Lock()
	b.syncMode = mode
	b.mu.Unlock()

	switch mode {
	case ModePassive, ModeFull:
		b.applyDeckSync(b.deck.Synced())
		if mode == ModeFull && b.deck.TempoMaster() {
			b.tieDeckToSession()
		}
	case ModeOff, ModeManual:
		b.untieDeckToSession()
		b.untieSessionToDeck()
	}

	b.notifyStatus()
	return nil
}

// SetLinkSynced mirrors the session's synced flag onto the deck stand-in
// and, in passive or full mode, brings the session-follows-deck linkage in
// line with it.
func (b *Bridge) SetLinkSynced(synced bool) {
	if b.deck.Synced() != synced {
		b.deck.SetSynced(synced)
	}
	b.applyDeckSync(synced)
}

// SetLinkMaster hands the deck timeline to the session (full mode only)
// or releases it. Releasing is idempotent.
func (b *Bridge) SetLinkMaster(isMaster bool) {
	if isMaster {
		b.mu.Lock()
		mode := b.syncMode
		b.mu.Unlock()
		if mode == ModeFull {
			b.tieDeckToSession()
		}
		return
	}
	b.untieDeckToSession()
}

// applyDeckSync engages or disengages the session-follows-deck direction
// to match the synced flag. Only meaningful in passive or full mode while
// the stand-in is not itself tempo master.
func (b *Bridge) applyDeckSync(synced bool) {
	b.mu.Lock()
	mode := b.syncMode
	b.mu.Unlock()
	if mode != ModePassive && mode != ModeFull {
		return
	}
	if b.deck.TempoMaster() {
		return
	}
	if synced {
		b.tieSessionToDeck()
	} else {
		b.untieSessionToDeck()
	}
}

// tieSessionToDeck makes the Link session follow the deck network's tempo
// master: the master listener locks the session tempo and issues beat
// probes. Priming with the current master tempo happens even when the
// listener is already registered.
func (b *Bridge) tieSessionToDeck() {
	b.mu.Lock()
	register := !b.listenerOn
	b.listenerOn = true
	b.mu.Unlock()

	if register {
		b.deck.AddMasterListener(b.listener)
	}
	b.handleDeckTempo(b.deck.MasterTempo())
}

// untieSessionToDeck removes the master listener and releases the tempo
// lock.
func (b *Bridge) untieSessionToDeck() {
	b.mu.Lock()
	registered := b.listenerOn
	b.listenerOn = false
	b.mu.Unlock()

	if registered {
		b.deck.RemoveMasterListener(b.listener)
	}
	b.UnlockTempo()
}

// tieDeckToSession makes the deck timeline follow the session: the
// stand-in takes tempo-master status, plays at the session tempo, and is
// phase-corrected by probe responses. The opposite direction is torn down
// first; a side cannot follow itself.
func (b *Bridge) tieDeckToSession() {
	b.untieSessionToDeck()

	b.mu.Lock()
	if b.deckFollowsSession {
		b.mu.Unlock()
		return
	}
	b.deckFollowsSession = true
	link := 0.0
	if b.haveLink {
		link = b.linkBPM
	}
	b.mu.Unlock()

	b.probePhase()
	if link > 0 {
		b.deck.SetTempo(link)
	}
	b.deck.BecomeTempoMaster()
	b.deck.SetPlaying(true)
	time.AfterFunc(settleDelay, func() {
		b.sendLogged(encodeCommand(cmdStatus))
	})
}

// untieDeckToSession stops the stand-in's transport. If the configured
// mode still wants deck synchronization and the stand-in reports itself
// synced, the session-follows-deck direction is re-engaged.
func (b *Bridge) untieDeckToSession() {
	b.mu.Lock()
	engaged := b.deckFollowsSession
	b.deckFollowsSession = false
	mode := b.syncMode
	b.mu.Unlock()

	if !engaged {
		return
	}
	b.deck.SetPlaying(false)
	if (mode == ModePassive || mode == ModeFull) && b.deck.Synced() {
		b.tieSessionToDeck()
	}
}

// handleDeckTempo reacts to the deck master's tempo: a tempo in range
// locks the session to it, anything else releases the lock.
func (b *Bridge) handleDeckTempo(bpm float64) {
	if bpm >= minTempo && bpm <= maxTempo {
		if err := b.LockTempo(bpm); err != nil {
			log.Printf("[carabiner] cannot follow deck tempo %.2f: %v", bpm, err)
		}
		return
	}
	b.UnlockTempo()
}

// masterListener adapts deck-network events onto the engine. One instance
// per Bridge so registration and removal refer to the same identity.
type masterListener struct {
	bridge *Bridge
}

func (l *masterListener) MasterChanged(master *deck.Device) {
	// A vanished master leaves nothing to follow; a new one announces its
	// tempo right after this event.
	if master == nil {
		l.bridge.UnlockTempo()
	}
}

func (l *masterListener) TempoChanged(bpm float64) {
	l.bridge.handleDeckTempo(bpm)
}

func (l *masterListener) NewBeat(beat deck.Beat, fromMaster bool) {
	if !fromMaster {
		return
	}
	b := l.bridge
	b.mu.Lock()
	alignBars := b.alignBars
	b.mu.Unlock()

	bar := 0
	if alignBars {
		bar = beat.BeatWithinBar
	}
	b.probeBeatAtTime(beat.TimestampMicros, bar)
}
