package carabiner

import (
	"context"
	"log"
	"time"
)

// phaseProbeInterval is how often the drift-correction loop re-probes the
// session phase while the deck timeline is following it.
const phaseProbeInterval = 200 * time.Millisecond

// Run drives the periodic phase-correction loop until ctx is cancelled.
// Beat packets alone carry no sub-beat phase in the deck-follows-session
// direction, so once a handoff has occurred this loop is what keeps the
// deck timeline from drifting. Start it once at process start.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(phaseProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[carabiner] phase loop stopped")
			return
		case <-ticker.C:
			b.phaseTick()
		}
	}
}

// phaseTick issues one phase probe when the mode and master status call
// for it. A panic in one iteration is logged and the loop continues.
func (b *Bridge) phaseTick() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[carabiner] phase probe panicked: %v", r)
		}
	}()

	b.mu.Lock()
	full := b.syncMode == ModeFull
	b.mu.Unlock()

	if full && b.deck.TempoMaster() {
		b.probePhase()
	}
}
