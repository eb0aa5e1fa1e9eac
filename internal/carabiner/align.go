package carabiner

import (
	"log"
	"math"

	"github.com/pkg/errors"
)

const (
	// minTempo and maxTempo bound every tempo the engine will lock or
	// relay, matching the range Link itself accepts.
	minTempo = 20.0
	maxTempo = 999.0

	// bpmTolerance is the difference below which the session tempo is
	// considered already at the target.
	bpmTolerance = 0.00001

	// skewTolerance is how far (in beats) a reported beat may sit from the
	// nearest beat boundary before the grid is forcibly realigned. One
	// frame at 60fps.
	skewTolerance = 1.0 / 60.0

	// sendingLagBeats pads small phase nudges to account for the time a
	// command spends in flight to the daemon.
	sendingLagBeats = 0.1

	// phaseAdjustThresholdBeats is the offset beyond which a phase
	// correction is always applied, even if it audibly jumps the timeline.
	phaseAdjustThresholdBeats = 0.2
)

// checkLinkTempo reconciles tempo after every status update and every
// lock/unlock. While a target is locked, the session is pushed toward it;
// otherwise, while the stand-in is tempo master on the deck network, the
// deck side is pulled toward the session.
func (b *Bridge) checkLinkTempo() {
	b.mu.Lock()
	locked := b.tempoLocked
	target := b.targetBPM
	link := 0.0
	if b.haveLink {
		link = b.linkBPM
	}
	b.mu.Unlock()

	if locked {
		if math.Abs(link-target) > bpmTolerance {
			b.sendLogged(encodeBPM(target))
		}
		return
	}
	if b.deck.TempoMaster() && link > 0 {
		b.deck.SetTempo(link)
	}
}

// LockTempo pins the session tempo to bpm until UnlockTempo is called.
func (b *Bridge) LockTempo(bpm float64) error {
	b.mu.Lock()
	if b.syncMode == ModeOff {
		b.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "cannot lock tempo while sync mode is off")
	}
	if bpm < minTempo || bpm > maxTempo {
		b.mu.Unlock()
		return errors.Wrapf(ErrInvalidArgument, "tempo %v outside [%v, %v]", bpm, minTempo, maxTempo)
	}
	b.tempoLocked = true
	b.targetBPM = bpm
	b.mu.Unlock()

	b.notifyStatus()
	b.checkLinkTempo()
	return nil
}

// UnlockTempo lets the session tempo follow whoever is currently setting
// it. Safe to call when no lock is held.
func (b *Bridge) UnlockTempo() {
	b.mu.Lock()
	b.tempoLocked = false
	b.targetBPM = 0
	b.mu.Unlock()
	b.notifyStatus()
}

// probeBeatAtTime asks the daemon where the session's beat grid stood at
// the given deck timestamp, less the configured latency. barPosition is
// the beat's position within its bar (1-4), or 0 when alignment is
// beat-granular.
func (b *Bridge) probeBeatAtTime(timeMicros int64, barPosition int) {
	b.mu.Lock()
	adjusted := timeMicros - int64(b.latencyMs)*1000
	b.pendingBeat = &beatProbe{when: adjusted, bar: barPosition}
	b.mu.Unlock()
	b.sendLogged(encodeBeatAtTime(adjusted))
}

// handleBeatAtTime processes the daemon's answer to a beat probe. A single
// response corrects both sub-beat jitter and bar-phase offset: the bar
// correction is wrapped into the nearest equivalent within one bar so the
// grid never jumps further than necessary.
func (b *Bridge) handleBeatAtTime(beat float64, when int64) {
	rawBeat := int64(math.Round(beat))
	skew := math.Abs(beat - math.Round(beat))

	b.mu.Lock()
	probe := b.pendingBeat
	b.mu.Unlock()

	candidate := rawBeat
	if probe != nil && probe.when == when && probe.bar > 0 {
		barSkew := int64(probe.bar-1) - positiveMod4(rawBeat)
		if barSkew <= -2 {
			barSkew += 4
		}
		candidate = rawBeat + barSkew
	}
	target := candidate
	if target < 0 {
		target += 4
	}

	if skew > skewTolerance || target != rawBeat {
		log.Printf("[carabiner] realigning to beat %d at %d (skew %.4f)", target, when, skew)
		b.sendLogged(encodeForceBeatAtTime(target, when))
	}
}

func positiveMod4(n int64) int64 {
	return ((n % 4) + 4) % 4
}

// StartTransport asks the session to start its shared transport now.
// Peers honor this only with start/stop sync enabled, which the
// handshake requests.
func (b *Bridge) StartTransport() error {
	return b.send(encodeStartPlaying(b.nowMicros()))
}

// StopTransport asks the session to stop its shared transport now.
func (b *Bridge) StopTransport() error {
	return b.send(encodeStopPlaying(b.nowMicros()))
}

// probePhase asks the daemon for the session's phase at "now" plus the
// configured latency, snapshotting the deck timeline at the same instant
// so the response can be compared against it.
func (b *Bridge) probePhase() {
	pos := b.deck.PlaybackPosition()
	b.mu.Lock()
	when := b.nowMicros() + int64(b.latencyMs)*1000
	b.pendingPhase = &phaseProbe{when: when, pos: pos}
	b.mu.Unlock()
	b.sendLogged(encodePhaseAtTime(when))
}

// handlePhaseAtTime processes the daemon's answer to a phase probe,
// nudging the deck timeline toward the session's phase. Small corrections
// that would audibly skip or repeat a beat are deferred to a later cycle.
func (b *Bridge) handlePhaseAtTime(phase float64, when int64) {
	b.mu.Lock()
	probe := b.pendingPhase
	alignBars := b.alignBars
	b.mu.Unlock()

	if probe == nil || probe.when != when {
		log.Printf("[carabiner] ignoring stale phase response for %d", when)
		return
	}

	var desired, actual, intervalMs float64
	if alignBars {
		desired = phase / quantum
		actual = probe.pos.BarPhase
		intervalMs = probe.pos.BarIntervalMs
	} else {
		desired = math.Mod(phase, 1.0)
		actual = probe.pos.BeatPhase
		intervalMs = probe.pos.BeatIntervalMs
	}

	// Wrap to the representative closest to zero, so the correction never
	// spans more than half a beat (or bar).
	delta := desired - actual
	if delta > 0.5 {
		delta--
	} else if delta < -0.5 {
		delta++
	}

	// Corrections below a whole millisecond are under the deck timeline's
	// resolution and would round to a no-op.
	msDelta := delta * intervalMs
	if int64(msDelta) == 0 {
		return
	}

	deltaBeats := delta
	if alignBars {
		deltaBeats *= quantum
	}

	// Apply when the offset is too large to leave, or when a padded nudge
	// stays within the deck's current beat. Anything else waits for the
	// next probe cycle.
	if math.Abs(deltaBeats) > phaseAdjustThresholdBeats ||
		int64(math.Floor(probe.pos.BeatPhase+deltaBeats+sendingLagBeats)) == int64(math.Floor(probe.pos.BeatPhase)) {
		b.deck.AdjustPlaybackPosition(int64(math.Round(msDelta)))
	}
}

// brokenCarabinerVersion is the daemon release whose start/stop-sync
// handling corrupts the session; users must upgrade past it.
const brokenCarabinerVersion = "1.1.0"

func (b *Bridge) handleVersion(version string) {
	log.Printf("[carabiner] daemon reports version %s", version)
	if version == brokenCarabinerVersion {
		b.notifyBadVersion("Carabiner " + brokenCarabinerVersion +
			" has known synchronization problems; please upgrade to a newer release.")
	}
}

func (b *Bridge) handleUnsupported(command string) {
	if command == cmdVersion {
		// A daemon too old to answer the version probe at all.
		b.notifyBadVersion("This Carabiner release is too old to report its version; please upgrade to a newer release.")
		return
	}
	log.Printf("[carabiner] daemon does not support command %q", command)
}
