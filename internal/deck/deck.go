// Package deck abstracts the DJ-hardware device network: the stand-in
// device this process runs on that network, its tempo-master status, and
// the beat/tempo events it reports. The synchronization engine only ever
// talks to the Network interface; the real Pro-DJ-Link stack and the
// in-process Simulator both satisfy it.
package deck

// PlaybackPosition is a snapshot of the stand-in device's position within
// its beat grid. Phases are in [0,1); intervals are in milliseconds.
type PlaybackPosition struct {
	BeatPhase      float64
	BarPhase       float64
	BeatIntervalMs float64
	BarIntervalMs  float64
}

// Beat is a single beat announcement from a device on the network.
type Beat struct {
	// TimestampMicros is when the beat occurred, in microseconds on the
	// engine's monotonic time base.
	TimestampMicros int64
	// BeatWithinBar is the beat's position in its 4-beat bar, 1 through 4.
	BeatWithinBar int
}

// Device identifies a device on the deck network.
type Device struct {
	Number int
	Name   string
}

// MasterListener receives tempo-master events from the deck network.
// Callbacks are invoked from the network's own goroutines; implementations
// must not block.
type MasterListener interface {
	// MasterChanged reports a new tempo master, or nil when the network
	// currently has none.
	MasterChanged(master *Device)
	// TempoChanged reports the master's tempo in BPM.
	TempoChanged(bpm float64)
	// NewBeat reports a beat. fromMaster is true when the beat's source
	// currently holds tempo-master status.
	NewBeat(beat Beat, fromMaster bool)
}

// Network is the set of operations the engine performs on the deck-network
// stack. All methods are safe for concurrent use.
type Network interface {
	// Running reports whether the stand-in device is active on the network.
	Running() bool
	// SendingStatus reports whether the stand-in is emitting status packets,
	// a prerequisite for it to act as tempo master.
	SendingStatus() bool
	// TempoMaster reports whether the stand-in currently holds tempo-master
	// status on the deck network.
	TempoMaster() bool
	// MasterTempo returns the current master's tempo in BPM, or 0 when the
	// network has no master.
	MasterTempo() float64
	// SetTempo sets the stand-in's tempo.
	SetTempo(bpm float64)
	// BecomeTempoMaster makes the stand-in take over tempo-master status.
	BecomeTempoMaster()
	// Synced reports the stand-in's synced flag.
	Synced() bool
	// SetSynced sets the stand-in's synced flag.
	SetSynced(synced bool)
	// SetPlaying starts or stops the stand-in's transport.
	SetPlaying(playing bool)
	// PlaybackPosition snapshots the stand-in's current beat-grid position.
	PlaybackPosition() PlaybackPosition
	// AdjustPlaybackPosition shifts the stand-in's timeline by msDelta
	// milliseconds (positive moves it later).
	AdjustPlaybackPosition(msDelta int64)

	AddMasterListener(l MasterListener)
	RemoveMasterListener(l MasterListener)
}
