package deck

import (
	"context"
	"log"
	"sync"
	"time"
)

// Simulator is an in-process deck network used when no real hardware stack
// is wired in. It runs a single simulated player that announces beats on a
// tempo-derived ticker and answers every Network operation, so the engine
// can be exercised end to end without any hardware on the LAN.
type Simulator struct {
	mu            sync.Mutex
	tempo         float64
	running       bool
	sendingStatus bool
	master        bool
	synced        bool
	playing       bool
	beatWithinBar int
	// gridStart anchors the beat grid: beat boundaries fall at
	// gridStart + n*beatInterval. AdjustPlaybackPosition moves it.
	gridStart time.Time
	listeners []MasterListener

	// retick wakes the beat loop when the tempo changes so the ticker can
	// be re-armed at the new interval.
	retick chan struct{}
}

// simDevice is the device reported as tempo master while the simulated
// player holds that role.
var simDevice = &Device{Number: 1, Name: "sim-player"}

// NewSimulator creates a simulator announcing beats at the given tempo.
func NewSimulator(tempo float64) *Simulator {
	return &Simulator{
		tempo:         tempo,
		sendingStatus: true,
		master:        true,
		playing:       true,
		beatWithinBar: 1,
		gridStart:     time.Now(),
		retick:        make(chan struct{}, 1),
	}
}

// Start runs the beat loop until ctx is cancelled.
func (s *Simulator) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.gridStart = time.Now()
	s.mu.Unlock()

	go s.beatLoop(ctx)
	log.Printf("[sim] deck simulator started at %.1f BPM", s.MasterTempo())
}

func (s *Simulator) beatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.beatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-s.retick:
			ticker.Reset(s.beatInterval())
		case <-ticker.C:
			s.announceBeat()
		}
	}
}

func (s *Simulator) beatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempo <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Minute) / s.tempo)
}

func (s *Simulator) announceBeat() {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return
	}
	s.beatWithinBar++
	if s.beatWithinBar > 4 {
		s.beatWithinBar = 1
	}
	beat := Beat{
		TimestampMicros: time.Now().UnixMicro(),
		BeatWithinBar:   s.beatWithinBar,
	}
	fromMaster := s.master
	listeners := append([]MasterListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.NewBeat(beat, fromMaster)
	}
}

func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Simulator) SendingStatus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendingStatus
}

func (s *Simulator) TempoMaster() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *Simulator) MasterTempo() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempo
}

// SetTempo changes the simulated player's tempo, re-arms the beat ticker,
// and notifies master listeners when the player is tempo master.
func (s *Simulator) SetTempo(bpm float64) {
	s.mu.Lock()
	if bpm <= 0 || s.tempo == bpm {
		s.mu.Unlock()
		return
	}
	s.tempo = bpm
	isMaster := s.master
	listeners := append([]MasterListener(nil), s.listeners...)
	s.mu.Unlock()

	select {
	case s.retick <- struct{}{}:
	default:
	}

	if isMaster {
		for _, l := range listeners {
			l.TempoChanged(bpm)
		}
	}
}

func (s *Simulator) BecomeTempoMaster() {
	s.mu.Lock()
	already := s.master
	s.master = true
	listeners := append([]MasterListener(nil), s.listeners...)
	s.mu.Unlock()

	if !already {
		for _, l := range listeners {
			l.MasterChanged(simDevice)
		}
	}
}

// ResignTempoMaster drops tempo-master status, reporting an absent master
// to listeners. Used by the command surface to simulate another deck
// taking over.
func (s *Simulator) ResignTempoMaster() {
	s.mu.Lock()
	already := s.master
	s.master = false
	listeners := append([]MasterListener(nil), s.listeners...)
	s.mu.Unlock()

	if already {
		for _, l := range listeners {
			l.MasterChanged(nil)
		}
	}
}

func (s *Simulator) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

func (s *Simulator) SetSynced(synced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = synced
}

func (s *Simulator) SetPlaying(playing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if playing && !s.playing {
		// Restart the grid so phases begin at a beat boundary.
		s.gridStart = time.Now()
		s.beatWithinBar = 1
	}
	s.playing = playing
}

func (s *Simulator) PlaybackPosition() PlaybackPosition {
	s.mu.Lock()
	defer s.mu.Unlock()

	beatMs := 60000.0 / s.tempo
	barMs := beatMs * 4
	elapsed := float64(time.Since(s.gridStart).Microseconds()) / 1000.0
	if elapsed < 0 {
		elapsed = 0
	}
	beatPhase := (elapsed / beatMs) - float64(int64(elapsed/beatMs))
	barPhase := (elapsed / barMs) - float64(int64(elapsed/barMs))
	return PlaybackPosition{
		BeatPhase:      beatPhase,
		BarPhase:       barPhase,
		BeatIntervalMs: beatMs,
		BarIntervalMs:  barMs,
	}
}

func (s *Simulator) AdjustPlaybackPosition(msDelta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Moving the timeline later means beat boundaries arrive later, which
	// is the same as moving the grid anchor forward.
	s.gridStart = s.gridStart.Add(time.Duration(msDelta) * time.Millisecond)
}

func (s *Simulator) AddMasterListener(l MasterListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *Simulator) RemoveMasterListener(l MasterListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}
