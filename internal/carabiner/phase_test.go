package carabiner

import (
	"context"
	"testing"
	"time"
)

func TestPhaseTickProbesOnlyInFullWithDeckMaster(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		master bool
		want   int
	}{
		{"full with deck master", ModeFull, true, 1},
		{"full with another master", ModeFull, false, 0},
		{"passive with deck master", ModePassive, true, 0},
		{"manual with deck master", ModeManual, true, 0},
		{"off", ModeOff, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, d, fc := newTestBridge(true)
			d.master = tt.master
			b.mu.Lock()
			b.syncMode = tt.mode
			b.mu.Unlock()

			b.phaseTick()

			if got := fc.commandCount(cmdPhaseAtTime); got != tt.want {
				t.Errorf("phase probes sent = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPhaseTickRecordsProbe(t *testing.T) {
	b, d, _ := newTestBridge(true)
	d.master = true
	b.mu.Lock()
	b.syncMode = ModeFull
	b.mu.Unlock()
	b.nowMicros = func() int64 { return 5_000_000 }

	b.phaseTick()

	b.mu.Lock()
	probe := b.pendingPhase
	b.mu.Unlock()
	if probe == nil || probe.when != 5_001_000 {
		t.Fatalf("pending phase probe = %+v, want when=5001000 (now plus 1 ms latency)", probe)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	b, _, _ := newTestBridge(false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("phase loop did not stop after cancel")
	}
}
