// Package midiclock emits 24-ppqn MIDI clock derived from the Link
// session tempo, so hardware that cannot speak Link can still follow.
package midiclock

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// pulsesPerQuarter is fixed by the MIDI spec.
const pulsesPerQuarter = 24

// Clock sends timing pulses to one MIDI output port.
type Clock struct {
	drv  *rtmididrv.Driver
	out  drivers.Out
	send func(midi.Message) error

	mu      sync.Mutex
	bpm     float64
	running bool
	// retick wakes the pulse loop so it re-arms its ticker at the new
	// tempo without waiting out the old interval.
	retick chan struct{}
}

// New opens the first MIDI output whose name contains portName
// (case-insensitive) and returns a clock bound to it.
func New(portName string) (*Clock, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, errors.Wrap(err, "rtmididrv")
	}

	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return nil, errors.Wrap(err, "listing midi outputs")
	}
	var found drivers.Out
	for _, out := range outs {
		if strings.Contains(strings.ToLower(out.String()), strings.ToLower(portName)) {
			found = out
			break
		}
	}
	if found == nil {
		drv.Close()
		return nil, errors.Errorf("no midi output matching %q", portName)
	}
	if err := found.Open(); err != nil {
		drv.Close()
		return nil, errors.Wrapf(err, "opening %q", found.String())
	}
	send, err := midi.SendTo(found)
	if err != nil {
		found.Close()
		drv.Close()
		return nil, errors.Wrapf(err, "binding sender to %q", found.String())
	}

	log.Printf("[midiclock] sending clock to %q", found.String())
	return newWithSender(drv, found, send), nil
}

func newWithSender(drv *rtmididrv.Driver, out drivers.Out, send func(midi.Message) error) *Clock {
	return &Clock{
		drv:    drv,
		out:    out,
		send:   send,
		retick: make(chan struct{}, 1),
	}
}

// Close stops the port and driver. The pulse loop must already be done.
func (c *Clock) Close() {
	if c.out != nil {
		c.out.Close()
	}
	if c.drv != nil {
		c.drv.Close()
	}
}

// SetTempo updates the pulse rate. Out-of-range tempos stop the pulses.
func (c *Clock) SetTempo(bpm float64) {
	c.mu.Lock()
	changed := c.bpm != bpm
	c.bpm = bpm
	c.mu.Unlock()
	if changed {
		c.kick()
	}
}

// StartTransport sends a MIDI start message and begins pulsing.
func (c *Clock) StartTransport() {
	c.mu.Lock()
	wasRunning := c.running
	c.running = true
	c.mu.Unlock()
	if wasRunning {
		return
	}
	if err := c.send(midi.Start()); err != nil {
		log.Printf("[midiclock] start message: %v", err)
	}
	c.kick()
}

// StopTransport sends a MIDI stop message and halts the pulses.
func (c *Clock) StopTransport() {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()
	if !wasRunning {
		return
	}
	if err := c.send(midi.Stop()); err != nil {
		log.Printf("[midiclock] stop message: %v", err)
	}
	c.kick()
}

func (c *Clock) kick() {
	select {
	case c.retick <- struct{}{}:
	default:
	}
}

// Run drives the pulse loop until ctx is canceled. While stopped or
// without a usable tempo it idles waiting for a kick.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	ticker.Stop()
	armed := false

	rearm := func() {
		c.mu.Lock()
		bpm := c.bpm
		running := c.running
		c.mu.Unlock()

		if !running || bpm <= 0 {
			ticker.Stop()
			armed = false
			return
		}
		ticker.Reset(pulseInterval(bpm))
		armed = true
	}
	rearm()

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return
		case <-c.retick:
			rearm()
		case <-ticker.C:
			if !armed {
				continue
			}
			if err := c.send(midi.TimingClock()); err != nil {
				log.Printf("[midiclock] pulse: %v", err)
			}
		}
	}
}

func pulseInterval(bpm float64) time.Duration {
	return time.Duration(float64(time.Minute) / (bpm * pulsesPerQuarter))
}
