package carabiner

import (
	"log"
	"sync"
)

// StatusListener receives a state snapshot after every externally visible
// state change (status message, lock/unlock, mode change).
type StatusListener func(Snapshot)

// DisconnectListener is notified when a connection ends. unexpected is
// true when the daemon closed on us rather than the caller disconnecting.
type DisconnectListener func(unexpected bool)

// BadVersionListener is notified with a human-readable upgrade message
// when the connected daemon is a known-broken or too-old version.
type BadVersionListener func(message string)

// observers fans events out to subscribers. Callbacks run on the engine's
// goroutines over a copied list, and a panicking subscriber is logged
// without suppressing the others.
type observers struct {
	mu         sync.Mutex
	nextHandle int
	status     map[int]StatusListener
	disconnect map[int]DisconnectListener
	badVersion map[int]BadVersionListener
}

func (o *observers) init() {
	o.status = make(map[int]StatusListener)
	o.disconnect = make(map[int]DisconnectListener)
	o.badVersion = make(map[int]BadVersionListener)
}

// AddStatusListener subscribes to state snapshots. The returned handle
// removes the subscription.
func (b *Bridge) AddStatusListener(l StatusListener) int {
	o := &b.obs
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextHandle++
	o.status[o.nextHandle] = l
	return o.nextHandle
}

func (b *Bridge) RemoveStatusListener(handle int) {
	o := &b.obs
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.status, handle)
}

// AddDisconnectListener subscribes to connection-ended events.
func (b *Bridge) AddDisconnectListener(l DisconnectListener) int {
	o := &b.obs
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextHandle++
	o.disconnect[o.nextHandle] = l
	return o.nextHandle
}

func (b *Bridge) RemoveDisconnectListener(handle int) {
	o := &b.obs
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.disconnect, handle)
}

// AddBadVersionListener subscribes to daemon-needs-upgrading events.
func (b *Bridge) AddBadVersionListener(l BadVersionListener) int {
	o := &b.obs
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextHandle++
	o.badVersion[o.nextHandle] = l
	return o.nextHandle
}

func (b *Bridge) RemoveBadVersionListener(handle int) {
	o := &b.obs
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.badVersion, handle)
}

func (b *Bridge) notifyStatus() {
	snapshot := b.State()
	o := &b.obs
	o.mu.Lock()
	listeners := make([]StatusListener, 0, len(o.status))
	for _, l := range o.status {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()
	for _, l := range listeners {
		callSafely("status", func() { l(snapshot) })
	}
}

func (b *Bridge) notifyDisconnect(unexpected bool) {
	o := &b.obs
	o.mu.Lock()
	listeners := make([]DisconnectListener, 0, len(o.disconnect))
	for _, l := range o.disconnect {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()
	for _, l := range listeners {
		callSafely("disconnect", func() { l(unexpected) })
	}
}

func (b *Bridge) notifyBadVersion(message string) {
	o := &b.obs
	o.mu.Lock()
	listeners := make([]BadVersionListener, 0, len(o.badVersion))
	for _, l := range o.badVersion {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()
	for _, l := range listeners {
		callSafely("bad-version", func() { l(message) })
	}
}

func callSafely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[carabiner] %s listener panicked: %v", kind, r)
		}
	}()
	fn()
}
