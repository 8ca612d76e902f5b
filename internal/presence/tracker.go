// Package presence tracks which participants hold at least one live
// connection to the hub.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/relaychat/relay/internal/bus"
)

// Tracker keeps a reference count per participant so that closing one of
// several simultaneous connections never produces a spurious offline edge.
// State lives for the hub process lifetime only.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
	bus    *bus.Bus
}

// NewTracker creates a tracker publishing presence edges on the bus.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		counts: make(map[string]int),
		bus:    b,
	}
}

// MarkOnline increments the participant's connection count. Returns true
// on the 0→1 edge, which is the only time an online broadcast is due.
func (t *Tracker) MarkOnline(participantID string) bool {
	t.mu.Lock()
	t.counts[participantID]++
	first := t.counts[participantID] == 1
	t.mu.Unlock()

	if first && t.bus != nil {
		t.bus.Publish(bus.Event{Kind: bus.KindPresenceOnline, Timestamp: time.Now(), Payload: participantID})
	}
	return first
}

// MarkOffline decrements the participant's connection count. Returns true
// on the 1→0 edge. Calls without a matching MarkOnline are ignored.
func (t *Tracker) MarkOffline(participantID string) bool {
	t.mu.Lock()
	n, ok := t.counts[participantID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	n--
	last := n == 0
	if last {
		delete(t.counts, participantID)
	} else {
		t.counts[participantID] = n
	}
	t.mu.Unlock()

	if last && t.bus != nil {
		t.bus.Publish(bus.Event{Kind: bus.KindPresenceOffline, Timestamp: time.Now(), Payload: participantID})
	}
	return last
}

// Snapshot returns the currently-online participant ids, sorted.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.counts))
	for id := range t.counts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
