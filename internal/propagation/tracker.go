package propagation

import (
	"sort"
	"sync"
)

type counterSet map[uint64]struct{}

// Tracker records which counters reached which peers. A counter is
// promoted to the global set once every tracked peer has it, and is then
// removed from the per-peer sets.
//
// Peers whose channel disappears are pruned before the intersection, so a
// counter can be promoted without reaching a peer that churned away.
type Tracker struct {
	mu      sync.Mutex
	perPeer map[string]counterSet
	global  counterSet
}

func NewTracker() *Tracker {
	return &Tracker{
		perPeer: make(map[string]counterSet),
		global:  make(counterSet),
	}
}

// Track starts tracking peer with an empty set.
func (t *Tracker) Track(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.perPeer[peer]; !ok {
		t.perPeer[peer] = make(counterSet)
	}
}

// Mark records counter as delivered to peer and reports whether it was new.
func (t *Tracker) Mark(peer string, counter uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.perPeer[peer]
	if !ok {
		set = make(counterSet)
		t.perPeer[peer] = set
	}
	if _, seen := set[counter]; seen {
		return false
	}
	set[counter] = struct{}{}
	return true
}

// Has reports whether counter is known delivered to peer, either directly
// or through the global set.
func (t *Tracker) Has(peer string, counter uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.global[counter]; ok {
		return true
	}
	_, ok := t.perPeer[peer][counter]
	return ok
}

// Delivered reports whether counter is global or held by every tracked peer.
func (t *Tracker) Delivered(counter uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.global[counter]; ok {
		return true
	}
	if len(t.perPeer) == 0 {
		return false
	}
	for _, set := range t.perPeer {
		if _, ok := set[counter]; !ok {
			return false
		}
	}
	return true
}

// Reconcile drops peers missing from live, promotes the intersection of
// the remaining per-peer sets and returns it sorted.
func (t *Tracker) Reconcile(live map[string]struct{}) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer := range t.perPeer {
		if _, ok := live[peer]; !ok {
			delete(t.perPeer, peer)
		}
	}
	if len(t.perPeer) == 0 {
		return []uint64{}
	}

	var common counterSet
	for _, set := range t.perPeer {
		if common == nil {
			common = make(counterSet, len(set))
			for c := range set {
				common[c] = struct{}{}
			}
			continue
		}
		for c := range common {
			if _, ok := set[c]; !ok {
				delete(common, c)
			}
		}
	}

	out := make([]uint64, 0, len(common))
	for c := range common {
		t.global[c] = struct{}{}
		for _, set := range t.perPeer {
			delete(set, c)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GlobalCount is the size of the global set.
func (t *Tracker) GlobalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.global)
}

type TrackerSnapshot struct {
	PerPeer map[string][]uint64 `json:"per_peer"`
	Global  []uint64            `json:"global"`
}

func (t *Tracker) Snapshot() TrackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := TrackerSnapshot{
		PerPeer: make(map[string][]uint64, len(t.perPeer)),
		Global:  sortedCounters(t.global),
	}
	for peer, set := range t.perPeer {
		snap.PerPeer[peer] = sortedCounters(set)
	}
	return snap
}

// Restore replaces the tracked sets with snap.
func (t *Tracker) Restore(snap TrackerSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perPeer = make(map[string]counterSet, len(snap.PerPeer))
	for peer, counters := range snap.PerPeer {
		set := make(counterSet, len(counters))
		for _, c := range counters {
			set[c] = struct{}{}
		}
		t.perPeer[peer] = set
	}
	t.global = make(counterSet, len(snap.Global))
	for _, c := range snap.Global {
		t.global[c] = struct{}{}
	}
}

func sortedCounters(set counterSet) []uint64 {
	out := make([]uint64, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
