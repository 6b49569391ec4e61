// Package index holds the in-memory view of active triggers, keyed by
// instrument token for O(1) lookup on the tick path.
package index

import (
	"sync"
	"trigger_engine/internal/core"
)

// TriggerIndex implements core.ITriggerIndex. The durable store is the
// source of truth; the index is rebuilt on start and repaired by the
// change listener, so every mutation here must be idempotent.
type TriggerIndex struct {
	mu           sync.RWMutex
	byID         map[string]*core.Trigger
	byInstrument map[uint32]map[string]*core.Trigger
	byParent     map[string]map[string]struct{}
	inFlight     map[string]struct{}
}

// New creates an empty index.
func New() *TriggerIndex {
	return &TriggerIndex{
		byID:         make(map[string]*core.Trigger),
		byInstrument: make(map[uint32]map[string]*core.Trigger),
		byParent:     make(map[string]map[string]struct{}),
		inFlight:     make(map[string]struct{}),
	}
}

// Add indexes the trigger. Non-active triggers are dropped instead,
// so an UPDATE event that moved a row to a terminal state removes it.
func (x *TriggerIndex) Add(t *core.Trigger) {
	if t == nil || t.ID == "" {
		return
	}
	if t.Status != core.StatusActive {
		x.Remove(t.ID)
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// Re-adds first unlink the old copy: the instrument token may have
	// changed on edit.
	if old, ok := x.byID[t.ID]; ok {
		x.unlinkLocked(old)
	}

	x.byID[t.ID] = t
	bucket, ok := x.byInstrument[t.InstrumentToken]
	if !ok {
		bucket = make(map[string]*core.Trigger)
		x.byInstrument[t.InstrumentToken] = bucket
	}
	bucket[t.ID] = t

	if t.ParentID != "" {
		siblings, ok := x.byParent[t.ParentID]
		if !ok {
			siblings = make(map[string]struct{})
			x.byParent[t.ParentID] = siblings
		}
		siblings[t.ID] = struct{}{}
	}
}

// Remove drops the trigger from all maps. Idempotent.
func (x *TriggerIndex) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, ok := x.byID[id]
	if !ok {
		delete(x.inFlight, id)
		return
	}
	x.unlinkLocked(t)
	delete(x.byID, id)
	delete(x.inFlight, id)
}

func (x *TriggerIndex) unlinkLocked(t *core.Trigger) {
	if bucket, ok := x.byInstrument[t.InstrumentToken]; ok {
		delete(bucket, t.ID)
		if len(bucket) == 0 {
			delete(x.byInstrument, t.InstrumentToken)
		}
	}
	if t.ParentID != "" {
		if siblings, ok := x.byParent[t.ParentID]; ok {
			delete(siblings, t.ID)
			if len(siblings) == 0 {
				delete(x.byParent, t.ParentID)
			}
		}
	}
}

// ForInstrument returns a snapshot slice of the triggers watching the
// token. Triggers currently in flight are excluded.
func (x *TriggerIndex) ForInstrument(token uint32) []*core.Trigger {
	x.mu.RLock()
	defer x.mu.RUnlock()

	bucket, ok := x.byInstrument[token]
	if !ok {
		return nil
	}
	out := make([]*core.Trigger, 0, len(bucket))
	for id, t := range bucket {
		if _, busy := x.inFlight[id]; busy {
			continue
		}
		out = append(out, t)
	}
	return out
}

// MarkProcessing atomically claims the id and its OCO sibling; true
// iff the caller is now the sole processor of the pair.
func (x *TriggerIndex) MarkProcessing(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, busy := x.inFlight[id]; busy {
		return false
	}
	sib := x.siblingLocked(id)
	if sib != "" {
		if _, busy := x.inFlight[sib]; busy {
			return false
		}
		x.inFlight[sib] = struct{}{}
	}
	x.inFlight[id] = struct{}{}
	return true
}

// UnmarkProcessing releases the id and its sibling.
func (x *TriggerIndex) UnmarkProcessing(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if sib := x.siblingLocked(id); sib != "" {
		delete(x.inFlight, sib)
	}
	delete(x.inFlight, id)
}

// OCOSibling returns the id of the other row of a pair, or "".
func (x *TriggerIndex) OCOSibling(id string) string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.siblingLocked(id)
}

func (x *TriggerIndex) siblingLocked(id string) string {
	t, ok := x.byID[id]
	if !ok || t.ParentID == "" {
		return ""
	}
	for sibID := range x.byParent[t.ParentID] {
		if sibID != id {
			return sibID
		}
	}
	return ""
}

// SubscribedInstruments lists the distinct instrument tokens indexed.
func (x *TriggerIndex) SubscribedInstruments() []uint32 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]uint32, 0, len(x.byInstrument))
	for token := range x.byInstrument {
		out = append(out, token)
	}
	return out
}

// Count returns the number of indexed triggers.
func (x *TriggerIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

// InFlightCount returns the number of triggers being processed.
func (x *TriggerIndex) InFlightCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.inFlight)
}

// Clear empties the index, for full reloads.
func (x *TriggerIndex) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byID = make(map[string]*core.Trigger)
	x.byInstrument = make(map[uint32]map[string]*core.Trigger)
	x.byParent = make(map[string]map[string]struct{})
	x.inFlight = make(map[string]struct{})
}
