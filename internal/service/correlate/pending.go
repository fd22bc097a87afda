package correlate

import (
	"sort"
	"sync"
	"time"

	"github.com/splax/agentwatch/internal/domain"
)

type pendingEntry struct {
	alert domain.SecurityAlert
	seq   uint64
}

// PendingIndex holds committed UNLINKED alerts, indexed by span id and by
// agent in timestamp order.
type PendingIndex struct {
	mu      sync.RWMutex
	byID    map[int64]pendingEntry
	bySpan  map[string]map[int64]struct{}
	byAgent map[string][]domain.SecurityAlert
	// removed records the sequence at which an alert left the index, so a
	// stale store snapshot does not bring it back.
	removed map[int64]uint64
	seq     uint64
}

// NewPendingIndex constructs an empty PendingIndex.
func NewPendingIndex() *PendingIndex {
	return &PendingIndex{
		byID:    make(map[int64]pendingEntry),
		bySpan:  make(map[string]map[int64]struct{}),
		byAgent: make(map[string][]domain.SecurityAlert),
		removed: make(map[int64]uint64),
	}
}

// Len returns the number of pending alerts.
func (ix *PendingIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Contains reports whether the alert is pending.
func (ix *PendingIndex) Contains(alertID int64) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.byID[alertID]
	return ok
}

// Seq returns the current mutation sequence.
func (ix *PendingIndex) Seq() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.seq
}

// Snapshot returns the pending alerts in timestamp order.
func (ix *PendingIndex) Snapshot() []domain.SecurityAlert {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]domain.SecurityAlert, 0, len(ix.byID))
	for _, entry := range ix.byID {
		out = append(out, entry.alert)
	}
	sort.Slice(out, func(i, j int) bool { return alertBefore(out[i], out[j]) })
	return out
}

// View starts a staged overlay for one unit of work.
func (ix *PendingIndex) View() *PendingView {
	return &PendingView{index: ix, added: map[int64]domain.SecurityAlert{}, removed: map[int64]struct{}{}}
}

// Apply publishes additions and removals atomically.
func (ix *PendingIndex) Apply(added []domain.SecurityAlert, removed []int64) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.seq++
	for _, alert := range added {
		ix.insertLocked(alert)
	}
	for _, id := range removed {
		ix.deleteLocked(id)
		ix.removed[id] = ix.seq
	}
}

// Reconcile replaces the index content with a store snapshot taken after
// sequence since. Entries changed after since are kept as they are.
func (ix *PendingIndex) Reconcile(snapshot []domain.SecurityAlert, since uint64) (added, dropped int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	live := make(map[int64]struct{}, len(snapshot))
	for _, alert := range snapshot {
		live[alert.ID] = struct{}{}
		if _, ok := ix.byID[alert.ID]; ok {
			continue
		}
		if seq, gone := ix.removed[alert.ID]; gone && seq > since {
			continue
		}
		ix.insertLocked(alert)
		ix.byID[alert.ID] = pendingEntry{alert: alert, seq: since}
		added++
	}
	for id, entry := range ix.byID {
		if _, ok := live[id]; ok || entry.seq > since {
			continue
		}
		ix.deleteLocked(id)
		dropped++
	}
	for id, seq := range ix.removed {
		if seq <= since {
			delete(ix.removed, id)
		}
	}
	return added, dropped
}

func (ix *PendingIndex) insertLocked(alert domain.SecurityAlert) {
	if _, ok := ix.byID[alert.ID]; ok {
		return
	}
	ix.byID[alert.ID] = pendingEntry{alert: alert, seq: ix.seq}
	delete(ix.removed, alert.ID)
	if alert.SpanID != "" {
		set := ix.bySpan[alert.SpanID]
		if set == nil {
			set = make(map[int64]struct{})
			ix.bySpan[alert.SpanID] = set
		}
		set[alert.ID] = struct{}{}
	}
	list := ix.byAgent[alert.AgentID]
	i := sort.Search(len(list), func(i int) bool { return !alertBefore(list[i], alert) })
	list = append(list, domain.SecurityAlert{})
	copy(list[i+1:], list[i:])
	list[i] = alert
	ix.byAgent[alert.AgentID] = list
}

func (ix *PendingIndex) deleteLocked(id int64) {
	entry, ok := ix.byID[id]
	if !ok {
		return
	}
	delete(ix.byID, id)
	alert := entry.alert
	if set := ix.bySpan[alert.SpanID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(ix.bySpan, alert.SpanID)
		}
	}
	list := ix.byAgent[alert.AgentID]
	for i := range list {
		if list[i].ID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(ix.byAgent, alert.AgentID)
		return
	}
	ix.byAgent[alert.AgentID] = list
}

func (ix *PendingIndex) bySpanID(spanID string, notBefore time.Time) []domain.SecurityAlert {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set := ix.bySpan[spanID]
	out := make([]domain.SecurityAlert, 0, len(set))
	for id := range set {
		alert := ix.byID[id].alert
		if !alert.Timestamp.Before(notBefore) {
			out = append(out, alert)
		}
	}
	return out
}

func (ix *PendingIndex) inWindow(agentID string, from, to time.Time) []domain.SecurityAlert {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	list := ix.byAgent[agentID]
	start := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(from) })
	out := make([]domain.SecurityAlert, 0)
	for i := start; i < len(list) && !list[i].Timestamp.After(to); i++ {
		out = append(out, list[i])
	}
	return out
}

func alertBefore(a, b domain.SecurityAlert) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

// PendingView is a staged overlay of the pending index for one unit of work.
// Nothing staged is visible to other units until Commit. A view is not safe
// for concurrent use.
type PendingView struct {
	index   *PendingIndex
	parent  *PendingView
	added   map[int64]domain.SecurityAlert
	removed map[int64]struct{}
}

// Child stages a nested overlay, used for one savepoint.
func (v *PendingView) Child() *PendingView {
	return &PendingView{index: v.index, parent: v, added: map[int64]domain.SecurityAlert{}, removed: map[int64]struct{}{}}
}

// Add stages a new pending alert.
func (v *PendingView) Add(alert domain.SecurityAlert) {
	delete(v.removed, alert.ID)
	v.added[alert.ID] = alert
}

// Remove stages the removal of a pending alert.
func (v *PendingView) Remove(alertID int64) {
	if _, ok := v.added[alertID]; ok {
		delete(v.added, alertID)
		if v.parent == nil && !v.index.Contains(alertID) {
			return
		}
	}
	v.removed[alertID] = struct{}{}
}

// Merge folds a child view into its parent after its savepoint succeeded.
func (v *PendingView) Merge() {
	if v.parent == nil {
		return
	}
	for _, alert := range v.added {
		v.parent.Add(alert)
	}
	for id := range v.removed {
		v.parent.Remove(id)
	}
	v.Discard()
}

// Commit publishes a root view to the shared index and returns the alerts
// it added. Committing a child merges it into its parent.
func (v *PendingView) Commit() []domain.SecurityAlert {
	if v.parent != nil {
		v.Merge()
		return nil
	}
	added := make([]domain.SecurityAlert, 0, len(v.added))
	for _, alert := range v.added {
		added = append(added, alert)
	}
	removed := make([]int64, 0, len(v.removed))
	for id := range v.removed {
		removed = append(removed, id)
	}
	v.index.Apply(added, removed)
	v.Discard()
	sort.Slice(added, func(i, j int) bool { return alertBefore(added[i], added[j]) })
	return added
}

// Discard drops everything staged in the view.
func (v *PendingView) Discard() {
	clear(v.added)
	clear(v.removed)
}

// Staged returns the number of staged additions and removals.
func (v *PendingView) Staged() (added, removed int) {
	return len(v.added), len(v.removed)
}

// BySpan returns pending alerts in spanID with a timestamp at or after notBefore.
func (v *PendingView) BySpan(spanID string, notBefore time.Time) []domain.SecurityAlert {
	var base []domain.SecurityAlert
	if v.parent != nil {
		base = v.parent.BySpan(spanID, notBefore)
	} else {
		base = v.index.bySpanID(spanID, notBefore)
	}
	return v.overlay(base, func(a domain.SecurityAlert) bool {
		return a.SpanID == spanID && !a.Timestamp.Before(notBefore)
	})
}

// InWindow returns pending alerts of agentID with from <= timestamp <= to.
func (v *PendingView) InWindow(agentID string, from, to time.Time) []domain.SecurityAlert {
	var base []domain.SecurityAlert
	if v.parent != nil {
		base = v.parent.InWindow(agentID, from, to)
	} else {
		base = v.index.inWindow(agentID, from, to)
	}
	return v.overlay(base, func(a domain.SecurityAlert) bool {
		return a.AgentID == agentID && !a.Timestamp.Before(from) && !a.Timestamp.After(to)
	})
}

func (v *PendingView) overlay(base []domain.SecurityAlert, keep func(domain.SecurityAlert) bool) []domain.SecurityAlert {
	out := make([]domain.SecurityAlert, 0, len(base)+len(v.added))
	for _, alert := range base {
		if _, gone := v.removed[alert.ID]; gone {
			continue
		}
		if _, shadowed := v.added[alert.ID]; shadowed {
			continue
		}
		out = append(out, alert)
	}
	for _, alert := range v.added {
		if keep(alert) {
			out = append(out, alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return alertBefore(out[i], out[j]) })
	return out
}
