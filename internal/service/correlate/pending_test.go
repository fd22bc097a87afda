package correlate

import (
	"sort"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/splax/agentwatch/internal/domain"
)

var t0 = time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)

func pendingAlert(id int64, agentID, spanID string, offset time.Duration) domain.SecurityAlert {
	return domain.SecurityAlert{ID: id, AgentID: agentID, SpanID: spanID, Timestamp: t0.Add(offset)}
}

func alertIDs(alerts []domain.SecurityAlert) []int64 {
	ids := make([]int64, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.ID)
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPendingViewStagesUntilCommit(t *testing.T) {
	ix := NewPendingIndex()
	view := ix.View()
	view.Add(pendingAlert(1, "a1", "s1", 0))

	if ix.Len() != 0 {
		t.Fatal("expected staged alert invisible to the index")
	}
	if got := alertIDs(view.BySpan("s1", t0)); !equalIDs(got, []int64{1}) {
		t.Fatalf("expected view to see its own staging, got %v", got)
	}
	if got := ix.View().BySpan("s1", t0); len(got) != 0 {
		t.Fatalf("expected other views not to see staging, got %v", alertIDs(got))
	}

	view.Commit()
	if !ix.Contains(1) || ix.Seq() != 1 {
		t.Fatalf("expected alert committed, len=%d seq=%d", ix.Len(), ix.Seq())
	}
}

func TestPendingViewDiscard(t *testing.T) {
	ix := NewPendingIndex()
	ix.Apply([]domain.SecurityAlert{pendingAlert(1, "a1", "", 0)}, nil)

	view := ix.View()
	view.Remove(1)
	view.Add(pendingAlert(2, "a1", "", 0))
	if got := view.InWindow("a1", t0, t0); !equalIDs(alertIDs(got), []int64{2}) {
		t.Fatalf("unexpected staged window %v", alertIDs(got))
	}
	view.Discard()
	view.Commit()

	if !ix.Contains(1) || ix.Contains(2) {
		t.Fatal("expected discarded staging to leave the index untouched")
	}
}

func TestChildViewsMergeOrDiscard(t *testing.T) {
	ix := NewPendingIndex()
	ix.Apply([]domain.SecurityAlert{pendingAlert(1, "a1", "s1", 0)}, nil)
	root := ix.View()

	kept := root.Child()
	kept.Add(pendingAlert(2, "a1", "s1", time.Second))
	kept.Remove(1)
	kept.Merge()

	dropped := root.Child()
	dropped.Add(pendingAlert(3, "a1", "s1", 2*time.Second))
	dropped.Remove(2)
	if got := alertIDs(dropped.BySpan("s1", t0)); !equalIDs(got, []int64{3}) {
		t.Fatalf("unexpected child view %v", got)
	}
	dropped.Discard()

	if got := alertIDs(root.BySpan("s1", t0)); !equalIDs(got, []int64{2}) {
		t.Fatalf("unexpected root view %v", got)
	}
	root.Commit()
	if ix.Contains(1) || !ix.Contains(2) || ix.Contains(3) || ix.Len() != 1 {
		t.Fatalf("unexpected index content, len=%d", ix.Len())
	}
}

func TestAddedThenRemovedInSameViewLeavesNoTrace(t *testing.T) {
	ix := NewPendingIndex()
	root := ix.View()
	child := root.Child()
	child.Add(pendingAlert(1, "a1", "", 0))
	child.Merge()

	next := root.Child()
	next.Remove(1)
	next.Merge()
	if added, removed := root.Staged(); added != 0 || removed != 0 {
		t.Fatalf("expected nothing staged, got %d added %d removed", added, removed)
	}
	root.Commit()
	if ix.Seq() != 0 {
		t.Fatal("expected empty commit not to advance the sequence")
	}
}

func TestBySpanHonoursNotBefore(t *testing.T) {
	ix := NewPendingIndex()
	ix.Apply([]domain.SecurityAlert{
		pendingAlert(1, "a1", "s1", -time.Second),
		pendingAlert(2, "a1", "s1", 0),
		pendingAlert(3, "a1", "s1", time.Second),
		pendingAlert(4, "a1", "s2", time.Second),
	}, nil)

	if got := alertIDs(ix.View().BySpan("s1", t0)); !equalIDs(got, []int64{2, 3}) {
		t.Fatalf("unexpected span alerts %v", got)
	}
}

func TestReconcileKeepsChangesNewerThanSnapshot(t *testing.T) {
	ix := NewPendingIndex()
	since := ix.Seq()

	ix.Apply([]domain.SecurityAlert{pendingAlert(3, "a1", "", 0)}, []int64{1})
	stale := []domain.SecurityAlert{pendingAlert(1, "a1", "", 0), pendingAlert(2, "a1", "", 0)}

	added, dropped := ix.Reconcile(stale, since)
	if added != 1 || dropped != 0 {
		t.Fatalf("added=%d dropped=%d", added, dropped)
	}
	if ix.Contains(1) {
		t.Fatal("expected alert linked after the snapshot to stay out")
	}
	if !ix.Contains(2) || !ix.Contains(3) {
		t.Fatal("expected snapshot alert and newer alert present")
	}

	added, dropped = ix.Reconcile([]domain.SecurityAlert{pendingAlert(2, "a1", "", 0)}, ix.Seq())
	if added != 0 || dropped != 1 || ix.Contains(3) {
		t.Fatalf("expected alert missing from a fresh snapshot dropped, added=%d dropped=%d", added, dropped)
	}
}

func TestInWindowMatchesLinearScan(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ix := NewPendingIndex()
		agents := []string{"a1", "a2"}
		n := rapid.IntRange(0, 30).Draw(t, "n")
		all := make([]domain.SecurityAlert, 0, n)
		for i := 0; i < n; i++ {
			alert := pendingAlert(int64(i+1),
				rapid.SampledFrom(agents).Draw(t, "agent"), "",
				time.Duration(rapid.IntRange(-60, 60).Draw(t, "offset"))*time.Second)
			all = append(all, alert)
		}
		committed := rapid.IntRange(0, n).Draw(t, "committed")
		ix.Apply(all[:committed], nil)
		view := ix.View()
		for _, alert := range all[committed:] {
			view.Add(alert)
		}

		from := t0.Add(time.Duration(rapid.IntRange(-70, 70).Draw(t, "from")) * time.Second)
		to := from.Add(time.Duration(rapid.IntRange(0, 70).Draw(t, "width")) * time.Second)
		agentID := rapid.SampledFrom(agents).Draw(t, "query_agent")

		want := make([]domain.SecurityAlert, 0)
		for _, alert := range all {
			if alert.AgentID == agentID && !alert.Timestamp.Before(from) && !alert.Timestamp.After(to) {
				want = append(want, alert)
			}
		}
		sort.Slice(want, func(i, j int) bool { return alertBefore(want[i], want[j]) })

		if got := alertIDs(view.InWindow(agentID, from, to)); !equalIDs(got, alertIDs(want)) {
			t.Fatalf("InWindow = %v, want %v", got, alertIDs(want))
		}
	})
}

func TestCommitReturnsPublishedAlerts(t *testing.T) {
	ix := NewPendingIndex()
	view := ix.View()
	view.Add(pendingAlert(2, "a1", "s1", time.Second))
	view.Add(pendingAlert(1, "a1", "s2", 0))
	child := view.Child()
	child.Add(pendingAlert(3, "a1", "s3", 2*time.Second))
	if got := child.Commit(); got != nil {
		t.Fatalf("expected child commit to publish nothing, got %v", alertIDs(got))
	}

	published := view.Commit()
	if !equalIDs(alertIDs(published), []int64{1, 2, 3}) {
		t.Fatalf("unexpected published alerts %v", alertIDs(published))
	}
	if !equalIDs(alertIDs(ix.Snapshot()), []int64{1, 2, 3}) {
		t.Fatalf("unexpected snapshot %v", alertIDs(ix.Snapshot()))
	}
}
