package telephony

import "testing"

func TestMarkTracker_AckRemovesPendingMark(t *testing.T) {
	tr := newMarkTracker()
	tr.add("mark-1", 3)

	idx, ok := tr.ack("mark-1")
	if !ok || idx != 3 {
		t.Fatalf("expected ack to find segment 3, got idx=%d ok=%v", idx, ok)
	}

	if _, ok := tr.ack("mark-1"); ok {
		t.Error("expected second ack of the same mark to report not-found")
	}
}

func TestMarkTracker_AckUnknownMark(t *testing.T) {
	tr := newMarkTracker()
	if _, ok := tr.ack("does-not-exist"); ok {
		t.Error("expected ack of unknown mark to report not-found")
	}
}

func TestMarkTracker_ClearDropsAllPending(t *testing.T) {
	tr := newMarkTracker()
	tr.add("a", 1)
	tr.add("b", 2)
	if tr.outstandingCount() != 2 {
		t.Fatalf("expected 2 outstanding marks, got %d", tr.outstandingCount())
	}

	tr.clear()
	if tr.outstandingCount() != 0 {
		t.Errorf("expected 0 outstanding marks after clear, got %d", tr.outstandingCount())
	}
}
