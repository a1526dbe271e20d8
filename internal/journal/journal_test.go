package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/briarcare/companion-voice-agent/internal/store"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestJournal_SaveSummaryCreatesThenUpdates(t *testing.T) {
	j := newTestJournal(t)
	start := time.Now().UTC().Add(-2 * time.Minute)
	end := time.Now().UTC()

	id, err := j.SaveSummary(Summary{
		CallID:          "CA123",
		StartedAt:       start,
		EndedAt:         end,
		DurationSeconds: 120,
		VoiceModel:      "sonic-english",
		UtteranceCount:  4,
		SummaryJSON:     `{"note":"first pass"}`,
	})
	if err != nil {
		t.Fatalf("SaveSummary() failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero numeric id")
	}

	id2, err := j.SaveSummary(Summary{
		CallID:          "CA123",
		StartedAt:       start,
		EndedAt:         end,
		DurationSeconds: 125,
		VoiceModel:      "sonic-english",
		UtteranceCount:  5,
		SummaryJSON:     `{"note":"revised"}`,
	})
	if err != nil {
		t.Fatalf("SaveSummary() (update) failed: %v", err)
	}
	if id2 != id {
		t.Errorf("expected upsert to reuse numeric id %d, got %d", id, id2)
	}
}

func TestJournal_SaveMessagesIsIdempotent(t *testing.T) {
	j := newTestJournal(t)
	id, err := j.SaveSummary(Summary{CallID: "CA1", StartedAt: time.Now(), EndedAt: time.Now()})
	if err != nil {
		t.Fatalf("SaveSummary() failed: %v", err)
	}

	msgs := []Message{
		{Role: RoleUser, Content: "hello", Seq: 0, OccurredAt: time.Now()},
		{Role: RoleAssistant, Content: "hi there", Seq: 1, OccurredAt: time.Now()},
	}

	for i := 0; i < 2; i++ {
		if err := j.SaveMessages(id, msgs); err != nil {
			t.Fatalf("SaveMessages() attempt %d failed: %v", i, err)
		}
	}

	loaded, err := j.LoadMessages(id)
	if err != nil {
		t.Fatalf("LoadMessages() failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 messages after repeated save, got %d", len(loaded))
	}
	if loaded[0].Role != RoleUser || loaded[1].Role != RoleAssistant {
		t.Errorf("expected ascending role order user,assistant; got %s,%s", loaded[0].Role, loaded[1].Role)
	}
}

func TestJournal_SaveMessagesRejectsInvalidRole(t *testing.T) {
	j := newTestJournal(t)
	id, _ := j.SaveSummary(Summary{CallID: "CA2", StartedAt: time.Now(), EndedAt: time.Now()})

	err := j.SaveMessages(id, []Message{{Role: "narrator", Content: "x", Seq: 0, OccurredAt: time.Now()}})
	if err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestJournal_EmotionalMetricsIndependentOfSummary(t *testing.T) {
	j := newTestJournal(t)
	id, _ := j.SaveSummary(Summary{CallID: "CA3", StartedAt: time.Now(), EndedAt: time.Now()})

	if err := j.SaveEmotionalMetrics(id, EmotionalMetrics{Anxiety: 3, Agitation: 1, Confusion: 2, Comfort: 8}); err != nil {
		t.Fatalf("SaveEmotionalMetrics() failed: %v", err)
	}

	// a second call with different scores must overwrite, not duplicate
	if err := j.SaveEmotionalMetrics(id, EmotionalMetrics{Anxiety: 5, NeedsFollowup: true}); err != nil {
		t.Fatalf("SaveEmotionalMetrics() (overwrite) failed: %v", err)
	}
}
