// Package journal implements the durable Conversation Journal: the
// per-call record of metadata, transcript, analyzer summary and emotional
// metrics (spec §3/§4.4), on the same sqlite handle as internal/memory.
//
// No teacher precedent exists for this either; the transactional
// save-then-batch-insert discipline is original to this rewrite, following
// the spec's explicit ordering requirement (summary commits before
// messages are attempted) rather than any pack example.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Role is the speaker of a journaled message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a call's transcript (spec §3 Message).
type Message struct {
	Role      Role
	Content   string
	Seq       int
	OccurredAt time.Time
}

// Summary is the Conversation Analyzer's output for one completed call.
type Summary struct {
	CallID           string
	StartedAt        time.Time
	EndedAt          time.Time
	DurationSeconds  float64
	VoiceModel       string
	InterruptionCount int
	UtteranceCount    int
	AssistantTurns    int
	SummaryJSON       string // analyzer-produced free-form summary payload
}

// EmotionalMetrics is the structured-output LLM analysis persisted
// asynchronously after the call closes (spec §4.11). Scores are 0-10
// integers (spec §9 Open Question, decided in SPEC_FULL.md §4.6).
type EmotionalMetrics struct {
	Anxiety        int
	Agitation      int
	Confusion      int
	Comfort        int
	NeedsFollowup  bool
	CareFlagRaised bool
}

// Journal is the durable per-call store.
type Journal struct {
	db *sql.DB
}

// New constructs a Journal over an already-open, already-migrated database
// handle (internal/store.Open).
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// SaveSummary implements save_summary(summary) -> {conversation_id,
// numeric_id} (spec §4.4): upserts the conversation row on call_id and
// replaces the dependent summary/analytics rows in one transaction.
func (j *Journal) SaveSummary(s Summary) (numericID int64, err error) {
	tx, err := j.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("journal: begin save_summary: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec(`
		INSERT INTO conversations (call_id, started_at, ended_at, duration_seconds, voice_model)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			duration_seconds = excluded.duration_seconds,
			voice_model = excluded.voice_model
	`, s.CallID, s.StartedAt.Format(time.RFC3339), s.EndedAt.Format(time.RFC3339), s.DurationSeconds, s.VoiceModel)
	if err != nil {
		return 0, fmt.Errorf("journal: upsert conversation: %w", err)
	}

	// The id is looked up by the unique call_id rather than taken from
	// LastInsertId: on the ON CONFLICT UPDATE path SQLite leaves
	// last_insert_rowid at whatever row this connection inserted before.
	row := tx.QueryRow(`SELECT id FROM conversations WHERE call_id = ?`, s.CallID)
	if err = row.Scan(&numericID); err != nil {
		return 0, fmt.Errorf("journal: resolve conversation id: %w", err)
	}

	if _, err = tx.Exec(`DELETE FROM summaries WHERE conversation_id = ?`, numericID); err != nil {
		return 0, fmt.Errorf("journal: clear summary: %w", err)
	}
	if _, err = tx.Exec(`INSERT INTO summaries (conversation_id, summary_json, created_at) VALUES (?, ?, ?)`,
		numericID, s.SummaryJSON, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return 0, fmt.Errorf("journal: insert summary: %w", err)
	}

	if _, err = tx.Exec(`DELETE FROM analytics WHERE conversation_id = ?`, numericID); err != nil {
		return 0, fmt.Errorf("journal: clear analytics: %w", err)
	}
	if _, err = tx.Exec(`
		INSERT INTO analytics (conversation_id, interruption_count, utterance_count, assistant_turn_count)
		VALUES (?, ?, ?, ?)
	`, numericID, s.InterruptionCount, s.UtteranceCount, s.AssistantTurns); err != nil {
		return 0, fmt.Errorf("journal: insert analytics: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("journal: commit save_summary: %w", err)
	}

	return numericID, nil
}

// SaveMessages implements save_messages(numeric_id, messages[]) (spec
// §4.4): validates roles, deletes any existing rows for the conversation,
// then batch-inserts inside one transaction. Idempotent: calling it twice
// with the same messages leaves the table in the same state.
func (j *Journal) SaveMessages(numericID int64, messages []Message) error {
	for i, m := range messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return fmt.Errorf("journal: save_messages: invalid role %q at index %d", m.Role, i)
		}
		if m.OccurredAt.IsZero() {
			return fmt.Errorf("journal: save_messages: missing timestamp at index %d", i)
		}
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: begin save_messages: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, numericID); err != nil {
		return fmt.Errorf("journal: clear messages: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO messages (conversation_id, role, content, occurred_at, seq) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("journal: prepare message insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range messages {
		if _, err = stmt.Exec(numericID, string(m.Role), m.Content, m.OccurredAt.Format(time.RFC3339), m.Seq); err != nil {
			return fmt.Errorf("journal: insert message seq %d: %w", m.Seq, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit save_messages: %w", err)
	}
	return nil
}

// LoadMessages implements load_messages(conversation_id) -> [messages]
// (spec §4.4), ascending chronological order.
func (j *Journal) LoadMessages(numericID int64) ([]Message, error) {
	rows, err := j.db.Query(`
		SELECT role, content, occurred_at, seq FROM messages
		WHERE conversation_id = ? ORDER BY seq ASC
	`, numericID)
	if err != nil {
		return nil, fmt.Errorf("journal: load_messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var role, occurredAt string
		if err := rows.Scan(&role, &m.Content, &occurredAt, &m.Seq); err != nil {
			return nil, fmt.Errorf("journal: scan message: %w", err)
		}
		m.Role = Role(role)
		m.OccurredAt, _ = time.Parse(time.RFC3339, occurredAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SaveEmotionalMetrics implements save_emotional_metrics(numeric_id,
// metrics) (spec §4.4): an independent table from summary/messages, written
// asynchronously post-close by the Conversation Analyzer without blocking
// the cleanup path.
func (j *Journal) SaveEmotionalMetrics(numericID int64, m EmotionalMetrics) error {
	_, err := j.db.Exec(`
		INSERT INTO emotional_metrics (conversation_id, anxiety, agitation, confusion, comfort, needs_followup, care_flag_raised, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			anxiety = excluded.anxiety,
			agitation = excluded.agitation,
			confusion = excluded.confusion,
			comfort = excluded.comfort,
			needs_followup = excluded.needs_followup,
			care_flag_raised = excluded.care_flag_raised,
			computed_at = excluded.computed_at
	`, numericID, m.Anxiety, m.Agitation, m.Confusion, m.Comfort,
		boolToInt(m.NeedsFollowup), boolToInt(m.CareFlagRaised), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("journal: save_emotional_metrics: %w", err)
	}
	return nil
}

// MarshalSummaryPayload is a small helper so callers don't need to import
// encoding/json to build the SummaryJSON field.
func MarshalSummaryPayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("journal: marshal summary payload: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
