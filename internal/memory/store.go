// Package memory implements the content-addressed Memory Store: a
// key→record persistence layer with category tagging and a fact-protection
// invariant, backed by the shared sqlite handle in internal/store and
// mirrored by a read-through in-memory cache kept consistent with the
// persistent store in the same critical section (spec §4.3).
//
// There is no teacher precedent for this component — fanonxr-Lexiq-AI
// delegates all memory/cognition to an external microservice this rewrite
// replaces. The CRUD surface and locking discipline are grounded on the
// teacher's own mutex-guarded CallSession fields in
// internal/telephony/stream_manager.go, generalized to a shared resource.
package memory

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Category enumerates the fixed memory categories the LLM function registry
// is allowed to write.
type Category string

const (
	CategoryFamily        Category = "family"
	CategoryHealth        Category = "health"
	CategoryPreferences   Category = "preferences"
	CategoryTopicsToAvoid Category = "topics_to_avoid"
	CategoryGeneral       Category = "general"
)

// Record is a single content-addressed memory entry (spec §3 MemoryRecord).
type Record struct {
	Key          string
	Content      string
	Category     Category
	IsFact       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastAccessed *time.Time
}

// SaveAction reports whether save() created or updated a record.
type SaveAction string

const (
	ActionCreated SaveAction = "created"
	ActionUpdated SaveAction = "updated"
)

// RemoveResult reports the outcome of remove().
type RemoveResult string

const (
	RemoveResultRemoved   RemoveResult = "removed"
	RemoveResultNotFound  RemoveResult = "not_found"
	RemoveResultProtected RemoveResult = "protected"
)

// UpdateResult reports the outcome of update().
type UpdateResult string

const (
	UpdateResultUpdated   UpdateResult = "updated"
	UpdateResultProtected UpdateResult = "protected"
	UpdateResultNotFound  UpdateResult = "not_found"
)

// KeyGenerator derives a stable key from free-form content when the caller
// omits one. Breaks the cyclic gpt-service↔memory-service back-reference
// the source patches in at runtime (spec §9): the LLM Adapter implements
// this interface and can be passed to New. cmd/server passes nil, so the
// fallback generator below is used there.
type KeyGenerator interface {
	GenerateKey(content string) string
}

var keyNormalizer = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeKey lowercases content and collapses runs of non-alphanumeric
// characters to a single hyphen, matching spec §3's key-format invariant.
func NormalizeKey(raw string) string {
	normalized := keyNormalizer.ReplaceAllString(strings.ToLower(raw), "-")
	return strings.Trim(normalized, "-")
}

// fallbackKeyGenerator derives a key deterministically from content when no
// LLM-backed KeyGenerator is supplied (e.g. in tests).
type fallbackKeyGenerator struct{}

func (fallbackKeyGenerator) GenerateKey(content string) string {
	words := strings.Fields(content)
	if len(words) > 6 {
		words = words[:6]
	}
	return NormalizeKey(strings.Join(words, " "))
}

// Store is the Memory Store: durable sqlite-backed persistence plus a
// read-through cache, with all writes serialized through one store-wide
// mutex.
type Store struct {
	db     *sql.DB
	keygen KeyGenerator
	logger zerolog.Logger

	mu    sync.RWMutex // guards cache; held across persist+cache-update (spec §4.3)
	cache map[string]*Record
}

// New constructs a Memory Store over an already-open, already-migrated
// database handle (internal/store.Open).
func New(db *sql.DB, keygen KeyGenerator, logger zerolog.Logger) *Store {
	if keygen == nil {
		keygen = fallbackKeyGenerator{}
	}
	return &Store{
		db:     db,
		keygen: keygen,
		logger: logger.With().Str("component", "memory_store").Logger(),
		cache:  make(map[string]*Record),
	}
}

// Save implements save(key?, content, category, isFact) (spec §4.3). Writes
// are synchronous and durable before this call returns, and the cache is
// updated in the same critical section as the persisted write so readers
// never observe a stale entry after a successful Save.
func (s *Store) Save(key, content string, category Category, isFact bool) (string, SaveAction, error) {
	if key == "" {
		key = s.keygen.GenerateKey(content)
	} else {
		key = NormalizeKey(key)
	}
	if key == "" {
		return "", "", fmt.Errorf("memory: could not derive a non-empty key from content")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, err := s.loadFromDB(key)
	if err != nil {
		return "", "", fmt.Errorf("memory: save lookup: %w", err)
	}

	action := ActionCreated
	rec := &Record{
		Key:       key,
		Content:   content,
		Category:  category,
		IsFact:    isFact,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if existing != nil {
		action = ActionUpdated
		rec.CreatedAt = existing.CreatedAt
		// is_fact is preserved across plain saves unless this call is
		// itself introducing the flag for the first time.
		if !isFact {
			rec.IsFact = existing.IsFact
		}
		rec.LastAccessed = existing.LastAccessed
	}

	if _, err := s.db.Exec(`
		INSERT INTO memories (key, content, category, is_fact, created_at, updated_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			category = excluded.category,
			is_fact = excluded.is_fact,
			updated_at = excluded.updated_at
	`, rec.Key, rec.Content, string(rec.Category), boolToInt(rec.IsFact),
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339), nullableTime(rec.LastAccessed)); err != nil {
		return "", "", fmt.Errorf("memory: save: %w", err)
	}

	s.cache[key] = rec
	return key, action, nil
}

// Get implements get(key) (spec §4.3). last_accessed is refreshed
// asynchronously so the read path itself never blocks on a write.
func (s *Store) Get(key string) (*Record, bool) {
	key = NormalizeKey(key)

	s.mu.RLock()
	rec, ok := s.cache[key]
	s.mu.RUnlock()

	if !ok {
		loaded, err := s.loadFromDB(key)
		if err != nil || loaded == nil {
			return nil, false
		}
		s.mu.Lock()
		s.cache[key] = loaded
		s.mu.Unlock()
		rec = loaded
		ok = true
	}

	go s.touchLastAccessed(key)

	copyRec := *rec
	return &copyRec, ok
}

func (s *Store) touchLastAccessed(key string) {
	now := time.Now().UTC()
	if _, err := s.db.Exec(`UPDATE memories SET last_accessed = ? WHERE key = ?`, now.Format(time.RFC3339), key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to update last_accessed")
		return
	}
	s.mu.Lock()
	if rec, ok := s.cache[key]; ok {
		rec.LastAccessed = &now
	}
	s.mu.Unlock()
}

// Search implements search(query) (spec §4.3): substring match on key.
func (s *Store) Search(query string) ([]*Record, error) {
	query = strings.ToLower(query)
	rows, err := s.db.Query(`SELECT key, content, category, is_fact, created_at, updated_at, last_accessed FROM memories WHERE key LIKE ?`, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var results []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// Remove implements remove(key) (spec §4.3), refusing is_fact=true records
// unless force is set (the admin-only override named in spec §9).
func (s *Store) Remove(key string, force bool) (RemoveResult, error) {
	key = NormalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadFromDB(key)
	if err != nil {
		return "", fmt.Errorf("memory: remove lookup: %w", err)
	}
	if existing == nil {
		return RemoveResultNotFound, nil
	}
	if existing.IsFact && !force {
		return RemoveResultProtected, nil
	}

	if _, err := s.db.Exec(`DELETE FROM memories WHERE key = ?`, key); err != nil {
		return "", fmt.Errorf("memory: remove: %w", err)
	}
	delete(s.cache, key)
	return RemoveResultRemoved, nil
}

// Update implements update(key, content, category?) (spec §4.3), refusing
// is_fact=true records unless force is set.
func (s *Store) Update(key, content string, category *Category, force bool) (UpdateResult, error) {
	key = NormalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadFromDB(key)
	if err != nil {
		return "", fmt.Errorf("memory: update lookup: %w", err)
	}
	if existing == nil {
		return UpdateResultNotFound, nil
	}
	if existing.IsFact && !force {
		return UpdateResultProtected, nil
	}

	rec := *existing
	rec.Content = content
	if category != nil {
		rec.Category = *category
	}
	rec.UpdatedAt = time.Now().UTC()

	if _, err := s.db.Exec(`UPDATE memories SET content = ?, category = ?, updated_at = ? WHERE key = ?`,
		rec.Content, string(rec.Category), rec.UpdatedAt.Format(time.RFC3339), key); err != nil {
		return "", fmt.Errorf("memory: update: %w", err)
	}
	s.cache[key] = &rec
	return UpdateResultUpdated, nil
}

// SetFact is the admin-only path (spec §9) for explicitly changing the
// is_fact flag, bypassing the protection it itself grants. Not reachable
// from the LLM function registry (internal/llm/functions.go never calls it).
func (s *Store) SetFact(key string, isFact bool) error {
	key = NormalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE memories SET is_fact = ?, updated_at = ? WHERE key = ?`,
		boolToInt(isFact), time.Now().UTC().Format(time.RFC3339), key); err != nil {
		return fmt.Errorf("memory: set fact: %w", err)
	}
	if rec, ok := s.cache[key]; ok {
		rec.IsFact = isFact
	}
	return nil
}

// ListKeys implements list_keys() (spec §4.3): used to populate
// system-prompt context (internal/llm/prompt.go).
func (s *Store) ListKeys() (facts []string, memories []string, err error) {
	rows, err := s.db.Query(`SELECT key, is_fact FROM memories ORDER BY key`)
	if err != nil {
		return nil, nil, fmt.Errorf("memory: list_keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var isFact int
		if err := rows.Scan(&key, &isFact); err != nil {
			return nil, nil, err
		}
		if isFact != 0 {
			facts = append(facts, key)
		} else {
			memories = append(memories, key)
		}
	}
	return facts, memories, rows.Err()
}

func (s *Store) loadFromDB(key string) (*Record, error) {
	row := s.db.QueryRow(`SELECT key, content, category, is_fact, created_at, updated_at, last_accessed FROM memories WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                         Record
		categoryStr                 string
		isFactInt                   int
		createdAtStr, updatedAtStr  string
		lastAccessedStr             sql.NullString
	)
	if err := row.Scan(&rec.Key, &rec.Content, &categoryStr, &isFactInt, &createdAtStr, &updatedAtStr, &lastAccessedStr); err != nil {
		return nil, err
	}
	rec.Category = Category(categoryStr)
	rec.IsFact = isFactInt != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAtStr)
	if lastAccessedStr.Valid {
		t, err := time.Parse(time.RFC3339, lastAccessedStr.String)
		if err == nil {
			rec.LastAccessed = &t
		}
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
