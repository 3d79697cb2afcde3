package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

// Store persists full checkpoint records and their searchable index
// projections in one embedded database. Record and index are written in the
// same transaction, so a crash can never leave an index entry without a
// backing record or vice versa.
type Store struct {
	db      *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-checkpoint-id write serialization
}

// OpenStore creates or opens the checkpoint database at the given path
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{
		db:      db,
		encoder: encoder,
		decoder: decoder,
		locks:   make(map[string]*sync.Mutex),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		created_by TEXT,
		last_used INTEGER,
		usage_count INTEGER NOT NULL DEFAULT 0,
		performance_score REAL NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL,
		payload BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoint_index (
		checkpoint_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		tags TEXT,
		context_types TEXT,
		expertise_areas TEXT,
		performance_score REAL NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_used INTEGER
	);

	CREATE TABLE IF NOT EXISTS index_facets (
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (kind, value)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoint_index_created ON checkpoint_index(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init checkpoint schema: %w", err)
	}
	return nil
}

// Close releases the database and codec resources
func (s *Store) Close() error {
	s.decoder.Close()
	s.encoder.Close()
	return s.db.Close()
}

// lockFor returns the write lock for one checkpoint id
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Save persists the checkpoint and its index projection atomically and
// returns the checkpoint id. The key space is global: checkpoints are shared
// across workspaces by design.
func (s *Store) Save(cp *Checkpoint) (string, error) {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	stateJSON, err := json.Marshal(cp.ConversationState)
	if err != nil {
		return "", fmt.Errorf("marshal conversation state: %w", err)
	}
	cp.ContentHash = contentHash(stateJSON)

	payload, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	compressed := s.encoder.EncodeAll(payload, nil)

	lock := s.lockFor(cp.ID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	// Replacing an existing id is rare; clear its old facet counts first so
	// the frequency tables stay accurate.
	if err := s.removeFacetsTx(tx, cp.ID); err != nil {
		return "", err
	}

	// Record first, index second: the rebuild path recovers from any
	// interruption between the two.
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO checkpoints
		(id, title, created_at, created_by, last_used, usage_count, performance_score, content_hash, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.Title, cp.CreatedAt.UnixNano(), cp.CreatedBy, nullableTime(cp.LastUsed),
		cp.UsageCount, cp.PerformanceScore, cp.ContentHash, compressed)
	if err != nil {
		return "", fmt.Errorf("write checkpoint record: %w", err)
	}

	if err := s.writeIndexTx(tx, project(cp)); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit save: %w", err)
	}
	return cp.ID, nil
}

// writeIndexTx upserts the index projection and bumps the facet tables
func (s *Store) writeIndexTx(tx *sql.Tx, entry *IndexEntry) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO checkpoint_index
		(checkpoint_id, title, description, tags, context_types, expertise_areas,
		 performance_score, usage_count, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CheckpointID, entry.Title, entry.Description,
		encodeStrings(entry.Tags), encodeStrings(entry.ContextTypes), encodeStrings(entry.ExpertiseAreas),
		entry.PerformanceScore, entry.UsageCount, entry.CreatedAt.UnixNano(), nullableTime(entry.LastUsed))
	if err != nil {
		return fmt.Errorf("write index entry: %w", err)
	}

	for kind, values := range map[string][]string{
		"tag":          entry.Tags,
		"context_type": entry.ContextTypes,
		"expertise":    entry.ExpertiseAreas,
	} {
		for _, v := range values {
			_, err := tx.Exec(`
				INSERT INTO index_facets (kind, value, count) VALUES (?, ?, 1)
				ON CONFLICT (kind, value) DO UPDATE SET count = count + 1`, kind, v)
			if err != nil {
				return fmt.Errorf("update facet table: %w", err)
			}
		}
	}
	return nil
}

// removeFacetsTx decrements the facet counts contributed by an existing entry
func (s *Store) removeFacetsTx(tx *sql.Tx, id string) error {
	var tags, contextTypes, expertise sql.NullString
	err := tx.QueryRow(`
		SELECT tags, context_types, expertise_areas FROM checkpoint_index
		WHERE checkpoint_id = ?`, id).Scan(&tags, &contextTypes, &expertise)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index entry for facet removal: %w", err)
	}

	for kind, raw := range map[string]sql.NullString{
		"tag":          tags,
		"context_type": contextTypes,
		"expertise":    expertise,
	} {
		for _, v := range decodeStrings(raw.String) {
			if _, err := tx.Exec(`
				UPDATE index_facets SET count = count - 1 WHERE kind = ? AND value = ?`, kind, v); err != nil {
				return fmt.Errorf("decrement facet: %w", err)
			}
		}
	}
	if _, err := tx.Exec(`DELETE FROM index_facets WHERE count <= 0`); err != nil {
		return fmt.Errorf("prune facets: %w", err)
	}
	return nil
}

// Load reads the full checkpoint record. Usage counters come from the columns
// so frequently-restored checkpoints never show stale payload values.
func (s *Store) Load(id string) (*Checkpoint, error) {
	var compressed []byte
	var usageCount int
	var score float64
	var lastUsed sql.NullInt64

	err := s.db.QueryRow(`
		SELECT payload, usage_count, performance_score, last_used
		FROM checkpoints WHERE id = ?`, id).
		Scan(&compressed, &usageCount, &score, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint record: %w", err)
	}

	payload, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	cp.UsageCount = usageCount
	cp.PerformanceScore = score
	if lastUsed.Valid {
		t := time.Unix(0, lastUsed.Int64)
		cp.LastUsed = &t
	}
	return &cp, nil
}

// Delete removes the record and its index entry together. Deleting a missing
// id is not an error.
func (s *Store) Delete(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if err := s.removeFacetsTx(tx, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM checkpoint_index WHERE checkpoint_id = ?`, id); err != nil {
		return fmt.Errorf("delete index entry: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete checkpoint record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	s.releaseLock(id)
	return nil
}

// releaseLock drops a deleted checkpoint's write lock so the lock map stays
// bounded by the number of live checkpoints
func (s *Store) releaseLock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
}

// Touch bumps usage_count and last_used on both tables in one transaction
func (s *Store) Touch(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UnixNano()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin touch: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE checkpoints SET usage_count = usage_count + 1, last_used = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("touch checkpoint: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`
		UPDATE checkpoint_index SET usage_count = usage_count + 1, last_used = ?
		WHERE checkpoint_id = ?`, now, id); err != nil {
		return fmt.Errorf("touch index entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit touch: %w", err)
	}
	return nil
}

// AddRating appends an effectiveness rating and refreshes the performance
// score as the running mean of all ratings
func (s *Store) AddRating(id string, rating float64) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cp, err := s.Load(id)
	if err != nil {
		return err
	}

	cp.EffectivenessRatings = append(cp.EffectivenessRatings, rating)
	var sum float64
	for _, r := range cp.EffectivenessRatings {
		sum += r
	}
	cp.PerformanceScore = sum / float64(len(cp.EffectivenessRatings))

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	compressed := s.encoder.EncodeAll(payload, nil)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rating: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE checkpoints SET payload = ?, performance_score = ? WHERE id = ?`,
		compressed, cp.PerformanceScore, id); err != nil {
		return fmt.Errorf("update rating: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE checkpoint_index SET performance_score = ? WHERE checkpoint_id = ?`,
		cp.PerformanceScore, id); err != nil {
		return fmt.Errorf("update index score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rating: %w", err)
	}
	return nil
}

// ListIndex returns every index entry
func (s *Store) ListIndex() ([]IndexEntry, error) {
	rows, err := s.db.Query(`
		SELECT checkpoint_id, title, description, tags, context_types, expertise_areas,
		       performance_score, usage_count, created_at, last_used
		FROM checkpoint_index`)
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var description, tags, contextTypes, expertise sql.NullString
		var createdAt int64
		var lastUsed sql.NullInt64

		err := rows.Scan(&e.CheckpointID, &e.Title, &description, &tags, &contextTypes,
			&expertise, &e.PerformanceScore, &e.UsageCount, &createdAt, &lastUsed)
		if err != nil {
			return nil, err
		}
		e.Description = description.String
		e.Tags = decodeStrings(tags.String)
		e.ContextTypes = decodeStrings(contextTypes.String)
		e.ExpertiseAreas = decodeStrings(expertise.String)
		e.CreatedAt = time.Unix(0, createdAt)
		if lastUsed.Valid {
			t := time.Unix(0, lastUsed.Int64)
			e.LastUsed = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FacetCount is one value of a facet frequency table
type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Facets returns the most frequent values for a facet kind
// (tag, context_type, expertise)
func (s *Store) Facets(kind string, limit int) ([]FacetCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT value, count FROM index_facets WHERE kind = ?
		ORDER BY count DESC, value ASC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query facets: %w", err)
	}
	defer rows.Close()

	var facets []FacetCount
	for rows.Next() {
		var f FacetCount
		if err := rows.Scan(&f.Value, &f.Count); err != nil {
			return nil, err
		}
		facets = append(facets, f)
	}
	return facets, rows.Err()
}

// VerifyIndex checks the subset-projection invariant in both directions
func (s *Store) VerifyIndex() error {
	var orphans int
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM checkpoint_index i
			 LEFT JOIN checkpoints c ON c.id = i.checkpoint_id WHERE c.id IS NULL)
			+
			(SELECT COUNT(*) FROM checkpoints c
			 LEFT JOIN checkpoint_index i ON i.checkpoint_id = c.id WHERE i.checkpoint_id IS NULL)
	`).Scan(&orphans)
	if err != nil {
		return fmt.Errorf("verify index: %w", err)
	}
	if orphans > 0 {
		return fmt.Errorf("%w: %d mismatched entries", ErrIndexInconsistent, orphans)
	}
	return nil
}

// RebuildIndex reconstructs the index and facet tables from the source
// records. This is the recovery path for any detected inconsistency; records
// are the single source of truth.
func (s *Store) RebuildIndex() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM checkpoint_index`); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM index_facets`); err != nil {
		return fmt.Errorf("clear facets: %w", err)
	}

	rows, err := tx.Query(`SELECT payload, usage_count, performance_score, last_used FROM checkpoints`)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}

	var projections []*IndexEntry
	for rows.Next() {
		var compressed []byte
		var usageCount int
		var score float64
		var lastUsed sql.NullInt64
		if err := rows.Scan(&compressed, &usageCount, &score, &lastUsed); err != nil {
			rows.Close()
			return err
		}

		payload, err := s.decoder.DecodeAll(compressed, nil)
		if err != nil {
			rows.Close()
			return fmt.Errorf("decompress record: %w", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(payload, &cp); err != nil {
			rows.Close()
			return fmt.Errorf("unmarshal record: %w", err)
		}
		cp.UsageCount = usageCount
		cp.PerformanceScore = score
		if lastUsed.Valid {
			t := time.Unix(0, lastUsed.Int64)
			cp.LastUsed = &t
		}
		projections = append(projections, project(&cp))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, entry := range projections {
		if err := s.writeIndexTx(tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// contentHash digests the conversation state for integrity checks
func contentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if json.Unmarshal([]byte(raw), &values) != nil || len(values) == 0 {
		return nil
	}
	return values
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
