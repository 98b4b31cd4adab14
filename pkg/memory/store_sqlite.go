package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteChunkStore is the durable chunk storage backing the engine.
type SQLiteChunkStore struct {
	db *sql.DB
}

// NewSQLiteChunkStore creates/opens the chunk database at path.
func NewSQLiteChunkStore(path string) (*SQLiteChunkStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create chunk db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteChunkStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteChunkStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteChunkStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			embedding_json TEXT NOT NULL DEFAULT '[]',
			source_id TEXT NOT NULL DEFAULT '',
			source_name TEXT NOT NULL DEFAULT '',
			document_type TEXT NOT NULL DEFAULT '',
			memory_type TEXT NOT NULL DEFAULT 'document',
			importance REAL NOT NULL DEFAULT 0,
			tags_json TEXT NOT NULL DEFAULT '[]',
			dimensions_json TEXT NOT NULL DEFAULT '{}',
			confidence REAL NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			last_accessed_at_ms INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			page_number INTEGER NOT NULL DEFAULT 0,
			section_title TEXT NOT NULL DEFAULT '',
			offset_fraction REAL NOT NULL DEFAULT 0,
			locked INTEGER NOT NULL DEFAULT 0,
			deleted_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS chunks_live_idx ON chunks(deleted_at_ms, id);`,
		`CREATE INDEX IF NOT EXISTS chunks_access_idx ON chunks(deleted_at_ms, access_count DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init chunk store: %w", err)
		}
	}
	return nil
}

const chunkColumns = `id, content, embedding_json, source_id, source_name, document_type,
	memory_type, importance, tags_json, dimensions_json, confidence,
	created_at_ms, last_accessed_at_ms, access_count,
	page_number, section_title, offset_fraction, locked`

// PutChunk inserts or updates a chunk. A tombstoned id can never be written
// again; that keeps deleted ids from resurrecting through ranking.
func (s *SQLiteChunkStore) PutChunk(ctx context.Context, chunk MemoryChunk) error {
	if strings.TrimSpace(chunk.ID) == "" {
		return fmt.Errorf("put chunk: empty id")
	}
	var deletedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT deleted_at_ms FROM chunks WHERE id = ?`, chunk.ID).Scan(&deletedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("put chunk %s: %w", chunk.ID, err)
	}
	if deletedAt > 0 {
		return fmt.Errorf("put chunk %s: %w", chunk.ID, ErrChunkTombstoned)
	}
	if chunk.CreatedAtMS == 0 {
		chunk.CreatedAtMS = time.Now().UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO chunks(`+chunkColumns+`, deleted_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	content = excluded.content,
	embedding_json = excluded.embedding_json,
	source_id = excluded.source_id,
	source_name = excluded.source_name,
	document_type = excluded.document_type,
	memory_type = excluded.memory_type,
	importance = excluded.importance,
	tags_json = excluded.tags_json,
	dimensions_json = excluded.dimensions_json,
	confidence = excluded.confidence,
	page_number = excluded.page_number,
	section_title = excluded.section_title,
	offset_fraction = excluded.offset_fraction,
	locked = excluded.locked`,
		chunk.ID, chunk.Content, encodeVector(chunk.Embedding),
		chunk.SourceID, chunk.SourceName, chunk.DocumentType,
		string(chunk.Type), clamp01(chunk.Importance),
		encodeJSON(chunk.Tags, "[]"), encodeJSON(chunk.DimensionScores, "{}"),
		clamp01(chunk.Confidence),
		chunk.CreatedAtMS, chunk.LastAccessedAtMS, chunk.AccessCount,
		chunk.PageNumber, chunk.SectionTitle, chunk.OffsetFraction, boolToInt(chunk.Locked))
	if err != nil {
		return fmt.Errorf("put chunk %s: %w", chunk.ID, err)
	}
	return nil
}

func (s *SQLiteChunkStore) GetChunk(ctx context.Context, id string) (MemoryChunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ? AND deleted_at_ms = 0`, id)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryChunk{}, fmt.Errorf("get chunk %s: %w", id, ErrChunkNotFound)
	}
	if err != nil {
		return MemoryChunk{}, fmt.Errorf("get chunk %s: %w", id, err)
	}
	return chunk, nil
}

// DeleteChunk tombstones the id. Idempotent.
func (s *SQLiteChunkStore) DeleteChunk(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET deleted_at_ms = ?, content = '', embedding_json = '[]'
		 WHERE id = ? AND deleted_at_ms = 0`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("delete chunk %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteChunkStore) SetImportance(ctx context.Context, id string, importance float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET importance = ? WHERE id = ? AND deleted_at_ms = 0`,
		clamp01(importance), id)
	if err != nil {
		return fmt.Errorf("set importance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set importance %s: %w", id, ErrChunkNotFound)
	}
	return nil
}

func (s *SQLiteChunkStore) HydrateChunks(ctx context.Context, ids []string) (map[string]MemoryChunk, error) {
	return s.hydrate(ctx, ids, chunkColumns)
}

// HydrateMeta skips the content and embedding payloads; scoring only needs
// the metadata fields.
func (s *SQLiteChunkStore) HydrateMeta(ctx context.Context, ids []string) (map[string]MemoryChunk, error) {
	const metaColumns = `id, '' AS content, '[]' AS embedding_json, source_id, source_name, document_type,
	memory_type, importance, tags_json, dimensions_json, confidence,
	created_at_ms, last_accessed_at_ms, access_count,
	page_number, section_title, offset_fraction, locked`
	return s.hydrate(ctx, ids, metaColumns)
}

func (s *SQLiteChunkStore) hydrate(ctx context.Context, ids []string, columns string) (map[string]MemoryChunk, error) {
	if len(ids) == 0 {
		return map[string]MemoryChunk{}, nil
	}
	unique := uniqueStrings(ids)
	placeholders := strings.TrimRight(strings.Repeat("?,", len(unique)), ",")
	args := make([]any, 0, len(unique))
	for _, id := range unique {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM chunks WHERE id IN (%s) AND deleted_at_ms = 0`,
		columns, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]MemoryChunk, len(unique))
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out[chunk.ID] = chunk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (s *SQLiteChunkStore) ListChunks(ctx context.Context, limit, offset int) ([]MemoryChunk, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE deleted_at_ms = 0
		 ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	out := make([]MemoryChunk, 0, limit)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

// RecordAccess bumps counters for a retrieval hit. Best effort by contract;
// callers do not block on it.
func (s *SQLiteChunkStore) RecordAccess(ctx context.Context, ids []string, atMS int64) error {
	if len(ids) == 0 {
		return nil
	}
	unique := uniqueStrings(ids)
	placeholders := strings.TrimRight(strings.Repeat("?,", len(unique)), ",")
	args := make([]any, 0, len(unique)+1)
	args = append(args, atMS)
	for _, id := range unique {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE chunks SET access_count = access_count + 1, last_accessed_at_ms = ?
		 WHERE id IN (%s) AND deleted_at_ms = 0`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

func (s *SQLiteChunkStore) MaxAccessCount(ctx context.Context) (int64, error) {
	var maxCount int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(access_count), 0) FROM chunks WHERE deleted_at_ms = 0`).Scan(&maxCount)
	if err != nil {
		return 0, fmt.Errorf("max access count: %w", err)
	}
	return maxCount, nil
}

func (s *SQLiteChunkStore) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	err := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN deleted_at_ms = 0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN deleted_at_ms > 0 THEN 1 ELSE 0 END), 0),
	COALESCE(MAX(CASE WHEN deleted_at_ms = 0 THEN access_count ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN deleted_at_ms = 0 THEN access_count ELSE 0 END), 0)
FROM chunks`).Scan(&st.ChunkCount, &st.TombstoneCount, &st.MaxAccessCount, &st.TotalAccesses)
	if err != nil {
		return StoreStats{}, fmt.Errorf("store stats: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (MemoryChunk, error) {
	var (
		chunk          MemoryChunk
		embeddingJSON  string
		tagsJSON       string
		dimensionsJSON string
		memoryType     string
		locked         int
	)
	err := row.Scan(&chunk.ID, &chunk.Content, &embeddingJSON,
		&chunk.SourceID, &chunk.SourceName, &chunk.DocumentType,
		&memoryType, &chunk.Importance, &tagsJSON, &dimensionsJSON, &chunk.Confidence,
		&chunk.CreatedAtMS, &chunk.LastAccessedAtMS, &chunk.AccessCount,
		&chunk.PageNumber, &chunk.SectionTitle, &chunk.OffsetFraction, &locked)
	if err != nil {
		return MemoryChunk{}, err
	}
	chunk.Type = MemoryType(memoryType)
	chunk.Embedding = decodeVector(embeddingJSON)
	chunk.Locked = locked != 0
	if tagsJSON != "" && tagsJSON != "[]" {
		_ = json.Unmarshal([]byte(tagsJSON), &chunk.Tags)
	}
	if dimensionsJSON != "" && dimensionsJSON != "{}" {
		_ = json.Unmarshal([]byte(dimensionsJSON), &chunk.DimensionScores)
	}
	return chunk, nil
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" || raw == "[]" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeJSON(v any, fallback string) string {
	b, err := json.Marshal(v)
	if err != nil || v == nil {
		return fallback
	}
	return string(b)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
