// Package patternstore implements Trinity's hybrid pattern store: a
// structured SQLite table carrying confidence and evidence counters, with
// an in-process vector index layered on top for semantic recall. The
// vector index is kept behind the embedding.Provider interface so a
// deployment without an embedding endpoint degrades to structured-only
// search instead of losing correctness.
package patternstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trinity-protocol/trinity/internal/embedding"
	"github.com/trinity-protocol/trinity/internal/sqliteutil"
)

// Store is the pattern store. Writes serialize on writerMu; reads take no
// store-level lock, though the single pooled SQLite connection still runs
// one statement at a time.
type Store struct {
	db       *sql.DB
	embedder embedding.Provider
	index    *vectorIndex
	log      zerolog.Logger

	writerMu sync.Mutex
}

// New opens (or creates) the pattern store at path and rebuilds the vector
// index by replaying every row that carries an embedding, in embedding_id
// order so index offsets line up with the persisted ids again.
func New(path string, embedder embedding.Provider, log zerolog.Logger) (*Store, error) {
	db, err := sqliteutil.Open(path, schema)
	if err != nil {
		return nil, fmt.Errorf("patternstore: %w", err)
	}

	s := &Store{
		db:       db,
		embedder: embedder,
		index:    newVectorIndex(),
		log:      log.With().Str("component", "patternstore").Logger(),
	}

	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("patternstore: rebuild index: %w", err)
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	rows, err := s.db.Query(`SELECT id, embedding FROM patterns WHERE embedding IS NOT NULL ORDER BY embedding_id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		s.index.append(id, decodeEmbedding(blob))
	}
	return rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StorePattern applies the store's uniqueness rule: a first sighting of
// (patternType, patternName, content) creates a new row (and, if an
// embedding provider is available, appends its embedding to the vector
// index); every later call with the same key bumps times_seen, adds
// evidenceCount to evidence_count, replaces confidence, and updates
// last_seen without touching the embedding.
func (s *Store) StorePattern(ctx context.Context, patternType, patternName, content string, confidence float64, metadata map[string]any, evidenceCount int) (int64, error) {
	if evidenceCount <= 0 {
		evidenceCount = 1
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	now := time.Now().UTC()

	var existingID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM patterns WHERE pattern_type = ? AND pattern_name = ? AND content = ?`,
		patternType, patternName, content,
	).Scan(&existingID)

	switch {
	case err == nil:
		_, uErr := s.db.ExecContext(ctx,
			`UPDATE patterns SET times_seen = times_seen + 1, evidence_count = evidence_count + ?,
			 confidence = ?, last_seen = ? WHERE id = ?`,
			evidenceCount, confidence, now.Format(timeLayout), existingID,
		)
		if uErr != nil {
			return 0, fmt.Errorf("patternstore: update pattern: %w", uErr)
		}
		return existingID, nil

	case err == sql.ErrNoRows:
		metaJSON, mErr := marshalMetadata(metadata)
		if mErr != nil {
			return 0, fmt.Errorf("patternstore: marshal metadata: %w", mErr)
		}

		var embeddingBlob []byte
		var embeddingOffset sql.NullInt64

		res, iErr := s.db.ExecContext(ctx,
			`INSERT INTO patterns (pattern_type, pattern_name, content, confidence, evidence_count,
			 times_seen, times_successful, metadata, embedding, embedding_id, created_at, last_seen)
			 VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?, ?, ?, ?)`,
			patternType, patternName, content, confidence, evidenceCount, metaJSON,
			embeddingBlob, embeddingOffset, now.Format(timeLayout), now.Format(timeLayout),
		)
		if iErr != nil {
			return 0, fmt.Errorf("patternstore: insert pattern: %w", iErr)
		}
		id, iErr := res.LastInsertId()
		if iErr != nil {
			return 0, fmt.Errorf("patternstore: last insert id: %w", iErr)
		}

		if s.embedder != nil && s.embedder.Available() {
			vec, eErr := s.embedder.Embed(content)
			if eErr != nil {
				s.log.Warn().Err(eErr).Int64("pattern_id", id).Msg("embedding failed, pattern stored without it")
			} else {
				offset := s.index.append(id, vec)
				if _, uErr := s.db.ExecContext(ctx,
					`UPDATE patterns SET embedding = ?, embedding_id = ? WHERE id = ?`,
					encodeEmbedding(vec), offset, id,
				); uErr != nil {
					return 0, fmt.Errorf("patternstore: persist embedding: %w", uErr)
				}
			}
		}

		return id, nil

	default:
		return 0, fmt.Errorf("patternstore: lookup pattern: %w", err)
	}
}

// SearchPatterns implements the hybrid structured+semantic query. When
// semantic is requested and an embedding provider is available, it first
// retrieves up to 2*limit nearest-neighbor candidates by cosine similarity
// on content (an exact scan of the in-process index), then filters and orders those candidates through
// the structured store; otherwise it runs the structured query alone.
func (s *Store) SearchPatterns(ctx context.Context, query, patternType string, minConfidence float64, limit int, semantic bool) ([]Pattern, error) {
	if limit <= 0 {
		limit = 10
	}

	if semantic && query != "" && s.embedder != nil && s.embedder.Available() && s.index.size() > 0 {
		vec, err := s.embedder.Embed(query)
		if err != nil {
			return nil, fmt.Errorf("patternstore: embed query: %w", err)
		}
		candidates := s.index.search(vec, 2*limit)
		ids := make([]int64, len(candidates))
		for i, c := range candidates {
			ids[i] = c.patternID
		}
		return s.filterByIDs(ctx, ids, patternType, minConfidence, limit)
	}

	return s.structuredSearch(ctx, patternType, minConfidence, limit)
}

func (s *Store) structuredSearch(ctx context.Context, patternType string, minConfidence float64, limit int) ([]Pattern, error) {
	q := `SELECT id, pattern_type, pattern_name, content, confidence, evidence_count, times_seen,
	       times_successful, metadata, embedding_id, created_at, last_seen
	       FROM patterns WHERE confidence >= ?`
	args := []any{minConfidence}
	if patternType != "" {
		q += ` AND pattern_type = ?`
		args = append(args, patternType)
	}
	q += ` ORDER BY confidence DESC, times_seen DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("patternstore: search: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

func (s *Store) filterByIDs(ctx context.Context, ids []int64, patternType string, minConfidence float64, limit int) ([]Pattern, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	q := `SELECT id, pattern_type, pattern_name, content, confidence, evidence_count, times_seen,
	       times_successful, metadata, embedding_id, created_at, last_seen
	       FROM patterns WHERE id IN (` + joinPlaceholders(placeholders) + `) AND confidence >= ?`
	args = append(args, minConfidence)
	if patternType != "" {
		q += ` AND pattern_type = ?`
		args = append(args, patternType)
	}
	q += ` ORDER BY confidence DESC, times_seen DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("patternstore: semantic filter: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

func joinPlaceholders(ps []string) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// UpdateSuccess records one outcome against id. A nonexistent id is a no-op.
func (s *Store) UpdateSuccess(ctx context.Context, id int64, success bool) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	if !success {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE patterns SET times_successful = times_successful + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("patternstore: update success: %w", err)
	}
	return nil
}

// GetPattern fetches one pattern row by id. The second return value is
// false when no such row exists.
func (s *Store) GetPattern(ctx context.Context, id int64) (Pattern, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pattern_type, pattern_name, content, confidence, evidence_count, times_seen,
		 times_successful, metadata, embedding_id, created_at, last_seen
		 FROM patterns WHERE id = ?`, id)

	var (
		p           Pattern
		metaJSON    sql.NullString
		embeddingID sql.NullInt64
		createdAt   string
		lastSeen    string
	)
	err := row.Scan(&p.ID, &p.PatternType, &p.PatternName, &p.Content, &p.Confidence,
		&p.EvidenceCount, &p.TimesSeen, &p.TimesSuccessful, &metaJSON, &embeddingID,
		&createdAt, &lastSeen)
	if err == sql.ErrNoRows {
		return Pattern{}, false, nil
	}
	if err != nil {
		return Pattern{}, false, fmt.Errorf("patternstore: get pattern: %w", err)
	}
	if metaJSON.Valid {
		if jErr := json.Unmarshal([]byte(metaJSON.String), &p.Metadata); jErr != nil {
			return Pattern{}, false, fmt.Errorf("patternstore: unmarshal metadata: %w", jErr)
		}
	}
	if embeddingID.Valid {
		p.EmbeddingID = &embeddingID.Int64
	}
	ts, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Pattern{}, false, fmt.Errorf("patternstore: parse created_at: %w", err)
	}
	p.CreatedAt = ts
	ls, err := time.Parse(timeLayout, lastSeen)
	if err != nil {
		return Pattern{}, false, fmt.Errorf("patternstore: parse last_seen: %w", err)
	}
	p.LastSeen = ls
	p.SuccessRate = successRate(p.TimesSuccessful, p.TimesSeen)
	return p, true, nil
}

// Stats summarizes the store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByType: map[string]int{}, EmbeddingAvailable: s.embedder != nil && s.embedder.Available(), IndexSize: s.index.size()}

	rows, err := s.db.QueryContext(ctx, `SELECT pattern_type, COUNT(*) FROM patterns GROUP BY pattern_type`)
	if err != nil {
		return stats, fmt.Errorf("patternstore: stats by type: %w", err)
	}
	total := 0
	for rows.Next() {
		var pt string
		var n int
		if err := rows.Scan(&pt, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByType[pt] = n
		total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}
	stats.TotalPatterns = total

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(confidence) FROM patterns`).Scan(&avg); err != nil {
		return stats, fmt.Errorf("patternstore: average confidence: %w", err)
	}
	stats.AverageConfidence = avg.Float64

	top, err := s.structuredSearch(ctx, "", 0, 5)
	if err != nil {
		return stats, err
	}
	stats.TopPatterns = top

	return stats, nil
}

func marshalMetadata(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanPatterns(rows *sql.Rows) ([]Pattern, error) {
	var out []Pattern
	for rows.Next() {
		var (
			p           Pattern
			metaJSON    sql.NullString
			embeddingID sql.NullInt64
			createdAt   string
			lastSeen    string
		)
		if err := rows.Scan(&p.ID, &p.PatternType, &p.PatternName, &p.Content, &p.Confidence,
			&p.EvidenceCount, &p.TimesSeen, &p.TimesSuccessful, &metaJSON, &embeddingID,
			&createdAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("patternstore: scan pattern: %w", err)
		}
		if metaJSON.Valid {
			if err := json.Unmarshal([]byte(metaJSON.String), &p.Metadata); err != nil {
				return nil, fmt.Errorf("patternstore: unmarshal metadata: %w", err)
			}
		}
		if embeddingID.Valid {
			p.EmbeddingID = &embeddingID.Int64
		}
		ts, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("patternstore: parse created_at: %w", err)
		}
		p.CreatedAt = ts
		ls, err := time.Parse(timeLayout, lastSeen)
		if err != nil {
			return nil, fmt.Errorf("patternstore: parse last_seen: %w", err)
		}
		p.LastSeen = ls
		p.SuccessRate = successRate(p.TimesSuccessful, p.TimesSeen)
		out = append(out, p)
	}
	return out, rows.Err()
}
