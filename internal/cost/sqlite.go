package cost

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trinity-protocol/trinity/internal/sqliteutil"
)

//go:embed schema.sql
var schema string

// SQLiteBackend is the durable, single-file cost ledger backend.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sqliteutil.Open(path, schema)
	if err != nil {
		return nil, fmt.Errorf("cost: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Store(e Entry) error {
	var metaJSON sql.NullString
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("cost: marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(data), Valid: true}
	}
	var errStr sql.NullString
	if e.Error != "" {
		errStr = sql.NullString{String: e.Error, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO cost_entries (timestamp, operation, model, model_tier, tokens_in, tokens_out,
		 cost_usd, duration_seconds, success, metadata, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Operation, e.Model, string(e.ModelTier),
		e.TokensIn, e.TokensOut, e.CostUSD, e.DurationSeconds, boolToInt(e.Success), metaJSON, errStr,
	)
	if err != nil {
		return fmt.Errorf("cost: store entry: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) GetAll() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, operation, model, model_tier, tokens_in, tokens_out, cost_usd,
		 duration_seconds, success, metadata, error FROM cost_entries ORDER BY timestamp`,
	)
	if err != nil {
		return nil, fmt.Errorf("cost: get all: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			ts        string
			tier      string
			success   int
			metaJSON  sql.NullString
			errStr    sql.NullString
		)
		if err := rows.Scan(&ts, &e.Operation, &e.Model, &tier, &e.TokensIn, &e.TokensOut,
			&e.CostUSD, &e.DurationSeconds, &success, &metaJSON, &errStr); err != nil {
			return nil, fmt.Errorf("cost: scan entry: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("cost: parse timestamp: %w", err)
		}
		e.Timestamp = parsed
		e.ModelTier = ModelTier(tier)
		e.Success = success != 0
		if metaJSON.Valid {
			if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("cost: unmarshal metadata: %w", err)
			}
		}
		if errStr.Valid {
			e.Error = errStr.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
