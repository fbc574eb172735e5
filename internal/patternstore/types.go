package patternstore

import (
	_ "embed"
	"time"
)

//go:embed schema.sql
var schema string

// Pattern is one detected-behavior record, keyed by (PatternType, PatternName, Content).
type Pattern struct {
	ID              int64          `json:"id"`
	PatternType     string         `json:"pattern_type"`
	PatternName     string         `json:"pattern_name"`
	Content         string         `json:"content"`
	Confidence      float64        `json:"confidence"`
	EvidenceCount   int            `json:"evidence_count"`
	TimesSeen       int            `json:"times_seen"`
	TimesSuccessful int            `json:"times_successful"`
	SuccessRate     float64        `json:"success_rate"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	EmbeddingID     *int64         `json:"embedding_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastSeen        time.Time      `json:"last_seen"`
}

func successRate(successful, seen int) float64 {
	if seen <= 0 {
		return 0
	}
	s := successful
	if s > seen {
		s = seen
	}
	return float64(s) / float64(seen)
}

// Stats summarizes the whole store.
type Stats struct {
	TotalPatterns       int              `json:"total_patterns"`
	ByType              map[string]int   `json:"by_type"`
	AverageConfidence   float64          `json:"average_confidence"`
	TopPatterns         []Pattern        `json:"top_patterns"`
	EmbeddingAvailable  bool             `json:"embedding_available"`
	IndexSize           int              `json:"index_size"`
}

const timeLayout = time.RFC3339Nano
