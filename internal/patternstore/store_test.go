package patternstore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/trinity-protocol/trinity/internal/embedding"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Available() bool  { return true }
func (s *stubEmbedder) Dimensions() int  { return 4 }
func (s *stubEmbedder) Embed(text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 0}, nil
}
func (s *stubEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Property 4: pattern uniqueness — repeated store_pattern calls with the
// same key produce exactly one row.
func TestPatternUniqueness(t *testing.T) {
	s, err := New(":memory:", embedding.NewNoOp(4), testLogger())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	id1, err := s.StorePattern(ctx, "failure", "nil_deref", "NoneType error", 0.8, nil, 1)
	require.NoError(t, err)
	id2, err := s.StorePattern(ctx, "failure", "nil_deref", "NoneType error", 0.85, nil, 2)
	require.NoError(t, err)
	id3, err := s.StorePattern(ctx, "failure", "nil_deref", "NoneType error", 0.9, nil, 1)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.Equal(t, id1, id3)

	patterns, err := s.SearchPatterns(ctx, "", "", 0, 10, false)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	require.Equal(t, 3, patterns[0].TimesSeen)
	require.Equal(t, 4, patterns[0].EvidenceCount)
	require.InDelta(t, 0.9, patterns[0].Confidence, 1e-9)
}

// S6 — pattern dedupe + semantic retrieval.
func TestScenarioS6(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"payments module throws NoneType": {1, 0, 0, 0},
	}}
	s, err := New(":memory:", embedder, testLogger())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	var id int64
	for _, conf := range []float64{0.8, 0.85, 0.9} {
		id, err = s.StorePattern(ctx, "failure", "payments_none", "payments module throws NoneType", conf, nil, 1)
		require.NoError(t, err)
	}

	patterns, err := s.SearchPatterns(ctx, "", "", 0, 10, false)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	require.Equal(t, 3, patterns[0].TimesSeen)
	require.Equal(t, 3, patterns[0].EvidenceCount)
	require.InDelta(t, 0.9, patterns[0].Confidence, 1e-9)
	require.NotNil(t, patterns[0].EmbeddingID)
	require.Equal(t, id, patterns[0].ID)

	results, err := s.SearchPatterns(ctx, "payments module throws NoneType", "", 0.9, 5, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, id, results[0].ID)
}

func TestUpdateSuccessAndSuccessRate(t *testing.T) {
	s, err := New(":memory:", embedding.NewNoOp(4), testLogger())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	id, err := s.StorePattern(ctx, "opportunity", "cache_hit", "content", 0.7, nil, 1)
	require.NoError(t, err)

	require.NoError(t, s.UpdateSuccess(ctx, id, true))
	require.NoError(t, s.UpdateSuccess(ctx, id, false))
	require.NoError(t, s.UpdateSuccess(ctx, id, true))

	patterns, err := s.SearchPatterns(ctx, "", "", 0, 10, false)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	require.Equal(t, 2, patterns[0].TimesSuccessful)
	require.Equal(t, 1, patterns[0].TimesSeen)
	// min(2,1)/max(1,1) = 1.0, not 2.0 — the spec's resolved success_rate formula.
	require.InDelta(t, 1.0, patterns[0].SuccessRate, 1e-9)
}

// Boundary: update_success on unknown id is a no-op.
func TestUpdateSuccessUnknownID(t *testing.T) {
	s, err := New(":memory:", embedding.NewNoOp(4), testLogger())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.UpdateSuccess(context.Background(), 99999, true))
}

func TestGracefulDegradationWithoutEmbedder(t *testing.T) {
	s, err := New(":memory:", embedding.NewNoOp(4), testLogger())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.StorePattern(ctx, "failure", "x", "content", 0.8, nil, 1)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.False(t, stats.EmbeddingAvailable)
	require.Equal(t, 0, stats.IndexSize)
	require.Equal(t, 1, stats.TotalPatterns)

	// semantic=true with no provider available falls back to structured search.
	results, err := s.SearchPatterns(ctx, "content", "", 0, 5, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestIndexRebuildOnReopen(t *testing.T) {
	dir := t.TempDir() + "/patterns.db"
	embedder := &stubEmbedder{}

	s1, err := New(dir, embedder, testLogger())
	require.NoError(t, err)
	_, err = s1.StorePattern(context.Background(), "failure", "a", "content a", 0.8, nil, 1)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(dir, embedder, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	stats, err := s2.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.IndexSize)
}
