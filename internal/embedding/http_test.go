package embedding

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var texts []string
		switch v := req.Input.(type) {
		case string:
			texts = []string{v}
		case []any:
			for _, t := range v {
				texts = append(texts, t.(string))
			}
		}

		resp := embeddingResponse{}
		for i := range texts {
			vec := make([]float32, dims)
			vec[0] = float32(i + 1)
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: vec, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPProviderEmbed(t *testing.T) {
	srv := fakeServer(t, 4)
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "test-model", 4)
	require.True(t, p.Available())
	require.Equal(t, 4, p.Dimensions())

	vec, err := p.Embed("hello")
	require.NoError(t, err)
	require.Len(t, vec, 4)
}

func TestHTTPProviderEmbedBatch(t *testing.T) {
	srv := fakeServer(t, 4)
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "test-model", 4)
	vecs, err := p.EmbedBatch([]string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	require.Equal(t, float32(1), vecs[0][0])
	require.Equal(t, float32(2), vecs[1][0])
	require.Equal(t, float32(3), vecs[2][0])
}

func TestHTTPProviderDimensionMismatch(t *testing.T) {
	srv := fakeServer(t, 8)
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "test-model", 4)
	_, err := p.Embed("hello")
	require.Error(t, err)
}

func TestNoOpProvider(t *testing.T) {
	n := NewNoOp(384)
	require.False(t, n.Available())
	require.Equal(t, 384, n.Dimensions())
	_, err := n.Embed("x")
	require.Error(t, err)
}
