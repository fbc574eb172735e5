package embedding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider talks to an OpenAI-compatible /embeddings endpoint, the same
// contract the teacher's LM Studio client speaks. It is generalized here to
// any compatible provider URL/model pair and to a fixed contract dimension
// rather than a dimension learned lazily from the first response.
type HTTPProvider struct {
	baseURL    string
	model      string
	client     *http.Client
	dimensions int
}

// NewHTTPProvider builds a provider against baseURL/model. dimensions is the
// contract dimensionality (384 for the pattern store); it is not inferred
// from responses so that a misconfigured provider fails loudly on first use
// rather than silently reshaping the vector index.
func NewHTTPProvider(baseURL, model string, dimensions int) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		model:      model,
		client:     &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}
}

type embeddingRequest struct {
	Input any    `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Available always returns true: an HTTPProvider was explicitly configured,
// so callers should surface request errors rather than silently degrading.
func (p *HTTPProvider) Available() bool { return true }

func (p *HTTPProvider) Dimensions() int { return p.dimensions }

func (p *HTTPProvider) Embed(text string) ([]float32, error) {
	vecs, err := p.request([]string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *HTTPProvider) EmbedBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.request(texts)
}

func (p *HTTPProvider) request(texts []string) ([][]float32, error) {
	var input any = texts
	if len(texts) == 1 {
		input = texts[0]
	}
	reqBody, err := json.Marshal(embeddingRequest{Input: input, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	resp, err := p.client.Post(p.baseURL+"/embeddings", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: provider returned %s: %s", resp.Status, string(body))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding: response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if len(v) != p.dimensions {
			return nil, fmt.Errorf("embedding: vector %d has dimension %d, want %d", i, len(v), p.dimensions)
		}
	}
	return out, nil
}
