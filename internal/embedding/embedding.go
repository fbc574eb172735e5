// Package embedding provides the vector-embedding provider used by the
// pattern store's semantic search, with a graceful no-op fallback when no
// provider endpoint is configured.
package embedding

// Provider generates embeddings for text. Implementations may be local
// models or external services; the pattern store only depends on this
// interface, never on a concrete HTTP client.
type Provider interface {
	Embed(text string) ([]float32, error)
	EmbedBatch(texts []string) ([][]float32, error)
	Dimensions() int
	// Available reports whether this provider can actually serve requests.
	// The no-op provider always returns false so callers can degrade to
	// structured-only search instead of treating every call as an error.
	Available() bool
}
