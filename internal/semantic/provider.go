// Package semantic implements Acteon's SemanticMatch embedding
// capability. The capability is a narrow interface
// (eval.EmbeddingProvider) so an external embedding API can be assembled
// in at startup; this package supplies a deterministic local provider
// (hashed bag-of-words) good enough to exercise SemanticMatch in tests
// and for operators who have not configured an external embedder.
package semantic

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/penserai/acteon/infrastructure/cache"
)

const dimensions = 64

// LocalProvider embeds text by hashing lowercase word tokens into a
// fixed-size bag-of-words vector, and caches topic embeddings by name
// Text embeddings are additionally
// memoized through a TTL cache so repeated SemanticMatch evaluations of
// the same payload text skip the re-embed.
type LocalProvider struct {
	mu     sync.RWMutex
	topics map[string][]float64
	texts  *cache.TTLCache
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{
		topics: make(map[string][]float64),
		texts:  cache.NewTTLCache(10 * time.Minute),
	}
}

// RegisterTopic pins a topic name to the embedding of the given reference
// text, so TopicEmbedding is a cache lookup rather than a re-embed.
func (p *LocalProvider) RegisterTopic(topic, referenceText string) {
	emb := embed(referenceText)
	p.mu.Lock()
	p.topics[topic] = emb
	p.mu.Unlock()
}

func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	if cached, ok := p.texts.Get(ctx, text); ok {
		if vec, ok := cached.([]float64); ok {
			return vec, nil
		}
	}
	vec := embed(text)
	p.texts.Set(ctx, text, vec)
	return vec, nil
}

func (p *LocalProvider) TopicEmbedding(_ context.Context, topic string) ([]float64, error) {
	p.mu.RLock()
	emb, ok := p.topics[topic]
	p.mu.RUnlock()
	if ok {
		return emb, nil
	}
	// Fall back to embedding the topic name itself so an unregistered
	// topic still produces a stable (if weak) signal rather than an error.
	emb = embed(topic)
	p.mu.Lock()
	p.topics[topic] = emb
	p.mu.Unlock()
	return emb, nil
}

func embed(text string) []float64 {
	vec := make([]float64, dimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		idx := int(h.Sum32()) % dimensions
		if idx < 0 {
			idx += dimensions
		}
		vec[idx]++
	}
	return vec
}
