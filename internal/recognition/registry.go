// Package recognition keeps the enrolled face embeddings and matches new
// faces against them.
package recognition

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dudu/edgeguard/internal/detector"
)

// MatchThreshold is the Euclidean distance under which two embeddings
// belong to the same person
const MatchThreshold = 0.6

// Persister stores enrolled embeddings across restarts
type Persister interface {
	LoadEmbeddings(ctx context.Context) ([]detector.Embedding, error)
	SaveEmbedding(ctx context.Context, e detector.Embedding) error
}

// Registry is an append only list of enrolled embeddings. Enrollment is
// rare and the list small, so one mutex guards reads and writes.
type Registry struct {
	mu        sync.Mutex
	entries   []detector.Embedding
	threshold float32
	store     Persister
	log       logrus.FieldLogger
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(threshold float32, store Persister, log logrus.FieldLogger) *Registry {
	if threshold <= 0 {
		threshold = MatchThreshold
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		threshold: threshold,
		store:     store,
		log:       log.WithField("component", "registry"),
	}
}

// Load appends every persisted embedding and returns the new count
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return r.Len(), nil
	}
	saved, err := r.store.LoadEmbeddings(ctx)
	if err != nil {
		return r.Len(), fmt.Errorf("failed to load embeddings: %w", err)
	}

	r.mu.Lock()
	r.entries = append(r.entries, saved...)
	n := len(r.entries)
	r.mu.Unlock()

	r.log.WithField("enrolled", n).Info("registry loaded")
	return n, nil
}

// Enroll appends an embedding and returns the enrolled count. The entry
// stays enrolled in memory even when persisting it fails.
func (r *Registry) Enroll(ctx context.Context, e detector.Embedding) (int, error) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	n := len(r.entries)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveEmbedding(ctx, e); err != nil {
			return n, fmt.Errorf("failed to persist embedding: %w", err)
		}
	}
	return n, nil
}

// Match reports whether any enrolled embedding lies closer than the
// threshold, along with the smallest distance seen. An empty registry
// never matches.
func (r *Registry) Match(q *detector.Embedding) (bool, float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := float32(math.Inf(1))
	for i := range r.entries {
		if d := q.Distance(&r.entries[i]); d < best {
			best = d
		}
	}
	return best < r.threshold, best
}

// Len returns the number of enrolled embeddings
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
