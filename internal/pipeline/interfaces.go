package pipeline

import (
	"context"

	"github.com/dudu/edgeguard/internal/detector"
)

// Matcher stores known embeddings and matches new ones against them
type Matcher interface {
	Enroll(ctx context.Context, e detector.Embedding) (int, error)
	Match(q *detector.Embedding) (bool, float32)
	Len() int
}

// StatusNotifier receives the recognition outcome, e.g. for a status display
type StatusNotifier interface {
	ShowMatch(matched bool)
}
