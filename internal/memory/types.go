package memory

import (
	"context"
	"time"
)

// Role tells whether a memory came from the user or from the assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record is one stored fact or utterance owned by a single user.
type Record struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Text        string    `json:"text"`
	Role        Role      `json:"role"`
	PIIRedacted bool      `json:"pii_redacted"`
	Score       float64   `json:"score,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Embedding   []float32 `json:"-"`
}

// Payload is what a VectorStore keeps next to the vector.
type Payload struct {
	Text        string
	Role        Role
	PIIRedacted bool
	CreatedAt   time.Time
}

// VectorStore persists user-scoped vectors and answers nearest-neighbour queries.
// Implementations must never return or touch records of a user other than the one named.
type VectorStore interface {
	// Upsert stores a vector and returns the id assigned to it.
	Upsert(ctx context.Context, userID string, vector []float32, payload Payload) (string, error)
	// Query returns up to k records ordered by similarity, Score filled in.
	Query(ctx context.Context, userID string, vector []float32, k int) ([]Record, error)
	// List returns every record of the user in insertion order.
	List(ctx context.Context, userID string) ([]Record, error)
	// DeleteAll removes every record of the user.
	DeleteAll(ctx context.Context, userID string) error
	// Count reports how many records the user has.
	Count(ctx context.Context, userID string) (int, error)
	// Dimension is the vector size the store was configured with.
	Dimension() int
	Close() error
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
