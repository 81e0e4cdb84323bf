package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/antoniostano/recall/internal/reliability"
)

// InMemoryStore is a simple in-process vector store for local/dev use.
type InMemoryStore struct {
	mu        sync.RWMutex
	dimension int
	records   map[string][]Record
}

func NewInMemoryStore(dimension int) *InMemoryStore {
	return &InMemoryStore{
		dimension: dimension,
		records:   make(map[string][]Record),
	}
}

func (s *InMemoryStore) Upsert(_ context.Context, userID string, vector []float32, payload Payload) (string, error) {
	if len(vector) != s.dimension {
		return "", reliability.DimensionMismatch("memory", len(vector), s.dimension)
	}
	rec := Record{
		ID:          uuid.NewString(),
		UserID:      userID,
		Text:        payload.Text,
		Role:        payload.Role,
		PIIRedacted: payload.PIIRedacted,
		CreatedAt:   payload.CreatedAt,
		Embedding:   append([]float32(nil), vector...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = append(s.records[userID], rec)
	return rec.ID, nil
}

func (s *InMemoryStore) Query(_ context.Context, userID string, vector []float32, k int) ([]Record, error) {
	if k < 1 {
		return nil, nil
	}
	if len(vector) != s.dimension {
		return nil, reliability.DimensionMismatch("memory", len(vector), s.dimension)
	}

	s.mu.RLock()
	arr := s.records[userID]
	candidates := make([]Record, len(arr))
	copy(candidates, arr)
	s.mu.RUnlock()

	for i := range candidates {
		candidates[i].Score = CosineSimilarity(vector, candidates[i].Embedding)
	}
	// Later inserts sit later in the slice; reverse first so the stable sort keeps
	// the freshest record ahead on equal scores.
	for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (s *InMemoryStore) List(_ context.Context, userID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[userID]
	out := make([]Record, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) DeleteAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	return nil
}

func (s *InMemoryStore) Count(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[userID]), nil
}

func (s *InMemoryStore) Dimension() int { return s.dimension }

func (s *InMemoryStore) Close() error { return nil }
