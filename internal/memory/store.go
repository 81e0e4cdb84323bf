package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/recall/internal/policy"
	"github.com/antoniostano/recall/internal/reliability"
)

const (
	DefaultSearchLimit    = 5
	DefaultMinScore       = 0.3
	DefaultDeleteAttempts = 4
	candidateFactor       = 2
	maxCandidates         = 1024
)

// Options tune a Store.
type Options struct {
	// MinScore drops search hits below this similarity. Zero keeps everything
	// the backend returns.
	MinScore       float64
	RedactPII      bool
	DeleteAttempts int
	DeleteBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.DeleteAttempts <= 0 {
		o.DeleteAttempts = DefaultDeleteAttempts
	}
	if o.DeleteBackoff <= 0 {
		o.DeleteBackoff = 50 * time.Millisecond
	}
	return o
}

// AddOption customizes a single Add call.
type AddOption func(*addOptions)

type addOptions struct {
	role Role
}

// WithRole marks who authored the stored text. Defaults to RoleUser.
func WithRole(role Role) AddOption {
	return func(o *addOptions) {
		o.role = role
	}
}

// Store is the per-user long-term memory: it embeds text and keeps it in a VectorStore.
type Store struct {
	embedder Embedder
	vectors  VectorStore
	opts     Options

	mu       sync.Mutex
	lastTime time.Time
}

// NewStore fails with a DimensionMismatch when the embedder's known output size does not
// match the vector store.
func NewStore(embedder Embedder, vectors VectorStore, opts Options) (*Store, error) {
	if embedder == nil || vectors == nil {
		return nil, reliability.InvalidConfig("memory store needs an embedder and a vector store")
	}
	if vectors.Dimension() <= 0 {
		return nil, reliability.InvalidConfig("vector store dimension must be positive, got %d", vectors.Dimension())
	}
	if sized, ok := embedder.(interface{ Dimensions() int }); ok {
		if d := sized.Dimensions(); d > 0 && d != vectors.Dimension() {
			return nil, reliability.DimensionMismatch("embedder", d, vectors.Dimension())
		}
	}
	return &Store{
		embedder: embedder,
		vectors:  vectors,
		opts:     opts.withDefaults(),
	}, nil
}

// Add embeds text and stores it for userID. It is a single attempt; callers decide
// whether a failure matters.
func (s *Store) Add(ctx context.Context, text, userID string, opts ...AddOption) (Record, error) {
	options := addOptions{role: RoleUser}
	for _, opt := range opts {
		opt(&options)
	}
	if strings.TrimSpace(text) == "" {
		return Record{}, reliability.InvalidConfig("memory text must not be empty")
	}
	if strings.TrimSpace(userID) == "" {
		return Record{}, reliability.InvalidConfig("user id must not be empty")
	}

	redacted := false
	if s.opts.RedactPII {
		text, redacted = policy.RedactPII(text)
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		return Record{}, err
	}

	payload := Payload{
		Text:        text,
		Role:        options.role,
		PIIRedacted: redacted,
		CreatedAt:   s.now(),
	}
	id, err := s.vectors.Upsert(ctx, userID, vec, payload)
	if err != nil {
		return Record{}, fmt.Errorf("store memory: %w", backendError("vector store", err))
	}

	return Record{
		ID:          id,
		UserID:      userID,
		Text:        payload.Text,
		Role:        payload.Role,
		PIIRedacted: redacted,
		CreatedAt:   payload.CreatedAt,
		Embedding:   vec,
	}, nil
}

// Search returns at most k records of userID, most similar first; on equal similarity the
// more recent record wins. No hits is an empty slice, not an error.
func (s *Store) Search(ctx context.Context, query, userID string, k int) ([]Record, error) {
	if k <= 0 {
		return nil, reliability.InvalidConfig("search limit must be positive, got %d", k)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, reliability.InvalidConfig("user id must not be empty")
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// Over-fetch so records tied at the cut are ranked by recency here rather than by
	// whatever order the backend happened to return them in. While the tie reaches past
	// the fetched window, widen it.
	limit := k * candidateFactor
	var hits []Record
	for {
		hits, err = s.vectors.Query(ctx, userID, vec, limit)
		if err != nil {
			return nil, fmt.Errorf("query memories: %w", backendError("vector store", err))
		}
		if limit >= maxCandidates || !tiedAtCut(hits, k, limit) {
			break
		}
		limit = min(limit*2, maxCandidates)
	}

	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		if h.UserID != "" && h.UserID != userID {
			continue
		}
		if s.opts.MinScore > 0 && h.Score < s.opts.MinScore {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// tiedAtCut reports whether a full window of hits may hide more records with the same
// score as the k-th best one.
func tiedAtCut(hits []Record, k, limit int) bool {
	if len(hits) < limit || len(hits) <= k {
		return false
	}
	scores := make([]float64, len(hits))
	for i, h := range hits {
		scores[i] = h.Score
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	return scores[k-1] == scores[len(scores)-1]
}

// GetAll lists every record of userID in insertion order.
func (s *Store) GetAll(ctx context.Context, userID string) ([]Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, reliability.InvalidConfig("user id must not be empty")
	}
	recs, err := s.vectors.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", backendError("vector store", err))
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

// Delete removes every record of userID. It only returns nil once the backend reports
// no records left; deleting an empty user succeeds.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return reliability.InvalidConfig("user id must not be empty")
	}

	var lastErr error
	for attempt := 0; attempt < s.opts.DeleteAttempts; attempt++ {
		if attempt > 0 {
			if err := reliability.Wait(ctx, attempt-1, s.opts.DeleteBackoff, 2*time.Second); err != nil {
				return err
			}
		}

		if err := s.vectors.DeleteAll(ctx, userID); err != nil {
			lastErr = err
			continue
		}
		n, err := s.vectors.Count(ctx, userID)
		if err != nil {
			lastErr = err
			continue
		}
		if n == 0 {
			return nil
		}
		lastErr = fmt.Errorf("%d memories still present after delete", n)
	}
	return fmt.Errorf("delete memories: %w", backendError("vector store", lastErr))
}

func (s *Store) Close() error {
	return s.vectors.Close()
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", backendError("embedder", err))
	}
	if len(vec) != s.vectors.Dimension() {
		return nil, reliability.DimensionMismatch("embedder", len(vec), s.vectors.Dimension())
	}
	return vec, nil
}

// now hands out strictly increasing timestamps so insertion order survives backends that
// only keep the creation time.
func (s *Store) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.Now().UTC()
	if !t.After(s.lastTime) {
		t = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = t
	return t
}

func backendError(backend string, err error) error {
	if err == nil {
		return reliability.Unavailable(backend, errors.New("unknown failure"))
	}
	classified := reliability.Classify(backend, 0, err)
	switch reliability.KindOf(classified) {
	case reliability.KindUnknown:
		return reliability.Unavailable(backend, err)
	default:
		return classified
	}
}
