package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/reliability"
)

const (
	backendName = "vector store"
	indexFile   = "entries_index.json"
)

// Store is an embedded chromem-go database with one collection per user.
type Store struct {
	db         *chromem.DB
	dimension  int
	persistDir string // empty for in-memory

	mu      sync.RWMutex
	entries map[string][]memory.Record
}

var _ memory.VectorStore = (*Store)(nil)

// New opens a persistent store under dir, or an in-memory one when dir is empty.
func New(dir string, dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, reliability.InvalidConfig("vector dimension must be positive, got %d", dimension)
	}

	s := &Store{
		dimension:  dimension,
		persistDir: dir,
		entries:    make(map[string][]memory.Record),
	}
	if dir == "" {
		s.db = chromem.NewDB()
		return s, nil
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, reliability.Unavailable(backendName, fmt.Errorf("open chromem db: %w", err))
	}
	s.db = db
	if err := s.loadIndex(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("chromem: ignoring unreadable entry index: %v", err)
	}
	return s, nil
}

func (s *Store) Dimension() int { return s.dimension }

func (s *Store) Close() error { return nil }

func (s *Store) Upsert(ctx context.Context, userID string, vector []float32, payload memory.Payload) (string, error) {
	if len(vector) != s.dimension {
		return "", reliability.DimensionMismatch(backendName, len(vector), s.dimension)
	}
	col, err := s.collection(userID)
	if err != nil {
		return "", err
	}

	rec := memory.Record{
		ID:          uuid.NewString(),
		UserID:      userID,
		Text:        payload.Text,
		Role:        payload.Role,
		PIIRedacted: payload.PIIRedacted,
		CreatedAt:   payload.CreatedAt,
	}
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: append([]float32(nil), vector...),
		Metadata: map[string]string{
			"user_id":      userID,
			"role":         string(rec.Role),
			"pii_redacted": strconv.FormatBool(rec.PIIRedacted),
			"created_at":   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}

	s.mu.Lock()
	s.entries[userID] = append(s.entries[userID], rec)
	s.mu.Unlock()
	s.saveIndex()
	return rec.ID, nil
}

func (s *Store) Query(ctx context.Context, userID string, vector []float32, k int) ([]memory.Record, error) {
	if k < 1 {
		return nil, nil
	}
	if len(vector) != s.dimension {
		return nil, reliability.DimensionMismatch(backendName, len(vector), s.dimension)
	}
	col := s.db.GetCollection(collectionName(userID), nil)
	if col == nil {
		return nil, nil
	}
	// chromem rejects nResults above the collection size.
	n := k
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make([]memory.Record, 0, len(results))
	for _, r := range results {
		out = append(out, recordFromResult(userID, r))
	}
	return out, nil
}

func (s *Store) List(_ context.Context, userID string) ([]memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.entries[userID]
	out := make([]memory.Record, len(arr))
	copy(out, arr)
	return out, nil
}

// DeleteAll drops the user's collection.
func (s *Store) DeleteAll(_ context.Context, userID string) error {
	if err := s.db.DeleteCollection(collectionName(userID)); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
	s.saveIndex()
	return nil
}

func (s *Store) Count(_ context.Context, userID string) (int, error) {
	col := s.db.GetCollection(collectionName(userID), nil)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

func (s *Store) collection(userID string) (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(collectionName(userID), map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("get or create collection: %w", err)
	}
	return col, nil
}

func collectionName(userID string) string {
	return "memories_" + userID
}

func recordFromResult(userID string, r chromem.Result) memory.Record {
	createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
	redacted, _ := strconv.ParseBool(r.Metadata["pii_redacted"])
	return memory.Record{
		ID:          r.ID,
		UserID:      userID,
		Text:        r.Content,
		Role:        memory.Role(r.Metadata["role"]),
		PIIRedacted: redacted,
		Score:       float64(r.Similarity),
		CreatedAt:   createdAt,
	}
}

func (s *Store) indexPath() string {
	if s.persistDir == "" {
		return ""
	}
	return filepath.Join(s.persistDir, indexFile)
}

func (s *Store) saveIndex() {
	path := s.indexPath()
	if path == "" {
		return
	}
	s.mu.RLock()
	data, err := json.Marshal(s.entries)
	s.mu.RUnlock()
	if err != nil {
		log.Printf("chromem: encode entry index: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("chromem: write entry index: %v", err)
	}
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, &s.entries)
}
