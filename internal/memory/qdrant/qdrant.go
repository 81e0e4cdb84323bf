package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/reliability"
)

const (
	backendName    = "vector store"
	scrollPageSize = 256
)

// Config locates a Qdrant collection over its REST API.
type Config struct {
	// URL is the REST base, e.g. http://localhost:6333.
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// Store keeps every user in one collection and scopes each call with a user_id filter.
type Store struct {
	cfg    Config
	client *http.Client
}

var _ memory.VectorStore = (*Store)(nil)

// New connects to Qdrant and makes sure the collection exists with the configured vector
// size. An existing collection with another size is a DimensionMismatch.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.URL == "" {
		return nil, reliability.InvalidConfig("qdrant url is required")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, reliability.InvalidConfig("qdrant url %q: %v", cfg.URL, err)
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, reliability.InvalidConfig("qdrant collection is required")
	}
	if cfg.Dimension <= 0 {
		return nil, reliability.InvalidConfig("qdrant vector size must be positive, got %d", cfg.Dimension)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	s := &Store{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Dimension() int { return s.cfg.Dimension }

func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Store) Upsert(ctx context.Context, userID string, vector []float32, payload memory.Payload) (string, error) {
	if len(vector) != s.cfg.Dimension {
		return "", reliability.DimensionMismatch(backendName, len(vector), s.cfg.Dimension)
	}
	id := uuid.NewString()
	req := map[string]any{
		"points": []map[string]any{{
			"id":     id,
			"vector": vector,
			"payload": map[string]any{
				"user_id":      userID,
				"text":         payload.Text,
				"role":         string(payload.Role),
				"pii_redacted": payload.PIIRedacted,
				"created_at":   payload.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		}},
	}

	var rsp envelope[json.RawMessage]
	if err := s.do(ctx, http.MethodPut, s.pointsPath("")+"?wait=true", req, &rsp); err != nil {
		return "", err
	}
	if err := rsp.Status.err(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Query(ctx context.Context, userID string, vector []float32, k int) ([]memory.Record, error) {
	if k < 1 {
		return nil, nil
	}
	if len(vector) != s.cfg.Dimension {
		return nil, reliability.DimensionMismatch(backendName, len(vector), s.cfg.Dimension)
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"filter":       userFilter(userID),
	}

	var rsp envelope[[]point]
	if err := s.do(ctx, http.MethodPost, s.pointsPath("/search"), req, &rsp); err != nil {
		return nil, err
	}
	if err := rsp.Status.err(); err != nil {
		return nil, err
	}

	out := make([]memory.Record, 0, len(rsp.Result))
	for _, p := range rsp.Result {
		rec := p.record()
		if rec.UserID != userID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, userID string) ([]memory.Record, error) {
	var out []memory.Record
	var offset json.RawMessage
	for {
		req := map[string]any{
			"filter":       userFilter(userID),
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if len(offset) > 0 {
			req["offset"] = offset
		}

		var rsp envelope[scrollResult]
		if err := s.do(ctx, http.MethodPost, s.pointsPath("/scroll"), req, &rsp); err != nil {
			return nil, err
		}
		if err := rsp.Status.err(); err != nil {
			return nil, err
		}
		for _, p := range rsp.Result.Points {
			if rec := p.record(); rec.UserID == userID {
				out = append(out, rec)
			}
		}

		next := bytes.TrimSpace(rsp.Result.NextPageOffset)
		if len(next) == 0 || bytes.Equal(next, []byte("null")) {
			break
		}
		offset = next
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteAll(ctx context.Context, userID string) error {
	req := map[string]any{"filter": userFilter(userID)}
	var rsp envelope[json.RawMessage]
	if err := s.do(ctx, http.MethodPost, s.pointsPath("/delete")+"?wait=true", req, &rsp); err != nil {
		return err
	}
	return rsp.Status.err()
}

func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	req := map[string]any{
		"filter": userFilter(userID),
		"exact":  true,
	}
	var rsp envelope[struct {
		Count int `json:"count"`
	}]
	if err := s.do(ctx, http.MethodPost, s.pointsPath("/count"), req, &rsp); err != nil {
		return 0, err
	}
	if err := rsp.Status.err(); err != nil {
		return 0, err
	}
	return rsp.Result.Count, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	var info envelope[collectionInfo]
	err := s.do(ctx, http.MethodGet, s.collectionPath(), nil, &info)

	var httpErr *statusError
	switch {
	case err == nil:
		size := info.Result.Config.Params.Vectors.Size
		if size != 0 && size != s.cfg.Dimension {
			return reliability.DimensionMismatch(backendName, s.cfg.Dimension, size)
		}
		return nil
	case errors.As(err, &httpErr) && httpErr.code == http.StatusNotFound:
	default:
		return err
	}

	req := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.Dimension,
			"distance": "Cosine",
		},
	}
	var rsp envelope[json.RawMessage]
	if err := s.do(ctx, http.MethodPut, s.collectionPath(), req, &rsp); err != nil {
		return fmt.Errorf("create collection %s: %w", s.cfg.Collection, err)
	}
	return rsp.Status.err()
}

func (s *Store) collectionPath() string {
	return "/collections/" + url.PathEscape(s.cfg.Collection)
}

func (s *Store) pointsPath(suffix string) string {
	return s.collectionPath() + "/points" + suffix
}

func (s *Store) do(ctx context.Context, method, path string, req, rsp any) error {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL+path, body)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		request.Header.Set("api-key", s.cfg.APIKey)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return reliability.Classify(backendName, 0, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 16<<20))
	if err != nil {
		return reliability.Unavailable(backendName, err)
	}
	if response.StatusCode >= 400 {
		serr := &statusError{code: response.StatusCode, body: strings.TrimSpace(string(payload))}
		if reliability.IsRetryableHTTPStatus(response.StatusCode) {
			return reliability.Unavailable(backendName, serr)
		}
		return serr
	}
	if rsp != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, rsp); err != nil {
			return fmt.Errorf("decode qdrant response: %w", err)
		}
	}
	return nil
}

func userFilter(userID string) map[string]any {
	return map[string]any{
		"must": []map[string]any{{
			"key":   "user_id",
			"match": map[string]any{"value": userID},
		}},
	}
}
