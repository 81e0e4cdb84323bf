package qdrant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/recall/internal/memory"
)

type envelope[T any] struct {
	Status status `json:"status"`
	Result T      `json:"result"`
}

// status is either the string "ok" or an object carrying an error.
type status struct {
	State string
	Error string
}

func (s *status) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.State = strings.ToLower(v)
		return nil
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Error != "" {
		s.State = "error"
		s.Error = obj.Error
	}
	return nil
}

func (s status) err() error {
	if s.State == "error" {
		return errors.New("qdrant: " + s.Error)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant http %d: %s", e.code, e.body)
}

type collectionInfo struct {
	Config struct {
		Params struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

type scrollResult struct {
	Points         []point         `json:"points"`
	NextPageOffset json.RawMessage `json:"next_page_offset"`
}

type point struct {
	ID      pointID        `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// pointID accepts both UUID strings and unsigned integer ids.
type pointID string

func (p *pointID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*p = pointID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = pointID(n.String())
	return nil
}

func (p point) record() memory.Record {
	createdAt, _ := time.Parse(time.RFC3339Nano, payloadString(p.Payload, "created_at"))
	redacted, _ := p.Payload["pii_redacted"].(bool)
	return memory.Record{
		ID:          string(p.ID),
		UserID:      payloadString(p.Payload, "user_id"),
		Text:        payloadString(p.Payload, "text"),
		Role:        memory.Role(payloadString(p.Payload, "role")),
		PIIRedacted: redacted,
		Score:       p.Score,
		CreatedAt:   createdAt,
	}
}

func payloadString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
