package health

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const DefaultTimeout = 3 * time.Second

// Probe reports whether an Ollama-style endpoint answers GET /api/tags with 200.
func Probe(ctx context.Context, endpoint string, timeout time.Duration) bool {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if base == "" {
		return false
	}
	base = strings.TrimSuffix(base, "/v1")
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return false
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}
