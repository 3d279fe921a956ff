package adapter

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultValidationTimeout = 10 * time.Second

// Option configures the HTTP behaviour of the built-in adapters.
type Option func(*httpSettings)

type httpSettings struct {
	client  *http.Client
	baseURL string
}

// WithHTTPClient replaces the client used for validation and provisioning calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *httpSettings) {
		s.client = c
	}
}

// WithBaseURL points the adapter at a different API root, e.g. an httptest server.
func WithBaseURL(u string) Option {
	return func(s *httpSettings) {
		s.baseURL = strings.TrimRight(u, "/")
	}
}

func newHTTPSettings(defaultBase string, opts []Option) httpSettings {
	s := httpSettings{
		client:  &http.Client{Timeout: defaultValidationTimeout},
		baseURL: defaultBase,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// probe issues an authenticated GET and reports whether the provider
// answered with a 2xx status. Any transport failure counts as false.
func (s httpSettings) probe(ctx context.Context, path string, headers map[string]string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
