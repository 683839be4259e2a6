package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// UpstreamResponse defines the behavior for a mock upstream endpoint.
type UpstreamResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a configurable stand-in for a rate-limited remote API.
// Tests script per-path responses and inspect how many requests reached
// the server.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	requests int
}

// NewMockUpstream starts the mock server. Paths without a scripted
// handler answer 200 with an empty JSON object.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{
		handlers: make(map[string]http.HandlerFunc),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests++
		handler := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))

	return m
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// RequestCount returns the number of requests that reached the server.
func (m *MockUpstream) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

// Reset clears the request counter.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = 0
}

// SetHandler scripts a custom handler for a path.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse scripts a fixed response for a path.
func (m *MockUpstream) SetResponse(path string, resp UpstreamResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// FailThenSucceed scripts a handler that fails with failStatus for the
// first n requests to the path, then answers 200.
func (m *MockUpstream) FailThenSucceed(path string, n int, failStatus int) {
	var mu sync.Mutex
	count := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		current := count
		mu.Unlock()

		if current <= n {
			w.WriteHeader(failStatus)
			w.Write([]byte(`{"error": "upstream failure"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "ok"}`))
	})
}

// NewHealthyResponse builds a 200 response with the given body.
func NewHealthyResponse(body string) UpstreamResponse {
	return UpstreamResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewThrottleResponse builds a 429 carrying a Retry-After hint.
func NewThrottleResponse(retryAfter time.Duration) UpstreamResponse {
	return UpstreamResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Retry-After":  strconv.Itoa(int(retryAfter.Seconds())),
		},
	}
}

// NewServerErrorResponse builds a 500 response.
func NewServerErrorResponse() UpstreamResponse {
	return UpstreamResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}
