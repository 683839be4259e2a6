// Package relayhttp implements the HTTP transport for the relay
// pipeline: requests execute over pooled *http.Client handles and
// upstream responses are classified into the shared error taxonomy.
package relayhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/socialrelay/socialrelay/pkg/client"
	apperrors "github.com/socialrelay/socialrelay/pkg/errors"
	"github.com/socialrelay/socialrelay/pkg/pool"
)

// Payload is one HTTP request to forward upstream.
type Payload struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Result is a successfully relayed upstream response.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport forwards relay payloads to a single upstream base URL.
type Transport struct {
	upstream string
}

// NewTransport creates a transport for the given upstream base URL
// (scheme and host, no trailing slash).
func NewTransport(upstream string) *Transport {
	return &Transport{upstream: upstream}
}

// Execute implements the client transport contract over the pooled
// HTTP handle carried by entry.
func (t *Transport) Execute(ctx context.Context, entry *pool.Entry, req client.Request) (any, error) {
	p, ok := req.Payload.(Payload)
	if !ok {
		return nil, apperrors.NewTransport(apperrors.KindClient, 0,
			fmt.Sprintf("unsupported payload type %T", req.Payload), nil)
	}
	httpClient, ok := entry.Conn().(*http.Client)
	if !ok {
		return nil, apperrors.NewTransport(apperrors.KindClient, 0,
			fmt.Sprintf("pooled conn is %T, want *http.Client", entry.Conn()), nil)
	}

	url := t.upstream + p.Path
	if p.Query != "" {
		url += "?" + p.Query
	}
	hreq, err := http.NewRequestWithContext(ctx, p.Method, url, bytes.NewReader(p.Body))
	if err != nil {
		return nil, apperrors.NewTransport(apperrors.KindClient, 0, "build upstream request", err)
	}
	copyForwardHeaders(hreq.Header, p.Header)

	resp, err := httpClient.Do(hreq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.NewTransport(apperrors.KindTimeout, 0, "upstream timeout", err)
		}
		return nil, apperrors.NewTransport(apperrors.KindNetwork, 0, "upstream request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransport(apperrors.KindNetwork, resp.StatusCode, "read upstream response", err)
	}

	if err := classifyStatus(resp.StatusCode, resp.Header); err != nil {
		return nil, err
	}
	return Result{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

// Dial returns a pool dial function creating one HTTP client per pool
// entry, each with its own connection cache.
func Dial(timeout time.Duration) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		return &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     90 * time.Second,
			},
		}, nil
	}
}

// CloseConn tears down a pooled HTTP client.
func CloseConn(conn any) error {
	if c, ok := conn.(*http.Client); ok {
		c.CloseIdleConnections()
	}
	return nil
}

// classifyStatus maps upstream status codes onto the error taxonomy.
// 2xx and 3xx pass through as results.
func classifyStatus(status int, header http.Header) error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewThrottle(status, ParseRetryAfter(header), "upstream throttled")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.NewTransport(apperrors.KindAuth, status, http.StatusText(status), nil)
	case status >= 500:
		return apperrors.NewTransport(apperrors.KindServer, status, http.StatusText(status), nil)
	case status >= 400:
		return apperrors.NewTransport(apperrors.KindClient, status, http.StatusText(status), nil)
	}
	return nil
}

// ParseRetryAfter reads a Retry-After header in either delay-seconds
// or HTTP-date form. Zero means no usable hint.
func ParseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// hop-by-hop headers never forward.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyForwardHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, skip := hopByHop[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
