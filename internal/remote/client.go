// Package remote is the HTTP client for the remote authority: batched
// pushes of queued mutations and pulls of authoritative records.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	"github.com/google/uuid"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout bounds a single remote call when no client is given.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps push response bodies.
	maxResponseBytes = 1024 * 1024

	// DefaultMaxFetchBytes caps fetch response bodies. A first fetch
	// returns the whole dataset, so the cap is far above push replies.
	DefaultMaxFetchBytes = 64 * 1024 * 1024

	// requestIDHeader carries a per-request UUID for server-side tracing.
	requestIDHeader = "X-Request-ID"
)

// Client talks to one remote endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   *url.URL
	logger     *slog.Logger
	now        func() time.Time

	maxFetchBytes int64
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaves
// the configured endpoint.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an HTTP client with the given per-call timeout
// and the same-host redirect policy.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates a client for endpoint. If httpClient is nil, a client
// with DefaultTimeout and a same-host redirect policy is created. An
// empty endpoint fails with ErrMissingEndpoint.
func NewClient(endpoint string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if endpoint == "" {
		return nil, syncerr.New(syncerr.KindServer, "remote client", syncerr.ErrMissingEndpoint)
	}

	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, syncerr.New(syncerr.KindServer, "remote client",
			fmt.Errorf("%w: invalid endpoint %q", syncerr.ErrMissingEndpoint, endpoint))
	}

	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		endpoint:   u,
		logger:     logger,
		now:        time.Now,

		maxFetchBytes: DefaultMaxFetchBytes,
	}, nil
}

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// SetMaxFetchBytes sets the largest fetch body accepted. Values below 1
// restore DefaultMaxFetchBytes.
func (c *Client) SetMaxFetchBytes(n int64) {
	if n < 1 {
		n = DefaultMaxFetchBytes
	}

	c.maxFetchBytes = n
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends one authenticated request and returns the 2xx response body.
// Failures are classified: transport errors are network, 401 is auth,
// any other non-2xx is server. A body longer than limit is a server
// error; it is never handed back truncated.
func (c *Client) do(ctx context.Context, op, method string, u *url.URL, token string, body []byte, limit int64) ([]byte, error) {
	if err := CheckToken(token, c.now()); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, syncerr.New(syncerr.KindUnknown, op, fmt.Errorf("creating request: %w", err))
	}

	reqID := uuid.NewString()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, reqID)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.New(syncerr.KindNetwork, op,
			fmt.Errorf("%w: %s %s: %v", syncerr.ErrAPIRequest, method, c.endpoint.Host, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, syncerr.New(syncerr.KindNetwork, op,
			fmt.Errorf("%w: reading response: %v", syncerr.ErrAPIRequest, err))
	}

	if int64(len(respBody)) > limit {
		return nil, syncerr.New(syncerr.KindServer, op,
			fmt.Errorf("%w: response exceeds %d bytes", syncerr.ErrAPIResponse, limit))
	}

	c.logger.Debug("remote call",
		slog.String("op", op),
		slog.String("request_id", reqID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, syncerr.New(syncerr.KindAuth, op,
			fmt.Errorf("%w: server returned 401", syncerr.ErrInvalidToken))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, syncerr.New(syncerr.KindServer, op,
			fmt.Errorf("%w: status %d: %s", syncerr.ErrAPIResponse, resp.StatusCode, sanitizeResponseBody(respBody)))
	}

	return respBody, nil
}
