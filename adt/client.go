// Package adt issues authenticated HTTP requests against a SAP ADT
// endpoint, handling CSRF token acquisition and session cookies per
// credential identity.
package adt

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workskong/mcp-abap-adt/config"
)

const csrfHeader = "x-csrf-token"

// Request describes one outbound ADT call.
type Request struct {
	URL         string
	Method      string
	Body        []byte
	ContentType string
	// Timeout overrides the client default when positive.
	Timeout     time.Duration
	Credentials config.Credentials
}

// Response is the raw relay result. Statuses below 500 are returned for
// inspection rather than converted to errors.
type Response struct {
	Status int
	Header http.Header
	Body   string
}

// OK reports whether the response status is a success the normalizer
// should render as-is.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 400
}

type Option func(*Client)

// WithHTTPClient substitutes the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithInsecureTLS disables certificate verification. ADT development
// systems commonly run with self-signed certificates.
func WithInsecureTLS() Option {
	return func(c *Client) {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
}

// Client relays requests to the ADT endpoint. Safe for concurrent use;
// CSRF/cookie state is partitioned per credential identity.
type Client struct {
	httpClient *http.Client
	sessions   *sessionStore
	timeout    time.Duration
	logger     *slog.Logger
}

func NewClient(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		httpClient: &http.Client{},
		sessions:   newSessionStore(),
		timeout:    config.DefaultTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func isMutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut
}

// Do performs one relay call. Mutating methods acquire a CSRF token
// first; a 403 whose body indicates CSRF rejection triggers exactly one
// token refetch and one retry.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	sess := c.sessions.get(req.Credentials)

	token := ""
	if isMutating(req.Method) {
		token = sess.token()
		if token == "" {
			var err error
			token, err = c.fetchCsrfToken(ctx, req, sess)
			if err != nil {
				return nil, &CsrfUnavailableError{Cause: err}
			}
		}
	}

	start := time.Now()
	resp, err := c.send(ctx, req, sess, token)
	if err != nil {
		c.logger.InfoContext(ctx, "adt request",
			"method", req.Method,
			"url", req.URL,
			"outcome", "error",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("adt request %s %s: %w", req.Method, req.URL, err)
	}

	if resp.Status == http.StatusForbidden && strings.Contains(resp.Body, "CSRF") {
		token, err = c.fetchCsrfToken(ctx, req, sess)
		if err != nil {
			return nil, &CsrfUnavailableError{Cause: err}
		}
		resp, err = c.send(ctx, req, sess, token)
		if err != nil {
			return nil, fmt.Errorf("adt request %s %s: %w", req.Method, req.URL, err)
		}
	}

	c.logger.InfoContext(ctx, "adt request",
		"method", req.Method,
		"url", req.URL,
		"outcome", "success",
		"status", resp.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.Status >= 500 {
		return nil, &HTTPError{Status: resp.Status, Body: resp.Body}
	}
	return resp, nil
}

// send issues the HTTP call once with fully built headers.
func (c *Client) send(ctx context.Context, req Request, sess *session, token string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(httpReq, req, sess, token)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   string(data),
	}, nil
}

func (c *Client) applyHeaders(httpReq *http.Request, req Request, sess *session, token string) {
	creds := req.Credentials
	httpReq.SetBasicAuth(creds.Username, creds.Password)
	httpReq.Header.Set("X-SAP-Client", creds.Client)
	if creds.Language != "" {
		httpReq.Header.Set("Accept-Language", creds.Language)
	}
	if cookie := sess.cookie(); cookie != "" {
		httpReq.Header.Set("Cookie", cookie)
	}
	if token != "" && isMutating(req.Method) {
		httpReq.Header.Set(csrfHeader, token)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
}

// fetchCsrfToken performs the token-fetch sub-request: a GET against the
// same URL with "x-csrf-token: fetch". ADT returns the token even on
// error responses, so the status code is ignored as long as the header
// is present. The token and any session cookie are cached.
func (c *Client) fetchCsrfToken(ctx context.Context, req Request, sess *session) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", err
	}
	creds := req.Credentials
	httpReq.SetBasicAuth(creds.Username, creds.Password)
	httpReq.Header.Set("X-SAP-Client", creds.Client)
	if creds.Language != "" {
		httpReq.Header.Set("Accept-Language", creds.Language)
	}
	httpReq.Header.Set(csrfHeader, "fetch")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("token fetch: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()
	_, _ = io.Copy(io.Discard, httpResp.Body)

	token := httpResp.Header.Get(csrfHeader)
	if token == "" || token == "fetch" {
		return "", fmt.Errorf("no CSRF token in response headers (status %d)", httpResp.StatusCode)
	}
	sess.setToken(token, joinCookies(httpResp.Header.Values("Set-Cookie")))
	return token, nil
}

// joinCookies reduces Set-Cookie headers to a Cookie header value.
func joinCookies(setCookies []string) string {
	pairs := make([]string, 0, len(setCookies))
	for _, sc := range setCookies {
		if i := strings.Index(sc, ";"); i >= 0 {
			sc = sc[:i]
		}
		sc = strings.TrimSpace(sc)
		if sc != "" {
			pairs = append(pairs, sc)
		}
	}
	return strings.Join(pairs, "; ")
}
