// Package remote is the net/http implementation of the remote service
// collaborator: JSON bodies, bearer tokens and base URL resolution.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/krisalay/offline-cache/types"
)

// DefaultTimeout bounds one request, including reading the body.
const DefaultTimeout = 30 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 32 << 20

// TokenSource returns a bearer token for the given audience.
type TokenSource interface {
	GetToken(ctx context.Context, aud string) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// GetToken returns t.
func (t StaticToken) GetToken(context.Context, string) (string, error) { return string(t), nil }

// Client issues requests against one base URL.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource adds "Authorization: Bearer" headers from ts.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for baseURL, which must be an absolute http(s) URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid base url %q", baseURL)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "base url %q must be an absolute http(s) url", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve turns a request URL into an absolute one. Absolute URLs are kept;
// anything else is appended to the base path.
func (c *Client) Resolve(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return c.base.String() + ref
}

/*
Do sends req and returns the status and body.

Only transport problems (including the timeout) are errors, wrapped with
CodeNetwork. Every HTTP status, 2xx or not, comes back as a Response.
*/
func (c *Client) Do(ctx context.Context, req types.Request) (types.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.Resolve(req.URL)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return types.Response{}, errors.Wrapf(err, errors.CodeInvalidInput, "build %s %s", method, target)
	}
	for name, values := range req.Header {
		for _, v := range values {
			hr.Header.Add(name, v)
		}
	}
	if len(req.Body) > 0 && hr.Header.Get("Content-Type") == "" {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		tok, err := c.tokens.GetToken(ctx, c.base.Host)
		if err != nil {
			return types.Response{}, errors.Wrap(err, errors.CodeNetwork, "get bearer token")
		}
		if tok != "" {
			hr.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	res, err := c.http.Do(hr)
	if err != nil {
		return types.Response{}, errors.Wrapf(err, errors.CodeNetwork, "%s %s", method, target)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return types.Response{}, errors.Wrapf(err, errors.CodeNetwork, "read %s %s", method, target)
	}

	c.logger.Debug("remote call", "method", method, "url", target, "status", res.StatusCode, "bytes", len(data))

	resp := types.Response{Status: res.StatusCode}
	if len(data) > 0 {
		resp.Body = json.RawMessage(data)
	}
	return resp, nil
}

// Fetch downloads raw bytes, for the blob tier. A non-2xx status is a
// CodeNetwork error.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	resp, err := c.Do(ctx, types.Request{Method: http.MethodGet, URL: ref})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, errors.Newf(errors.CodeNetwork, "GET %s: status %d", ref, resp.Status)
	}
	return resp.Body, nil
}
