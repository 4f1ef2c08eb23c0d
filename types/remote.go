package types

import (
	"context"
	"encoding/json"
	"net/http"
)

// Request describes one call to the remote service.
// It doubles as the ResponseCache descriptor, so two semantically identical
// requests must produce the same cache key.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what the remote service answered.
type Response struct {
	Status int
	Body   json.RawMessage
}

// OK reports whether the status is 2xx.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Remote is the contract between this layer and the remote service.
//
// Do returns an error only for transport failures (no connection, timeout).
// A non-2xx answer is returned as a Response and callers check OK.
type Remote interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// RemoteFunc adapts a plain function to the Remote interface.
type RemoteFunc func(ctx context.Context, req Request) (Response, error)

// Do calls f.
func (f RemoteFunc) Do(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
