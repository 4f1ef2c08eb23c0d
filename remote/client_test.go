package remote_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/offline-cache/remote"
	"github.com/krisalay/offline-cache/types"
)

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, base := range []string{"", "api.example", "ftp://api.example", "://"} {
		_, err := remote.New(base)
		require.Error(t, err, base)
		assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err), base)
	}
}

func TestResolve(t *testing.T) {
	c, err := remote.New("https://api.example/v1/")
	require.NoError(t, err)

	assert.Equal(t, "https://api.example/v1/reminders", c.Resolve("/reminders"))
	assert.Equal(t, "https://api.example/v1/reminders", c.Resolve("reminders"))
	assert.Equal(t, "https://cdn.example/a.png", c.Resolve("https://cdn.example/a.png"))
}

func TestDo(t *testing.T) {
	var gotAuth, gotType, gotBody, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotPath = r.Method + " " + r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		if r.URL.Path == "/api/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"srv-1"}`))
	}))
	defer srv.Close()

	c, err := remote.New(srv.URL+"/api", remote.WithTokenSource(remote.StaticToken("secret")))
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), types.Request{
		Method: http.MethodPost,
		URL:    "/reminders",
		Body:   []byte(`{"name":"aspirin"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.True(t, resp.OK())
	assert.JSONEq(t, `{"id":"srv-1"}`, string(resp.Body))
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "POST /api/reminders", gotPath)
	assert.Equal(t, `{"name":"aspirin"}`, gotBody)

	resp, err = c.Do(context.Background(), types.Request{URL: "/missing"})
	require.NoError(t, err, "non-2xx is not a transport error")
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.False(t, resp.OK())
	assert.Nil(t, resp.Body)
}

func TestDo_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := remote.New(srv.URL, remote.WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	require.NoError(t, err)

	_, err = c.Do(context.Background(), types.Request{URL: "/slow"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNetwork, errors.GetCode(err))
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/ok.png" {
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := remote.New(srv.URL)
	require.NoError(t, err)

	data, err := c.Fetch(context.Background(), srv.URL+"/img/ok.png")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)

	_, err = c.Fetch(context.Background(), "/img/broken.png")
	assert.Equal(t, errors.CodeNetwork, errors.GetCode(err))
}
