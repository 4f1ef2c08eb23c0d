package remote

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenCacheRefreshesNearExpiry(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	c := NewTokenCache(func(ctx context.Context, aud string) (Token, error) {
		calls++
		return Token{Value: aud + "-tok", Expiry: now.Add(10 * time.Minute)}, nil
	})
	c.Now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tok, err := c.GetToken(context.Background(), "api.example")
		if err != nil || tok != "api.example-tok" {
			t.Fatalf("unexpected token %q, err %v", tok, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls)
	}

	now = now.Add(9*time.Minute + 30*time.Second)
	if _, err := c.GetToken(context.Background(), "api.example"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh within a minute of expiry, got %d fetches", calls)
	}

	c.Invalidate("api.example")
	if _, err := c.GetToken(context.Background(), "api.example"); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("expected fetch after invalidate, got %d", calls)
	}
}

func TestTokenCacheDoesNotCacheErrors(t *testing.T) {
	fail := true
	c := &TokenCache{Fetch: func(ctx context.Context, aud string) (Token, error) {
		if fail {
			return Token{}, errors.New("sts down")
		}
		return Token{Value: "ok"}, nil
	}}

	if _, err := c.GetToken(context.Background(), "a"); err == nil {
		t.Fatal("expected error")
	}
	fail = false
	tok, err := c.GetToken(context.Background(), "a")
	if err != nil || tok != "ok" {
		t.Fatalf("unexpected token %q, err %v", tok, err)
	}
}
