package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/offline-cache/engine"
	"github.com/krisalay/offline-cache/expiration"
)

type countingMetrics struct {
	hits int
}

func (m *countingMetrics) Hit()      { m.hits++ }
func (m *countingMetrics) Miss()     {}
func (m *countingMetrics) Eviction() {}
func (m *countingMetrics) Expire()   {}
func (m *countingMetrics) Promote()  {}

func TestDefaultsAreNonNil(t *testing.T) {
	e := engine.NewCacheEngine(nil, nil, nil)
	require.NotNil(t, e.Expiration)
	require.NotNil(t, e.Metrics)
	require.NotNil(t, e.Now)
}

func TestNewEntryAppliesTTL(t *testing.T) {
	clk := engine.NewManualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	m := &countingMetrics{}
	e := engine.NewCacheEngine(&expiration.FixedTTL{Default: time.Minute}, m, clk.Now)

	withDefault := e.NewEntry("a", []byte("1"), 0)
	explicit := e.NewEntry("b", []byte("2"), time.Second)

	assert.Equal(t, clk.Now().Add(time.Minute), withDefault.ExpireAt)
	assert.Equal(t, clk.Now().Add(time.Second), explicit.ExpireAt)
	assert.Equal(t, int64(2), withDefault.SizeBytes)

	clk.Advance(2 * time.Second)
	assert.True(t, e.IsExpired(explicit))
	assert.False(t, e.IsExpired(withDefault))

	e.OnRead(withDefault)
	assert.Equal(t, clk.Now(), withDefault.LastAccessedAt)
	assert.Equal(t, 1, m.hits)
}
