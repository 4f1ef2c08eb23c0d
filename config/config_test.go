package config_test

import (
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/offline-cache/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Sync.SweepInterval.D())
	assert.Equal(t, time.Second, cfg.Sync.SettleDelay.D())
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load([]byte(`
root: /data/offline
quotaBytes: 1048576
volatile:
  maxEntries: 50
responses:
  memoryTTL: 30s
  sliding: true
sync:
  sweepInterval: 1m
  settleDelay: 250ms
remote:
  baseURL: https://api.example/v1
`))
	require.NoError(t, err)

	assert.Equal(t, "/data/offline", cfg.Root)
	assert.Equal(t, int64(1<<20), cfg.QuotaBytes)
	assert.Equal(t, 50, cfg.Volatile.MaxEntries)
	assert.Equal(t, 30*time.Second, cfg.Responses.MemoryTTL.D())
	assert.Equal(t, 24*time.Hour, cfg.Responses.DurableTTL.D(), "unset fields keep defaults")
	assert.True(t, cfg.Responses.Sliding)
	assert.Equal(t, time.Minute, cfg.Sync.SweepInterval.D())
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.SettleDelay.D())
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, "https://api.example/v1", cfg.Remote.BaseURL)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad duration", yaml: "sync:\n  sweepInterval: soon\n"},
		{name: "zero retries", yaml: "sync:\n  maxRetries: 0\n"},
		{name: "negative capacity", yaml: "blob:\n  maxBytes: -1\n"},
		{name: "not yaml", yaml: "volatile: [unclosed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestLoadFile(t *testing.T) {
	fsys := billy.NewMemory()
	require.NoError(t, fsys.WriteFile("/etc/offline.yaml", []byte("sync:\n  maxRetries: 5\n"), 0o644))

	cfg, err := config.LoadFile(fsys, "/etc/offline.yaml")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)

	_, err = config.LoadFile(fsys, "/etc/missing.yaml")
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestDurationRoundTrip(t *testing.T) {
	var d config.Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"90s"`)))
	assert.Equal(t, 90*time.Second, d.D())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, time.Microsecond, d.D())
}
