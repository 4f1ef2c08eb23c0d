// Package config holds the knobs the embedding application can tune, with
// YAML loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
	"sigs.k8s.io/yaml"
)

// Duration is a time.Duration that reads and writes as "5m", "1s" and so on.
// Plain numbers are read as nanoseconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(err, errors.CodeInvalidConfig, "invalid duration %q", s)
		}
		*d = Duration(v)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Newf(errors.CodeInvalidConfig, "invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// Tier bounds one cache tier. Zero means unbounded.
type Tier struct {
	MaxEntries int   `json:"maxEntries,omitempty"`
	MaxBytes   int64 `json:"maxBytes,omitempty"`
}

// Responses holds the default response TTLs.
type Responses struct {
	MemoryTTL  Duration `json:"memoryTTL"`
	DurableTTL Duration `json:"durableTTL"`

	// Sliding makes every hit push a response's deadline forward by its
	// TTL instead of keeping the deadline fixed at write time.
	Sliding bool `json:"sliding,omitempty"`
}

// Sync holds the queue replay and monitor timings.
type Sync struct {
	MaxRetries    int      `json:"maxRetries"`
	SweepInterval Duration `json:"sweepInterval"`
	SettleDelay   Duration `json:"settleDelay"`
}

// Remote configures the HTTP client.
type Remote struct {
	BaseURL string   `json:"baseURL"`
	Timeout Duration `json:"timeout"`
}

// Config is the full set of knobs.
type Config struct {
	// Root is the directory the durable regions live under. Empty means a
	// directory under the user cache dir.
	Root string `json:"root,omitempty"`

	// QuotaBytes bounds the durable response cache. Zero means unbounded.
	QuotaBytes int64 `json:"quotaBytes"`

	Volatile  Tier      `json:"volatile"`
	Durable   Tier      `json:"durable"`
	Blob      Tier      `json:"blob"`
	Responses Responses `json:"responses"`
	Sync      Sync      `json:"sync"`
	Remote    Remote    `json:"remote"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		QuotaBytes: 50 << 20,
		Volatile:   Tier{MaxEntries: 500},
		Durable:    Tier{MaxEntries: 5000},
		Blob:       Tier{MaxEntries: 200, MaxBytes: 64 << 20},
		Responses: Responses{
			MemoryTTL:  Duration(5 * time.Minute),
			DurableTTL: Duration(24 * time.Hour),
		},
		Sync: Sync{
			MaxRetries:    3,
			SweepInterval: Duration(5 * time.Minute),
			SettleDelay:   Duration(time.Second),
		},
		Remote: Remote{Timeout: Duration(30 * time.Second)},
	}
}

// Load parses YAML (or JSON) over Default and validates the result.
func Load(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads name from fsys and passes it to Load.
func LoadFile(fsys core.FS, name string) (Config, error) {
	data, err := fsys.ReadFile(name)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", name)
	}
	return Load(data)
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.QuotaBytes >= 0, "quotaBytes must not be negative")
	for name, t := range map[string]Tier{"volatile": c.Volatile, "durable": c.Durable, "blob": c.Blob} {
		check(t.MaxEntries >= 0, "%s.maxEntries must not be negative", name)
		check(t.MaxBytes >= 0, "%s.maxBytes must not be negative", name)
	}
	check(c.Responses.MemoryTTL >= 0, "responses.memoryTTL must not be negative")
	check(c.Responses.DurableTTL >= 0, "responses.durableTTL must not be negative")
	check(c.Sync.MaxRetries > 0, "sync.maxRetries must be positive")
	check(c.Sync.SweepInterval > 0, "sync.sweepInterval must be positive")
	check(c.Sync.SettleDelay >= 0, "sync.settleDelay must not be negative")
	check(c.Remote.Timeout >= 0, "remote.timeout must not be negative")

	if len(problems) == 0 {
		return nil
	}
	return errors.WithContext(
		errors.Newf(errors.CodeInvalidConfig, "invalid config: %v", problems),
		"problems", problems)
}
