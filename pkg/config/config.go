// Package config is the explicit configuration surface: one struct built at
// startup and passed down. No package-level state, no hidden globals.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

// Config holds motor configuration.
type Config struct {
	LogLevel string

	// Admission
	DefaultVerdictPolicy contracts.DefaultPolicy // required, no default
	SigningKeySeed       string                  // hex ed25519 seed; empty disables span signing

	// Simulation
	PromoteThreshold float64
	RejectThreshold  float64
	MaxRounds        int
	RoundTimeout     time.Duration

	// Triggers
	TriggerCooldownDefault time.Duration

	// Storage
	TimelinePath string // SQLite file; empty selects the in-memory store
	ResultsDSN   string // Postgres DSN; empty selects the in-memory store
	RedisAddr    string // empty selects the in-process cooldown store

	// Archive
	ArchiveBucket string
	ArchiveRegion string
}

// Load reads configuration from environment variables. A set but malformed
// value is an error, never a silent fallback. Validate must still be called
// before use.
func Load() (*Config, error) {
	var p envParser
	c := &Config{
		LogLevel:               getEnv("LOG_LEVEL", "INFO"),
		DefaultVerdictPolicy:   contracts.DefaultPolicy(os.Getenv("DEFAULT_VERDICT_POLICY")),
		SigningKeySeed:         os.Getenv("SIGNING_KEY_SEED"),
		PromoteThreshold:       p.float("PROMOTE_THRESHOLD", 0.8),
		RejectThreshold:        p.float("REJECT_THRESHOLD", 0.2),
		MaxRounds:              p.int("MAX_ROUNDS", 10),
		RoundTimeout:           p.duration("ROUND_TIMEOUT", 30*time.Second),
		TriggerCooldownDefault: p.duration("TRIGGER_COOLDOWN_DEFAULT", time.Minute),
		TimelinePath:           os.Getenv("TIMELINE_PATH"),
		ResultsDSN:             os.Getenv("RESULTS_DSN"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		ArchiveBucket:          os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:          getEnv("ARCHIVE_REGION", "us-east-1"),
	}
	if p.err != nil {
		return nil, p.err
	}
	return c, nil
}

// Validate rejects unusable configuration. The default verdict policy has no
// fallback: deployments must state it.
func (c *Config) Validate() error {
	if !c.DefaultVerdictPolicy.Valid() {
		return motorerr.New(motorerr.KindValidation,
			"DEFAULT_VERDICT_POLICY must be accept or reject").
			With("value", string(c.DefaultVerdictPolicy))
	}
	if c.PromoteThreshold <= c.RejectThreshold {
		return motorerr.New(motorerr.KindValidation, "promote threshold must exceed reject threshold").
			With("promote", strconv.FormatFloat(c.PromoteThreshold, 'f', -1, 64)).
			With("reject", strconv.FormatFloat(c.RejectThreshold, 'f', -1, 64))
	}
	if c.MaxRounds <= 0 {
		return motorerr.New(motorerr.KindValidation, "max rounds must be positive").
			With("value", strconv.Itoa(c.MaxRounds))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envParser accumulates the first parse failure so Load reads linearly.
type envParser struct {
	err error
}

func (p *envParser) fail(key, value string, cause error) {
	if p.err == nil {
		p.err = motorerr.Wrap(motorerr.KindValidation, "malformed environment value", cause).
			With("var", key).With("value", value)
	}
}

func (p *envParser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return f
}

func (p *envParser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *envParser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return d
}
