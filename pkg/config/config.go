// Package config loads forged's daemon/runner configuration from the
// environment, grounded on the teacher's pkg/database.LoadConfigFromEnv
// (env var + default + validation pattern).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is process-wide configuration for forged.
type Config struct {
	// DatabasePath is the sqlite file the Store opens. Defaults to
	// <DataDir>/forge.db when unset.
	DatabasePath string
	// DataDir is the root for logs, prompts, and ledgers.
	DataDir string
	// DefaultPoolName names the pool the Selector resolves to when a loop
	// has no explicit pool_id and no pool is marked is_default.
	DefaultPoolName string
	// HTTPAddr is the daemon's listen address, e.g. ":8090".
	HTTPAddr string
	// QueuePollInterval is loaded and validated (it must be positive). No
	// component of forged reads it.
	QueuePollInterval time.Duration
	// InterruptPollInterval is how often a running iteration checks the
	// queue for kill requests while a child is executing. Other queue items
	// are not acted on mid-run; the next iteration drains them.
	InterruptPollInterval time.Duration
	// GracePeriod is loaded and validated (it must not be negative).
	// kill_agent does not read it: a non-force kill waits for the request's
	// grace_period_ms, or 5s when that is zero or unset.
	GracePeriod time.Duration
	// OutputTailLines bounds how many trailing log lines are persisted on
	// a LoopRun's output_tail.
	OutputTailLines int
	// MaxConcurrentLoops is loaded and validated (it must be at least 1).
	// The loop runner pool does not read it and places no cap on how many
	// loops run at once.
	MaxConcurrentLoops int
	// JudgeCommand, when set, is shelled out to (via "sh -c") as the
	// qualitative guard's judge process, with the rendered prompt on its
	// stdin and its stdout taken as the verdict text. Empty means the
	// Runner keeps its built-in guard.LiteralJudge default.
	JudgeCommand string
}

// LoadFromEnv reads FORGE_* environment variables, applying the same
// production-ready-defaults pattern as the teacher's database config
// loader, and validates the result.
func LoadFromEnv() (Config, error) {
	dataDir := getEnvOrDefault("FORGE_DATA_DIR", "./data")

	dbPath := os.Getenv("FORGE_DATABASE_PATH")
	if dbPath == "" {
		dbPath = os.Getenv("FORGE_DB_PATH")
	}
	if dbPath == "" {
		dbPath = dataDir + "/forge.db"
	}

	queuePoll, err := parseDuration("FORGE_QUEUE_POLL_INTERVAL", "2s")
	if err != nil {
		return Config{}, err
	}
	interruptPoll, err := parseDuration("FORGE_INTERRUPT_POLL_INTERVAL", "1s")
	if err != nil {
		return Config{}, err
	}
	grace, err := parseDuration("FORGE_GRACE_PERIOD", "10s")
	if err != nil {
		return Config{}, err
	}

	tailLines, err := parseInt("FORGE_OUTPUT_TAIL_LINES", 60)
	if err != nil {
		return Config{}, err
	}
	maxConcurrent, err := parseInt("FORGE_MAX_CONCURRENT_LOOPS", 8)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabasePath:          dbPath,
		DataDir:               dataDir,
		DefaultPoolName:       getEnvOrDefault("FORGE_DEFAULT_POOL", "default"),
		HTTPAddr:              getEnvOrDefault("FORGE_HTTP_ADDR", ":8090"),
		QueuePollInterval:     queuePoll,
		InterruptPollInterval: interruptPoll,
		GracePeriod:           grace,
		OutputTailLines:       tailLines,
		MaxConcurrentLoops:    maxConcurrent,
		JudgeCommand:          os.Getenv("FORGE_JUDGE_COMMAND"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime errors much later.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("FORGE_DATABASE_PATH resolved empty")
	}
	if c.MaxConcurrentLoops < 1 {
		return fmt.Errorf("FORGE_MAX_CONCURRENT_LOOPS must be at least 1")
	}
	if c.OutputTailLines < 1 {
		return fmt.Errorf("FORGE_OUTPUT_TAIL_LINES must be at least 1")
	}
	if c.QueuePollInterval <= 0 {
		return fmt.Errorf("FORGE_QUEUE_POLL_INTERVAL must be positive")
	}
	if c.InterruptPollInterval <= 0 {
		return fmt.Errorf("FORGE_INTERRUPT_POLL_INTERVAL must be positive")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("FORGE_GRACE_PERIOD cannot be negative")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseDuration(key, defaultVal string) (time.Duration, error) {
	raw := getEnvOrDefault(key, defaultVal)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseInt(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
