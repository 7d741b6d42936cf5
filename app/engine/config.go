package engine

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/trustnet/unlx/pkg/utils"
)

// Config is the engine configuration, read from the environment once at
// startup.
type Config struct {
	// TargetSize bounds the chosen set. Must be positive.
	TargetSize int

	// CheckInterval is the pause between source-check passes.
	CheckInterval time.Duration

	// FetchTimeout bounds each remote list request.
	FetchTimeout time.Duration

	// MaxResponseBytes caps a remote list body.
	MaxResponseBytes int64

	// StaticValidators are inline-configured (and therefore pinned) keys.
	StaticValidators []string

	// SourceFiles are local list files loaded once at startup.
	SourceFiles []string

	// SourceURLs are remote lists enrolled into the fetch rotation.
	SourceURLs []string

	// DecaySchedule is the cron spec for the score-halving job.
	DecaySchedule string

	// DataDir is where the store keeps its files.
	DataDir string
}

// ConfigFromEnv reads the configuration. A non-positive UNL_TARGET_SIZE is
// the one setting rejected here rather than silently defaulted: a zero
// target would make every rebuild produce an empty chosen set.
func ConfigFromEnv() (*Config, error) {
	if raw := os.Getenv("UNL_TARGET_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("UNL_TARGET_SIZE must be a positive integer, got %q", raw)
		}
	}

	return &Config{
		TargetSize:       utils.EnvInt("UNL_TARGET_SIZE", 32),
		CheckInterval:    utils.EnvSeconds("UNL_CHECK_INTERVAL_SECONDS", 5*time.Minute),
		FetchTimeout:     utils.EnvSeconds("UNL_FETCH_TIMEOUT_SECONDS", 15*time.Second),
		MaxResponseBytes: int64(utils.EnvInt("UNL_MAX_RESPONSE_BYTES", 1<<20)),
		StaticValidators: utils.EnvList("UNL_STATIC_VALIDATORS"),
		SourceFiles:      utils.EnvList("UNL_SOURCE_FILES"),
		SourceURLs:       utils.Dedup(utils.EnvList("UNL_SOURCE_URLS")),
		DecaySchedule:    utils.Env("UNL_DECAY_CRON", "0 0 * * *"),
		DataDir:          utils.Env("DATA_DIR", "./data"),
	}, nil
}
