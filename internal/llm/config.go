// Package llm implements the OpenAI-compatible chat surface: admission
// control over the profile pool, upstream request building, and translation
// of the upstream's proprietary stream into OpenAI responses.
package llm

import (
	"os"
	"sync"
	"time"

	"arena2api/pkg/utils"
)

// Config contains configuration for the chat service. This centralizes all
// tunables related to the upstream platform and credential lifecycle.
type Config struct {
	// Port the HTTP server listens on.
	Port int
	// Debug enables verbose logging.
	Debug bool
	// ArenaBaseURL is the upstream platform origin.
	ArenaBaseURL string
	// UserAgent is sent on upstream requests; must look like a real browser
	// because the session cookies were minted by one.
	UserAgent string
	// PoolMax bounds each profile's credential queue.
	PoolMax int
	// CredentialLifetime is how long a pushed token stays usable. Kept
	// slightly below the upstream's own ~120s token lifetime so a token is
	// never used when it could expire mid-flight.
	CredentialLifetime time.Duration
	// StalenessThreshold is how long after its last push a profile still
	// counts as active.
	StalenessThreshold time.Duration
	// UpstreamTimeout bounds a single chat request against the upstream.
	UpstreamTimeout time.Duration
	// SweepInterval is the period of the background expiry sweeper.
	SweepInterval time.Duration
}

var (
	// config is the singleton instance of the configuration
	config *Config
	// configOnce ensures the configuration is initialized only once
	configOnce sync.Once
)

// GetConfig returns the singleton configuration. On first call, it
// initializes the configuration from environment variables:
//
//	PORT                         listening port (default 9090)
//	DEBUG                        verbose logging when set
//	ARENA_BASE_URL               upstream origin (default https://arena.ai)
//	POOL_MAX                     credential queue bound (default 10)
//	CREDENTIAL_LIFETIME_SECONDS  token lifetime (default 110)
//	STALENESS_THRESHOLD_SECONDS  profile liveness window (default 120)
//	UPSTREAM_TIMEOUT_SECONDS     upstream request deadline (default 300)
func GetConfig() *Config {
	configOnce.Do(func() {
		config = &Config{
			Port:               utils.GetEnvInt("PORT", 9090),
			Debug:              os.Getenv("DEBUG") != "",
			ArenaBaseURL:       utils.GetEnvWithDefault("ARENA_BASE_URL", "https://arena.ai"),
			UserAgent:          utils.GetEnvWithDefault("UPSTREAM_USER_AGENT", defaultUserAgent),
			PoolMax:            utils.GetEnvInt("POOL_MAX", 10),
			CredentialLifetime: time.Duration(utils.GetEnvInt("CREDENTIAL_LIFETIME_SECONDS", 110)) * time.Second,
			StalenessThreshold: time.Duration(utils.GetEnvInt("STALENESS_THRESHOLD_SECONDS", 120)) * time.Second,
			UpstreamTimeout:    time.Duration(utils.GetEnvInt("UPSTREAM_TIMEOUT_SECONDS", 300)) * time.Second,
			SweepInterval:      time.Duration(utils.GetEnvInt("SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
		}
	})
	return config
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
