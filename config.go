package relaycache

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every knob enumerated in section 6, plus the store
// backend selection the DOMAIN STACK expansion adds. A deployment may
// set any field with an environment variable, the way
// louisbranch-fracturing.space wires caarlos0/env/v11 onto its own
// config struct, and may supply a YAML file (grounded on the teacher's
// config.go); a field set in the YAML file takes precedence over the
// environment variable for that field (see LoadConfig).
type Config struct {
	OriginID   string `yaml:"originId" env:"RELAYCACHE_ORIGIN_ID" envDefault:"origin"`
	OriginPort int    `yaml:"originPort" env:"RELAYCACHE_ORIGIN_PORT"`
	ListenPort int    `yaml:"listenPort" env:"RELAYCACHE_LISTEN_PORT" envDefault:"8080"`

	Store         string `yaml:"store" env:"RELAYCACHE_STORE" envDefault:"memory"`
	StoreDSN      string `yaml:"storeDsn" env:"RELAYCACHE_STORE_DSN"`
	CacheEndpoint string `yaml:"cacheEndpoint" env:"RELAYCACHE_CACHE_ENDPOINT"`

	FreshnessWindowSeconds int   `yaml:"freshnessWindowSeconds" env:"RELAYCACHE_FRESHNESS_WINDOW_SECONDS" envDefault:"60"`
	BackoffBaseMs          int   `yaml:"backoffBaseMs" env:"RELAYCACHE_BACKOFF_BASE_MS" envDefault:"50"`
	BackoffCapMs           int   `yaml:"backoffCapMs" env:"RELAYCACHE_BACKOFF_CAP_MS" envDefault:"2000"`
	MaxBodyBytes           int64 `yaml:"maxBodyBytes" env:"RELAYCACHE_MAX_BODY_BYTES" envDefault:"1048576"`
	MaxLookupIterations    int   `yaml:"maxLookupIterations" env:"RELAYCACHE_MAX_LOOKUP_ITERATIONS" envDefault:"5"`
	MaxPublishRetries      int   `yaml:"maxPublishRetries" env:"RELAYCACHE_MAX_PUBLISH_RETRIES" envDefault:"3"`
}

// FreshnessWindow returns the configured freshness window as a
// time.Duration.
func (c Config) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowSeconds) * time.Second
}

// BackoffBase returns the configured backoff base as a time.Duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the configured backoff cap as a time.Duration.
func (c Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMs) * time.Millisecond
}

// PlaceholderTTL is Design Notes' recommendation: 5x the backoff cap,
// so a crashed fetcher does not durably block a URL.
func (c Config) PlaceholderTTL() time.Duration {
	return 5 * c.BackoffCap()
}

// LoadConfig establishes defaults and environment overrides first
// (env.Parse's envDefault tags fill in every unset field), then layers
// a YAML file on top for whichever fields it specifies -- yaml.Unmarshal
// only touches keys present in the document, so a file that sets only
// originId leaves every envDefault-supplied field untouched. It
// attempts to load a .env file first, the way
// abel123code-go-users-crud-backend loads DATABASE_URL, ignoring a
// missing file since .env is a local-development convenience only.
func LoadConfig(filename string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
