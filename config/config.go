// Package config loads the server configuration from a YAML file, an optional
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Dev     DevConfig     `yaml:"dev"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig describes the engine account, its synthetic token and the
// whitelisted collateral.
type EngineConfig struct {
	Address     string             `yaml:"address"`
	Synthetic   TokenConfig        `yaml:"synthetic"`
	Collaterals []CollateralConfig `yaml:"collaterals"`
	Genesis     []Allocation       `yaml:"genesis"`
}

// Allocation credits a wallet with collateral at startup. The in-process
// token ledgers have no other issuer once the dev faucet is disabled.
type Allocation struct {
	User   string `yaml:"user"`
	Token  string `yaml:"token"`
	Amount string `yaml:"amount"` // token units
}

// TokenConfig names a token ledger.
type TokenConfig struct {
	ID     string `yaml:"id"`
	Symbol string `yaml:"symbol"`
}

// CollateralConfig is one whitelisted collateral token and its price feed.
type CollateralConfig struct {
	TokenConfig  `yaml:",inline"`
	Feed         string `yaml:"feed"`
	InitialPrice string `yaml:"initial_price"` // USD per unit; seeds the in-process feed
}

// Price sources.
const (
	SourceMemory = "memory" // seeded from initial_price, moved only by the dev route
	SourceRedis  = "redis"  // hashes written by an external feeder
)

// OracleConfig controls where prices come from and how old they may be.
type OracleConfig struct {
	Source   string        `yaml:"source"`
	RedisURL string        `yaml:"redis_url"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// StorageConfig selects the persistence backend. DatabaseURL wins over
// SQLitePath; with neither set events are kept in memory.
type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"` // only used with DatabaseURL
	SQLitePath  string        `yaml:"sqlite_path"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// LogConfig controls the log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// DevConfig enables the faucet and feed routes.
type DevConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads the YAML file at path and the .env file if present. Environment
// variables override the YAML values they correspond to.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("ORACLE_REDIS_URL"); v != "" {
		cfg.Oracle.RedisURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Engine.Address == "" {
		cfg.Engine.Address = "engine"
	}
	if cfg.Oracle.Source == "" {
		cfg.Oracle.Source = SourceMemory
	}
	if cfg.Oracle.MaxAge <= 0 {
		cfg.Oracle.MaxAge = 3 * time.Hour
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate rejects configurations the engine cannot be built from.
func (c *Config) Validate() error {
	if c.Engine.Synthetic.ID == "" {
		return errors.New("config: engine.synthetic.id is required")
	}
	if len(c.Engine.Collaterals) == 0 {
		return errors.New("config: at least one collateral is required")
	}

	seen := map[string]bool{c.Engine.Synthetic.ID: true}
	for i, col := range c.Engine.Collaterals {
		if col.ID == "" || col.Feed == "" {
			return fmt.Errorf("config: collateral %d needs an id and a feed", i)
		}
		if seen[col.ID] {
			return fmt.Errorf("config: token %q listed twice", col.ID)
		}
		seen[col.ID] = true

		if col.InitialPrice != "" {
			p, err := decimal.NewFromString(col.InitialPrice)
			if err != nil || !p.IsPositive() {
				return fmt.Errorf("config: collateral %q: invalid initial_price %q", col.ID, col.InitialPrice)
			}
		}
	}

	switch c.Oracle.Source {
	case SourceMemory:
	case SourceRedis:
		if c.Oracle.RedisURL == "" {
			return errors.New("config: oracle.redis_url is required for the redis source")
		}
	default:
		return fmt.Errorf("config: unknown oracle.source %q", c.Oracle.Source)
	}

	for i, a := range c.Engine.Genesis {
		if a.User == "" {
			return fmt.Errorf("config: genesis %d has no user", i)
		}
		if !seen[a.Token] || a.Token == c.Engine.Synthetic.ID {
			return fmt.Errorf("config: genesis %d: %q is not a collateral token", i, a.Token)
		}
		amt, err := decimal.NewFromString(a.Amount)
		if err != nil || !amt.IsPositive() {
			return fmt.Errorf("config: genesis %d: invalid amount %q", i, a.Amount)
		}
	}
	return nil
}

// TokenIDs returns the collateral token ids in configuration order.
func (e EngineConfig) TokenIDs() []string {
	ids := make([]string, len(e.Collaterals))
	for i, col := range e.Collaterals {
		ids[i] = col.ID
	}
	return ids
}

// FeedIDs returns the price feed ids, index-aligned with TokenIDs.
func (e EngineConfig) FeedIDs() []string {
	ids := make([]string, len(e.Collaterals))
	for i, col := range e.Collaterals {
		ids[i] = col.Feed
	}
	return ids
}
