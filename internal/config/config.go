package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Venues tunes quote-source pair selection. The defaults match public
// venue identifiers; deployments override them through the YAML overlay
// when an aggregator renames a venue.
type Venues struct {
	// Established venues get relaxed volume requirements during pair
	// selection and a scoring bonus.
	Established []string `yaml:"established"`
	// LaunchMarkers are substrings that mark bonding-curve style launch
	// venues, which need extra volume and liquidity before being trusted.
	LaunchMarkers []string `yaml:"launch_markers"`
}

type Config struct {
	Port           int           `yaml:"port"`
	Env            string        `yaml:"env"`
	DatabaseURL    string        `yaml:"database_url"`
	RedisURL       string        `yaml:"redis_url"`
	ChainRPCURL    string        `yaml:"chain_rpc_url"`
	ChainAPIKey    string        `yaml:"chain_api_key"`
	PollInterval   time.Duration `yaml:"-"`
	QuoteCacheTTL  time.Duration `yaml:"-"`
	WorkerCount    int           `yaml:"worker_count"`
	AdminJWTSecret string        `yaml:"admin_jwt_secret"`
	RateLimitRPS   int           `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	AggregatorURL  string        `yaml:"aggregator_url"`
	AmmAPIURL      string        `yaml:"amm_api_url"`
	RiskAPIURL     string        `yaml:"risk_api_url"`
	SkipMigration  bool          `yaml:"-"`
	Venues         Venues        `yaml:"venues"`
}

// Load builds the Config from environment variables, then applies the
// optional YAML overlay named by CONFIG_FILE. Missing required values
// are reported together so operators fix them in one pass.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("PORT", 3305),
		Env:            getEnvOrDefault("NODE_ENV", "development"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       getEnvOrDefault("REDIS_URL", "localhost:6379"),
		ChainRPCURL:    getEnvOrDefault("CHAIN_RPC_URL", "https://mainnet.helius-rpc.com/?api-key="),
		ChainAPIKey:    os.Getenv("CHAIN_API_KEY"),
		PollInterval:   time.Duration(getEnvInt("POLL_MS", 2000)) * time.Millisecond,
		QuoteCacheTTL:  time.Duration(getEnvInt("QUOTE_CACHE_TTL_MS", 15000)) * time.Millisecond,
		WorkerCount:    getEnvInt("WORKER_COUNT", 10),
		AdminJWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),
		AggregatorURL:  getEnvOrDefault("AGGREGATOR_URL", "https://api.dexscreener.com"),
		AmmAPIURL:      getEnvOrDefault("AMM_API_URL", "https://api-v3.raydium.io"),
		RiskAPIURL:     getEnvOrDefault("RISK_API_URL", "https://api.rugcheck.xyz/v1"),
		SkipMigration:  getEnvBool("SKIP_MIGRATION", false),
		Venues: Venues{
			Established:   []string{"raydium", "orca", "jupiter", "meteora"},
			LaunchMarkers: []string{"pump", "moonshot", "launchlab", "bonk"},
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.ChainAPIKey == "" && strings.HasSuffix(cfg.ChainRPCURL, "api-key=") {
		missing = append(missing, "CHAIN_API_KEY")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	// The aggregator cache must never outlive 60s or undercut 5s, no
	// matter what the operator asks for.
	if cfg.QuoteCacheTTL < 5*time.Second {
		cfg.QuoteCacheTTL = 5 * time.Second
	}
	if cfg.QuoteCacheTTL > 60*time.Second {
		cfg.QuoteCacheTTL = 60 * time.Second
	}
	if cfg.PollInterval < 250*time.Millisecond {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// RPCEndpoint composes the chain RPC URL with the API key. Endpoints
// ending in "api-key=" get the key appended; self-hosted URLs are used
// as-is.
func (c *Config) RPCEndpoint() string {
	if strings.HasSuffix(c.ChainRPCURL, "api-key=") {
		return c.ChainRPCURL + c.ChainAPIKey
	}
	return c.ChainRPCURL
}

// Redacted returns a copy safe for startup logging: credentials inside
// the database DSN, query parameters on the RPC URL and the chain API
// key are masked.
func (c *Config) Redacted() Config {
	out := *c
	out.DatabaseURL = redactURL(c.DatabaseURL)
	out.ChainRPCURL = redactURL(c.ChainRPCURL)
	if c.ChainAPIKey != "" {
		out.ChainAPIKey = "****"
	}
	if c.AdminJWTSecret != "" {
		out.AdminJWTSecret = "****"
	}
	return out
}

func redactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		u.RawQuery = ""
		return u.String()
	}

	// Not URL-shaped (host:port), nothing to hide.
	return raw
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			return val
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseBool(valStr); err == nil {
			return val
		}
	}
	return defaultVal
}
