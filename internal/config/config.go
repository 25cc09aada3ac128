package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig  BasicConfig               `json:"basic_config"`
	Database     string                    `json:"database"`
	Databases    map[string]DatabaseConfig `json:"databases"`
	Redis        RedisConfig               `json:"redis"`
	Streams      StreamConfig              `json:"streams"`
	Uploads      UploadConfig              `json:"uploads"`
	Auth         AuthConfig                `json:"auth"`
	Models       ModelConfig               `json:"models"`
	Providers    map[string]ProviderConfig `json:"providers"`
	Integrations IntegrationConfig         `json:"integrations"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	MaxMessagesPerDay int    `json:"max_messages_per_day"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
	GenerationTimeout int    `json:"generation_timeout"`  // minutes
	SecretKey         string `json:"secret_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// StreamConfig selects the resumable stream backend ("redis" or "bolt").
type StreamConfig struct {
	Backend       string `json:"backend"`
	BoltPath      string `json:"bolt_path"`
	TTLMinutes    int    `json:"ttl_minutes"`
	CleanInterval int    `json:"clean_interval"` // minutes
}

// UploadConfig selects the attachment backend ("local" or "gcs").
type UploadConfig struct {
	Backend         string `json:"backend"`
	BaseDir         string `json:"base_dir"`
	Bucket          string `json:"bucket"`
	CredentialsFile string `json:"credentials_file"`
	PublicBaseURL   string `json:"public_base_url"`
}

type AuthConfig struct {
	JWTSecret        string `json:"jwt_secret"`
	JWTPublicKeyPEM  string `json:"jwt_public_key_pem"`
	Issuer           string `json:"issuer"`
	CookieName       string `json:"cookie_name"`
	UserCacheMinutes int    `json:"user_cache_minutes"`
}

// ModelConfig names the models used outside of user-selected chat turns.
type ModelConfig struct {
	DefaultProvider string `json:"default_provider"`
	DefaultModel    string `json:"default_model"`
	TitleModel      string `json:"title_model"`
	ArtifactModel   string `json:"artifact_model"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type IntegrationConfig struct {
	ExaAPIKey            string `json:"exa_api_key"`
	WeatherAPIKey        string `json:"weather_api_key"`
	AlphaVantageAPIKey   string `json:"alphavantage_api_key"`
	GitHubClientID       string `json:"github_client_id"`
	GoogleAPIKey         string `json:"google_api_key"`
	GoogleSearchEngineID string `json:"google_search_engine_id"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first; environment
// variables override secrets from the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: load .env: %v", err)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.resolvePaths(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	providerKey := func(name, key string) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		p := c.Providers[name]
		p.APIKey = v
		c.Providers[name] = p
	}
	providerKey("openrouter", "OPENROUTER_API_KEY")
	providerKey("claude", "ANTHROPIC_API_KEY")
	providerKey("gemini", "GEMINI_API_KEY")

	override(&c.Database, "POLYCHAT_DB")
	override(&c.BasicConfig.SecretKey, "POLYCHAT_SECRET_KEY")
	override(&c.Auth.JWTSecret, "POLYCHAT_JWT_SECRET")
	override(&c.Auth.JWTPublicKeyPEM, "CLERK_JWT_KEY")
	override(&c.Integrations.ExaAPIKey, "EXA_API_KEY")
	override(&c.Integrations.WeatherAPIKey, "WEATHER_API_KEY")
	override(&c.Integrations.AlphaVantageAPIKey, "ALPHAVANTAGE_API_KEY")
	override(&c.Integrations.GitHubClientID, "GITHUB_CLIENT_ID")
	override(&c.Integrations.GoogleAPIKey, "GOOGLE_API_KEY")
	override(&c.Integrations.GoogleSearchEngineID, "GOOGLE_SEARCH_ENGINE_ID")
}

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = "sqlite3"
	}
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.MaxMessagesPerDay <= 0 {
		c.BasicConfig.MaxMessagesPerDay = 100
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.Streams.Backend == "" {
		if c.Redis.Host != "" {
			c.Streams.Backend = "redis"
		} else {
			c.Streams.Backend = "bolt"
		}
	}
	if c.Streams.BoltPath == "" {
		c.Streams.BoltPath = "./data/streams.bolt"
	}
	if c.Streams.TTLMinutes <= 0 {
		c.Streams.TTLMinutes = 24 * 60
	}
	if c.Uploads.Backend == "" {
		c.Uploads.Backend = "local"
	}
	if c.Uploads.BaseDir == "" {
		c.Uploads.BaseDir = "./data/uploads"
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "__session"
	}
	if c.Models.DefaultProvider == "" {
		c.Models.DefaultProvider = "openrouter"
	}
	if p, ok := c.Providers["openrouter"]; ok && p.BaseURL == "" {
		p.BaseURL = "https://openrouter.ai/api/v1"
		c.Providers["openrouter"] = p
	}
}

func (c *Config) resolvePaths(base string) error {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.Streams.BoltPath)
	resolve(&c.Uploads.BaseDir)
	resolve(&c.Uploads.CredentialsFile)
	if db, ok := c.Databases[c.Database]; ok && isSQLite(c.Database) && db.DSN != "" && !strings.HasPrefix(db.DSN, ":memory:") && !strings.HasPrefix(db.DSN, "file:") {
		resolve(&db.DSN)
		c.Databases[c.Database] = db
	}
	return nil
}

// Validate reports configuration that cannot be used to serve requests.
func (c *Config) Validate() error {
	if _, ok := c.Databases[c.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.Database)
	}
	if c.Auth.JWTSecret == "" && c.Auth.JWTPublicKeyPEM == "" {
		return fmt.Errorf("auth: jwt_secret or jwt_public_key_pem must be configured")
	}
	switch c.Streams.Backend {
	case "redis":
		if c.Redis.Host == "" {
			return fmt.Errorf("streams: redis backend requires redis.host")
		}
	case "bolt":
	default:
		return fmt.Errorf("streams: unsupported backend %q", c.Streams.Backend)
	}
	switch c.Uploads.Backend {
	case "local":
	case "gcs":
		if c.Uploads.Bucket == "" {
			return fmt.Errorf("uploads: gcs backend requires bucket")
		}
	default:
		return fmt.Errorf("uploads: unsupported backend %q", c.Uploads.Backend)
	}
	return nil
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}
