package config

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
	LoginLimit RateLimitConfig  `mapstructure:"login_limit" yaml:"login_limit"`
	Quota      QuotaConfig      `mapstructure:"quota" yaml:"quota"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Gemini     GeminiConfig     `mapstructure:"gemini" yaml:"gemini"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Fallback   FallbackConfig   `mapstructure:"fallback" yaml:"fallback"`
	Validation ValidationConfig `mapstructure:"validation" yaml:"validation"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Mode         string        `mapstructure:"mode" yaml:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type SecurityConfig struct {
	AdminPassword  string   `mapstructure:"admin_password" yaml:"admin_password"`
	EnableCORS     bool     `mapstructure:"enable_cors" yaml:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	SecureCookies  bool     `mapstructure:"secure_cookies" yaml:"secure_cookies"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`
	Format        string `mapstructure:"format" yaml:"format"`
	Output        string `mapstructure:"output" yaml:"output"`
	ConsoleOutput bool   `mapstructure:"console_output" yaml:"console_output"`
	MaxSize       int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge        int    `mapstructure:"max_age" yaml:"max_age"`
	Compress      bool   `mapstructure:"compress" yaml:"compress"`
}

type StorageConfig struct {
	// Backend selects the user store: "file" or "redis"
	Backend     string      `mapstructure:"backend" yaml:"backend"`
	DataDir     string      `mapstructure:"data_dir" yaml:"data_dir"`
	UsersDir    string      `mapstructure:"users_dir" yaml:"users_dir"`
	SessionsDir string      `mapstructure:"sessions_dir" yaml:"sessions_dir"`
	UsageDir    string      `mapstructure:"usage_dir" yaml:"usage_dir"`
	LogsDir     string      `mapstructure:"logs_dir" yaml:"logs_dir"`
	Redis       RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type AuthConfig struct {
	// Mode is "session" (login required) or "anonymous"
	Mode              string        `mapstructure:"mode" yaml:"mode"`
	CookieName        string        `mapstructure:"cookie_name" yaml:"cookie_name"`
	SessionTTL        time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	RememberTTL       time.Duration `mapstructure:"remember_ttl" yaml:"remember_ttl"`
	BcryptCost        int           `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost"`
	MinPasswordLength int           `mapstructure:"min_password_length" yaml:"min_password_length"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

type RateLimitConfig struct {
	Window             time.Duration `mapstructure:"window" yaml:"window"`
	MaxRequests        int           `mapstructure:"max_requests" yaml:"max_requests"`
	ViolationThreshold int           `mapstructure:"violation_threshold" yaml:"violation_threshold"`
	BlacklistDuration  time.Duration `mapstructure:"blacklist_duration" yaml:"blacklist_duration"`
	IdleMultiplier     int           `mapstructure:"idle_multiplier" yaml:"idle_multiplier"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type QuotaConfig struct {
	DefaultLimit int    `mapstructure:"default_limit" yaml:"default_limit"`
	Timezone     string `mapstructure:"timezone" yaml:"timezone"`
}

// Location resolves the timezone that defines a quota day
func (q QuotaConfig) Location() (*time.Location, error) {
	return time.LoadLocation(q.Timezone)
}

type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries" yaml:"max_entries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type GeminiConfig struct {
	// Backend is "rest" or "sdk"
	Backend           string            `mapstructure:"backend" yaml:"backend"`
	APIKey            string            `mapstructure:"api_key" yaml:"api_key"`
	BaseURL           string            `mapstructure:"base_url" yaml:"base_url"`
	Model             string            `mapstructure:"model" yaml:"model"`
	SystemPrompt      string            `mapstructure:"system_prompt" yaml:"system_prompt"`
	Temperature       float64           `mapstructure:"temperature" yaml:"temperature"`
	TopP              float64           `mapstructure:"top_p" yaml:"top_p"`
	TopK              int               `mapstructure:"top_k" yaml:"top_k"`
	MaxOutputTokens   int               `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	StopSequences     []string          `mapstructure:"stop_sequences" yaml:"stop_sequences"`
	SafetyThreshold   string            `mapstructure:"safety_threshold" yaml:"safety_threshold"`
	ContextItems      int               `mapstructure:"context_items" yaml:"context_items"`
	ContextChars      int               `mapstructure:"context_chars" yaml:"context_chars"`
	Timeout           time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute int               `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	OAuth             GeminiOAuthConfig `mapstructure:"oauth" yaml:"oauth"`
}

type GeminiOAuthConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token"`
	CallbackPort int    `mapstructure:"callback_port" yaml:"callback_port"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	EmptyRetries int           `mapstructure:"empty_retries" yaml:"empty_retries"`
}

type FallbackConfig struct {
	// Disabled turns degraded keyword answers off; failures become errors
	Disabled bool `mapstructure:"disabled" yaml:"disabled"`
}

type ValidationConfig struct {
	MaxQuestionLength int      `mapstructure:"max_question_length" yaml:"max_question_length"`
	MaxContextItems   int      `mapstructure:"max_context_items" yaml:"max_context_items"`
	MaxContextText    int      `mapstructure:"max_context_text" yaml:"max_context_text"`
	SpamWords         []string `mapstructure:"spam_words" yaml:"spam_words"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Load loads the configuration from file and environment
func Load() (*Config, error) {
	var cfg Config

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrCreate loads the config file, writing a default one with a fresh
// admin password when none exists
func LoadOrCreate() (*Config, error) {
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if _, err := os.Stat(configFile); err == nil {
		cfg, err := Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
		}
		return cfg, nil
	}

	fmt.Println("\n⚠️  Config file not found, creating default config...")

	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if cfg.Security.AdminPassword == "" {
		password, err := generateRandomPassword(16)
		if err != nil {
			return nil, fmt.Errorf("failed to generate admin password: %w", err)
		}
		cfg.Security.AdminPassword = password
		fmt.Printf("\n🔑 Generated admin password: %s\n", password)
		fmt.Println("   ⚠️  IMPORTANT: Please save this password!")
		fmt.Println("   It is needed for POST /admin/login")
	}

	if err := SaveConfig(cfg, configFile); err != nil {
		fmt.Printf("\n⚠️  Warning: Failed to save config file: %v\n", err)
		fmt.Println("   Continuing with in-memory config...")
	} else {
		fmt.Printf("\n✅ Config file created: %s\n", configFile)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to path. The API key and OAuth
// secrets are left out; they belong in the environment.
func SaveConfig(cfg *Config, path string) error {
	out := *cfg
	out.Gemini.APIKey = ""
	out.Gemini.OAuth.ClientSecret = ""
	out.Gemini.OAuth.RefreshToken = ""

	viper.Set("server", out.Server)
	viper.Set("security", out.Security)
	viper.Set("logging", out.Logging)
	viper.Set("storage", out.Storage)
	viper.Set("auth", out.Auth)
	viper.Set("rate_limit", out.RateLimit)
	viper.Set("login_limit", out.LoginLimit)
	viper.Set("quota", out.Quota)
	viper.Set("cache", out.Cache)
	viper.Set("gemini", out.Gemini)
	viper.Set("retry", out.Retry)
	viper.Set("fallback", out.Fallback)
	viper.Set("validation", out.Validation)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return viper.WriteConfigAs(path)
}

func generateRandomPassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = charset[n.Int64()]
	}
	return string(b), nil
}

func setDefaults(cfg *Config) {
	// server
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 90 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}

	// logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "logs/askgate.log"
	}
	cfg.Logging.ConsoleOutput = true
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 10
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}

	// storage
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.UsersDir == "" {
		cfg.Storage.UsersDir = filepath.Join(cfg.Storage.DataDir, "users")
	}
	if cfg.Storage.SessionsDir == "" {
		cfg.Storage.SessionsDir = filepath.Join(cfg.Storage.DataDir, "sessions")
	}
	if cfg.Storage.UsageDir == "" {
		cfg.Storage.UsageDir = filepath.Join(cfg.Storage.DataDir, "usage")
	}
	if cfg.Storage.LogsDir == "" {
		cfg.Storage.LogsDir = "./logs"
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "localhost:6379"
	}

	// auth
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "session"
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "askgate_session"
	}
	if cfg.Auth.SessionTTL == 0 {
		cfg.Auth.SessionTTL = 24 * time.Hour
	}
	if cfg.Auth.RememberTTL == 0 {
		cfg.Auth.RememberTTL = 30 * 24 * time.Hour
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 12
	}
	if cfg.Auth.MinPasswordLength == 0 {
		cfg.Auth.MinPasswordLength = 6
	}
	if cfg.Auth.CleanupInterval == 0 {
		cfg.Auth.CleanupInterval = time.Hour
	}

	// chat rate limit: 15 per minute, blacklist after 10 violations
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 15
	}
	if cfg.RateLimit.ViolationThreshold == 0 {
		cfg.RateLimit.ViolationThreshold = 10
	}
	if cfg.RateLimit.BlacklistDuration == 0 {
		cfg.RateLimit.BlacklistDuration = 10 * time.Minute
	}
	if cfg.RateLimit.IdleMultiplier == 0 {
		cfg.RateLimit.IdleMultiplier = 5
	}
	if cfg.RateLimit.SweepInterval == 0 {
		cfg.RateLimit.SweepInterval = 5 * time.Minute
	}

	// login attempts: 5 per 15 minutes, never blacklisted
	if cfg.LoginLimit.Window == 0 {
		cfg.LoginLimit.Window = 15 * time.Minute
	}
	if cfg.LoginLimit.MaxRequests == 0 {
		cfg.LoginLimit.MaxRequests = 5
	}
	if cfg.LoginLimit.ViolationThreshold == 0 {
		cfg.LoginLimit.ViolationThreshold = -1
	}
	if cfg.LoginLimit.IdleMultiplier == 0 {
		cfg.LoginLimit.IdleMultiplier = 2
	}
	if cfg.LoginLimit.SweepInterval == 0 {
		cfg.LoginLimit.SweepInterval = 15 * time.Minute
	}

	// quota
	if cfg.Quota.DefaultLimit == 0 {
		cfg.Quota.DefaultLimit = 50
	}
	if cfg.Quota.Timezone == "" {
		cfg.Quota.Timezone = "Asia/Jakarta"
	}

	// cache
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = time.Hour
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 100
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = 30 * time.Minute
	}

	// gemini
	if cfg.Gemini.Backend == "" {
		cfg.Gemini.Backend = "rest"
	}
	if cfg.Gemini.BaseURL == "" {
		cfg.Gemini.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = "gemini-2.0-flash"
	}
	if cfg.Gemini.Temperature == 0 {
		cfg.Gemini.Temperature = 0.4
	}
	if cfg.Gemini.TopP == 0 {
		cfg.Gemini.TopP = 0.8
	}
	if cfg.Gemini.TopK == 0 {
		cfg.Gemini.TopK = 30
	}
	if cfg.Gemini.MaxOutputTokens == 0 {
		cfg.Gemini.MaxOutputTokens = 2000
	}
	if len(cfg.Gemini.StopSequences) == 0 {
		cfg.Gemini.StopSequences = []string{"<|end|>"}
	}
	if cfg.Gemini.SafetyThreshold == "" {
		cfg.Gemini.SafetyThreshold = "BLOCK_MEDIUM_AND_ABOVE"
	}
	if cfg.Gemini.ContextItems == 0 {
		cfg.Gemini.ContextItems = 4
	}
	if cfg.Gemini.ContextChars == 0 {
		cfg.Gemini.ContextChars = 150
	}
	if cfg.Gemini.Timeout == 0 {
		cfg.Gemini.Timeout = 25 * time.Second
	}
	if cfg.Gemini.OAuth.CallbackPort == 0 {
		cfg.Gemini.OAuth.CallbackPort = 8085
	}

	// retry
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 10 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.EmptyRetries == 0 {
		cfg.Retry.EmptyRetries = 1
	}

	// validation
	if cfg.Validation.MaxQuestionLength == 0 {
		cfg.Validation.MaxQuestionLength = 5000
	}
	if cfg.Validation.MaxContextItems == 0 {
		cfg.Validation.MaxContextItems = 10
	}
	if cfg.Validation.MaxContextText == 0 {
		cfg.Validation.MaxContextText = 1000
	}
	if len(cfg.Validation.SpamWords) == 0 {
		cfg.Validation.SpamWords = []string{"spam", "scam", "hack", "phishing"}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	switch cfg.Auth.Mode {
	case "session", "anonymous":
	default:
		return fmt.Errorf("invalid auth mode: %q", cfg.Auth.Mode)
	}
	switch cfg.Storage.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("invalid storage backend: %q", cfg.Storage.Backend)
	}
	switch cfg.Gemini.Backend {
	case "rest", "sdk":
	default:
		return fmt.Errorf("invalid gemini backend: %q", cfg.Gemini.Backend)
	}
	// OAuth credentials are only wired into the REST backend
	if cfg.Gemini.Backend == "sdk" && cfg.Gemini.APIKey == "" {
		return fmt.Errorf("gemini backend \"sdk\" requires gemini.api_key; use the \"rest\" backend for OAuth credentials")
	}
	if cfg.RateLimit.MaxRequests < 1 || cfg.LoginLimit.MaxRequests < 1 {
		return fmt.Errorf("rate limits need at least one request per window")
	}
	if cfg.Quota.DefaultLimit < 0 {
		return fmt.Errorf("invalid default quota: %d", cfg.Quota.DefaultLimit)
	}
	if _, err := cfg.Quota.Location(); err != nil {
		return fmt.Errorf("invalid quota timezone %q: %w", cfg.Quota.Timezone, err)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid retry attempts: %d", cfg.Retry.MaxAttempts)
	}
	return nil
}
