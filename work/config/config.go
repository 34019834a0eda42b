package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all runtime settings for the gateway. Durations arrive in the
// JSON file as strings (e.g. "15s") and are parsed into time.Duration here.
type Config struct {
	Port               int            // HTTP listen port
	LogLevel           string         // DEBUG, INFO, WARN or ERROR
	Debug              bool           // Enable verbose request logging
	ObfuscateUrls      bool           // Obfuscate upstream URLs in logs
	Sources            []SourceConfig // Playlist sources merged into the catalog at startup
	SupabaseURL        string         // Identity provider base URL
	SupabaseAnonKey    string         // Public API key handed to browsers via /api/public-config
	SupabaseServiceKey string         // Privileged key for ledger writes; falls back to the anon key
	AdminEmails        []string       // Fixed super-admin allowlist, never goes through the ledger
	LedgerPath         string         // Local sqlite ledger file, used when Supabase is not configured
	TokenCacheTTL      time.Duration  // How long verified identities stay cached
	StreamLockTTL      time.Duration  // Liveness window for stream locks
	MaxStreamsPerUser  int            // Concurrency ceiling per account
	StreamLockEnforced bool           // When false, admission always succeeds but locks are still tracked
	UpstreamTimeout    time.Duration  // Per-attempt response header timeout for upstream fetches
	MaxRedirects       int            // Redirect bound per upstream attempt
	UpstreamRateLimit  int            // Upstream fetch attempts per second
	IdentityRateLimit  int            // Identity provider calls per second
	WorkerThreads      int            // Worker pool size for parallel playlist loading
}

// SourceConfig identifies one playlist source: either a local file path or an
// http(s) URL.
type SourceConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ConfigFile mirrors Config for JSON unmarshaling, with durations as strings
// and optional booleans as pointers so absence is distinguishable from false.
type ConfigFile struct {
	Port               int            `json:"port"`
	LogLevel           string         `json:"logLevel"`
	Debug              bool           `json:"debug"`
	ObfuscateUrls      bool           `json:"obfuscateUrls"`
	Sources            []SourceConfig `json:"sources"`
	SupabaseURL        string         `json:"supabaseUrl"`
	SupabaseAnonKey    string         `json:"supabaseAnonKey"`
	SupabaseServiceKey string         `json:"supabaseServiceKey"`
	AdminEmails        []string       `json:"adminEmails"`
	LedgerPath         string         `json:"ledgerPath"`
	TokenCacheTTL      string         `json:"tokenCacheTTL"`
	StreamLockTTL      string         `json:"streamLockTTL"`
	MaxStreamsPerUser  int            `json:"maxStreamsPerUser"`
	StreamLockEnforced *bool          `json:"streamLockEnforced"`
	UpstreamTimeout    string         `json:"upstreamTimeout"`
	MaxRedirects       int            `json:"maxRedirects"`
	UpstreamRateLimit  int            `json:"upstreamRateLimit"`
	IdentityRateLimit  int            `json:"identityRateLimit"`
	WorkerThreads      int            `json:"workerThreads"`
}

// Load reads the configuration file at path, applies environment overrides and
// fills in defaults. A missing file is not fatal: the defaults plus environment
// still describe a runnable gateway as long as a playlist source is given.
func Load(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		var file ConfigFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
		if err := applyFile(config, &file); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(config)
	validateAndSetDefaults(config)
	return config, nil
}

// DefaultPath returns the config file location, overridable via MKTV_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("MKTV_CONFIG"); p != "" {
		return p
	}
	return "config.json"
}

func applyFile(config *Config, file *ConfigFile) error {
	if file.Port > 0 {
		config.Port = file.Port
	}
	if file.LogLevel != "" {
		config.LogLevel = file.LogLevel
	}
	config.Debug = file.Debug
	config.ObfuscateUrls = file.ObfuscateUrls
	if len(file.Sources) > 0 {
		config.Sources = file.Sources
	}
	if file.SupabaseURL != "" {
		config.SupabaseURL = file.SupabaseURL
	}
	if file.SupabaseAnonKey != "" {
		config.SupabaseAnonKey = file.SupabaseAnonKey
	}
	if file.SupabaseServiceKey != "" {
		config.SupabaseServiceKey = file.SupabaseServiceKey
	}
	if len(file.AdminEmails) > 0 {
		config.AdminEmails = file.AdminEmails
	}
	if file.LedgerPath != "" {
		config.LedgerPath = file.LedgerPath
	}
	if file.MaxStreamsPerUser > 0 {
		config.MaxStreamsPerUser = file.MaxStreamsPerUser
	}
	if file.StreamLockEnforced != nil {
		config.StreamLockEnforced = *file.StreamLockEnforced
	}
	if file.MaxRedirects > 0 {
		config.MaxRedirects = file.MaxRedirects
	}
	if file.UpstreamRateLimit > 0 {
		config.UpstreamRateLimit = file.UpstreamRateLimit
	}
	if file.IdentityRateLimit > 0 {
		config.IdentityRateLimit = file.IdentityRateLimit
	}
	if file.WorkerThreads > 0 {
		config.WorkerThreads = file.WorkerThreads
	}

	var err error
	if file.TokenCacheTTL != "" {
		if config.TokenCacheTTL, err = time.ParseDuration(file.TokenCacheTTL); err != nil {
			return fmt.Errorf("invalid tokenCacheTTL: %w", err)
		}
	}
	if file.StreamLockTTL != "" {
		if config.StreamLockTTL, err = time.ParseDuration(file.StreamLockTTL); err != nil {
			return fmt.Errorf("invalid streamLockTTL: %w", err)
		}
	}
	if file.UpstreamTimeout != "" {
		if config.UpstreamTimeout, err = time.ParseDuration(file.UpstreamTimeout); err != nil {
			return fmt.Errorf("invalid upstreamTimeout: %w", err)
		}
	}
	return nil
}

// applyEnv overlays secrets and deployment settings from the environment,
// which always win over the file.
func applyEnv(config *Config) {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		config.SupabaseURL = v
	}
	if v := os.Getenv("SUPABASE_ANON_KEY"); v != "" {
		config.SupabaseAnonKey = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_KEY"); v != "" {
		config.SupabaseServiceKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			config.Port = port
		}
	}
	if v := os.Getenv("MKTV_PLAYLIST"); v != "" {
		config.Sources = []SourceConfig{{Name: "default", URL: v}}
	}
}

func defaultConfig() *Config {
	return &Config{
		Port:               3000,
		LogLevel:           "INFO",
		Sources:            []SourceConfig{{Name: "default", URL: "xtream_playlist.m3u"}},
		TokenCacheTTL:      5 * time.Minute,
		StreamLockTTL:      15 * time.Second,
		MaxStreamsPerUser:  2,
		StreamLockEnforced: true,
		UpstreamTimeout:    8 * time.Second,
		MaxRedirects:       5,
		UpstreamRateLimit:  50,
		IdentityRateLimit:  20,
		WorkerThreads:      4,
	}
}

func validateAndSetDefaults(config *Config) {
	if config.Port <= 0 {
		config.Port = 3000
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.TokenCacheTTL <= 0 {
		config.TokenCacheTTL = 5 * time.Minute
	}
	if config.StreamLockTTL <= 0 {
		config.StreamLockTTL = 15 * time.Second
	}
	if config.MaxStreamsPerUser <= 0 {
		config.MaxStreamsPerUser = 2
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = 8 * time.Second
	}
	if config.MaxRedirects <= 0 {
		config.MaxRedirects = 5
	}
	if config.UpstreamRateLimit <= 0 {
		config.UpstreamRateLimit = 50
	}
	if config.IdentityRateLimit <= 0 {
		config.IdentityRateLimit = 20
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	for i := range config.Sources {
		if config.Sources[i].Name == "" {
			config.Sources[i].Name = fmt.Sprintf("Source_%d", i+1)
		}
	}
}

// CreateExampleConfig writes a commented-by-example config file to path.
func CreateExampleConfig(path string) error {
	enforced := true
	example := ConfigFile{
		Port:          3000,
		LogLevel:      "INFO",
		Debug:         false,
		ObfuscateUrls: true,
		Sources: []SourceConfig{
			{Name: "Primary playlist", URL: "xtream_playlist.m3u"},
			{Name: "Backup playlist", URL: "http://example.com/playlist.m3u8"},
		},
		SupabaseURL:        "https://project.supabase.co",
		SupabaseAnonKey:    "",
		SupabaseServiceKey: "",
		AdminEmails:        []string{"admin@example.com"},
		LedgerPath:         "",
		TokenCacheTTL:      "5m",
		StreamLockTTL:      "15s",
		MaxStreamsPerUser:  2,
		StreamLockEnforced: &enforced,
		UpstreamTimeout:    "8s",
		MaxRedirects:       5,
		UpstreamRateLimit:  50,
		IdentityRateLimit:  20,
		WorkerThreads:      4,
	}
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
