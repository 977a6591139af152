package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
)

var ErrUnknownBackend = errors.New("unknown database backend")

type Config struct {
	Database   DatabaseConfig               `toml:"database"`
	Batch      BatchConfig                  `toml:"batch"`
	Vocabulary map[string][]string          `toml:"vocabulary"`
	Defaults   map[string]map[string]string `toml:"defaults"`
	Delivery   DeliveryConfig               `toml:"delivery"`
	Server     ServerConfig                 `toml:"server"`
	Log        LogConfig                    `toml:"log"`

	// Path is the file the config was read from, "" when only defaults apply.
	Path string `toml:"-"`

	// explicitDefaults holds the processing kinds set under [defaults] in the
	// file. Only those are validated strictly against the vocabulary.
	explicitDefaults map[string]bool
}

type DatabaseConfig struct {
	Backend   string          `toml:"backend"`
	MongoDB   MongoDBConfig   `toml:"mongodb"`
	SurrealDB SurrealDBConfig `toml:"surrealdb"`
}

type MongoDBConfig struct {
	URI                     string `toml:"uri"`
	Database                string `toml:"database"`
	ImagesCollection        string `toml:"images_collection"`
	CarsCollection          string `toml:"cars_collection"`
	ImageMetadataCollection string `toml:"image_metadata_collection"`
	ConnectTimeoutSecs      int    `toml:"connect_timeout_secs"`
}

type SurrealDBConfig struct {
	URL       string `toml:"url"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

type BatchConfig struct {
	Workers         int     `toml:"workers"`
	ErrorThreshold  float64 `toml:"error_threshold"`
	LookupCacheSize int     `toml:"lookup_cache_size"`
}

type DeliveryConfig struct {
	AccountID    string `toml:"account_id"`
	APIToken     string `toml:"api_token"`
	BaseURL      string `toml:"base_url"`
	BatchSize    int    `toml:"batch_size"`
	BatchDelayMs int    `toml:"batch_delay_ms"`
	TimeoutSecs  int    `toml:"timeout_secs"`
}

type ServerConfig struct {
	Mode       string `toml:"mode"`
	Port       int    `toml:"port"`
	Watch      bool   `toml:"watch"`
	DebounceMs int    `toml:"debounce_ms"`
	// AllowOrigins lists CORS origins for the HTTP API; empty allows any.
	AllowOrigins []string `toml:"allow_origins"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// envOverrides are read from the process environment after .env files are loaded.
type envOverrides struct {
	MongoURI       string  `env:"MONGODB_URI"`
	MongoDatabase  string  `env:"MONGODB_DB"`
	Backend        string  `env:"ARCHIVE_DB_BACKEND"`
	SurrealURL     string  `env:"ARCHIVE_SURREALDB_URL"`
	SurrealUser    string  `env:"ARCHIVE_SURREALDB_USERNAME"`
	SurrealPass    string  `env:"ARCHIVE_SURREALDB_PASSWORD"`
	Workers        int     `env:"ARCHIVE_WORKERS"`
	ErrorThreshold float64 `env:"ARCHIVE_ERROR_THRESHOLD"`
	LogLevel       string  `env:"ARCHIVE_LOG_LEVEL"`
	LogFormat      string  `env:"ARCHIVE_LOG_FORMAT"`
	Port           int     `env:"ARCHIVE_PORT"`
	DeliveryID     string  `env:"CLOUDFLARE_ACCOUNT_ID"`
	DeliveryToken  string  `env:"CLOUDFLARE_API_TOKEN"`
}

// DotEnvFiles are loaded, if present, before env overrides apply. Variables
// already set in the environment win.
var DotEnvFiles = []string{".env.local", ".env"}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
		cfg.Path = path
		cfg.markExplicitDefaults(md)
	} else {
		locations := []string{
			".archivectl/config.toml",
			filepath.Join(os.Getenv("HOME"), ".archivectl/config.toml"),
			"/etc/archivectl/config.toml",
		}
		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				if md, err := toml.DecodeFile(loc, cfg); err == nil {
					cfg.Path = loc
					cfg.markExplicitDefaults(md)
					break
				}
			}
		}
	}

	loadDotEnv()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) markExplicitDefaults(md toml.MetaData) {
	c.explicitDefaults = make(map[string]bool)
	for _, key := range md.Keys() {
		if len(key) >= 2 && key[0] == "defaults" {
			c.explicitDefaults[key[1]] = true
		}
	}
}

func loadDotEnv() {
	var present []string
	for _, f := range DotEnvFiles {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) > 0 {
		// godotenv.Load never overrides variables that are already set.
		_ = godotenv.Load(present...)
	}
}

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Backend: "mongodb",
			MongoDB: MongoDBConfig{
				URI:                     "mongodb://localhost:27017",
				Database:                "motive_archive",
				ImagesCollection:        "images",
				CarsCollection:          "cars",
				ImageMetadataCollection: "image_metadata",
				ConnectTimeoutSecs:      10,
			},
			SurrealDB: SurrealDBConfig{
				URL:       "ws://localhost:8000",
				Namespace: "motive",
				Database:  "archive",
				Username:  "root",
				Password:  "root",
			},
		},
		Batch: BatchConfig{
			Workers:         1,
			ErrorThreshold:  0.05,
			LookupCacheSize: 1024,
		},
		Vocabulary: metadata.DefaultVocabularyLists(),
		Defaults:   metadata.DefaultProcessingDefaultLists(),
		Delivery: DeliveryConfig{
			BaseURL:      "https://api.cloudflare.com/client/v4",
			BatchSize:    3,
			BatchDelayMs: 1000,
			TimeoutSecs:  30,
		},
		Server: ServerConfig{
			Mode:       "stdio",
			Port:       3010,
			DebounceMs: 250,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// BuildVocabulary builds the immutable vocabulary from the config.
func (c *Config) BuildVocabulary() (*metadata.Vocabulary, error) {
	return metadata.NewVocabulary(c.Vocabulary)
}

// BuildDefaults builds the immutable processing defaults, validated against
// vocab. Built-in tuples the configured vocabulary no longer admits are left
// out; tuples set in the config file must be valid.
func (c *Config) BuildDefaults(vocab *metadata.Vocabulary) (*metadata.ProcessingDefaults, error) {
	lists, _ := c.applicableDefaults(vocab)
	return metadata.NewProcessingDefaults(lists, vocab)
}

// DroppedDefaults lists the built-in processing kinds BuildDefaults leaves
// out under vocab, with the reason.
func (c *Config) DroppedDefaults(vocab *metadata.Vocabulary) []string {
	_, dropped := c.applicableDefaults(vocab)
	return dropped
}

func (c *Config) applicableDefaults(vocab *metadata.Vocabulary) (map[string]map[string]string, []string) {
	lists := make(map[string]map[string]string, len(c.Defaults))
	var dropped []string
	for kind, values := range c.Defaults {
		if !c.explicitDefaults[kind] {
			single := map[string]map[string]string{kind: values}
			if _, err := metadata.NewProcessingDefaults(single, vocab); err != nil {
				dropped = append(dropped, err.Error())
				continue
			}
		}
		lists[kind] = values
	}
	sort.Strings(dropped)
	return lists, dropped
}

// Validate returns warnings about suspicious settings. It never fails.
func Validate(cfg *Config) []string {
	var warnings []string

	switch cfg.Database.Backend {
	case "mongodb":
		if cfg.Database.MongoDB.URI == "" {
			warnings = append(warnings, "MongoDB URI cannot be empty")
		}
		if cfg.Database.MongoDB.Database == "" {
			warnings = append(warnings, "MongoDB database name cannot be empty")
		}
		if cfg.Database.MongoDB.ImagesCollection == "" {
			warnings = append(warnings, "MongoDB images collection cannot be empty")
		}
		if cfg.Database.MongoDB.ConnectTimeoutSecs < 1 {
			warnings = append(warnings, "MongoDB connect timeout must be at least 1 second")
		}
	case "surrealdb":
		if cfg.Database.SurrealDB.URL == "" {
			warnings = append(warnings, "SurrealDB URL cannot be empty")
		}
		if cfg.Database.SurrealDB.Namespace == "" {
			warnings = append(warnings, "SurrealDB namespace cannot be empty")
		}
		if cfg.Database.SurrealDB.Database == "" {
			warnings = append(warnings, "SurrealDB database cannot be empty")
		}
	case "memory":
		warnings = append(warnings, "memory backend selected: nothing is persisted")
	default:
		warnings = append(warnings, fmt.Sprintf("unknown database backend %q", cfg.Database.Backend))
	}

	if cfg.Batch.Workers < 1 {
		warnings = append(warnings, "Batch workers must be at least 1")
	}
	if cfg.Batch.Workers > 64 {
		warnings = append(warnings, "Batch workers exceeds reasonable maximum (64)")
	}
	if cfg.Batch.ErrorThreshold < 0 || cfg.Batch.ErrorThreshold > 1 {
		warnings = append(warnings, "Batch error threshold must be a fraction between 0 and 1")
	}
	if cfg.Batch.LookupCacheSize < 1 {
		warnings = append(warnings, "Batch lookup cache size must be at least 1")
	}

	if vocab, err := cfg.BuildVocabulary(); err != nil {
		warnings = append(warnings, fmt.Sprintf("Vocabulary is invalid: %v", err))
	} else if _, err := cfg.BuildDefaults(vocab); err != nil {
		warnings = append(warnings, fmt.Sprintf("Processing defaults are invalid: %v", err))
	} else {
		for _, reason := range cfg.DroppedDefaults(vocab) {
			warnings = append(warnings, fmt.Sprintf("Built-in processing default dropped: %s", reason))
		}
	}

	if cfg.Delivery.BatchSize < 1 {
		warnings = append(warnings, "Delivery batch size must be at least 1")
	}
	if cfg.Delivery.BatchDelayMs < 0 {
		warnings = append(warnings, "Delivery batch delay cannot be negative")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		warnings = append(warnings, "Server port must be between 1 and 65535")
	}
	if cfg.Server.DebounceMs < 10 {
		warnings = append(warnings, "Watcher debounce must be at least 10ms")
	}
	if cfg.Server.DebounceMs > 60000 {
		warnings = append(warnings, "Watcher debounce exceeds reasonable maximum (60000ms)")
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		warnings = append(warnings, fmt.Sprintf("Log format %q is not text or json", cfg.Log.Format))
	}

	return warnings
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	if o.MongoURI != "" {
		cfg.Database.MongoDB.URI = o.MongoURI
	}
	if o.MongoDatabase != "" {
		cfg.Database.MongoDB.Database = o.MongoDatabase
	}
	if o.Backend != "" {
		cfg.Database.Backend = o.Backend
	}
	if o.SurrealURL != "" {
		cfg.Database.SurrealDB.URL = o.SurrealURL
	}
	if o.SurrealUser != "" {
		cfg.Database.SurrealDB.Username = o.SurrealUser
	}
	if o.SurrealPass != "" {
		cfg.Database.SurrealDB.Password = o.SurrealPass
	}
	if o.Workers > 0 {
		cfg.Batch.Workers = o.Workers
	}
	if o.ErrorThreshold > 0 {
		cfg.Batch.ErrorThreshold = o.ErrorThreshold
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.Port > 0 {
		cfg.Server.Port = o.Port
	}
	if o.DeliveryID != "" {
		cfg.Delivery.AccountID = o.DeliveryID
	}
	if o.DeliveryToken != "" {
		cfg.Delivery.APIToken = o.DeliveryToken
	}
	return nil
}

// CheckBackend returns ErrUnknownBackend for unsupported backends.
func CheckBackend(name string) error {
	switch name {
	case "mongodb", "surrealdb", "memory":
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
}
