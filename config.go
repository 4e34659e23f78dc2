package larder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hyperengineering/larder/internal/store"
	"gopkg.in/yaml.v3"
)

// Remote kinds accepted by Config.Remote.
const (
	RemoteNone   = ""
	RemoteFolder = "folder"
	RemoteDrive  = "drive"
)

// Config configures the Larder client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, LocalPath is derived from Library.
	LocalPath string

	// Library is the library ID to operate against.
	// If empty, resolved using library resolution (explicit > LARDER_LIBRARY env > "default").
	Library string

	// Remote selects the remote backend: "folder", "drive", or empty for local only.
	Remote string

	// FolderPath is the root directory used by the folder remote.
	FolderPath string

	// DriveCredentialsPath is the OAuth client secret JSON for the Drive remote.
	DriveCredentialsPath string

	// DriveTokenPath is the cached OAuth token for the Drive remote.
	// Defaults to token.json next to the library database.
	DriveTokenPath string

	// SyncFolderName is the name of the remote folder recipes sync into.
	// Defaults to "Larder".
	SyncFolderName string

	// SyncInterval is how often the background runner performs a full pass.
	// Defaults to 15 minutes.
	SyncInterval time.Duration

	// AutoSync starts the background runner when the client opens.
	AutoSync bool

	// MaxAttempts is the retry ceiling for a single operation.
	// Defaults to 10.
	MaxAttempts int

	// Concurrency bounds how many recipes a pass works on at once.
	// Defaults to 2.
	Concurrency int

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string

	// LogPath, when set, writes logs to a rotating file instead of stderr.
	LogPath string

	// Logger overrides the logger built from LogLevel and LogPath.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Library:        "default",
		LocalPath:      store.LibraryDBPath("default"),
		SyncFolderName: "Larder",
		SyncInterval:   15 * time.Minute,
		AutoSync:       true,
		MaxAttempts:    DefaultMaxAttempts,
		Concurrency:    2,
		LogLevel:       "info",
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	LARDER_DB_PATH           → LocalPath
//	LARDER_LIBRARY           → Library
//	LARDER_REMOTE            → Remote
//	LARDER_FOLDER_PATH       → FolderPath
//	LARDER_DRIVE_CREDENTIALS → DriveCredentialsPath
//	LARDER_DRIVE_TOKEN       → DriveTokenPath
//	LARDER_SYNC_FOLDER       → SyncFolderName
//	LARDER_SYNC_INTERVAL     → SyncInterval (Go duration)
//	LARDER_MAX_ATTEMPTS      → MaxAttempts
//	LARDER_LOG_LEVEL         → LogLevel
//	LARDER_LOG_FILE          → LogPath
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath:            os.Getenv("LARDER_DB_PATH"),
		Library:              os.Getenv("LARDER_LIBRARY"),
		Remote:               os.Getenv("LARDER_REMOTE"),
		FolderPath:           os.Getenv("LARDER_FOLDER_PATH"),
		DriveCredentialsPath: os.Getenv("LARDER_DRIVE_CREDENTIALS"),
		DriveTokenPath:       os.Getenv("LARDER_DRIVE_TOKEN"),
		SyncFolderName:       os.Getenv("LARDER_SYNC_FOLDER"),
		LogLevel:             os.Getenv("LARDER_LOG_LEVEL"),
		LogPath:              os.Getenv("LARDER_LOG_FILE"),
	}
	if v := os.Getenv("LARDER_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	if v := os.Getenv("LARDER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	return cfg
}

// fileConfig is the on-disk YAML shape of Config.
type fileConfig struct {
	Library      string `yaml:"library"`
	DBPath       string `yaml:"db_path"`
	SyncFolder   string `yaml:"sync_folder"`
	SyncInterval string `yaml:"sync_interval"`
	AutoSync     *bool  `yaml:"auto_sync"`
	MaxAttempts  int    `yaml:"max_attempts"`
	Concurrency  int    `yaml:"concurrency"`
	Remote       struct {
		Kind        string `yaml:"kind"`
		FolderPath  string `yaml:"folder_path"`
		Credentials string `yaml:"credentials"`
		Token       string `yaml:"token"`
	} `yaml:"remote"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// DefaultConfigFile returns the path of the user's config file.
func DefaultConfigFile() string {
	return filepath.Join(filepath.Dir(store.DefaultLibraryRoot()), "config.yaml")
}

// LoadConfigFile reads a YAML config file. A missing file yields an empty
// Config and no error.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := Config{
		LocalPath:            fc.DBPath,
		Library:              fc.Library,
		Remote:               fc.Remote.Kind,
		FolderPath:           fc.Remote.FolderPath,
		DriveCredentialsPath: fc.Remote.Credentials,
		DriveTokenPath:       fc.Remote.Token,
		SyncFolderName:       fc.SyncFolder,
		MaxAttempts:          fc.MaxAttempts,
		Concurrency:          fc.Concurrency,
		LogLevel:             fc.Log.Level,
		LogPath:              fc.Log.File,
	}
	if fc.AutoSync != nil {
		cfg.AutoSync = *fc.AutoSync
	}
	if fc.SyncInterval != "" {
		d, err := time.ParseDuration(fc.SyncInterval)
		if err != nil {
			return Config{}, &ValidationError{Field: "SyncInterval", Message: err.Error()}
		}
		cfg.SyncInterval = d
	}
	return cfg, nil
}

// Merge returns c with every unset field taken from other.
func (c Config) Merge(other Config) Config {
	if c.LocalPath == "" {
		c.LocalPath = other.LocalPath
	}
	if c.Library == "" {
		c.Library = other.Library
	}
	if c.Remote == "" {
		c.Remote = other.Remote
	}
	if c.FolderPath == "" {
		c.FolderPath = other.FolderPath
	}
	if c.DriveCredentialsPath == "" {
		c.DriveCredentialsPath = other.DriveCredentialsPath
	}
	if c.DriveTokenPath == "" {
		c.DriveTokenPath = other.DriveTokenPath
	}
	if c.SyncFolderName == "" {
		c.SyncFolderName = other.SyncFolderName
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = other.SyncInterval
	}
	if !c.AutoSync {
		c.AutoSync = other.AutoSync
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = other.MaxAttempts
	}
	if c.Concurrency == 0 {
		c.Concurrency = other.Concurrency
	}
	if c.LogLevel == "" {
		c.LogLevel = other.LogLevel
	}
	if c.LogPath == "" {
		c.LogPath = other.LogPath
	}
	if c.Logger == nil {
		c.Logger = other.Logger
	}
	return c
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Library != "" {
		if err := store.ValidateLibraryID(c.Library); err != nil {
			return &ValidationError{Field: "Library", Message: err.Error()}
		}
	}

	switch c.Remote {
	case RemoteNone:
	case RemoteFolder:
		if c.FolderPath == "" {
			return &ValidationError{Field: "FolderPath", Message: "required when Remote is folder"}
		}
	case RemoteDrive:
		if c.DriveCredentialsPath == "" {
			return &ValidationError{Field: "DriveCredentialsPath", Message: "required when Remote is drive"}
		}
	default:
		return &ValidationError{Field: "Remote", Message: fmt.Sprintf("unknown remote %q (want folder or drive)", c.Remote)}
	}

	if c.SyncInterval < 0 {
		return &ValidationError{Field: "SyncInterval", Message: "must be non-negative"}
	}
	if c.MaxAttempts < 0 {
		return &ValidationError{Field: "MaxAttempts", Message: "must be non-negative"}
	}
	if c.Concurrency < 0 {
		return &ValidationError{Field: "Concurrency", Message: "must be non-negative"}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return &ValidationError{Field: "LogLevel", Message: err.Error()}
	}

	return nil
}

// IsOffline returns true if no remote backend is configured.
func (c *Config) IsOffline() bool {
	return c.Remote == RemoteNone
}

// WithDefaults fills in default values for unset fields.
// Library resolution: explicit Library field > LARDER_LIBRARY env > "default".
// LocalPath is derived from the resolved library if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Library == "" {
		resolved, err := store.ResolveLibrary("")
		if err == nil {
			c.Library = resolved
		} else {
			c.Library = "default"
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.LibraryDBPath(c.Library)
	}
	if c.Remote == RemoteDrive && c.DriveTokenPath == "" {
		c.DriveTokenPath = filepath.Join(filepath.Dir(c.LocalPath), "token.json")
	}
	if c.SyncFolderName == "" {
		c.SyncFolderName = defaults.SyncFolderName
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}

	return c
}
