package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.json"
	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "DOCSYNC"
	// DotEnvFile is loaded from the working directory when present
	DotEnvFile = ".env"
)

var validLogLevels = []string{"quiet", "normal", "verbose", "debug"}

// Config holds application configuration
type Config struct {
	// DataDir holds account registries and offline content
	DataDir string `json:"dataDir" mapstructure:"dataDir"`

	// DefaultAccount is used when --account is not given
	DefaultAccount string `json:"defaultAccount" mapstructure:"defaultAccount"`

	// DefaultOutputFormat is the default output format (json, table)
	DefaultOutputFormat types.OutputFormat `json:"defaultOutputFormat" mapstructure:"defaultOutputFormat"`

	// RefreshSchedule is the cron spec the daemon refreshes on
	RefreshSchedule string `json:"refreshSchedule" mapstructure:"refreshSchedule"`

	// ProgressThrottleMs is the minimum interval between aggregate progress notifications
	ProgressThrottleMs int `json:"progressThrottleMs" mapstructure:"progressThrottleMs"`

	// ListConcurrency bounds concurrent folder listings during refresh
	ListConcurrency int `json:"listConcurrency" mapstructure:"listConcurrency"`

	// MaxRetries is the maximum number of retries for API calls
	MaxRetries int `json:"maxRetries" mapstructure:"maxRetries"`

	// RetryBaseDelay is the base delay for exponential backoff in milliseconds
	RetryBaseDelay int `json:"retryBaseDelay" mapstructure:"retryBaseDelay"`

	// RequestTimeout is the default request timeout in seconds
	RequestTimeout int `json:"requestTimeout" mapstructure:"requestTimeout"`

	// LogLevel sets the logging verbosity (quiet, normal, verbose, debug)
	LogLevel string `json:"logLevel" mapstructure:"logLevel"`

	// LogFile enables JSON file logging when set
	LogFile string `json:"logFile" mapstructure:"logFile"`

	// ColorOutput enables color output for console logs
	ColorOutput bool `json:"colorOutput" mapstructure:"colorOutput"`

	// WatchLocalEdits makes the daemon mark edited content files as locally modified
	WatchLocalEdits bool `json:"watchLocalEdits" mapstructure:"watchLocalEdits"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	dataDir := ""
	if dir, err := GetConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "data")
	}
	return &Config{
		DataDir:             dataDir,
		DefaultOutputFormat: types.OutputFormatJSON,
		RefreshSchedule:     utils.DefaultRefreshSchedule,
		ProgressThrottleMs:  utils.DefaultProgressThrottleMs,
		ListConcurrency:     utils.DefaultListConcurrency,
		MaxRetries:          utils.DefaultMaxRetries,
		RetryBaseDelay:      utils.DefaultRetryDelayMs,
		RequestTimeout:      60, // 60 seconds
		LogLevel:            "normal",
		ColorOutput:         true,
		WatchLocalEdits:     true,
	}
}

// keys lists every config key with its environment variable suffix
var keys = map[string]string{
	"dataDir":             "DATA_DIR",
	"defaultAccount":      "DEFAULT_ACCOUNT",
	"defaultOutputFormat": "OUTPUT_FORMAT",
	"refreshSchedule":     "REFRESH_SCHEDULE",
	"progressThrottleMs":  "PROGRESS_THROTTLE_MS",
	"listConcurrency":     "LIST_CONCURRENCY",
	"maxRetries":          "MAX_RETRIES",
	"retryBaseDelay":      "RETRY_BASE_DELAY",
	"requestTimeout":      "REQUEST_TIMEOUT",
	"logLevel":            "LOG_LEVEL",
	"logFile":             "LOG_FILE",
	"colorOutput":         "COLOR_OUTPUT",
	"watchLocalEdits":     "WATCH_LOCAL_EDITS",
}

// Load loads configuration with precedence: CLI flags > env vars > config file > defaults
func Load() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads configuration from an explicit file path
func LoadFrom(path string) (*Config, error) {
	// A missing .env is normal; a malformed one is not.
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", DotEnvFile, err)
	}

	v := viper.New()
	defaults, err := toMap(DefaultConfig())
	if err != nil {
		return nil, err
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range keys {
		if err := v.BindEnv(key, EnvPrefix+"_"+env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		// Config file not existing is not an error
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func toMap(c *Config) (map[string]interface{}, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Entry is one settable key with its current value and environment variable
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Env   string `json:"env"`
}

// Entries lists every settable key in name order
func (c *Config) Entries() ([]Entry, error) {
	values, err := toMap(c)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for key, env := range keys {
		value := ""
		if v, ok := values[key]; ok && v != nil {
			value = fmt.Sprint(v)
		}
		entries = append(entries, Entry{Key: key, Value: value, Env: EnvPrefix + "_" + env})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo writes the configuration to path with owner-only permissions
func (c *Config) SaveTo(configPath string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DefaultOutputFormat != types.OutputFormatJSON &&
		c.DefaultOutputFormat != types.OutputFormatTable {
		return fmt.Errorf("invalid output format: %s (must be 'json' or 'table')", c.DefaultOutputFormat)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data directory must be set")
	}

	if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", c.RefreshSchedule, err)
	}

	if c.ProgressThrottleMs < 0 || c.ProgressThrottleMs > 60000 {
		return fmt.Errorf("progress throttle must be between 0 and 60000 ms, got: %d", c.ProgressThrottleMs)
	}

	if c.ListConcurrency < 1 || c.ListConcurrency > 32 {
		return fmt.Errorf("list concurrency must be between 1 and 32, got: %d", c.ListConcurrency)
	}

	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("max retries must be between 0 and 10, got: %d", c.MaxRetries)
	}

	if c.RetryBaseDelay < 100 || c.RetryBaseDelay > 60000 {
		return fmt.Errorf("retry base delay must be between 100ms and 60000ms, got: %d", c.RetryBaseDelay)
	}

	if c.RequestTimeout < 1 || c.RequestTimeout > 3600 {
		return fmt.Errorf("request timeout must be between 1 and 3600 seconds, got: %d", c.RequestTimeout)
	}

	isValid := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			isValid = true
			break
		}
	}
	if !isValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// Set assigns a single key from its string form, as used by `config set`
func (c *Config) Set(key, value string) error {
	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return n, nil
	}

	next := *c
	switch strings.ToLower(key) {
	case "datadir":
		next.DataDir = value
	case "defaultaccount":
		next.DefaultAccount = value
	case "defaultoutputformat":
		next.DefaultOutputFormat = types.OutputFormat(value)
	case "refreshschedule":
		next.RefreshSchedule = value
	case "progressthrottlems":
		n, err := atoi()
		if err != nil {
			return err
		}
		next.ProgressThrottleMs = n
	case "listconcurrency":
		n, err := atoi()
		if err != nil {
			return err
		}
		next.ListConcurrency = n
	case "maxretries":
		n, err := atoi()
		if err != nil {
			return err
		}
		next.MaxRetries = n
	case "retrybasedelay":
		n, err := atoi()
		if err != nil {
			return err
		}
		next.RetryBaseDelay = n
	case "requesttimeout":
		n, err := atoi()
		if err != nil {
			return err
		}
		next.RequestTimeout = n
	case "loglevel":
		next.LogLevel = value
	case "logfile":
		next.LogFile = value
	case "coloroutput":
		next.ColorOutput = parseBool(value)
	case "watchlocaledits":
		next.WatchLocalEdits = parseBool(value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// GetProgressThrottle returns the progress throttle as a duration
func (c *Config) GetProgressThrottle() time.Duration {
	return time.Duration(c.ProgressThrottleMs) * time.Millisecond
}

// GetRetryBaseDelay returns the retry base delay as a duration
func (c *Config) GetRetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelay) * time.Millisecond
}

// GetRequestTimeout returns the request timeout as a duration
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, ConfigFileName), nil
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "docsync"), nil
}

// parseBool parses a boolean value from a string
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
