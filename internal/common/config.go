package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// defaultStorePath is the crawl store root used when neither the config
// file nor the environment picks one.
const defaultStorePath = "./data/crawls"

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" yaml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server" yaml:"server"`
	Storage     StorageConfig   `toml:"storage" yaml:"storage"`
	Logging     LoggingConfig   `toml:"logging" yaml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket" yaml:"websocket"`
	Crawler     CrawlerConfig   `toml:"crawler" yaml:"crawler"`
}

type ServerConfig struct {
	Port int    `toml:"port" yaml:"port"`
	Host string `toml:"host" yaml:"host"`
}

// StorageConfig locates the two on-disk stores: the crawl job tree and the
// Badger database backing the shared robots.txt cache.
type StorageConfig struct {
	Path   string       `toml:"path" yaml:"path"` // Crawl store root directory
	Badger BadgerConfig `toml:"badger" yaml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" yaml:"path"`                         // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level"`             // "debug", "info", "warn", "error"
	Format     string   `toml:"format" yaml:"format"`           // "json" or "text"
	Output     []string `toml:"output" yaml:"output"`           // "stdout", "file"
	TimeFormat string   `toml:"time_format" yaml:"time_format"` // Time format for logs (default: "15:04:05")
}

// WebSocketConfig contains configuration for WebSocket log streaming
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level" yaml:"min_level"`               // Minimum log level to broadcast ("debug", "info", "warn", "error")
	ExcludePatterns []string `toml:"exclude_patterns" yaml:"exclude_patterns"` // Log message patterns to exclude from broadcasting
}

// CrawlerConfig carries the system-wide crawl ceilings. A ceiling only ever
// tightens what a job requests; zero values leave job parameters untouched.
type CrawlerConfig struct {
	UserAgent            string  `toml:"user_agent" yaml:"user_agent"`                           // Default user agent for jobs that do not set one
	MaxConcurrency       int     `toml:"max_concurrency" yaml:"max_concurrency"`                 // Cap on per-job worker count
	DefaultRatePerDomain float64 `toml:"default_rate_per_domain" yaml:"default_rate_per_domain"` // Requests per second per domain when a job omits its own rate
	HardPageLimit        int     `toml:"hard_page_limit" yaml:"hard_page_limit"`                 // Absolute max pages per job (0 = no ceiling)
	HardDurationSec      int     `toml:"hard_duration_sec" yaml:"hard_duration_sec"`             // Absolute max crawl duration per job (0 = no ceiling)
	AssetCapture         bool    `toml:"asset_capture" yaml:"asset_capture"`                     // When false, asset capture is disabled for every job
	MaxBrowserTabs       int     `toml:"max_browser_tabs" yaml:"max_browser_tabs"`               // Cap on simultaneous headless browser tabs
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in aranea.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Path: defaultStorePath,
			Badger: BadgerConfig{
				Path: "./data/robots",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",                     // Info level for production (debug|info|warn|error)
			Format:     "text",                     // Human-readable text format (text|json)
			Output:     []string{"stdout", "file"}, // Log to both console and file
			TimeFormat: "15:04:05",
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info", // Default: info level and above
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
				"Publishing event",
			},
		},
		Crawler: CrawlerConfig{
			UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			MaxConcurrency:       16,
			DefaultRatePerDomain: 1.0,
			HardPageLimit:        0, // No page ceiling unless the operator sets one
			HardDurationSec:      0, // No duration ceiling unless the operator sets one
			AssetCapture:         true,
			MaxBrowserTabs:       4,
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier
// files. TOML and YAML files may be mixed; the extension picks the parser.
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			err = toml.Unmarshal(data, config)
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = fmt.Errorf("unsupported config extension %q (use .toml, .yaml, or .yml)", filepath.Ext(path))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: ARANEA_ENV, fallback: GO_ENV)
	if env := os.Getenv("ARANEA_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("ARANEA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ARANEA_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration. USER_DATA_DIR moves the default store root but
	// never overrides a path picked explicitly in a file or ARANEA_STORAGE_PATH.
	if dataDir := os.Getenv("USER_DATA_DIR"); dataDir != "" && config.Storage.Path == defaultStorePath {
		config.Storage.Path = filepath.Join(dataDir, "crawls")
	}
	if path := os.Getenv("ARANEA_STORAGE_PATH"); path != "" {
		config.Storage.Path = path
	}
	if badgerPath := os.Getenv("ARANEA_ROBOTS_CACHE_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("ARANEA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("ARANEA_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("ARANEA_LOG_OUTPUT"); output != "" {
		if outputs := splitCSV(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// WebSocket configuration
	if minLevel := os.Getenv("ARANEA_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}
	if excludePatterns := os.Getenv("ARANEA_WEBSOCKET_EXCLUDE_PATTERNS"); excludePatterns != "" {
		if patterns := splitCSV(excludePatterns); len(patterns) > 0 {
			config.WebSocket.ExcludePatterns = patterns
		}
	}

	// Crawl ceilings. These are the operator-facing limits, so they keep
	// their unprefixed names.
	if userAgent := os.Getenv("CRAWL_USER_AGENT"); userAgent != "" {
		config.Crawler.UserAgent = userAgent
	}
	if maxConcurrency := os.Getenv("CRAWL_MAX_CONCURRENCY"); maxConcurrency != "" {
		if mc, err := strconv.Atoi(maxConcurrency); err == nil {
			config.Crawler.MaxConcurrency = mc
		}
	}
	if ratePerDomain := os.Getenv("CRAWL_DEFAULT_RATE_PER_DOMAIN"); ratePerDomain != "" {
		if r, err := strconv.ParseFloat(ratePerDomain, 64); err == nil {
			config.Crawler.DefaultRatePerDomain = r
		}
	}
	if hardPageLimit := os.Getenv("CRAWL_HARD_PAGE_LIMIT"); hardPageLimit != "" {
		if hpl, err := strconv.Atoi(hardPageLimit); err == nil {
			config.Crawler.HardPageLimit = hpl
		}
	}
	if hardDurationSec := os.Getenv("CRAWL_HARD_DURATION_SEC"); hardDurationSec != "" {
		if hds, err := strconv.Atoi(hardDurationSec); err == nil {
			config.Crawler.HardDurationSec = hds
		}
	}
	if assetCapture := os.Getenv("CRAWL_ENABLE_ASSET_CAPTURE"); assetCapture != "" {
		if ac, err := strconv.ParseBool(assetCapture); err == nil {
			config.Crawler.AssetCapture = ac
		}
	}
	if maxTabs := os.Getenv("CRAWL_MAX_BROWSER_TABS"); maxTabs != "" {
		if mt, err := strconv.Atoi(maxTabs); err == nil {
			config.Crawler.MaxBrowserTabs = mt
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// splitCSV splits a comma-separated env value into trimmed, non-empty parts.
func splitCSV(s string) []string {
	parts := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
