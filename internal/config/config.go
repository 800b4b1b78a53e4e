package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultCensusACSURL    = "https://api.census.gov/data/2022/acs/acs5"
	DefaultRelationshipURL = "https://www2.census.gov/geo/docs/maps-data/data/rel2020/zcta520/tab20_zcta520_county20_natl.txt"
	DefaultSpendingURL     = "https://data.texas.gov/resource/xys8-xb33.json"
)

type Config struct {
	// HTTP Server
	Port               string
	RateLimitPerMinute int

	LogLevel string

	// Datasets
	DataDir           string
	DataBackend       string
	SQLiteDBPath      string
	StateFips         string
	RegionZipPrefixes []string
	HQBiasCapRatio    float64

	// Upstream sources
	CensusAPIKey     string
	CensusACSURL     string
	RelationshipURL  string
	SpendingURL      string
	SODAAppToken     string
	SpendingPageSize int
	FetchTimeout     time.Duration
	FetchRetries     int
	// RefreshInterval > 0 keeps cmd/refresh running and refreshing on that schedule
	RefreshInterval  time.Duration

	// AMQP refresh notifications; disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string

	// Google Sheets export; disabled when GoogleSpreadsheetID is empty
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
}

func Load() *Config {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		LogLevel:           getEnv("LOG_LEVEL", "info"),

		DataDir:           getEnv("DATA_DIR", "./data"),
		DataBackend:       getEnv("DATA_BACKEND", "json"),
		SQLiteDBPath:      getEnv("SQLITE_DB_PATH", "./data/txtax.db"),
		StateFips:         getEnv("STATE_FIPS", "48"),
		RegionZipPrefixes: getEnvList("REGION_ZIP_PREFIXES"),
		HQBiasCapRatio:    getEnvFloat("HQ_BIAS_CAP_RATIO", 2.0),

		CensusAPIKey:     getEnv("CENSUS_API_KEY", ""),
		CensusACSURL:     getEnv("CENSUS_ACS_URL", DefaultCensusACSURL),
		RelationshipURL:  getEnv("RELATIONSHIP_URL", DefaultRelationshipURL),
		SpendingURL:      getEnv("SPENDING_DATASET_URL", DefaultSpendingURL),
		SODAAppToken:     getEnv("SODA_APP_TOKEN", ""),
		SpendingPageSize: getEnvInt("SPENDING_PAGE_SIZE", 50000),
		FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", 2*time.Minute),
		FetchRetries:     getEnvInt("FETCH_RETRIES", 4),
		RefreshInterval:  getEnvDuration("REFRESH_INTERVAL", 0),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "txtax.refresh"),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:          getEnv("GOOGLE_SHEET_NAME", "Counties"),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
	}

	return cfg
}

// Validate validates the configuration and returns an error listing every problem found.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitPerMinute))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

	validBackends := []string{"json", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataDir == "" {
		errors = append(errors, "data directory cannot be empty")
	}

	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if len(c.StateFips) != 2 || !isDigits(c.StateFips) {
		errors = append(errors, fmt.Sprintf("invalid state FIPS '%s': must be two digits", c.StateFips))
	}
	for _, p := range c.RegionZipPrefixes {
		if len(p) != 3 || !isDigits(p) {
			errors = append(errors, fmt.Sprintf("invalid ZIP prefix '%s': must be three digits", p))
		}
	}

	if c.HQBiasCapRatio <= 1 {
		errors = append(errors, fmt.Sprintf("invalid HQ bias cap ratio %v: must be greater than 1", c.HQBiasCapRatio))
	}

	for name, raw := range map[string]string{
		"census ACS":   c.CensusACSURL,
		"relationship": c.RelationshipURL,
		"spending":     c.SpendingURL,
	} {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, fmt.Sprintf("invalid %s URL '%s': must be an absolute http(s) URL", name, raw))
		}
	}

	if c.SpendingPageSize < 1 || c.SpendingPageSize > 50000 {
		errors = append(errors, fmt.Sprintf("invalid spending page size %d: must be between 1 and 50000", c.SpendingPageSize))
	}
	if c.FetchTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid fetch timeout %v: must be at least 1 second", c.FetchTimeout))
	}
	if c.RefreshInterval != 0 && c.RefreshInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid refresh interval %v: must be 0 or at least 1 minute", c.RefreshInterval))
	}
	if c.FetchRetries < 0 || c.FetchRetries > 10 {
		errors = append(errors, fmt.Sprintf("invalid fetch retries %d: must be between 0 and 10", c.FetchRetries))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.GoogleSpreadsheetID != "" {
		if c.GoogleSheetName == "" {
			errors = append(errors, "Google Sheet name is required when a spreadsheet ID is set")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// RequireCensusKey reports a missing Census API key. Only census ingestion needs one.
func (c *Config) RequireCensusKey() error {
	if strings.TrimSpace(c.CensusAPIKey) == "" {
		return fmt.Errorf("CENSUS_API_KEY is required (get a free key at https://api.census.gov/data/key_signup.html)")
	}
	return nil
}

// SheetsEnabled reports whether the spending summary should be exported to Google Sheets.
func (c *Config) SheetsEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

// AMQPEnabled reports whether refresh notifications are published and consumed.
func (c *Config) AMQPEnabled() bool {
	return c.AMQPURL != ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
