package mega

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default settings
const (
	API_URL              = "https://g.api.mega.co.nz"
	BASE_DOWNLOAD_URL    = "https://mega.nz"
	RETRIES              = 10
	DOWNLOAD_WORKERS     = 3
	MAX_DOWNLOAD_WORKERS = 30
	TIMEOUT              = time.Second * 10
	HTTPSONLY            = false
	RATE_LIMIT_REQUESTS  = 100
	RATE_LIMIT_PERIOD    = time.Minute
	minSleepTime         = 10 * time.Millisecond // for retries
	maxSleepTime         = 5 * time.Second       // for retries
)

// RateLimitConfig bounds the number of API requests per period
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Period   time.Duration `yaml:"period"`
}

// Config holds the client settings
type Config struct {
	// Mega service base url
	BaseURL string `yaml:"api_url"`
	// Number of retries for api calls and transfers
	Retries int `yaml:"retries"`
	// Connection timeout
	Timeout time.Duration `yaml:"timeout"`
	// Use https for transfers
	HTTPS bool `yaml:"https"`
	// Outbound API request budget
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// Goroutines for CPU bound crypto, 0 means one per CPU
	BlockingWorkers int `yaml:"blocking_workers"`
	// Files downloaded concurrently
	DownloadWorkers int `yaml:"download_workers"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BaseURL: API_URL,
		Retries: RETRIES,
		Timeout: TIMEOUT,
		HTTPS:   HTTPSONLY,
		RateLimit: RateLimitConfig{
			Requests: RATE_LIMIT_REQUESTS,
			Period:   RATE_LIMIT_PERIOD,
		},
		DownloadWorkers: DOWNLOAD_WORKERS,
	}
}

// LoadConfig loads configuration from a YAML file. A missing file
// gives the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.SetAPIUrl(cfg.BaseURL)
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("config: api_url is empty")
	case c.Retries < 0:
		return fmt.Errorf("config: retries must not be negative")
	case c.RateLimit.Requests <= 0 || c.RateLimit.Period <= 0:
		return fmt.Errorf("config: rate_limit needs positive requests and period")
	case c.DownloadWorkers <= 0 || c.DownloadWorkers > MAX_DOWNLOAD_WORKERS:
		return fmt.Errorf("config: download_workers must be in 1..%d", MAX_DOWNLOAD_WORKERS)
	}
	return nil
}

// Set mega service base url
func (c *Config) SetAPIUrl(u string) {
	c.BaseURL = strings.TrimRight(u, "/")
}

// Set number of retries for api calls
func (c *Config) SetRetries(r int) {
	c.Retries = r
}

// Set concurrent download workers
func (c *Config) SetDownloadWorkers(w int) error {
	if w > 0 && w <= MAX_DOWNLOAD_WORKERS {
		c.DownloadWorkers = w
		return nil
	}

	return EWORKER_LIMIT_EXCEEDED
}

// Set connection timeout
func (c *Config) SetTimeOut(t time.Duration) {
	c.Timeout = t
}

// Set use https for transfers
func (c *Config) SetHTTPS(e bool) {
	c.HTTPS = e
}
