// Package config loads service configuration from an optional YAML file
// followed by environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Engine struct {
		Workers       int           `yaml:"workers"`
		MaxRetries    int           `yaml:"max_retries"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
		QueueCapacity int           `yaml:"queue_capacity"`
		PromoteCron   string        `yaml:"promote_cron"`
	} `yaml:"engine"`
	Oracle struct {
		Limit       int64         `yaml:"limit"`
		Window      time.Duration `yaml:"window"`
		FailureRate *float64      `yaml:"failure_rate"`
		MinPrice    string        `yaml:"min_price"`
		MaxPrice    string        `yaml:"max_price"`
	} `yaml:"oracle"`
	Minio struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Engine.PromoteCron, "PROMOTE_CRON")
	setString(&c.Oracle.MinPrice, "ORACLE_MIN_PRICE")
	setString(&c.Oracle.MaxPrice, "ORACLE_MAX_PRICE")
	setString(&c.Minio.Endpoint, "MINIO_ENDPOINT")
	setString(&c.Minio.AccessKey, "MINIO_ROOT_USER")
	setString(&c.Minio.SecretKey, "MINIO_ROOT_PASSWORD")
	setString(&c.Minio.Bucket, "MINIO_BUCKET")

	if err := setInt(&c.Engine.Workers, "WORKERS"); err != nil {
		return err
	}
	if err := setInt(&c.Engine.MaxRetries, "MAX_RETRIES"); err != nil {
		return err
	}
	if err := setInt(&c.Engine.QueueCapacity, "QUEUE_CAPACITY"); err != nil {
		return err
	}
	if err := setDuration(&c.Engine.RetryDelay, "RETRY_DELAY"); err != nil {
		return err
	}
	if err := setDuration(&c.Oracle.Window, "ORACLE_WINDOW"); err != nil {
		return err
	}
	if v := os.Getenv("ORACLE_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ORACLE_LIMIT: %w", err)
		}
		c.Oracle.Limit = n
	}
	if v := os.Getenv("ORACLE_FAILURE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ORACLE_FAILURE_RATE: %w", err)
		}
		c.Oracle.FailureRate = &f
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MINIO_USE_SSL: %w", err)
		}
		c.Minio.UseSSL = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.RetryDelay == 0 {
		c.Engine.RetryDelay = 5 * time.Second
	}
	if c.Engine.QueueCapacity == 0 {
		c.Engine.QueueCapacity = 1024
	}
	if c.Engine.PromoteCron == "" {
		c.Engine.PromoteCron = "@every 1s"
	}
	if c.Oracle.Limit == 0 {
		c.Oracle.Limit = 10
	}
	if c.Oracle.Window == 0 {
		c.Oracle.Window = time.Minute
	}
	if c.Oracle.FailureRate == nil {
		rate := 0.3
		c.Oracle.FailureRate = &rate
	}
	if c.Oracle.MinPrice == "" {
		c.Oracle.MinPrice = "10"
	}
	if c.Oracle.MaxPrice == "" {
		c.Oracle.MaxPrice = "100"
	}
	if c.Minio.Bucket == "" {
		c.Minio.Bucket = "fidc-exports"
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	if c.Engine.RetryDelay < 0 {
		return fmt.Errorf("engine.retry_delay must not be negative")
	}
	if c.Oracle.Limit < 1 {
		return fmt.Errorf("oracle.limit must be positive")
	}
	if r := *c.Oracle.FailureRate; r < 0 || r > 1 {
		return fmt.Errorf("oracle.failure_rate must be within [0, 1]")
	}
	lo, hi, err := c.PriceRange()
	if err != nil {
		return err
	}
	if !lo.IsPositive() || hi.LessThan(lo) {
		return fmt.Errorf("oracle price range [%s, %s] is invalid", lo, hi)
	}
	return nil
}

// PriceRange parses the oracle's price bounds.
func (c *Config) PriceRange() (decimal.Decimal, decimal.Decimal, error) {
	lo, err := decimal.NewFromString(c.Oracle.MinPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("oracle.min_price: %w", err)
	}
	hi, err := decimal.NewFromString(c.Oracle.MaxPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("oracle.max_price: %w", err)
	}
	return lo, hi, nil
}

// ExportEnabled reports whether object storage is configured.
func (c *Config) ExportEnabled() bool {
	return c.Minio.Endpoint != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
