package tagcache

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Connection defaults shared by the remote drivers. Empty or zero values in
// a config section fall back to these, which lets a layered configuration
// selectively blank out inherited settings (credentials in particular).
const (
	DefaultHost       = "127.0.0.1"
	DefaultMongoPort  = 27017
	DefaultRedisPort  = 6379
	DefaultDatabase   = "Db_Cache"
	DefaultCollection = "C_Cache"
	DefaultTTL        = 3600 * time.Second
)

// Config is the top-level YAML-loadable configuration. Each driver reads
// only its own section.
type Config struct {
	// DefaultTTLSeconds is the lifetime applied to saves that pass
	// TTLDefault. Zero falls back to DefaultTTL (one hour).
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`

	Memory MemoryConfig `yaml:"memory"`
	FS     FSConfig     `yaml:"fs"`
	Redis  RedisConfig  `yaml:"redis"`
	Mongo  MongoConfig  `yaml:"mongo"`
	S3     S3Config     `yaml:"s3"`
}

// DefaultTTL returns the configured default lifetime.
func (c Config) DefaultTTL() time.Duration {
	if c.DefaultTTLSeconds <= 0 {
		return DefaultTTL
	}
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// MemoryConfig configures the in-process driver.
type MemoryConfig struct {
	// MaxBytes is the storage quota backing FillPercentage. Zero means no
	// quota, in which case FillPercentage fails with ErrNoQuota.
	MaxBytes int64 `yaml:"max_bytes"`

	// SweepIntervalSeconds enables the background expiry sweeper when
	// positive.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// SweepInterval returns the janitor period, zero when disabled.
func (c MemoryConfig) SweepInterval() time.Duration {
	if c.SweepIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// FSConfig configures the filesystem driver.
type FSConfig struct {
	// Dir is the cache directory. Required.
	Dir string `yaml:"dir"`

	// MaxBytes is the storage quota backing FillPercentage.
	MaxBytes int64 `yaml:"max_bytes"`
}

// RedisConfig configures the Redis driver.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DB is the Redis logical database index.
	DB int `yaml:"db"`

	// Prefix namespaces every key written by the driver.
	Prefix string `yaml:"prefix"`
}

// WithDefaults returns a copy with unset fields replaced by defaults.
func (c RedisConfig) WithDefaults() RedisConfig {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultRedisPort
	}
	if c.Prefix == "" {
		c.Prefix = DefaultCollection
	}
	return c
}

// Addr returns the host:port address for the Redis client.
func (c RedisConfig) Addr() string {
	c = c.WithDefaults()
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MongoConfig configures the MongoDB driver.
type MongoConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// WithDefaults returns a copy with unset fields replaced by defaults.
func (c MongoConfig) WithDefaults() MongoConfig {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultMongoPort
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	return c
}

// URI builds the connection string. The credentials segment is omitted
// entirely unless both username and password are non-empty.
func (c MongoConfig) URI() string {
	c = c.WithDefaults()
	if c.Username != "" && c.Password != "" {
		creds := url.UserPassword(c.Username, c.Password).String()
		return fmt.Sprintf("mongodb://%s@%s:%d", creds, c.Host, c.Port)
	}
	return fmt.Sprintf("mongodb://%s:%d", c.Host, c.Port)
}

// S3Config configures the S3 driver.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`

	// MaxBytes is the storage quota backing FillPercentage.
	MaxBytes int64 `yaml:"max_bytes"`
}

// WithDefaults returns a copy with unset fields replaced by defaults.
func (c S3Config) WithDefaults() S3Config {
	if c.Prefix == "" {
		c.Prefix = DefaultCollection
	}
	return c
}

// DecodeStrict decodes YAML from a reader and rejects any unknown fields,
// so the file only contains recognized configuration keys.
func DecodeStrict(r io.Reader, out interface{}) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads a strict-YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := DecodeStrict(f, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
