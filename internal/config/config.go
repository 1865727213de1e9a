// Package config loads blockvfs settings from a YAML file, BLOCKVFS_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kochman/blockvfs"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "BLOCKVFS"

// Backends lists the accepted values of the backend setting.
var Backends = []string{"memory", "file", "gcs", "s3", "minio"}

type Config struct {
	Backend string `mapstructure:"backend"`

	// file backend
	Dir string `mapstructure:"dir"`

	// object store backends
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	CredentialsFile string `mapstructure:"credentials_file"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	PathStyle       bool   `mapstructure:"path_style"`

	// minimum time between rewrites of one GCS object
	WriteInterval time.Duration `mapstructure:"write_interval"`

	BlockSize  int   `mapstructure:"block_size"`
	LockOffset int64 `mapstructure:"lock_offset"`
	Cache      bool  `mapstructure:"cache"`

	MetricsAddr string    `mapstructure:"metrics_addr"`
	Log         LogConfig `mapstructure:"log"`
	NBD         NBDConfig `mapstructure:"nbd"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

type NBDConfig struct {
	Addr   string `mapstructure:"addr"`
	Size   int64  `mapstructure:"size"`
	Export string `mapstructure:"export"`
}

// flagKeys maps flag names to setting keys.
var flagKeys = map[string]string{
	"config":           "config",
	"backend":          "backend",
	"dir":              "dir",
	"bucket":           "bucket",
	"prefix":           "prefix",
	"endpoint":         "endpoint",
	"region":           "region",
	"access-key":       "access_key",
	"secret-key":       "secret_key",
	"credentials-file": "credentials_file",
	"use-ssl":          "use_ssl",
	"path-style":       "path_style",
	"write-interval":   "write_interval",
	"block-size":       "block_size",
	"lock-offset":      "lock_offset",
	"cache":            "cache",
	"metrics-addr":     "metrics_addr",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"nbd-addr":         "nbd.addr",
	"nbd-size":         "nbd.size",
	"nbd-export":       "nbd.export",
}

// AddFlags registers every setting on fs along with its default.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("backend", "file", "object store: "+strings.Join(Backends, ", "))
	fs.String("dir", ".", "root directory of the file backend")
	fs.String("bucket", "", "bucket of the gcs, s3 and minio backends")
	fs.String("prefix", "", "key prefix inside the bucket (s3, minio)")
	fs.String("endpoint", "", "custom endpoint (s3, minio)")
	fs.String("region", "", "AWS region (s3)")
	fs.String("access-key", "", "static access key (s3, minio)")
	fs.String("secret-key", "", "static secret key (s3, minio)")
	fs.String("credentials-file", "", "service account JSON file (gcs)")
	fs.Bool("use-ssl", true, "connect to minio over TLS")
	fs.Bool("path-style", false, "use path-style S3 addressing")
	fs.Duration("write-interval", time.Second, "minimum time between rewrites of one GCS object")
	fs.Int("block-size", blockvfs.DefaultBlockSize, "size of every non-terminal block in bytes")
	fs.Int64("lock-offset", blockvfs.LockPageOffset, "offset of the page written out of sequence")
	fs.Bool("cache", false, "cache objects in memory")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text, json")
	fs.String("nbd-addr", ":10809", "address the NBD server listens on")
	fs.Int64("nbd-size", 1<<30, "minimum advertised export size in bytes")
	fs.String("nbd-export", "nbd", "file served for the empty export name")
}

// Load resolves the settings for the flags registered by AddFlags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			return nil, fmt.Errorf("flag --%s is not registered", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("unable to bind flag --%s: %w", name, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	known := false
	for _, b := range Backends {
		known = known || c.Backend == b
	}
	if !known {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Backend {
	case "file":
		if c.Dir == "" {
			return fmt.Errorf("backend %q needs dir", c.Backend)
		}
	case "gcs", "s3", "minio":
		if c.Bucket == "" {
			return fmt.Errorf("backend %q needs bucket", c.Backend)
		}
	}
	if c.Backend == "minio" && c.Endpoint == "" {
		return fmt.Errorf("backend %q needs endpoint", c.Backend)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: %d", blockvfs.ErrInvalidBlockSize, c.BlockSize)
	}
	if c.LockOffset < 0 {
		return fmt.Errorf("negative lock offset %d", c.LockOffset)
	}
	if c.NBD.Size < 0 {
		return fmt.Errorf("negative nbd size %d", c.NBD.Size)
	}
	if _, err := c.logLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func (c *Config) logLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return l, nil
}

// Logger builds the logger described by the log settings, writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.logLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
