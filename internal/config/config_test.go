package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kochman/blockvfs"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Backend)
	assert.Equal(t, ".", cfg.Dir)
	assert.Equal(t, blockvfs.DefaultBlockSize, cfg.BlockSize)
	assert.Equal(t, int64(blockvfs.LockPageOffset), cfg.LockOffset)
	assert.Equal(t, time.Second, cfg.WriteInterval)
	assert.True(t, cfg.UseSSL)
	assert.False(t, cfg.Cache)
	assert.Equal(t, LogConfig{Level: "info", Format: "text"}, cfg.Log)
	assert.Equal(t, NBDConfig{Addr: ":10809", Size: 1 << 30, Export: "nbd"}, cfg.NBD)
}

func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockvfs.yaml")
	err := os.WriteFile(path, []byte(`
backend: s3
bucket: from-file
block_size: 8192
write_interval: 250ms
log:
  level: debug
nbd:
  size: 4096
`), 0o644)
	require.NoError(t, err)

	t.Setenv("BLOCKVFS_BLOCK_SIZE", "16384")
	t.Setenv("BLOCKVFS_LOG_FORMAT", "json")

	cfg, err := load(t, "--config", path, "--bucket", "from-flag")
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.Backend)
	assert.Equal(t, "from-flag", cfg.Bucket)
	assert.Equal(t, 16384, cfg.BlockSize)
	assert.Equal(t, 250*time.Millisecond, cfg.WriteInterval)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)
	assert.Equal(t, int64(4096), cfg.NBD.Size)

	cfg, err = load(t, "--config", path, "--block-size", "512")
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.BlockSize)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		ok   bool
	}{
		{"memory", []string{"--backend", "memory"}, true},
		{"unknown backend", []string{"--backend", "tape"}, false},
		{"file without dir", []string{"--dir", ""}, false},
		{"gcs without bucket", []string{"--backend", "gcs"}, false},
		{"gcs", []string{"--backend", "gcs", "--bucket", "b"}, true},
		{"minio without endpoint", []string{"--backend", "minio", "--bucket", "b"}, false},
		{"minio", []string{"--backend", "minio", "--bucket", "b", "--endpoint", "localhost:9000"}, true},
		{"zero block size", []string{"--block-size", "0"}, false},
		{"negative lock offset", []string{"--lock-offset=-1"}, false},
		{"bad log level", []string{"--log-level", "loud"}, false},
		{"bad log format", []string{"--log-format", "xml"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args...)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "warn", Format: "json"}}
	log := cfg.Logger(&buf)

	log.Info("hidden")
	assert.Zero(t, buf.Len())
	log.Warn("shown", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":1`)
}
