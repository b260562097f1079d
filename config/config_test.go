package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"honnef.co/go/qmltrace/trace"
	"honnef.co/go/qmltrace/trace/codec"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "deflate", cfg.Compression)
	assert.Equal(t, "info", cfg.Logging.Level)

	mask, err := cfg.VisibleFeatures()
	require.NoError(t, err)
	assert.Equal(t, trace.FeatureAll, mask)
}

func TestLoad_NotExists(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Exists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
temp_dir: /var/tmp
compression: zstd
batch_size: 4096
logging:
  level: debug
  format: json
features:
  visible:
    - memory
    - javascript
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp", cfg.TempDir)
	assert.Equal(t, 4096, cfg.BatchSize)
	// Unset keys keep their defaults.
	assert.Equal(t, Default().FlushThreshold, cfg.FlushThreshold)

	c, err := cfg.CompressionMethod()
	require.NoError(t, err)
	assert.Equal(t, codec.CompressionZstd, c)

	mask, err := cfg.VisibleFeatures()
	require.NoError(t, err)
	assert.Equal(t, trace.FeatureMemory|trace.FeatureJavaScript, mask)

	opts := cfg.CodecOptions(nil)
	assert.Equal(t, codec.CompressionZstd, opts.Compression)
	assert.Equal(t, 4096, opts.BatchSize)
	assert.Equal(t, "/var/tmp", cfg.StoreOptions(nil).Dir)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"syntax":      "compression: [",
		"compression": "compression: lz4",
		"feature":     "features:\n  visible: [teleportation]",
		"level":       "logging:\n  level: loud",
		"format":      "logging:\n  format: xml",
		"negative":    "batch_size: -1",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Compression = "xz"
	cfg.Features.Visible = []string{"pixmapcache"}
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		cfg := Default()
		cfg.Logging.Format = format
		log, err := cfg.Logger()
		require.NoError(t, err)
		require.NotNil(t, log)
	}
}
