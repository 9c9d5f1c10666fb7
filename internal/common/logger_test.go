package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDir(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Logging.Dir = "/srv/drover/logs"
	assert.Equal(t, "/srv/drover/logs", LogDir(cfg))

	cfg.Logging.Dir = ""
	assert.Equal(t, "logs", filepath.Base(LogDir(cfg)))
	assert.Equal(t, "logs", filepath.Base(LogDir(nil)))
}

func TestInitLogger_FileOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	cfg := NewDefaultConfig()
	cfg.Logging.Output = []string{"file"}
	cfg.Logging.Dir = dir

	logger := InitLogger(cfg)
	require.NotNil(t, logger)
	assert.Equal(t, logger, GetLogger())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
