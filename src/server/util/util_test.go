package util

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func writeEnvLocal(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env.local")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	old := envLocalPath
	envLocalPath = path
	t.Cleanup(func() { envLocalPath = old })
}

func TestLoadEnvLocal(t *testing.T) {
	writeEnvLocal(t, `# local overrides
MBUS_UTILS_CONFIG_DIR="/tmp/mbus"
export MBUS_LOG_LEVEL = debug
BROKEN LINE
EMPTY=
`)

	assert.Equal(t, "/tmp/mbus", LoadEnvLocal("MBUS_UTILS_CONFIG_DIR"))
	assert.Equal(t, "debug", LoadEnvLocal("MBUS_LOG_LEVEL"))
	assert.Equal(t, "", LoadEnvLocal("EMPTY"))
	assert.Equal(t, "", LoadEnvLocal("MISSING"))
}

func TestLoadEnvLocalMissingFile(t *testing.T) {
	old := envLocalPath
	envLocalPath = filepath.Join(t.TempDir(), "nope")
	defer func() { envLocalPath = old }()

	assert.Equal(t, "", LoadEnvLocal("ANY"))
}

func TestGetenv(t *testing.T) {
	writeEnvLocal(t, "MBUS_TEST_FILE_ONLY=from-file\nMBUS_TEST_BOTH=from-file\n")
	t.Setenv("MBUS_TEST_BOTH", "from-env")

	assert.Equal(t, "from-env", Getenv("MBUS_TEST_BOTH", "def"))
	assert.Equal(t, "from-file", Getenv("MBUS_TEST_FILE_ONLY", "def"))
	assert.Equal(t, "def", Getenv("MBUS_TEST_UNSET", "def"))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"disabled": zerolog.Disabled,
		"error":    zerolog.ErrorLevel,
		"trace":    zerolog.TraceLevel,
		"":         zerolog.InfoLevel,
		"verbose":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn")

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Str("device", "/dev/ttyS0").Msg("no reply")
	assert.Contains(t, buf.String(), "no reply")
	assert.Contains(t, buf.String(), "/dev/ttyS0")
}
