package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent(t *testing.T) {
	Reset()

	os.Setenv("CKPT_AGENT", "test-agent")
	os.Setenv("CKPT_BACKEND", "sqlite")
	os.Setenv("CKPT_DATA_DIR", "/tmp/ckpt-data")
	os.Setenv("CKPT_SERIALIZER", "binary")
	os.Setenv("CKPT_METRICS_ADDR", ":9200")
	defer func() {
		os.Unsetenv("CKPT_AGENT")
		os.Unsetenv("CKPT_BACKEND")
		os.Unsetenv("CKPT_DATA_DIR")
		os.Unsetenv("CKPT_SERIALIZER")
		os.Unsetenv("CKPT_METRICS_ADDR")
		Reset()
	}()

	env := Current()

	assert.Equal(t, "test-agent", env.AgentName)
	assert.Equal(t, "sqlite", env.Backend)
	assert.Equal(t, "/tmp/ckpt-data", env.DataDir)
	assert.Equal(t, "binary", env.Serializer)
	assert.Equal(t, ":9200", env.MetricsAddr)
}

func TestCurrentDefaults(t *testing.T) {
	Reset()

	os.Unsetenv("CKPT_BACKEND")
	os.Unsetenv("CKPT_SERIALIZER")
	os.Unsetenv("CKPT_METRICS_ADDR")
	defer Reset()

	env := Current()

	assert.Equal(t, "memory", env.Backend)
	assert.Equal(t, "text", env.Serializer)
	assert.Equal(t, ":9099", env.MetricsAddr)
}

func TestCurrentSingleton(t *testing.T) {
	Reset()
	defer Reset()

	env1 := Current()
	env2 := Current()

	assert.Same(t, env1, env2)
}

func TestReset(t *testing.T) {
	os.Setenv("CKPT_BACKEND", "file")
	env1 := Current()
	assert.Equal(t, "file", env1.Backend)

	os.Setenv("CKPT_BACKEND", "sqlite")
	Reset()

	env2 := Current()
	assert.Equal(t, "sqlite", env2.Backend)

	os.Unsetenv("CKPT_BACKEND")
	Reset()
}

func TestGetEnvDefault(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		envVal   string
		fallback string
		want     string
	}{
		{"env set", "TEST_KEY", "value", "default", "value"},
		{"env empty", "TEST_KEY", "", "default", "default"},
		{"env not set", "TEST_KEY_NOTSET", "", "fallback", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envVal != "" {
				os.Setenv(tt.key, tt.envVal)
				defer os.Unsetenv(tt.key)
			}
			got := getEnvDefault(tt.key, tt.fallback)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetPaths(t *testing.T) {
	paths := GetPaths()

	assert.NotEmpty(t, paths.Home)
	assert.Contains(t, paths.Home, ".ckpt")
	assert.Equal(t, filepath.Join(paths.Home, "data"), paths.Data)
	assert.Equal(t, filepath.Join(paths.Home, "exports"), paths.Exports)
}

func TestPath(t *testing.T) {
	result := Path("subdir", "file.txt")

	assert.Contains(t, result, ".ckpt")
	assert.Contains(t, result, "subdir")
	assert.Contains(t, result, "file.txt")
}

func TestEnsureDir(t *testing.T) {
	tempDir := filepath.Join(os.TempDir(), "ckpt-test-ensure")
	defer os.RemoveAll(tempDir)

	os.RemoveAll(tempDir)

	err := EnsureDir(tempDir)
	assert.NoError(t, err)

	info, err := os.Stat(tempDir)
	assert.NoError(t, err)
	assert.True(t, info.IsDir())

	err = EnsureDir(tempDir)
	assert.NoError(t, err)
}
