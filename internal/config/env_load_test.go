package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

func TestLoadEnvFile(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("A=1\n#comment\nB=two\n"), 0o644))

	pairs, err := LoadEnvFile(dotenv)
	require.NoError(t, err)
	m := toMap(pairs)
	assert.Equal(t, "1", m["A"])
	assert.Equal(t, "two", m["B"])
}

func TestLoadEnvFileInvalidPath(t *testing.T) {
	_, err := LoadEnvFile("/definitely/not/exist.env")
	assert.Error(t, err)
}

func TestGlobalEnvMerge(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	t.Setenv("OS_ONLY", "osv")
	require.NoError(t, os.WriteFile(dotenv, []byte("FILE_ONLY=fv\nTOP=from-file\nCHAIN=${OS_ONLY}-x\n"), 0o644))

	p := writeConfig(t, `
use_os_env = true
env_files = ["`+filepath.ToSlash(dotenv)+`"]
env = ["TOP=tv"]
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	pairs, err := cfg.GlobalEnv()
	require.NoError(t, err)

	m := toMap(pairs)
	assert.Equal(t, "osv", m["OS_ONLY"])
	assert.Equal(t, "fv", m["FILE_ONLY"])
	assert.Equal(t, "tv", m["TOP"])
	// expansion happens later in env.Env.Merge
	assert.Equal(t, "${OS_ONLY}-x", m["CHAIN"])
}

func TestGlobalEnvWithoutOS(t *testing.T) {
	t.Setenv("OS_ONLY", "osv")
	cfg := &Config{Env: []string{"ONLY=1"}}
	pairs, err := cfg.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"ONLY=1"}, pairs)
}

func TestGlobalEnvMissingFile(t *testing.T) {
	cfg := &Config{EnvFiles: []string{"/definitely/not/exist.env"}}
	_, err := cfg.GlobalEnv()
	assert.Error(t, err)
}
