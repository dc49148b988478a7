package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "+nst", cfg.DefaultChanMode)
	assert.Equal(t, 24, cfg.Limits.KeyLen)
	assert.Equal(t, 300, cfg.Limits.KickLen)
	assert.Equal(t, 60000, cfg.LoginTimeout)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ircd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domain: chat.example\nbindings:\n  - address: 127.0.0.1:6667\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chat.example", cfg.Domain)
	assert.Equal(t, "+nst", cfg.DefaultChanMode)
}

func TestValidateRejectsUnsafeNonLoopback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ircd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bindings:\n  - address: 0.0.0.0:6667\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestValidateAllowsUnsafe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ircd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unsafe: true\nbindings:\n  - address: 0.0.0.0:6667\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Unsafe)
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ircd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domain: chat.example\n"), 0o644))

	t.Setenv("IRCD_DOMAIN", "override.example")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "override.example", cfg.Domain)
}
