package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, root string) *Settings {
	t.Helper()
	s, err := Load(root, New(root))
	require.NoError(t, err)
	return s
}

func TestLoad_Defaults(t *testing.T) {
	root := t.TempDir()
	s := load(t, root)

	assert.Equal(t, filepath.Join(root, ".scancache/cache"), s.CacheDir)
	assert.Equal(t, filepath.Join(root, ".scancache/sessions"), s.SessionDir)
	assert.Equal(t, time.Hour, s.DefaultTTL)
	assert.Equal(t, 500, s.MaxMembers)
	assert.Equal(t, 20, s.RenderCap)
	assert.Equal(t, 168*time.Hour, s.StaleAfter)
	assert.Zero(t, s.RegressionWindow)
	assert.Equal(t, []string{"dependency-audit", "license-data", "security-findings"}, s.Namespaces())
}

func TestProfile_BuiltIns(t *testing.T) {
	s := load(t, t.TempDir())

	sec := s.Profile("security-findings")
	assert.Equal(t, 24*time.Hour, sec.TTL)
	assert.Equal(t, 50, sec.MaxMembers)
	assert.Equal(t, 20, sec.RenderCap)

	deps := s.Profile("dependency-audit")
	assert.Equal(t, 24*time.Hour, deps.TTL)
	assert.Contains(t, deps.Triggers, "go.sum")

	assert.Equal(t, 168*time.Hour, s.Profile("license-data").TTL)

	other := s.Profile("lint")
	assert.Equal(t, "lint", other.Namespace)
	assert.Equal(t, time.Hour, other.TTL)
	assert.Equal(t, 500, other.MaxMembers)
}

func TestLoad_File(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".scancache.yaml"), []byte(`
cache_dir: /tmp/elsewhere
render_cap: 5
regression_window: 30m
profiles:
  security-findings:
    ttl: 2h
  lint:
    ttl: 10m
    exclude: ["vendor/**"]
`), 0o644))

	s := load(t, root)
	assert.Equal(t, "/tmp/elsewhere", s.CacheDir)
	assert.Equal(t, 5, s.RenderCap)
	assert.Equal(t, 30*time.Minute, s.RegressionWindow)

	sec := s.Profile("security-findings")
	assert.Equal(t, 2*time.Hour, sec.TTL)
	assert.Equal(t, 50, sec.MaxMembers, "defaults merge with file values")

	lint := s.Profile("lint")
	assert.Equal(t, 10*time.Minute, lint.TTL)
	assert.Equal(t, []string{"vendor/**"}, lint.Exclude)
	assert.Equal(t, 5, lint.RenderCap)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SCANCACHE_MAX_MEMBERS", "7")
	s := load(t, t.TempDir())
	assert.Equal(t, 7, s.MaxMembers)
}

func TestLoad_Invalid(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".scancache.yaml"), []byte("default_ttl: 0s\n"), 0o644))
	_, err := Load(root, New(root))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".scancache.yaml"), []byte("render_cap: [\n"), 0o644))
	_, err = Load(root, New(root))
	assert.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".scancache.yaml"), []byte("render_cap: 5\nmax_members: 9\n"), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--render-cap", "3"}))

	v := New(root)
	require.NoError(t, BindFlags(v, fs))
	s, err := Load(root, v)
	require.NoError(t, err)

	assert.Equal(t, 3, s.RenderCap, "set flag wins")
	assert.Equal(t, 9, s.MaxMembers, "unset flag does not shadow the file")
}

func TestConfig_WatchReloads(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ".scancache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("render_cap: 5\n"), 0o644))

	reloaded := make(chan *Settings, 4)
	c, err := NewConfig(root, nil, func(s *Settings) { reloaded <- s })
	require.NoError(t, err)
	assert.Equal(t, 5, c.Settings().RenderCap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("render_cap: 8\n"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-reloaded:
			if s.RenderCap == 8 {
				assert.Equal(t, 8, c.Settings().RenderCap)
				return
			}
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}

func TestConfig_WatchWithoutFile(t *testing.T) {
	c, err := NewConfig(t.TempDir(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, c.Path())
	assert.NoError(t, c.Watch(context.Background()))
}
