// Package config loads scancache settings from .scancache.{yaml,toml,json}
// in the repository root, SCANCACHE_* environment variables and CLI flags.
package config

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/arch-stack/scancache/internal/logger"
)

// FileName is the config file base name, without extension.
const FileName = ".scancache"

// Profile is the cache policy of one namespace.
type Profile struct {
	Namespace  string        `mapstructure:"-"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxMembers int           `mapstructure:"max_members"`
	RenderCap  int           `mapstructure:"render_cap"`
	Include    []string      `mapstructure:"include"`
	Exclude    []string      `mapstructure:"exclude"`
	// Triggers are root-relative files whose change invalidates the
	// whole namespace.
	Triggers []string `mapstructure:"triggers"`
}

// Settings is the resolved configuration.
type Settings struct {
	Root             string             `mapstructure:"-"`
	CacheDir         string             `mapstructure:"cache_dir"`
	SessionDir       string             `mapstructure:"session_dir"`
	DefaultTTL       time.Duration      `mapstructure:"default_ttl"`
	MaxMembers       int                `mapstructure:"max_members"`
	MaxFileBytes     int64              `mapstructure:"max_file_bytes"`
	RenderCap        int                `mapstructure:"render_cap"`
	RegressionWindow time.Duration      `mapstructure:"regression_window"`
	StaleAfter       time.Duration      `mapstructure:"stale_after"`
	TmpGrace         time.Duration      `mapstructure:"tmp_grace"`
	Profiles         map[string]Profile `mapstructure:"profiles"`
}

var dependencyManifests = []string{"go.mod", "go.sum", "package.json", "package-lock.json", "requirements.txt", "Cargo.lock"}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", ".scancache/cache")
	v.SetDefault("session_dir", ".scancache/sessions")
	v.SetDefault("default_ttl", "1h")
	v.SetDefault("max_members", 500)
	v.SetDefault("max_file_bytes", 1_000_000)
	v.SetDefault("render_cap", 20)
	v.SetDefault("regression_window", "0s")
	v.SetDefault("stale_after", "168h")
	v.SetDefault("tmp_grace", "1h")

	v.SetDefault("profiles.security-findings.ttl", "24h")
	v.SetDefault("profiles.security-findings.max_members", 50)
	v.SetDefault("profiles.security-findings.triggers", []string{".gitleaks.toml", ".gitleaksignore"})
	v.SetDefault("profiles.dependency-audit.ttl", "24h")
	v.SetDefault("profiles.dependency-audit.triggers", dependencyManifests)
	v.SetDefault("profiles.license-data.ttl", "168h")
	v.SetDefault("profiles.license-data.triggers", dependencyManifests)
}

// New returns a viper instance reading from root with defaults and the
// SCANCACHE_ environment prefix applied.
func New(root string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(FileName)
	v.AddConfigPath(root)
	v.SetEnvPrefix("SCANCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the config file if there is one and decodes the settings.
func Load(root string, v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	s.Root = root
	s.CacheDir = s.abs(s.CacheDir)
	s.SessionDir = s.abs(s.SessionDir)
	if s.Profiles == nil {
		s.Profiles = map[string]Profile{}
	}
	for name, p := range s.Profiles {
		p.Namespace = name
		s.Profiles[name] = p
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.Root, p)
}

// Validate rejects settings the cache cannot honour.
func (s *Settings) Validate() error {
	if s.DefaultTTL <= 0 {
		return errors.Errorf("default_ttl must be positive, got %s", s.DefaultTTL)
	}
	if s.MaxMembers < 0 || s.RenderCap < 0 {
		return errors.New("max_members and render_cap must not be negative")
	}
	for name, p := range s.Profiles {
		if p.TTL < 0 {
			return errors.Errorf("profile %s: ttl must not be negative", name)
		}
	}
	return nil
}

// Profile returns the policy for namespace, filling unset fields from the
// global settings.
func (s *Settings) Profile(namespace string) Profile {
	p, ok := s.Profiles[namespace]
	if !ok {
		p = Profile{}
	}
	p.Namespace = namespace
	if p.TTL <= 0 {
		p.TTL = s.DefaultTTL
	}
	if p.MaxMembers <= 0 {
		p.MaxMembers = s.MaxMembers
	}
	if p.RenderCap <= 0 {
		p.RenderCap = s.RenderCap
	}
	return p
}

// Namespaces lists the configured profile names in order.
func (s *Settings) Namespaces() []string {
	names := make([]string, 0, len(s.Profiles))
	for name := range s.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config holds the live settings and reloads them when the file changes.
type Config struct {
	mu       sync.RWMutex
	root     string
	v        *viper.Viper
	settings *Settings
	onReload func(*Settings)
}

// NewConfig loads settings for root. onReload, if set, runs after every
// successful reload triggered by Watch.
func NewConfig(root string, v *viper.Viper, onReload func(*Settings)) (*Config, error) {
	if v == nil {
		v = New(root)
	}
	s, err := Load(root, v)
	if err != nil {
		return nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.L.WithField("path", used).Info("found scancache config")
	} else {
		logger.L.Debug("no scancache config found, using defaults")
	}
	return &Config{root: root, v: v, settings: s, onReload: onReload}, nil
}

// Settings returns the current settings.
func (c *Config) Settings() *Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Path returns the config file in use, or "".
func (c *Config) Path() string {
	return c.v.ConfigFileUsed()
}

func (c *Config) reload() error {
	s, err := Load(c.root, c.v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	return nil
}

// Watch reloads the settings whenever the config file is written, until ctx
// is done. Without a config file there is nothing to watch.
func (c *Config) Watch(ctx context.Context) error {
	path := c.Path()
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watching directory %s", dir)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				logger.G(ctx).WithField("path", path).Info("config file changed")
				if err := c.reload(); err != nil {
					logger.G(ctx).WithError(err).Error("failed to reload config")
					continue
				}
				if c.onReload != nil {
					c.onReload(c.Settings())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.G(ctx).WithError(err).Error("config watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
