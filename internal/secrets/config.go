package secrets

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"

	"github.com/arch-stack/scancache/internal/logger"
)

const (
	// ConfigFile is the gitleaks rule file looked up in the repository root.
	ConfigFile = ".gitleaks.toml"
	// IgnoreFile lists fingerprints of accepted findings.
	IgnoreFile = ".gitleaksignore"
)

// LoadConfig reads .gitleaks.toml from root, falling back to the built-in
// gitleaks rules when it is missing or unreadable.
func LoadConfig(root string) (config.Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	path := ""
	if root != "" {
		candidate := filepath.Join(root, ConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			logger.L.WithError(err).WithField("path", path).Warn("failed to load gitleaks config, using defaults")
			path = ""
		}
	}
	if path == "" {
		if err := v.ReadConfig(strings.NewReader(config.DefaultConfig)); err != nil {
			return config.Config{}, errors.Wrap(err, "reading default gitleaks config")
		}
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return config.Config{}, errors.Wrap(err, "unmarshaling gitleaks config")
	}
	cfg, err := vc.Translate()
	if err != nil {
		return config.Config{}, errors.Wrap(err, "translating gitleaks config")
	}
	cfg.Path = path
	return cfg, nil
}

// FindIgnoreFile returns the .gitleaksignore path in root, or "".
func FindIgnoreFile(root string) string {
	if root == "" {
		return ""
	}
	path := filepath.Join(root, IgnoreFile)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}
