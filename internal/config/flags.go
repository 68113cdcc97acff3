package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"cache-dir":         "cache_dir",
	"session-dir":       "session_dir",
	"max-members":       "max_members",
	"render-cap":        "render_cap",
	"regression-window": "regression_window",
	"stale-after":       "stale_after",
}

// AddFlags registers the overridable settings on fs. Their defaults are
// left empty so an unset flag never shadows the config file.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("cache-dir", "", "cache directory (default .scancache/cache)")
	fs.String("session-dir", "", "session directory (default .scancache/sessions)")
	fs.Int("max-members", 0, "maximum scope size before truncation (default 500)")
	fs.Int("render-cap", 0, "maximum findings shown per expanded tier (default 20)")
	fs.Duration("regression-window", 0, "how long a finding must stay absent before it counts as fixed")
	fs.Duration("stale-after", 0, "start a new session when the current one is idle this long")
}

// BindFlags binds the flags registered by AddFlags to v. Only flags the
// user actually set override the file.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed || err != nil {
			return
		}
		err = errors.Wrapf(v.BindPFlag(key, f), "binding flag %s", f.Name)
	})
	return err
}
