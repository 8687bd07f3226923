// Package wlconfig loads optional on-disk defaults for flags the user
// didn't set explicitly, layering a viper-backed config file under the
// CLI flags.
package wlconfig

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Defaults are the optional values a config.yaml may supply. A zero
// Defaults (no file found) leaves every CLI flag default untouched.
type Defaults struct {
	DirnamePattern  string
	FilenamePattern string
	RequestInterval float64
	CaptchaMode     string
	MaxWorkers      int
	SessionPath     string
}

// Load reads ~/.config/weiboloader/config.yaml if present, returning
// zero Defaults (never an error) when the file is absent or unreadable
// — an optional convenience layer must never block a run.
func Load() Defaults {
	var d Defaults

	home, err := os.UserHomeDir()
	if err != nil {
		return d
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(home, ".config", "weiboloader"))

	if err := v.ReadInConfig(); err != nil {
		return d
	}

	d.DirnamePattern = v.GetString("dirname_pattern")
	d.FilenamePattern = v.GetString("filename_pattern")
	d.RequestInterval = v.GetFloat64("request_interval")
	d.CaptchaMode = v.GetString("captcha_mode")
	d.MaxWorkers = v.GetInt("max_workers")
	d.SessionPath = v.GetString("sessionfile")
	return d
}

// ApplyTo overlays non-zero Defaults onto opts for every field the
// caller has not already set (an empty string / zero number means
// "not set on the command line").
func (d Defaults) ApplyTo(opts *CommandOptions) {
	if opts.DirnamePattern == "" {
		opts.DirnamePattern = d.DirnamePattern
	}
	if opts.FilenamePattern == "" && d.FilenamePattern != "" {
		opts.FilenamePattern = d.FilenamePattern
	}
	if opts.RequestInterval == 0 && d.RequestInterval != 0 {
		opts.RequestInterval = d.RequestInterval
	}
	if opts.CaptchaMode == "" && d.CaptchaMode != "" {
		opts.CaptchaMode = d.CaptchaMode
	}
	if opts.MaxWorkers == 0 && d.MaxWorkers != 0 {
		opts.MaxWorkers = d.MaxWorkers
	}
	if opts.SessionPath == "" && d.SessionPath != "" {
		opts.SessionPath = d.SessionPath
	}
}

// CommandOptions is the subset of cli.Flags that config.yaml defaults
// may fill in. Defined here (rather than imported from package cli) to
// keep wlconfig free of a dependency on the cobra wiring layer.
type CommandOptions struct {
	DirnamePattern  string
	FilenamePattern string
	RequestInterval float64
	CaptchaMode     string
	MaxWorkers      int
	SessionPath     string
}
