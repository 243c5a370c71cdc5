// Package config binds the server's runtime configuration from a YAML file
// (plus environment overrides) via github.com/spf13/viper, the way the
// teacher's cli/main.go binds its own .tokenshield.yaml, and watches the
// bound file for changes so the module registry can be reloaded without a
// restart (spec.md §9's reload note).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ppomes/g3icap-go/internal/module"
	"github.com/ppomes/g3icap-go/internal/server"
)

// ModuleEntry is one entry of the modules: list in the config file.
type ModuleEntry struct {
	Name    string         `mapstructure:"name"`
	Type    string         `mapstructure:"type"`
	Version string         `mapstructure:"version"`
	Payload map[string]any `mapstructure:"payload"`
}

// File is the top-level shape of the YAML config file.
type File struct {
	Listen struct {
		Addr           string        `mapstructure:"addr"`
		MaxConnections int           `mapstructure:"max_connections"`
		MaxHeaderBytes int64         `mapstructure:"max_header_bytes"`
		MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	} `mapstructure:"listen"`

	RateLimit struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		Window      time.Duration `mapstructure:"window"`
		Block       time.Duration `mapstructure:"block"`
	} `mapstructure:"rate_limit"`

	ServerBanner string `mapstructure:"server_banner"`
	ServiceID    string `mapstructure:"service_id"`

	Audit struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"audit"`

	Quarantine struct {
		Dir string `mapstructure:"dir"`
		Key string `mapstructure:"key"`
	} `mapstructure:"quarantine"`

	Modules []ModuleEntry `mapstructure:"modules"`
}

// Load reads path (or viper's default search path, if path is empty) into a
// File, with environment variables as overrides (ICAP_LISTEN_ADDR etc, via
// viper.AutomaticEnv + SetEnvKeyReplacer), mirroring the teacher's
// viper.AutomaticEnv() + ReadInConfig() sequence in cli/main.go's initConfig.
func Load(path string) (*File, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyDefaults(&f)
	return &f, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("icap-server")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/icap-server")
	}
	v.SetEnvPrefix("ICAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func applyDefaults(f *File) {
	d := server.DefaultConfig()
	if f.Listen.Addr == "" {
		f.Listen.Addr = d.Addr
	}
	if f.Listen.MaxConnections == 0 {
		f.Listen.MaxConnections = d.MaxConnections
	}
	if f.Listen.MaxHeaderBytes == 0 {
		f.Listen.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if f.Listen.MaxBodyBytes == 0 {
		f.Listen.MaxBodyBytes = d.MaxBodyBytes
	}
	if f.Listen.IdleTimeout == 0 {
		f.Listen.IdleTimeout = d.IdleTimeout
	}
	if f.Listen.ReadTimeout == 0 {
		f.Listen.ReadTimeout = d.ReadTimeout
	}
	if f.Listen.RequestTimeout == 0 {
		f.Listen.RequestTimeout = d.WholeRequestTimeout
	}
	if f.Listen.ShutdownGrace == 0 {
		f.Listen.ShutdownGrace = d.ShutdownGrace
	}
	if f.ServerBanner == "" {
		f.ServerBanner = d.ServerBanner
	}
}

// ServerConfig translates File into the server package's runtime Config.
func (f *File) ServerConfig() server.Config {
	return server.Config{
		Addr:                 f.Listen.Addr,
		MaxConnections:       f.Listen.MaxConnections,
		MaxHeaderBytes:       f.Listen.MaxHeaderBytes,
		MaxBodyBytes:         f.Listen.MaxBodyBytes,
		IdleTimeout:          f.Listen.IdleTimeout,
		ReadTimeout:          f.Listen.ReadTimeout,
		WholeRequestTimeout:  f.Listen.RequestTimeout,
		ShutdownGrace:        f.Listen.ShutdownGrace,
		RetryAfterSeconds:    5,
		ServerBanner:         f.ServerBanner,
		ServiceID:            f.ServiceID,
		RateLimitMaxAttempts: f.RateLimit.MaxAttempts,
		RateLimitWindow:      f.RateLimit.Window,
		RateLimitBlock:       f.RateLimit.Block,
	}
}

// ModuleConfigs translates the modules: list into registry Config values,
// keyed by the module's own declared name (which may differ from its type
// when a file configures two instances of the same built-in).
func (f *File) ModuleConfigs() map[string]module.Config {
	out := make(map[string]module.Config, len(f.Modules))
	for _, me := range f.Modules {
		out[me.Name] = module.Config{
			Name:    me.Name,
			Version: me.Version,
			Payload: me.Payload,
		}
	}
	return out
}

// Watcher watches a bound config file for writes and invokes onChange with
// the freshly reloaded File, grounded in viper's own fsnotify-backed
// WatchConfig/OnConfigChange hook (spec.md §9: reload without restart).
type Watcher struct {
	v *viper.Viper
}

// NewWatcher builds a Watcher bound to path and starts watching it.
// onChange is invoked on every write event, after Reload succeeds; reload
// errors are reported via onError instead of panicking the watcher
// goroutine viper runs internally.
func NewWatcher(path string, onChange func(*File), onError func(error)) (*Watcher, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	w := &Watcher{v: v}
	v.OnConfigChange(func(e fsnotify.Event) {
		var f File
		if err := v.Unmarshal(&f); err != nil {
			onError(fmt.Errorf("config: reload: %w", err))
			return
		}
		applyDefaults(&f)
		onChange(&f)
	})
	v.WatchConfig()
	return w, nil
}
