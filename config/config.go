// Package config loads BrokerConfig from YAML + environment overlays via
// viper, in the same shape the rest of the corpus's services use for
// their own settings, and resolves transporter credentials from Vault
// when a secret path is configured.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BrokerConfig carries the environment inputs spec.md §6 names, plus the
// ambient knobs (logging, admin HTTP, telemetry) this Go rendition adds.
type BrokerConfig struct {
	NodeID                 string        `mapstructure:"node_id"`
	Namespace              string        `mapstructure:"namespace"`
	TransporterURL         string        `mapstructure:"transporter_url"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	WaitForServicesTimeout time.Duration `mapstructure:"wait_for_services_timeout"`

	LogLevel    string `mapstructure:"log_level"`
	Environment string `mapstructure:"environment"`

	AdminHTTPAddr string `mapstructure:"admin_http_addr"`
	OTelEndpoint  string `mapstructure:"otel_endpoint"`

	VaultAddr       string `mapstructure:"vault_addr"`
	VaultToken      string `mapstructure:"vault_token"`
	VaultSecretPath string `mapstructure:"vault_secret_path"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("namespace", "")
	v.SetDefault("transporter_url", "nats://127.0.0.1:4222")
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("wait_for_services_timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("environment", "production")
	v.SetDefault("admin_http_addr", ":8089")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("vault_addr", "")
	v.SetDefault("vault_token", "")
	v.SetDefault("vault_secret_path", "")
}

// Load reads path (a YAML file) and overlays MOLECULE_-prefixed
// environment variables (e.g. MOLECULE_TRANSPORTER_URL overrides
// transporter_url). path may be empty, in which case only environment
// variables and defaults apply.
func Load(path string) (*BrokerConfig, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("MOLECULE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg BrokerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: node_id is required")
	}
	return &cfg, nil
}

// WatchFile re-reads path on every write and invokes onChange with the
// freshly parsed config. Parse errors are passed to onError (when
// non-nil) rather than panicking the watcher goroutine.
func WatchFile(path string, onChange func(*BrokerConfig), onError func(error)) error {
	v := viper.New()
	defaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg BrokerConfig
		if err := v.Unmarshal(&cfg); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return nil
}
