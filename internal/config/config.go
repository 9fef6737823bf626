// Package config loads the relaypost CLI configuration from defaults, an
// optional YAML file and RELAYPOST_-prefixed environment variables.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/relaypost-dev/relaypost/smtp"
)

// Config holds the complete CLI configuration.
type Config struct {
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SMTPConfig holds submission server settings.
type SMTPConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Secure             bool          `mapstructure:"secure"`
	Name               string        `mapstructure:"name"`
	DisableSTARTTLS    bool          `mapstructure:"disable_starttls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	ConnectionTimeout  time.Duration `mapstructure:"connection_timeout"`
	GreetingTimeout    time.Duration `mapstructure:"greeting_timeout"`
	SocketTimeout      time.Duration `mapstructure:"socket_timeout"`
}

// AuthConfig holds submission credentials. Secrets normally arrive via
// RELAYPOST_AUTH_PASS / RELAYPOST_AUTH_ACCESS_TOKEN rather than the file.
type AuthConfig struct {
	Type        string `mapstructure:"type"`
	User        string `mapstructure:"user"`
	Pass        string `mapstructure:"pass"`
	AccessToken string `mapstructure:"access_token"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Options converts the configuration into client options.
func (c *Config) Options() smtp.Options {
	opts := smtp.Options{
		Host:               c.SMTP.Host,
		Port:               c.SMTP.Port,
		Secure:             c.SMTP.Secure,
		Name:               c.SMTP.Name,
		DisableSTARTTLS:    c.SMTP.DisableSTARTTLS,
		InsecureSkipVerify: c.SMTP.InsecureSkipVerify,
		ConnectionTimeout:  c.SMTP.ConnectionTimeout,
		GreetingTimeout:    c.SMTP.GreetingTimeout,
		SocketTimeout:      c.SMTP.SocketTimeout,
	}
	if c.SMTP.InsecureSkipVerify {
		opts.TLS = &tls.Config{ServerName: c.SMTP.Host, InsecureSkipVerify: true}
	}
	if c.Auth.User != "" || c.Auth.AccessToken != "" {
		opts.Auth = &smtp.Credentials{
			Type:        c.Auth.Type,
			User:        c.Auth.User,
			Pass:        c.Auth.Pass,
			AccessToken: c.Auth.AccessToken,
		}
	}
	return opts
}

// defaults returns the default configuration as a flat map using koanf's "."
// delimiter for nested keys.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"smtp.host":                 "",
		"smtp.port":                 0, // 465 when secure, 587 otherwise
		"smtp.secure":               false,
		"smtp.name":                 "localhost",
		"smtp.disable_starttls":     false,
		"smtp.insecure_skip_verify": false,
		"smtp.connection_timeout":   "10s",
		"smtp.greeting_timeout":     "5s",
		"smtp.socket_timeout":       "60s",

		"logging.level":  "info",
		"logging.format": "text",
	}
}

// Load reads the configuration from defaults, an optional YAML file, and
// environment variables (prefix RELAYPOST_). Later sources override earlier
// ones.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// RELAYPOST_SMTP_CONNECTION_TIMEOUT -> smtp.connection_timeout. Only the
	// first underscore separates the section from the key.
	if err := k.Load(env.Provider("RELAYPOST_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "RELAYPOST_"))
		section, rest, found := strings.Cut(key, "_")
		if !found {
			return key
		}
		return section + "." + rest
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}
