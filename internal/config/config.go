// Package config loads the server's structured configuration file and
// applies environment-variable overrides: YAML by default, TOML or JSON
// by file extension, then a reflection-driven env pass.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Binding is one network listener (spec.md §6).
type Binding struct {
	Address            string `yaml:"address" toml:"address" json:"address"`
	TLS                bool   `yaml:"tls" toml:"tls" json:"tls"`
	Certificate        string `yaml:"certificate" toml:"certificate" json:"certificate"`
	Key                string `yaml:"key" toml:"key" json:"key"`
	RequireCertificate bool   `yaml:"require_certificate" toml:"require_certificate" json:"require_certificate"`
	WebSocket          bool   `yaml:"websocket" toml:"websocket" json:"websocket"`
}

// Database configures the credential store's connection pool.
type Database struct {
	URL            string `yaml:"url" toml:"url" json:"url"`
	Driver         string `yaml:"driver" toml:"driver" json:"driver"`
	MaxPoolSize    int    `yaml:"max_pool_size" toml:"max_pool_size" json:"max_pool_size"`
	MinPoolSize    int    `yaml:"min_pool_size" toml:"min_pool_size" json:"min_pool_size"`
	ConnectTimeout int    `yaml:"connect_timeout" toml:"connect_timeout" json:"connect_timeout"`
	IdleTimeout    int    `yaml:"idle_timeout" toml:"idle_timeout" json:"idle_timeout"`
}

// Enabled reports whether a credential store was configured at all;
// absent URL/driver means SASL is disabled entirely (spec.md §6).
func (d Database) Enabled() bool {
	return d.URL != "" && d.Driver != ""
}

// Oper is one entry in the `opers` list usable with the OPER command.
type Oper struct {
	Name     string `yaml:"name" toml:"name" json:"name"`
	Password string `yaml:"password" toml:"password" json:"password"`
}

// Limits holds the per-parameter length caps from spec.md §6's table.
type Limits struct {
	AwayLen    int `yaml:"awaylen" toml:"awaylen" json:"awaylen"`
	ChannelLen int `yaml:"channellen" toml:"channellen" json:"channellen"`
	KeyLen     int `yaml:"keylen" toml:"keylen" json:"keylen"`
	KickLen    int `yaml:"kicklen" toml:"kicklen" json:"kicklen"`
	NameLen    int `yaml:"namelen" toml:"namelen" json:"namelen"`
	NickLen    int `yaml:"nicklen" toml:"nicklen" json:"nicklen"`
	TopicLen   int `yaml:"topiclen" toml:"topiclen" json:"topiclen"`
	UserLen    int `yaml:"userlen" toml:"userlen" json:"userlen"`
}

// Config is the full set of recognized configuration keys (spec.md §6).
type Config struct {
	Unsafe          bool      `yaml:"unsafe" toml:"unsafe" json:"unsafe" env:"IRCD_UNSAFE"`
	Domain          string    `yaml:"domain" toml:"domain" json:"domain" env:"IRCD_DOMAIN"`
	Bindings        []Binding `yaml:"bindings" toml:"bindings" json:"bindings"`
	OrgName         string    `yaml:"org_name" toml:"org_name" json:"org_name" env:"IRCD_ORG_NAME"`
	OrgLocation     string    `yaml:"org_location" toml:"org_location" json:"org_location" env:"IRCD_ORG_LOCATION"`
	OrgMail         string    `yaml:"org_mail" toml:"org_mail" json:"org_mail" env:"IRCD_ORG_MAIL"`
	DefaultChanMode string    `yaml:"default_chan_mode" toml:"default_chan_mode" json:"default_chan_mode" env:"IRCD_DEFAULT_CHAN_MODE"`
	MOTDFile        string    `yaml:"motd_file" toml:"motd_file" json:"motd_file" env:"IRCD_MOTD_FILE"`
	Opers           []Oper    `yaml:"opers" toml:"opers" json:"opers"`
	Password        string    `yaml:"password" toml:"password" json:"password" env:"IRCD_PASSWORD"`
	Database        Database  `yaml:"database" toml:"database" json:"database"`
	Workers         int       `yaml:"workers" toml:"workers" json:"workers" env:"IRCD_WORKERS"`
	Limits          Limits    `yaml:"limits" toml:"limits" json:"limits"`
	LoginTimeout    int       `yaml:"login_timeout" toml:"login_timeout" json:"login_timeout" env:"IRCD_LOGIN_TIMEOUT"`

	// Source records where this configuration was loaded from, for REHASH.
	Source string `yaml:"-" toml:"-" json:"-"`
}

// LoginTimeoutDuration converts LoginTimeout (ms) to a time.Duration.
func (c *Config) LoginTimeoutDuration() time.Duration {
	return time.Duration(c.LoginTimeout) * time.Millisecond
}

// Defaults returns a Config populated with spec.md §6's default table.
func Defaults() *Config {
	return &Config{
		Unsafe:          false,
		Domain:          "ellidri.localdomain",
		Bindings:        []Binding{{Address: "127.0.0.1:6667"}},
		OrgName:         "unspecified",
		OrgLocation:     "unspecified",
		OrgMail:         "unspecified",
		DefaultChanMode: "+nst",
		MOTDFile:        "/etc/motd",
		Opers:           nil,
		Workers:         0,
		LoginTimeout:    60000,
		Database: Database{
			MaxPoolSize:    10,
			MinPoolSize:    0,
			ConnectTimeout: 10000,
		},
		Limits: Limits{
			AwayLen:    300,
			ChannelLen: 50,
			KeyLen:     24,
			KickLen:    300,
			NameLen:    64,
			NickLen:    32,
			TopicLen:   300,
			UserLen:    64,
		},
	}
}

// Load reads a config file and applies it over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if err := cfg.loadFromFile(path); err != nil {
		return nil, err
	}
	cfg.Source = path
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads Source (or newPath if given) the same way Load does.
// REHASH callers atomically swap their held *Config with the result.
func (c *Config) Reload(newPath string) (*Config, error) {
	path := c.Source
	if newPath != "" {
		path = newPath
	}
	return Load(path)
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	switch {
	case strings.HasSuffix(path, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(path, ".json"):
		err = json.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ConfigError reports a validation failure at load/REHASH time (spec.md §7).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// Validate enforces spec.md §6's "unsafe at startup" rule: by default,
// plain-text/WebSocket bindings on a non-loopback address, or a TLS
// binding relying on a self-signed certificate on a non-loopback address,
// are rejected unless Unsafe is set.
func (c *Config) Validate() error {
	for _, b := range c.Bindings {
		host, _, err := net.SplitHostPort(b.Address)
		if err != nil {
			host = b.Address
		}
		loopback := isLoopbackHost(host)
		if !loopback && !c.Unsafe {
			if !b.TLS {
				return &ConfigError{Reason: fmt.Sprintf("plain-text binding %q on a non-loopback address requires unsafe: true", b.Address)}
			}
			if b.Certificate == "" {
				return &ConfigError{Reason: fmt.Sprintf("TLS binding %q without a configured certificate is treated as self-signed and requires unsafe: true on a non-loopback address", b.Address)}
			}
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem())
}

func applyEnvOverridesRecursive(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if field.PkgPath != "" {
			continue
		}
		if env := field.Tag.Get("env"); env != "" {
			if val, ok := os.LookupEnv(env); ok {
				setFieldFromEnv(fv, val)
			}
			continue
		}
		if fv.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(fv)
		}
	}
}

func setFieldFromEnv(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Bool:
		if b, err := strconv.ParseBool(val); err == nil {
			field.SetBool(b)
		}
	}
}
