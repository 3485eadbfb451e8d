// Package proxyconfig provides YAML configuration loading and validation
// for the proxyhost demo binary.
package proxyconfig

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/proxyhost/httpproxy"
	"github.com/postalsys/proxyhost/socks5"
)

// Config is the complete proxyhost configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	SOCKS5  SOCKS5Config  `yaml:"socks5"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// SOCKS5Config configures the SOCKS5 listener.
type SOCKS5Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Transport string            `yaml:"transport"` // tcp, ws
	WSPath    string            `yaml:"ws_path"`
	Auth      SOCKS5AuthConfig  `yaml:"auth"`
}

// SOCKS5AuthConfig configures RFC 1929 username/password authentication.
type SOCKS5AuthConfig struct {
	Enabled bool               `yaml:"enabled"`
	Users   []SOCKS5UserConfig `yaml:"users"`
}

// SOCKS5UserConfig defines one authorized SOCKS5 user.
type SOCKS5UserConfig struct {
	Username string `yaml:"username"`
	// PasswordHash is the bcrypt hash of the password, produced by the
	// "proxyhost hash-password" subcommand.
	PasswordHash string `yaml:"password_hash"`
}

// HTTPConfig configures the HTTP CONNECT / forward-proxy listener.
type HTTPConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	Transport     string        `yaml:"transport"` // tcp, ws
	WSPath        string        `yaml:"ws_path"`
	ResumeTimeout time.Duration `yaml:"resume_timeout"`
}

// Default returns the baseline configuration used when no file is loaded.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
		SOCKS5: SOCKS5Config{
			Enabled:   true,
			Address:   "127.0.0.1:1080",
			Transport: "tcp",
		},
		HTTP: HTTPConfig{
			Enabled:       false,
			Address:       "127.0.0.1:8080",
			Transport:     "tcp",
			ResumeTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a YAML configuration file, applying defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR}/$VAR
// environment references before unmarshalling.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.SOCKS5.Enabled && c.SOCKS5.Address == "" {
		errs = append(errs, "socks5.address is required when socks5.enabled")
	}
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, "http.address is required when http.enabled")
	}
	for _, t := range []string{c.SOCKS5.Transport, c.HTTP.Transport} {
		if t != "" && t != "tcp" && t != "ws" {
			errs = append(errs, fmt.Sprintf("invalid transport: %s (must be tcp or ws)", t))
		}
	}
	if c.SOCKS5.Auth.Enabled {
		for _, u := range c.SOCKS5.Auth.Users {
			if u.Username == "" || u.PasswordHash == "" {
				errs = append(errs, "socks5.auth.users entries require username and password_hash")
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(l string) bool {
	switch l {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// ToSOCKS5Config adapts the parsed configuration to socks5.Config. The
// Authenticators slice is left for the caller to populate (it requires
// bcrypt-hash parsing, handled by internal/proxyauth) before passing to
// socks5.NewServer.
func (c *SOCKS5Config) ToSOCKS5Config() socks5.Config {
	cfg := socks5.DefaultConfig()
	if c.Auth.Enabled {
		cfg.AuthMethods = []socks5.AuthMethod{socks5.AuthUserPass}
	}
	return cfg
}

// ToHTTPConfig adapts the parsed configuration to httpproxy.Config.
func (c *HTTPConfig) ToHTTPConfig() httpproxy.Config {
	cfg := httpproxy.DefaultConfig()
	if c.ResumeTimeout > 0 {
		cfg.ResumeTimeout = c.ResumeTimeout
	}
	return cfg
}
