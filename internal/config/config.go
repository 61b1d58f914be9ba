package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Fuabioo/expand-user/pathutil"
)

// Error policies applied when a path in a batch fails to expand.
const (
	OnErrorFail = "fail"
	OnErrorSkip = "skip"
	OnErrorKeep = "keep"
)

// Directory sources, in the spelling used by directory.sources.
const (
	SourceOS     = "os"
	SourcePasswd = "passwd"
	SourceStatic = "static"
)

// DefaultPasswdFile is read by the passwd source when no file is configured.
const DefaultPasswdFile = "/etc/passwd"

// Config is the top-level expand-user configuration.
type Config struct {
	Home      string          `yaml:"home,omitempty"`     // overrides the current user's home
	OnError   string          `yaml:"on_error,omitempty"` // "fail" (default) | "skip" | "keep"
	Directory DirectoryConfig `yaml:"directory"`
	Audit     *AuditConfig    `yaml:"audit,omitempty"`
}

// DirectoryConfig selects the user databases consulted for ~name.
type DirectoryConfig struct {
	Sources    []string          `yaml:"sources,omitempty"` // default: [os]
	PasswdFile string            `yaml:"passwd_file,omitempty"`
	Users      map[string]string `yaml:"users,omitempty"` // name -> home; "" means no home
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DBPath    string `yaml:"db_path,omitempty"`
	Retention string `yaml:"retention,omitempty"` // e.g. "7d", "30d"
}

// EffectiveOnError returns the on_error policy, defaulting to "fail".
func (c Config) EffectiveOnError() string {
	if c.OnError == "" {
		return OnErrorFail
	}
	return c.OnError
}

// EffectiveSources returns the configured lookup order, defaulting to [os].
func (d DirectoryConfig) EffectiveSources() []string {
	if len(d.Sources) == 0 {
		return []string{SourceOS}
	}
	return d.Sources
}

// EffectivePasswdFile returns the passwd file path, tilde-expanded.
func (d DirectoryConfig) EffectivePasswdFile() (string, error) {
	if d.PasswdFile == "" {
		return DefaultPasswdFile, nil
	}
	p, err := pathutil.ExpandUser(d.PasswdFile)
	if err != nil {
		return "", fmt.Errorf("config: passwd_file: %w", err)
	}
	return p, nil
}

// HomeFunc returns the current-user home lookup implied by the config:
// the tilde-expanded home override when set, CurrentUserHome otherwise.
func (c Config) HomeFunc() (pathutil.HomeFunc, error) {
	if c.Home == "" {
		return pathutil.CurrentUserHome, nil
	}
	home := c.Home
	if strings.HasPrefix(home, "~") {
		// The override cannot refer to the current user's home.
		if home == "~" || strings.HasPrefix(home, "~/") {
			return nil, fmt.Errorf("config: home %q refers to itself", c.Home)
		}
		p, err := pathutil.ExpandUser(home)
		if err != nil {
			return nil, fmt.Errorf("config: home: %w", err)
		}
		home = p
	}
	return func() (string, bool) { return home, true }, nil
}

// Validate reports the first semantic problem in the config.
func (c Config) Validate() error {
	switch c.EffectiveOnError() {
	case OnErrorFail, OnErrorSkip, OnErrorKeep:
	default:
		return fmt.Errorf("config: on_error %q: want fail, skip or keep", c.OnError)
	}

	seen := make(map[string]bool)
	for _, s := range c.Directory.EffectiveSources() {
		switch s {
		case SourceOS, SourcePasswd, SourceStatic:
		default:
			return fmt.Errorf("config: directory source %q: want os, passwd or static", s)
		}
		if seen[s] {
			return fmt.Errorf("config: directory source %q listed twice", s)
		}
		seen[s] = true
	}

	for name := range c.Directory.Users {
		if name == "" || strings.ContainsAny(name, "/\x00") {
			return fmt.Errorf("config: directory user %q: invalid name", name)
		}
	}

	if c.Audit != nil && c.Audit.Retention != "" {
		if _, err := ParseDuration(c.Audit.Retention); err != nil {
			return fmt.Errorf("config: audit retention %q: %w", c.Audit.Retention, err)
		}
	}
	return nil
}

// Load searches for the config file in standard locations and parses it.
// Search order: $EXPAND_USER_CONFIG → $XDG_CONFIG_HOME/expand-user/config.yaml
// → ~/.config/expand-user/config.yaml.
// Returns zero-value Config if no file is found. Returns error if file exists
// but contains invalid YAML.
func Load() (Config, error) {
	path, err := findConfigPath()
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return Config{}, nil
	}
	return LoadFrom(path)
}

// LoadFrom parses a config from the given file path.
// Returns error if the file cannot be read or contains invalid YAML.
func LoadFrom(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// findConfigPath returns the path to the first config file found,
// or empty string if none exists.
func findConfigPath() (string, error) {
	// 1. Explicit env var.
	if p := os.Getenv("EXPAND_USER_CONFIG"); p != "" {
		expanded, err := pathutil.ExpandUser(p)
		if err != nil {
			return "", fmt.Errorf("config: $EXPAND_USER_CONFIG: %w", err)
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("config: $EXPAND_USER_CONFIG points to %s which does not exist", expanded)
			}
			return "", fmt.Errorf("config: stat %s: %w", expanded, err)
		}
		return expanded, nil
	}

	// 2. XDG_CONFIG_HOME.
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		p := filepath.Join(xdg, "expand-user", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	// 3. Default ~/.config.
	home, ok := pathutil.CurrentUserHome()
	if !ok {
		return "", nil // Can't determine home, treat as no config.
	}
	p := filepath.Join(home, ".config", "expand-user", "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}

	return "", nil
}

// ParseDuration parses a duration string supporting "Nd" (days) and "Nh" (hours) formats,
// in addition to Go's standard time.Duration formats.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid days %q: %w", numStr, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}
