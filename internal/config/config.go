// Package config builds the immutable settings snapshot the process runs
// with. Precedence is flag > env > config.toml > default; legacy env names
// and the legacy state directory are honoured once and migrated forward.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	EnvPrefix       = "ATLASBRIDGE_"
	LegacyEnvPrefix = "AEGIS_"

	appDir       = "atlasbridge"
	legacyDir    = ".aegis"
	configFile = "config.toml"

	// FileMode and DirMode are the required modes for secret-bearing files
	// and the directories that hold them.
	FileMode = os.FileMode(0o600)
	DirMode  = os.FileMode(0o700)
	keyringToken = "keyring:"

	// TTL bounds. Values outside the range are clamped, not rejected, so a
	// sloppy config file cannot leave prompts immortal.
	minTTL = 60 * time.Second
	maxTTL = 3600 * time.Second
)

var ErrUnsafeDefault = errors.New("config: unsafe default")

// Config is the resolved snapshot. It is built once at startup and passed
// explicitly to components.
type Config struct {
	StateDir   string
	SocketPath string
	PIDPath    string
	DBPath     string
	AuditPath  string
	TracePath  string
	PolicyPath string

	Tool  string
	Label string

	TTL            time.Duration
	Silence        time.Duration
	InjectTimeout  time.Duration
	DeliverTimeout time.Duration
	StoreTimeout   time.Duration
	Grace          time.Duration
	SweepInterval  time.Duration
	OverrideWindow time.Duration

	// YesNoTimeoutReply is what the sweeper reports as the assumed answer
	// in expiry notices. "y" is rejected outright.
	YesNoTimeoutReply string

	LogLevel  string
	Allowlist []string
	Channels  map[string]map[string]string
}

// fileConfig is the config.toml schema. Durations are plain seconds so the
// file stays editable by hand.
type fileConfig struct {
	StateDir          string                       `toml:"state_dir,omitempty"`
	Socket            string                       `toml:"socket,omitempty"`
	Tool              string                       `toml:"tool,omitempty"`
	Label             string                       `toml:"label,omitempty"`
	TTLSeconds        int                          `toml:"ttl_seconds,omitempty"`
	SilenceMS         int                          `toml:"silence_ms,omitempty"`
	DeliverSeconds    int                          `toml:"deliver_timeout_seconds,omitempty"`
	GraceSeconds      int                          `toml:"shutdown_grace_seconds,omitempty"`
	SweepSeconds      int                          `toml:"sweep_interval_seconds,omitempty"`
	OverrideSeconds   int                          `toml:"override_window_seconds,omitempty"`
	YesNoTimeoutReply string                       `toml:"yes_no_timeout_reply,omitempty"`
	LogLevel          string                       `toml:"log_level,omitempty"`
	Allowlist         []string                     `toml:"allowlist,omitempty"`
	Channels          map[string]map[string]string `toml:"channels,omitempty"`
}

func Default() Config {
	state := defaultStateDir()
	return Config{
		StateDir:          state,
		SocketPath:        defaultSocketPath(state),
		PIDPath:           filepath.Join(state, "daemon.pid"),
		DBPath:            filepath.Join(state, "prompts.db"),
		AuditPath:         filepath.Join(state, "audit.log"),
		TracePath:         filepath.Join(state, "autopilot_decisions.jsonl"),
		PolicyPath:        filepath.Join(state, "policy.yaml"),
		TTL:               5 * time.Minute,
		Silence:           2 * time.Second,
		InjectTimeout:     2 * time.Second,
		DeliverTimeout:    30 * time.Second,
		StoreTimeout:      5 * time.Second,
		Grace:             10 * time.Second,
		SweepInterval:     5 * time.Second,
		OverrideWindow:    10 * time.Second,
		YesNoTimeoutReply: "n",
		LogLevel:          "info",
		Channels:          map[string]map[string]string{},
	}
}

// Load resolves the snapshot: default, then legacy env, then config.toml,
// then current env. Flag overrides are applied by the CLI on the returned
// value, which completes the precedence chain.
func Load(path string) (Config, error) {
	cfg := Default()
	applyEnv(&cfg, LegacyEnvPrefix)

	if err := migrateLegacyState(cfg.StateDir); err != nil {
		return Config{}, err
	}

	if path == "" {
		base := cfg.StateDir
		if v := os.Getenv(EnvPrefix + "STATE_DIR"); v != "" {
			base = v
		}
		path = filepath.Join(base, configFile)
	}
	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg, EnvPrefix)

	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot be clamped into safety.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.YesNoTimeoutReply)) {
	case "y", "yes":
		return fmt.Errorf("%w: yes_no_timeout_reply must not assume consent", ErrUnsafeDefault)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

func (c *Config) clamp() {
	if c.TTL < minTTL {
		c.TTL = minTTL
	}
	if c.TTL > maxTTL {
		c.TTL = maxTTL
	}
	if c.Silence <= 0 {
		c.Silence = 2 * time.Second
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.OverrideWindow <= 0 {
		c.OverrideWindow = 10 * time.Second
	}
}

// Save writes the file-representable part of the snapshot. Channel tables
// may hold secrets, so the file is always 0600.
func Save(c Config, path string) error {
	fc := fileConfig{
		StateDir:          c.StateDir,
		Socket:            c.SocketPath,
		Tool:              c.Tool,
		Label:             c.Label,
		TTLSeconds:        int(c.TTL / time.Second),
		SilenceMS:         int(c.Silence / time.Millisecond),
		DeliverSeconds:    int(c.DeliverTimeout / time.Second),
		GraceSeconds:      int(c.Grace / time.Second),
		SweepSeconds:      int(c.SweepInterval / time.Second),
		OverrideSeconds:   int(c.OverrideWindow / time.Second),
		YesNoTimeoutReply: c.YesNoTimeoutReply,
		LogLevel:          c.LogLevel,
		Allowlist:         c.Allowlist,
		Channels:          c.Channels,
	}
	data, err := toml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.WriteFile(path, data, FileMode)
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
		cfg.rebase()
	}
	if fc.Socket != "" {
		cfg.SocketPath = fc.Socket
	}
	if fc.Tool != "" {
		cfg.Tool = fc.Tool
	}
	if fc.Label != "" {
		cfg.Label = fc.Label
	}
	if fc.TTLSeconds > 0 {
		cfg.TTL = time.Duration(fc.TTLSeconds) * time.Second
	}
	if fc.SilenceMS > 0 {
		cfg.Silence = time.Duration(fc.SilenceMS) * time.Millisecond
	}
	if fc.DeliverSeconds > 0 {
		cfg.DeliverTimeout = time.Duration(fc.DeliverSeconds) * time.Second
	}
	if fc.GraceSeconds > 0 {
		cfg.Grace = time.Duration(fc.GraceSeconds) * time.Second
	}
	if fc.SweepSeconds > 0 {
		cfg.SweepInterval = time.Duration(fc.SweepSeconds) * time.Second
	}
	if fc.OverrideSeconds > 0 {
		cfg.OverrideWindow = time.Duration(fc.OverrideSeconds) * time.Second
	}
	if fc.YesNoTimeoutReply != "" {
		cfg.YesNoTimeoutReply = fc.YesNoTimeoutReply
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if len(fc.Allowlist) > 0 {
		cfg.Allowlist = fc.Allowlist
	}
	for name, section := range fc.Channels {
		cfg.Channels[name] = section
	}
	return nil
}

// rebase re-derives the file paths after StateDir changes, keeping any path
// that was never explicitly set consistent with the new directory.
func (c *Config) rebase() {
	c.PIDPath = filepath.Join(c.StateDir, "daemon.pid")
	c.DBPath = filepath.Join(c.StateDir, "prompts.db")
	c.AuditPath = filepath.Join(c.StateDir, "audit.log")
	c.TracePath = filepath.Join(c.StateDir, "autopilot_decisions.jsonl")
	c.PolicyPath = filepath.Join(c.StateDir, "policy.yaml")
}

func applyEnv(cfg *Config, prefix string) {
	if v := os.Getenv(prefix + "STATE_DIR"); v != "" {
		cfg.StateDir = v
		cfg.rebase()
	}
	if v := os.Getenv(prefix + "SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv(prefix + "DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(prefix + "POLICY"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv(prefix + "TOOL"); v != "" {
		cfg.Tool = v
	}
	if v := os.Getenv(prefix + "LABEL"); v != "" {
		cfg.Label = v
	}
	if v := os.Getenv(prefix + "TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv(prefix + "SILENCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Silence = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv(prefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(prefix + "ALLOWLIST"); v != "" {
		var ids []string
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		cfg.Allowlist = ids
	}
}

// IsKeyringRef reports whether a config value is a keyring pointer rather
// than an inline secret. Pointers are kept opaque; resolution happens at
// the point of use.
func IsKeyringRef(v string) bool {
	return strings.HasPrefix(v, keyringToken)
}

// SplitKeyringRef decomposes "keyring:<service>:<key>".
func SplitKeyringRef(v string) (service, key string, ok bool) {
	if !IsKeyringRef(v) {
		return "", "", false
	}
	rest := strings.TrimPrefix(v, keyringToken)
	i := strings.IndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return filepath.Join(v, appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return appDir
	}
	return filepath.Join(home, ".local", "state", appDir)
}

func defaultSocketPath(stateDir string) string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, appDir, "atlasbridged.sock")
	}
	return filepath.Join(stateDir, "atlasbridged.sock")
}

// migrateLegacyState copies the old dot-directory forward the first time the
// new layout is used. The legacy directory is left in place.
func migrateLegacyState(stateDir string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	legacy := filepath.Join(home, legacyDir)
	if _, err := os.Stat(legacy); err != nil {
		return nil
	}
	if _, err := os.Stat(stateDir); err == nil {
		return nil
	}
	if err := os.MkdirAll(stateDir, DirMode); err != nil {
		return fmt.Errorf("config: migrate legacy state: %w", err)
	}
	entries, err := os.ReadDir(legacy)
	if err != nil {
		return fmt.Errorf("config: migrate legacy state: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(legacy, e.Name()), filepath.Join(stateDir, e.Name())); err != nil {
			return fmt.Errorf("config: migrate legacy state: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
