// Package config loads fedlog's TOML configuration.
//
// A missing file yields defaults. Environment variables override the
// file; Validate runs last.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/roach88/fedlog/internal/hlc"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/policy"
	"github.com/roach88/fedlog/internal/schema"
	"github.com/roach88/fedlog/internal/syncer"
)

// FileName is the config file name inside the data directory.
const FileName = "fedlog.toml"

// Environment overrides.
const (
	EnvListenAddr  = "FEDLOG_LISTEN_ADDR"
	EnvDataDir     = "FEDLOG_DATA_DIR"
	EnvMinAuthTier = "FEDLOG_MIN_AUTH_TIER"
	EnvLogLevel    = "FEDLOG_LOG_LEVEL"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the whole configuration file.
type Config struct {
	Instance Instance           `toml:"instance"`
	Policy   policy.TrustPolicy `toml:"policy"`
	Sync     Sync               `toml:"sync"`
	Log      Log                `toml:"log"`
}

// Instance describes this node.
type Instance struct {
	DataDir     string `toml:"data_dir"`
	DisplayName string `toml:"display_name"`
	ListenAddr  string `toml:"listen_addr"`

	// PublicEndpoint is the base URL peers use to reach us. Defaults to
	// http://<listen_addr>.
	PublicEndpoint string  `toml:"public_endpoint"`
	ClaimedTier    ir.Tier `toml:"claimed_tier"`
}

// Sync holds sync engine timing.
type Sync struct {
	PullInterval      Duration `toml:"pull_interval"`
	PushTimeout       Duration `toml:"push_timeout"`
	PullTimeout       Duration `toml:"pull_timeout"`
	RegisterTimeout   Duration `toml:"register_timeout"`
	StreamIdleTimeout Duration `toml:"stream_idle_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	StreamRetry       Duration `toml:"stream_retry"`
	PushBackoff       Duration `toml:"push_backoff"`
	MaxDrift          Duration `toml:"max_drift"`
	PendingTTL        Duration `toml:"pending_ttl"`
	PushAttempts      int      `toml:"push_attempts"`
	PullLimit         int      `toml:"pull_limit"`
	Stream            bool     `toml:"stream"`
	Relay             bool     `toml:"relay"`
}

// Log configures the process logger.
type Log struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Default returns the configuration used without a file.
func Default() *Config {
	sc := syncer.DefaultConfig()
	return &Config{
		Instance: Instance{
			DataDir:     DefaultDataDir(),
			ListenAddr:  "127.0.0.1:7777",
			ClaimedTier: ir.TierDeviceBound,
		},
		Policy: policy.Default(),
		Sync: Sync{
			PullInterval:      Duration(sc.PullInterval),
			PushTimeout:       Duration(sc.PushTimeout),
			PullTimeout:       Duration(sc.PullTimeout),
			RegisterTimeout:   Duration(sc.RegisterTimeout),
			StreamIdleTimeout: Duration(sc.StreamIdleTimeout),
			HeartbeatInterval: Duration(sc.HeartbeatInterval),
			StreamRetry:       Duration(sc.StreamRetry),
			PushBackoff:       Duration(sc.PushBackoff),
			MaxDrift:          Duration(hlc.DefaultMaxDrift),
			PendingTTL:        Duration(sc.PendingTTL),
			PushAttempts:      sc.PushAttempts,
			PullLimit:         sc.PullLimit,
			Stream:            sc.Stream,
			Relay:             sc.Relay,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// DefaultDataDir returns $FEDLOG_DATA_DIR, or ~/.fedlog.
func DefaultDataDir() string {
	if v := os.Getenv(EnvDataDir); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fedlog"
	}
	return filepath.Join(home, ".fedlog")
}

// Load reads path over the defaults, applies environment overrides and
// validates. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
		}
		var raw map[string]any
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if err := schema.CheckConfig(raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies FEDLOG_* variables.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.Instance.ListenAddr = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Instance.DataDir = v
	}
	if v := os.Getenv(EnvMinAuthTier); v != "" {
		t, err := ir.ParseTier(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, EnvMinAuthTier, err)
		}
		c.Policy.MinTier = t
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Instance.DataDir == "" {
		bad("instance.data_dir is required")
	}
	if c.Instance.ListenAddr == "" {
		bad("instance.listen_addr is required")
	}
	if !c.Instance.ClaimedTier.Valid() {
		bad("instance.claimed_tier %q is not a trust tier", c.Instance.ClaimedTier)
	}
	if !c.Policy.MinTier.Valid() {
		bad("policy.min_auth_tier %q is not a trust tier", c.Policy.MinTier)
	}
	if c.Policy.MaxPeers < 0 {
		bad("policy.max_peers must be >= 0, got %d", c.Policy.MaxPeers)
	}

	durations := map[string]Duration{
		"pull_interval":       c.Sync.PullInterval,
		"push_timeout":        c.Sync.PushTimeout,
		"pull_timeout":        c.Sync.PullTimeout,
		"register_timeout":    c.Sync.RegisterTimeout,
		"stream_idle_timeout": c.Sync.StreamIdleTimeout,
		"heartbeat_interval":  c.Sync.HeartbeatInterval,
		"stream_retry":        c.Sync.StreamRetry,
		"push_backoff":        c.Sync.PushBackoff,
		"max_drift":           c.Sync.MaxDrift,
		"pending_ttl":         c.Sync.PendingTTL,
	}
	for _, name := range sortedKeys(durations) {
		if durations[name] <= 0 {
			bad("sync.%s must be positive", name)
		}
	}
	if c.Sync.HeartbeatInterval >= c.Sync.StreamIdleTimeout {
		bad("sync.heartbeat_interval must be shorter than sync.stream_idle_timeout")
	}
	if c.Sync.PushAttempts < 1 {
		bad("sync.push_attempts must be >= 1")
	}
	if c.Sync.PullLimit < 1 || c.Sync.PullLimit > 1000 {
		bad("sync.pull_limit must be between 1 and 1000")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		bad("log.format %q must be text or json", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Endpoint returns the public endpoint, defaulting to the listen address.
func (c *Config) Endpoint() string {
	if c.Instance.PublicEndpoint != "" {
		return c.Instance.PublicEndpoint
	}
	return "http://" + c.Instance.ListenAddr
}

// LocalURL is the base URL the CLI uses to reach the running instance.
// An unspecified listen host maps to loopback.
func (c *Config) LocalURL() string {
	host, port, err := net.SplitHostPort(c.Instance.ListenAddr)
	if err != nil {
		return "http://" + c.Instance.ListenAddr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Write saves c to path as TOML.
func (c *Config) Write(path string) error {
	var buf bytes.Buffer
	buf.WriteString("# fedlog configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// KeyPath is the identity key file.
func (c *Config) KeyPath() string {
	return filepath.Join(c.Instance.DataDir, "identity.key")
}

// DBPath is the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.Instance.DataDir, "fedlog.db")
}

// SyncerConfig converts the file settings into engine configuration.
func (c *Config) SyncerConfig() syncer.Config {
	return syncer.Config{
		DisplayName:       c.Instance.DisplayName,
		Endpoint:          c.Endpoint(),
		Tier:              c.Instance.ClaimedTier,
		PullInterval:      c.Sync.PullInterval.Std(),
		PullTimeout:       c.Sync.PullTimeout.Std(),
		PullLimit:         c.Sync.PullLimit,
		PushTimeout:       c.Sync.PushTimeout.Std(),
		PushAttempts:      c.Sync.PushAttempts,
		PushBackoff:       c.Sync.PushBackoff.Std(),
		RegisterTimeout:   c.Sync.RegisterTimeout.Std(),
		StreamIdleTimeout: c.Sync.StreamIdleTimeout.Std(),
		HeartbeatInterval: c.Sync.HeartbeatInterval.Std(),
		StreamRetry:       c.Sync.StreamRetry.Std(),
		PendingTTL:        c.Sync.PendingTTL.Std(),
		Stream:            c.Sync.Stream,
		Relay:             c.Sync.Relay,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
