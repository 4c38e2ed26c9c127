// Package config provides the YAML configuration of the jail server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/platform/timefmt"
)

// Duration accepts both Go durations ("750ms") and sentence syntax ("1d2h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	if d > 0 && time.Duration(d)%time.Second != 0 {
		return time.Duration(d).String(), nil
	}
	return timefmt.Compact(time.Duration(d)), nil
}

// ParseDuration tries Go syntax first, then the day-aware sentence syntax.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	d, err := timefmt.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Config is the full server configuration.
type Config struct {
	Storage           StorageConfig     `yaml:"storage"`
	World             WorldConfig       `yaml:"world"`
	Jail              JailConfig        `yaml:"jail"`
	Escape            EscapeConfig      `yaml:"escape"`
	Release           ReleaseConfig     `yaml:"release"`
	Expiration        ExpirationConfig  `yaml:"expiration"`
	Bail              BailConfig        `yaml:"bail"`
	Restraints        RestraintConfig   `yaml:"restraints"`
	Restrictions      RestrictionConfig `yaml:"restrictions"`
	Economy           EconomyConfig     `yaml:"economy"`
	PersistOnlineTime bool              `yaml:"persist_online_time"`
	Server            ServerConfig      `yaml:"server"`
	Logging           LoggingConfig     `yaml:"logging"`
	Audit             AuditConfig       `yaml:"audit"`
	Tuning            TuningConfig      `yaml:"tuning"`
}

// StorageConfig selects the durable backing.
type StorageConfig struct {
	Backend string `yaml:"backend"` // sqlite, yaml or memory
	DBPath  string `yaml:"db_path"`
	DataDir string `yaml:"data_dir"`
}

// WorldConfig describes the in-process world model.
type WorldConfig struct {
	DefaultWorld string                     `yaml:"default_world"`
	Spawns       map[string]region.Location `yaml:"spawns"`
	// ExternalRegions are served through the external region authority.
	ExternalRegions []ExternalRegion `yaml:"external_regions"`
	ExternalEnabled bool             `yaml:"external_enabled"`
}

// ExternalRegion is a region owned by the external region engine.
type ExternalRegion struct {
	Name  string      `yaml:"name"`
	World string      `yaml:"world"`
	Min   region.Vec3 `yaml:"min"`
	Max   region.Vec3 `yaml:"max"`
}

// JailConfig holds admission defaults.
type JailConfig struct {
	DefaultTempDuration Duration `yaml:"default_temp_duration"`
}

// EscapeConfig controls the escape detector and its consequences.
type EscapeConfig struct {
	DetectionEnabled  bool     `yaml:"detection_enabled"`
	BypassCapability  string   `yaml:"bypass_capability"`
	Throttle          Duration `yaml:"throttle"`
	TeleportBack      bool     `yaml:"teleport_back"`
	FineAmount        float64  `yaml:"fine_amount"`
	ExtendBy          Duration `yaml:"extend_by"`
	Commands          []string `yaml:"commands"`
	ShowTitle         bool     `yaml:"show_title"`
	Title             string   `yaml:"title"`
	Subtitle          string   `yaml:"subtitle"`
	LogAttempts       bool     `yaml:"log_attempts"`
	BroadcastAttempts bool     `yaml:"broadcast_attempts"`
}

// ReleaseConfig optionally overrides where released subjects go.
type ReleaseConfig struct {
	Spawn *region.Location `yaml:"spawn,omitempty"`
}

// ExpirationConfig controls the sweep.
type ExpirationConfig struct {
	SweepPeriod Duration `yaml:"sweep_period"`
}

// BailConfig mirrors the bail service switches.
type BailConfig struct {
	Enabled       bool `yaml:"enabled"`
	AllowSelfBail bool `yaml:"allow_self_bail"`
	LogPayments   bool `yaml:"log_payments"`
}

// RestraintConfig controls handcuffs.
type RestraintConfig struct {
	OnAdmit bool `yaml:"on_admit"`
}

// RestrictionConfig is the policy applied to jailed subjects' actions.
type RestrictionConfig struct {
	BypassCapability        string   `yaml:"bypass_capability"`
	CommandBypassCapability string   `yaml:"command_bypass_capability"`
	BlockedCommands         []string `yaml:"blocked_commands"` // prefixes, "*" blocks all
	AllowedCommands         []string `yaml:"allowed_commands"` // prefixes, win over blocked
	BlockChat               bool     `yaml:"block_chat"`
	PvPEnabled              bool     `yaml:"pvp_enabled"`
	BlockBreak              bool     `yaml:"block_break"`
	BlockPlace              bool     `yaml:"block_place"`
	BlockInteract           bool     `yaml:"block_interact"`
	BlockSleep              bool     `yaml:"block_sleep"`
	BlockItemDrop           bool     `yaml:"block_item_drop"`
	BlockItemPickup         bool     `yaml:"block_item_pickup"`
}

// EconomyConfig seeds the in-process ledger.
type EconomyConfig struct {
	// Accounts maps subject ids to their starting balance.
	Accounts map[string]float64 `yaml:"accounts"`
}

// ServerConfig is the HTTP surface.
type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// AuditConfig controls the compressed event archive.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// TuningConfig picks an optimization profile.
type TuningConfig struct {
	Profile string `yaml:"profile"` // default, low, stress
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			DBPath:  "./data/devjails.db",
			DataDir: "./data",
		},
		World: WorldConfig{
			DefaultWorld: "world",
			Spawns: map[string]region.Location{
				"world": {World: "world", X: 0.5, Y: 64, Z: 0.5},
			},
			ExternalEnabled: true,
		},
		Jail: JailConfig{
			DefaultTempDuration: Duration(time.Hour),
		},
		Escape: EscapeConfig{
			DetectionEnabled: true,
			BypassCapability: "djails.bypass.escape",
			Throttle:         Duration(time.Second),
			TeleportBack:     true,
			ShowTitle:        true,
			Title:            "ESCAPE ATTEMPT",
			Subtitle:         "You cannot leave {jail}",
			LogAttempts:      true,
		},
		Expiration: ExpirationConfig{
			SweepPeriod: Duration(time.Second),
		},
		Bail: BailConfig{
			Enabled:     true,
			LogPayments: true,
		},
		Restrictions: RestrictionConfig{
			BypassCapability:        "djails.bypass.restrictions",
			CommandBypassCapability: "djails.bypass.commands",
			BlockedCommands:         []string{"*"},
			AllowedCommands:         []string{"/msg", "/tell", "/r", "/bail", "/djails"},
			BlockBreak:              true,
			BlockPlace:              true,
			BlockInteract:           true,
			BlockSleep:              true,
			BlockItemDrop:           true,
			BlockItemPickup:         true,
		},
		PersistOnlineTime: true,
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Enabled: true,
			Dir:     "./data/audit",
		},
		Tuning: TuningConfig{
			Profile: "default",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Storage.Backend = getEnv("JAIL_STORAGE", c.Storage.Backend)
	c.Storage.DBPath = getEnv("JAIL_DB_PATH", c.Storage.DBPath)
	c.Storage.DataDir = getEnv("JAIL_DATA_DIR", c.Storage.DataDir)
	c.Server.Listen = getEnv("JAIL_LISTEN", c.Server.Listen)
	c.Logging.Level = getEnv("JAIL_LOG_LEVEL", c.Logging.Level)
	c.Escape.DetectionEnabled = getEnvBool("JAIL_ESCAPE_DETECTION", c.Escape.DetectionEnabled)
	c.PersistOnlineTime = getEnvBool("JAIL_PERSIST_ONLINE_TIME", c.PersistOnlineTime)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path cannot be empty for sqlite")
		}
	case "yaml":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir cannot be empty for yaml")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.World.DefaultWorld == "" {
		return fmt.Errorf("world.default_world cannot be empty")
	}
	if c.Expiration.SweepPeriod <= 0 {
		return fmt.Errorf("expiration.sweep_period must be > 0")
	}
	if c.Escape.Throttle < 0 {
		return fmt.Errorf("escape.throttle must be >= 0")
	}
	if c.Escape.FineAmount < 0 {
		return fmt.Errorf("escape.fine_amount must be >= 0")
	}
	if c.Escape.ExtendBy < 0 {
		return fmt.Errorf("escape.extend_by must be >= 0")
	}
	for id, amount := range c.Economy.Accounts {
		if amount < 0 {
			return fmt.Errorf("economy.accounts[%s] must be >= 0", id)
		}
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		return fmt.Errorf("audit.dir cannot be empty when audit is enabled")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
