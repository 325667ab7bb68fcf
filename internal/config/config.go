// Package config loads the sync configuration from a file and the
// environment.
//
// Every key can be overridden with a P4SYNC_ environment variable, dots
// replaced by underscores (P4SYNC_P4_PASSWORD, P4SYNC_STORE_API_KEY ...).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mschirtzinger/p4sync/internal/pathctx"
)

// Store backends.
const (
	BackendShotGrid = "shotgrid"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Project     ProjectConfig     `mapstructure:"project"`
	P4          P4Config          `mapstructure:"p4"`
	Store       StoreConfig       `mapstructure:"store"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Scope       ScopeConfig       `mapstructure:"scope"`
	SideChannel SideChannelConfig `mapstructure:"sidechannel"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Context     ContextConfig     `mapstructure:"context"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
	Log         LogConfig         `mapstructure:"log"`
}

type ProjectConfig struct {
	ID   int    `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

type P4Config struct {
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Client   string `mapstructure:"client"`
	Charset  string `mapstructure:"charset"`
	Bin      string `mapstructure:"bin"`
}

type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	URL        string `mapstructure:"url"`
	ScriptName string `mapstructure:"script_name"`
	APIKey     string `mapstructure:"api_key"`
	Login      string `mapstructure:"login"`
	Password   string `mapstructure:"password"`
	Path       string `mapstructure:"path"`
}

type SyncConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	Start         int           `mapstructure:"start"`
	CounterPrefix string        `mapstructure:"counter_prefix"`
	WakeDir       string        `mapstructure:"wake_dir"`
	LockFile      string        `mapstructure:"lock_file"`
	FileKind      string        `mapstructure:"file_kind"`
	RevisionKind  string        `mapstructure:"revision_kind"`
}

type ScopeConfig struct {
	Marker   string `mapstructure:"marker"`
	Platform string `mapstructure:"platform"`
}

type SideChannelConfig struct {
	Path string `mapstructure:"path"`
}

type IdentityConfig struct {
	MapFile string `mapstructure:"map_file"`
}

type ContextConfig struct {
	Rules []pathctx.Rule `mapstructure:"rules"`
}

type DashboardConfig struct {
	// Port 0 disables the dashboard
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Debug      bool   `mapstructure:"debug"`
}

// Load reads path (any format viper understands) and applies environment
// overrides. An empty path loads defaults and environment only. Callers
// apply flag overrides and then call Validate.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("p4sync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every leaf so AutomaticEnv also sees keys the file
// leaves out.
func setDefaults(v *viper.Viper) {
	v.SetDefault("project.id", 0)
	v.SetDefault("project.name", "")

	v.SetDefault("p4.port", "")
	v.SetDefault("p4.user", "")
	v.SetDefault("p4.password", "")
	v.SetDefault("p4.client", "")
	v.SetDefault("p4.charset", "")
	v.SetDefault("p4.bin", "p4")

	v.SetDefault("store.backend", BackendShotGrid)
	v.SetDefault("store.url", "")
	v.SetDefault("store.script_name", "")
	v.SetDefault("store.api_key", "")
	v.SetDefault("store.login", "")
	v.SetDefault("store.password", "")
	v.SetDefault("store.path", "")

	v.SetDefault("sync.poll_interval", 30*time.Second)
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.call_timeout", 60*time.Second)
	v.SetDefault("sync.start", 0)
	v.SetDefault("sync.counter_prefix", "tk_perforcesync_project_")
	v.SetDefault("sync.wake_dir", "")
	v.SetDefault("sync.lock_file", "")
	v.SetDefault("sync.file_kind", "PublishedFile")
	v.SetDefault("sync.revision_kind", "Revision")

	v.SetDefault("scope.marker", "tank/config/tank_configs.yml")
	v.SetDefault("scope.platform", "")

	v.SetDefault("sidechannel.path", "")
	v.SetDefault("identity.map_file", "")
	v.SetDefault("dashboard.port", 0)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.debug", false)
}

// Validate reports the first setting that prevents a sync from starting.
func (c Config) Validate() error {
	if c.Project.ID <= 0 {
		return fmt.Errorf("project.id is required")
	}
	if c.P4.Port == "" {
		return fmt.Errorf("p4.port is required")
	}

	switch c.Store.Backend {
	case BackendShotGrid:
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the %s backend", BackendShotGrid)
		}
		hasScript := c.Store.ScriptName != "" && c.Store.APIKey != ""
		hasUser := c.Store.Login != "" && c.Store.Password != ""
		if !hasScript && !hasUser {
			return fmt.Errorf("store needs script_name/api_key or login/password")
		}
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", BackendSQLite)
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1")
	}
	if c.Sync.Start < 0 {
		return fmt.Errorf("sync.start cannot be negative")
	}
	if c.Sync.CounterPrefix == "" {
		return fmt.Errorf("sync.counter_prefix cannot be empty")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	for i, r := range c.Context.Rules {
		if r.Pattern == "" || r.EntityType == "" {
			return fmt.Errorf("context.rules[%d] needs pattern and entity_type", i)
		}
	}
	return nil
}
