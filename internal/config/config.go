// Package config handles loading of caseflow engine settings: where work
// directories live, how the model is launched, where input databases come
// from and how runs are logged. It supports XDG config paths, project-level
// overrides and CASEFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine settings.
type Config struct {
	// WorkDir is the default work directory for setup and run.
	WorkDir string `mapstructure:"work_dir"`
	// CaseConfig is a user INI file layered over the component defaults.
	CaseConfig string         `mapstructure:"case_config"`
	Launcher   LauncherConfig `mapstructure:"launcher"`
	Database   DatabaseConfig `mapstructure:"database"`
	Log        LogConfig      `mapstructure:"log"`
	TUI        TUIConfig      `mapstructure:"tui"`
	State      StateConfig    `mapstructure:"state"`
	Compare    CompareConfig  `mapstructure:"compare"`
}

// LauncherConfig describes the machine models run on.
type LauncherConfig struct {
	// System is single_node or slurm.
	System string `mapstructure:"system"`
	// Executable is the MPI launcher; empty picks mpirun or srun.
	Executable   string `mapstructure:"executable"`
	CoresPerNode int    `mapstructure:"cores_per_node"`
	Nodes        int    `mapstructure:"nodes"`
}

// DatabaseConfig holds input database settings.
type DatabaseConfig struct {
	// URL is the database server: https://, s3://bucket/prefix or a directory.
	URL string `mapstructure:"url"`
	// CacheDir holds downloaded files; empty means <work_dir>/.caseflow/database.
	CacheDir string `mapstructure:"cache_dir"`
	// Offline serves only files already in the cache.
	Offline bool   `mapstructure:"offline"`
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// LogConfig holds run log settings.
type LogConfig struct {
	// Level is a zerolog level name.
	Level string `mapstructure:"level"`
	// Format is console or json for terminal output.
	Format string `mapstructure:"format"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// StateConfig holds run history settings.
type StateConfig struct {
	// Retention is how long finished runs are kept; zero keeps them forever.
	Retention time.Duration `mapstructure:"retention"`
}

// CompareConfig selects how task outputs are compared.
type CompareConfig struct {
	// Executable is the external comparison tool.
	Executable string `mapstructure:"executable"`
}

const envPrefix = "CASEFLOW"

// Load loads settings from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CASEFLOW_LAUNCHER_CORES_PER_NODE, ...)
// 2. Project config (.caseflow.yaml in current directory or parent)
// 3. User config (~/.config/caseflow/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	return unmarshal(v)
}

// LoadFromPath loads settings from a specific path (for testing). Environment
// variables still apply.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)
	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.WorkDir = expandPath(cfg.WorkDir)
	cfg.CaseConfig = expandPath(cfg.CaseConfig)
	cfg.Database.CacheDir = expandPath(cfg.Database.CacheDir)
	cfg.Database.URL = os.ExpandEnv(cfg.Database.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot use.
func (c *Config) Validate() error {
	switch c.Launcher.System {
	case "single_node", "slurm":
	default:
		return fmt.Errorf("launcher.system must be single_node or slurm, got %q", c.Launcher.System)
	}
	if c.Launcher.CoresPerNode < 1 {
		return fmt.Errorf("launcher.cores_per_node must be positive, got %d", c.Launcher.CoresPerNode)
	}
	if c.Launcher.Nodes < 1 {
		return fmt.Errorf("launcher.nodes must be positive, got %d", c.Launcher.Nodes)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// DatabaseCacheDir is where input database files are cached.
func (c *Config) DatabaseCacheDir(workDir string) string {
	if c.Database.CacheDir != "" {
		return c.Database.CacheDir
	}
	return filepath.Join(workDir, ".caseflow", "database")
}

// Save writes the current settings to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes cfg to path.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("work_dir", cfg.WorkDir)
	v.Set("case_config", cfg.CaseConfig)
	v.Set("launcher.system", cfg.Launcher.System)
	v.Set("launcher.executable", cfg.Launcher.Executable)
	v.Set("launcher.cores_per_node", cfg.Launcher.CoresPerNode)
	v.Set("launcher.nodes", cfg.Launcher.Nodes)
	v.Set("database.url", cfg.Database.URL)
	v.Set("database.cache_dir", cfg.Database.CacheDir)
	v.Set("database.offline", cfg.Database.Offline)
	v.Set("database.region", cfg.Database.Region)
	v.Set("database.profile", cfg.Database.Profile)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())
	v.Set("state.retention", cfg.State.Retention.String())
	v.Set("compare.executable", cfg.Compare.Executable)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("case_config", d.CaseConfig)

	v.SetDefault("launcher.system", d.Launcher.System)
	v.SetDefault("launcher.executable", d.Launcher.Executable)
	v.SetDefault("launcher.cores_per_node", d.Launcher.CoresPerNode)
	v.SetDefault("launcher.nodes", d.Launcher.Nodes)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.cache_dir", d.Database.CacheDir)
	v.SetDefault("database.offline", d.Database.Offline)
	v.SetDefault("database.region", d.Database.Region)
	v.SetDefault("database.profile", d.Database.Profile)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
	v.SetDefault("state.retention", d.State.Retention.String())
	v.SetDefault("compare.executable", d.Compare.Executable)
}

// getUserConfigDir returns the XDG config directory for caseflow.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "caseflow")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "caseflow")
	}
	return filepath.Join(home, ".config", "caseflow")
}

// findProjectConfig searches for .caseflow.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".caseflow.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandPath expands ${VAR} references and a leading ~.
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkDir: ".",
		Launcher: LauncherConfig{
			System:       "single_node",
			CoresPerNode: 1,
			Nodes:        1,
		},
		Database: DatabaseConfig{
			URL: "https://web.lcrc.anl.gov/public/e3sm/mpas_standalonedata/mpas-ocean",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
		State: StateConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Compare: CompareConfig{
			Executable: "compare_variables",
		},
	}
}
