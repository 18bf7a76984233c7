package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/caseflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage engine settings",
	Long: `View or modify caseflow engine settings.

Without arguments, displays current settings.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the user settings file.

Settings are stored at ~/.config/caseflow/config.yaml
Project-specific overrides can be placed in .caseflow.yaml
Environment variables override both, e.g. CASEFLOW_LAUNCHER_NODES=4`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			return setConfigKey(cfg, args[0], args[1])
		}
	},
}

// configKeys lists every setting in display order.
var configKeys = []string{
	"work_dir",
	"case_config",
	"launcher.system",
	"launcher.executable",
	"launcher.cores_per_node",
	"launcher.nodes",
	"database.url",
	"database.cache_dir",
	"database.offline",
	"database.region",
	"database.profile",
	"log.level",
	"log.format",
	"tui.refresh_rate",
	"state.retention",
	"compare.executable",
}

// displayAllConfig prints all settings.
func displayAllConfig(cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Printf("%s: %s\n", key, value)
	}
	fmt.Printf("database credentials: %s\n", config.GetCredentialSource(cfg))
	fmt.Printf("\nuser settings: %s\n", config.GetUserConfigPath())
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Printf("project settings: %s\n", p)
	}
}

// setConfigKey sets a value, validates the result and saves it.
func setConfigKey(cfg *config.Config, key, value string) error {
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}

// getConfigValue retrieves a setting by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "work_dir":
		return cfg.WorkDir, nil
	case "case_config":
		return orNotSet(cfg.CaseConfig), nil
	case "launcher.system":
		return cfg.Launcher.System, nil
	case "launcher.executable":
		return orNotSet(cfg.Launcher.Executable), nil
	case "launcher.cores_per_node":
		return strconv.Itoa(cfg.Launcher.CoresPerNode), nil
	case "launcher.nodes":
		return strconv.Itoa(cfg.Launcher.Nodes), nil
	case "database.url":
		return config.MaskURL(cfg.Database.URL), nil
	case "database.cache_dir":
		return orNotSet(cfg.Database.CacheDir), nil
	case "database.offline":
		return strconv.FormatBool(cfg.Database.Offline), nil
	case "database.region":
		return orNotSet(cfg.Database.Region), nil
	case "database.profile":
		return orNotSet(cfg.Database.Profile), nil
	case "log.level":
		return cfg.Log.Level, nil
	case "log.format":
		return cfg.Log.Format, nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	case "state.retention":
		return cfg.State.Retention.String(), nil
	case "compare.executable":
		return orNotSet(cfg.Compare.Executable), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a setting by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	var err error
	switch strings.ToLower(key) {
	case "work_dir":
		cfg.WorkDir = value
	case "case_config":
		cfg.CaseConfig = value
	case "launcher.system":
		cfg.Launcher.System = value
	case "launcher.executable":
		cfg.Launcher.Executable = value
	case "launcher.cores_per_node":
		cfg.Launcher.CoresPerNode, err = cast.ToIntE(value)
	case "launcher.nodes":
		cfg.Launcher.Nodes, err = cast.ToIntE(value)
	case "database.url":
		cfg.Database.URL = value
	case "database.cache_dir":
		cfg.Database.CacheDir = value
	case "database.offline":
		cfg.Database.Offline, err = cast.ToBoolE(value)
	case "database.region":
		cfg.Database.Region = value
	case "database.profile":
		cfg.Database.Profile = value
	case "log.level":
		cfg.Log.Level = value
	case "log.format":
		cfg.Log.Format = value
	case "tui.refresh_rate":
		cfg.TUI.RefreshRate, err = cast.ToDurationE(value)
	case "state.retention":
		cfg.State.Retention, err = cast.ToDurationE(value)
	case "compare.executable":
		cfg.Compare.Executable = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

func orNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
