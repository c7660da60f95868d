package configuration

import (
	"fmt"
	"log/slog"
	"os"

	"concord/internal/configuration/util"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigDir = "internal/static"
	configDirEnv     = "CONCORD_CONFIG_DIR"
	profileEnv       = "CONCORD_PROFILE"
)

// Load reads application.yml and the active profile overlay from the config
// directory (CONCORD_CONFIG_DIR or internal/static).
func Load() (*Properties, error) {
	dir := os.Getenv(configDirEnv)
	if dir == "" {
		dir = defaultConfigDir
	}
	return LoadFrom(dir)
}

func LoadFrom(dir string) (*Properties, error) {
	cfg, err := loadBaseConfig(dir)
	if err != nil {
		return nil, err
	}

	if p := os.Getenv(profileEnv); p != "" {
		cfg.App.Profile = p
	}
	if cfg.App.Profile != "" {
		if err := loadProfileConfig(dir, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadBaseConfig(dir string) (*Properties, error) {
	baseConfig, err := util.LoadAndExpandYaml(dir, "application")
	if err != nil {
		slog.Error("error loading base config", "error", err)
		return nil, err
	}

	cfg := Properties{}
	if err := yaml.Unmarshal([]byte(baseConfig), &cfg); err != nil {
		slog.Error("error parsing base config", "error", err)
		return nil, fmt.Errorf("parse base config: %w", err)
	}
	return &cfg, nil
}

func loadProfileConfig(dir string, cfg *Properties) error {
	profileConfig, err := util.LoadAndExpandYaml(dir, "application-"+cfg.App.Profile)
	if err != nil {
		slog.Error("error loading profile config", "profile", cfg.App.Profile, "error", err)
		return err
	}

	if err := yaml.Unmarshal([]byte(profileConfig), cfg); err != nil {
		slog.Error("error parsing profile config", "profile", cfg.App.Profile, "error", err)
		return fmt.Errorf("parse profile %s: %w", cfg.App.Profile, err)
	}
	return nil
}
