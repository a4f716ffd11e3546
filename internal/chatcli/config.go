// config.go resolves the server configuration from .env, the environment and an optional YAML file.
package chatcli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/contenox/tablechat/serverapi"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort       = "8080"
	defaultSQLitePath = ".tablechat/chat.db"
	configDir         = ".tablechat"
	configFile        = "config.yaml"
)

// loadConfig returns the effective configuration and the YAML file it read,
// if any. Environment variables (a .env file included) win over the file;
// defaults fill whatever is still empty.
func loadConfig(path, envFile string) (*serverapi.Config, string, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, "", err
	}
	fileCfg, used, err := readConfigFile(path)
	if err != nil {
		return nil, "", err
	}
	cfg := &serverapi.Config{}
	if err := serverapi.LoadConfig(cfg); err != nil {
		return nil, "", err
	}
	if err := mergo.Merge(cfg, fileCfg); err != nil {
		return nil, "", fmt.Errorf("failed to merge config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, used, nil
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. With no path, ./.env is used when present.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// readConfigFile reads path, or ./.tablechat/config.yaml then
// ~/.tablechat/config.yaml when path is empty. Missing default files are not an error.
func readConfigFile(path string) (serverapi.Config, string, error) {
	if path != "" {
		cfg, err := parseConfigFile(path)
		return cfg, path, err
	}
	var try []string
	if cwd, err := os.Getwd(); err == nil {
		try = append(try, filepath.Join(cwd, configDir, configFile))
	}
	if home, err := os.UserHomeDir(); err == nil {
		try = append(try, filepath.Join(home, configDir, configFile))
	}
	for _, p := range try {
		cfg, err := parseConfigFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return serverapi.Config{}, "", err
		}
		return cfg, p, nil
	}
	return serverapi.Config{}, "", nil
}

func parseConfigFile(path string) (serverapi.Config, error) {
	var cfg serverapi.Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *serverapi.Config) {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		cfg.SQLitePath = defaultSQLitePath
	}
}
