package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/pkg/paths"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// configNames lists project file names in precedence order.
var configNames = []string{
	"collab.yml",
	"collab.yaml",
	".collab.yml",
	".collab.yaml",
	"collab.toml",
}

// overrideNames are merged over the project file when present next to it.
var overrideNames = []string{
	"collab.override.yml",
	"collab.override.yaml",
	".collab.override.yml",
	".collab.override.yaml",
}

// Load reads, merges defaults into, and validates a single configuration file.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return finalize(cfg)
}

// LoadDefault loads configuration starting from the working directory. A
// missing project file is not an error: defaults (plus the global layer, if
// any) are returned.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to get current directory")
	}
	return LoadFrom(cwd)
}

// LoadFrom loads configuration with hierarchical merging starting from the given directory.
func LoadFrom(startDir string) (*Config, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return LoadFromWithLogger(startDir, logger)
}

// LoadFromWithLogger loads configuration with hierarchical merging:
// 1. Global config (~/.config/collab/collab.yml) - base layer
// 2. Project config (collab.yml or collab.toml) - overrides global
// 3. Local override (collab.override.yml) - overrides all
func LoadFromWithLogger(startDir string, logger *logrus.Logger) (*Config, error) {
	finalConfig := &Config{}

	if globalPath := paths.GlobalConfigPath(); globalPath != "" {
		if _, err := os.Stat(globalPath); err == nil {
			logger.WithField("path", globalPath).Debug("Loading global configuration")
			globalConfig, err := readFile(globalPath)
			if err != nil {
				logger.WithError(err).Warn("Failed to load global configuration, continuing without it")
			} else {
				finalConfig = globalConfig
			}
		}
	}

	projectPath, err := FindConfigFile(startDir)
	if err != nil {
		if !errors.Is(err, errors.ErrCodeConfigNotFound) {
			return nil, err
		}
		logger.WithField("dir", startDir).Debug("No project configuration found, using defaults")
		return finalize(finalConfig)
	}

	logger.WithField("path", projectPath).Debug("Loading project configuration")
	projectConfig, err := readFile(projectPath)
	if err != nil {
		return nil, err
	}
	finalConfig = mergeConfigs(finalConfig, projectConfig)

	projectDir := filepath.Dir(projectPath)
	for _, name := range overrideNames {
		overridePath := filepath.Join(projectDir, name)
		if _, err := os.Stat(overridePath); err != nil {
			continue
		}
		logger.WithField("path", overridePath).Debug("Loading local override configuration")
		overrideConfig, err := readFile(overridePath)
		if err != nil {
			logger.WithError(err).Warn("Failed to parse override file, skipping")
			continue
		}
		finalConfig = mergeConfigs(finalConfig, overrideConfig)
	}

	cfg, err := finalize(finalConfig)
	if err != nil {
		return nil, err
	}

	if logger.IsLevelEnabled(logrus.DebugLevel) {
		if data, err := yaml.Marshal(cfg); err == nil {
			logger.Debugf("Merged configuration:\n%s", string(data))
		}
	}
	return cfg, nil
}

// LoadFromBytes parses YAML configuration from a byte array.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg, err := parseYAML(data)
	if err != nil {
		return nil, err
	}
	return finalize(cfg)
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}

	var cfg *Config
	if strings.HasSuffix(path, ".toml") {
		cfg, err = parseTOML(data)
	} else {
		cfg, err = parseYAML(data)
	}
	if err != nil {
		if collabErr, ok := err.(*errors.CollabError); ok {
			return nil, collabErr.WithDetail("path", path)
		}
		return nil, err
	}
	return cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse YAML configuration")
	}
	return &cfg, nil
}

func parseTOML(data []byte) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))
	var cfg Config
	if err := toml.Unmarshal(expanded, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse TOML configuration")
	}

	// TOML has no inline capture, so unknown tables are collected by hand.
	var raw map[string]interface{}
	if err := toml.Unmarshal(expanded, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse TOML configuration")
	}
	for key, value := range raw {
		switch key {
		case "version", "server", "presence", "reconnect", "relay":
			continue
		}
		if cfg.Extensions == nil {
			cfg.Extensions = make(map[string]interface{})
		}
		cfg.Extensions[key] = value
	}
	return &cfg, nil
}

// finalize applies defaults and runs schema and semantic validation.
func finalize(cfg *Config) (*Config, error) {
	cfg.SetDefaults()

	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to create validator")
	}
	if err := validator.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "schema validation failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.Presence.RetainForMs < c.Presence.StaleAfterMs {
		return errors.New(errors.ErrCodeConfigValidation, "presence.retain_for_ms must not be shorter than presence.stale_after_ms").
			WithDetail("retain_for_ms", c.Presence.RetainForMs).
			WithDetail("stale_after_ms", c.Presence.StaleAfterMs)
	}
	if c.Reconnect.MaxMs < c.Reconnect.InitialMs {
		return errors.New(errors.ErrCodeConfigValidation, "reconnect.max_ms must not be shorter than reconnect.initial_ms").
			WithDetail("max_ms", c.Reconnect.MaxMs).
			WithDetail("initial_ms", c.Reconnect.InitialMs)
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return errors.ConfigInvalid("server.url must use ws:// or wss://").
			WithDetail("url", c.Server.URL)
	}
	return nil
}

// FindConfigFile searches from startDir up to the filesystem root for a
// project configuration file.
func FindConfigFile(startDir string) (string, error) {
	dir := startDir
	for {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.ConfigNotFound(startDir).WithDetail("searchPath", startDir)
}

// expandEnvVars replaces ${VAR} with environment variable values
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := envVarRegex.FindStringSubmatch(match)[1]

		// Handle default values: ${VAR:-default}
		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]
		defaultValue := ""
		if len(parts) > 1 {
			defaultValue = parts[1]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}
