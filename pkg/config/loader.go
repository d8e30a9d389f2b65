package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/providers"
	"github.com/castwork/castwork/pkg/scheduler"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CASTWORK_"

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, CASTWORK_CONFIG env, ./castwork.yaml, /etc/castwork/castwork.yaml)
//  3. CASTWORK_* environment variable overrides
//  4. File reference resolution (*_file fields)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("failed to resolve file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile returns the first config file found, or "" to run on defaults.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv(EnvPrefix + "CONFIG"); envPath != "" {
		return envPath
	}

	for _, path := range []string{"castwork.yaml", "/etc/castwork/castwork.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile parses a YAML file over cfg. Fields not present keep their current
// values, except that a providers section replaces the default provider table.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var probe struct {
		Providers yaml.Node `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if !probe.Providers.IsZero() {
		cfg.Providers = nil
	}

	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps CASTWORK_* environment variables onto cfg.
func applyEnvOverrides(cfg *Config) error {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	setList := func(name string, dst *[]string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = splitList(v)
		}
	}

	setString("SERVER_ADDR", &cfg.Server.Addr)

	setString("STORE_DRIVER", &cfg.Store.Driver)
	setString("STORE_DSN", &cfg.Store.DSN)
	setString("STORE_DSN_FILE", &cfg.Store.DSNFile)

	if v := os.Getenv(EnvPrefix + "SCHEDULER_MODE"); v != "" {
		cfg.Scheduler.Mode = scheduler.Mode(v)
	}
	if v := os.Getenv(EnvPrefix + "SCHEDULER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSCHEDULER_WORKERS: %w", EnvPrefix, err)
		}
		cfg.Scheduler.Pool.Workers = n
	}
	setString("REDIS_ADDR", &cfg.Scheduler.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Scheduler.Redis.Password)
	setString("REDIS_QUEUE", &cfg.Scheduler.Redis.Queue)

	setString("PUBLISH_KIND", &cfg.Publish.Kind)
	setString("MINIO_ENDPOINT", &cfg.Publish.Minio.Endpoint)
	setString("MINIO_ACCESS_KEY", &cfg.Publish.Minio.AccessKey)
	setString("MINIO_SECRET_KEY", &cfg.Publish.Minio.SecretKey)
	setString("MINIO_BUCKET", &cfg.Publish.Minio.Bucket)

	setList("POLICY_PATHS", &cfg.Policy.Paths)
	setList("RECIPES_PATHS", &cfg.Recipes.Paths)

	setString("LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	setString("LOG_FORMAT", &cfg.Telemetry.Logging.Format)
	if v := os.Getenv(EnvPrefix + "OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Tracing.Enabled = true
		cfg.Telemetry.Tracing.Exporter = "otlp"
		cfg.Telemetry.Tracing.Endpoint = v
	}

	// CASTWORK_<TYPE>_KIND, _BASE_URL, _API_KEY and _MODEL configure one provider.
	for _, stepType := range engine.KnownStepTypes {
		prefix := strings.ToUpper(string(stepType)) + "_"
		pc, exists := cfg.Providers[stepType]
		changed := false
		for suffix, dst := range map[string]*string{
			"KIND":     &pc.Kind,
			"BASE_URL": &pc.BaseURL,
			"API_KEY":  &pc.APIKey,
			"MODEL":    &pc.Model,
		} {
			if v := os.Getenv(EnvPrefix + prefix + suffix); v != "" {
				*dst = v
				changed = true
			}
		}
		if !changed {
			continue
		}
		if !exists && pc.Kind == "" {
			return fmt.Errorf("%s%sKIND is required to configure the %s provider", EnvPrefix, prefix, stepType)
		}
		if cfg.Providers == nil {
			cfg.Providers = make(map[engine.StepType]providers.Config)
		}
		cfg.Providers[stepType] = pc
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolveFileReferences reads *_file fields into their value fields when the value is
// empty. Whitespace around the file content is trimmed.
func resolveFileReferences(cfg *Config) error {
	if cfg.Store.DSNFile != "" && cfg.Store.DSN == "" {
		val, err := readSecretFile(cfg.Store.DSNFile)
		if err != nil {
			return fmt.Errorf("store.dsn_file: %w", err)
		}
		cfg.Store.DSN = val
	}

	if cfg.Scheduler.Redis.PasswordFile != "" && cfg.Scheduler.Redis.Password == "" {
		val, err := readSecretFile(cfg.Scheduler.Redis.PasswordFile)
		if err != nil {
			return fmt.Errorf("scheduler.redis.password_file: %w", err)
		}
		cfg.Scheduler.Redis.Password = val
	}

	if cfg.Publish.Minio.SecretKeyFile != "" && cfg.Publish.Minio.SecretKey == "" {
		val, err := readSecretFile(cfg.Publish.Minio.SecretKeyFile)
		if err != nil {
			return fmt.Errorf("publish.minio.secret_key_file: %w", err)
		}
		cfg.Publish.Minio.SecretKey = val
	}

	for stepType, pc := range cfg.Providers {
		if pc.APIKeyFile == "" || pc.APIKey != "" {
			continue
		}
		val, err := readSecretFile(pc.APIKeyFile)
		if err != nil {
			return fmt.Errorf("providers.%s.api_key_file: %w", stepType, err)
		}
		pc.APIKey = val
		cfg.Providers[stepType] = pc
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
