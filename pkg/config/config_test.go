package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/providers"
	"github.com/castwork/castwork/pkg/scheduler"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Expected server.addr :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("Expected store.driver sqlite, got %q", cfg.Store.Driver)
	}
	if cfg.Scheduler.Mode != scheduler.ModeAsync {
		t.Errorf("Expected scheduler.mode async, got %q", cfg.Scheduler.Mode)
	}
	if len(cfg.Providers) != len(engine.KnownStepTypes) {
		t.Errorf("Expected a provider for every step type, got %d", len(cfg.Providers))
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeTemp(t, "castwork.yaml", `
server:
  addr: ":9000"
  read_timeout: 10s
store:
  driver: postgres
  dsn: postgres://castwork@localhost/castwork
  query_timeout: 5s
scheduler:
  mode: redis
  redis:
    addr: redis:6379
  sweeper:
    stale_after: 30m
providers:
  llm:
    kind: openai
    model: gpt-4o-mini
    api_key: sk-test
    cents_per_unit:
      tokens: 0.5
publish:
  kind: minio
  prefix: castwork
  minio:
    endpoint: minio:9000
    bucket: artifacts
policy:
  paths: [/etc/castwork/policies]
  watch: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9000" || cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("Expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("Expected default write_timeout to survive, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.QueryTimeout != 5*time.Second {
		t.Errorf("Expected store overrides, got %+v", cfg.Store)
	}
	if cfg.Scheduler.Mode != scheduler.ModeRedis || cfg.Scheduler.Redis.Addr != "redis:6379" {
		t.Errorf("Expected redis scheduler, got %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Redis.Queue != "castwork:executions" {
		t.Errorf("Expected default queue to survive, got %q", cfg.Scheduler.Redis.Queue)
	}
	if cfg.Scheduler.Sweeper.StaleAfter != 30*time.Minute {
		t.Errorf("Expected stale_after 30m, got %v", cfg.Scheduler.Sweeper.StaleAfter)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("Expected the providers section to replace the defaults, got %d providers", len(cfg.Providers))
	}
	llm := cfg.Providers[engine.StepTypeLLM]
	if llm.Kind != providers.KindOpenAI || llm.Model != "gpt-4o-mini" {
		t.Errorf("Expected openai llm provider, got %+v", llm)
	}
	if llm.CentsPerUnit[engine.UsageUnitTokens] != 0.5 {
		t.Errorf("Expected token price 0.5, got %v", llm.CentsPerUnit)
	}
	if cfg.Publish.Minio.Region != "us-east-1" {
		t.Errorf("Expected default minio region to survive, got %q", cfg.Publish.Minio.Region)
	}
	if len(cfg.Policy.Paths) != 1 || !cfg.Policy.Watch {
		t.Errorf("Expected policy settings, got %+v", cfg.Policy)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CASTWORK_CONFIG", "")
	t.Setenv("CASTWORK_SERVER_ADDR", ":7000")
	t.Setenv("CASTWORK_STORE_DRIVER", "memory")
	t.Setenv("CASTWORK_SCHEDULER_WORKERS", "12")
	t.Setenv("CASTWORK_RECIPES_PATHS", "a, b,,c")
	t.Setenv("CASTWORK_LLM_KIND", "openai")
	t.Setenv("CASTWORK_LLM_API_KEY", "sk-env")
	t.Setenv("CASTWORK_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":7000" {
		t.Errorf("Expected server.addr :7000, got %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("Expected memory driver, got %q", cfg.Store.Driver)
	}
	if cfg.Scheduler.Pool.Workers != 12 {
		t.Errorf("Expected 12 workers, got %d", cfg.Scheduler.Pool.Workers)
	}
	if strings.Join(cfg.Recipes.Paths, "|") != "a|b|c" {
		t.Errorf("Expected recipe paths a|b|c, got %v", cfg.Recipes.Paths)
	}
	llm := cfg.Providers[engine.StepTypeLLM]
	if llm.Kind != providers.KindOpenAI || llm.APIKey != "sk-env" {
		t.Errorf("Expected llm provider from env, got %+v", llm)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug logging, got %q", cfg.Telemetry.Logging.Level)
	}
}

func TestEnvOverrideBadWorkers(t *testing.T) {
	t.Setenv("CASTWORK_CONFIG", "")
	t.Setenv("CASTWORK_SCHEDULER_WORKERS", "many")

	if _, err := Load(""); err == nil {
		t.Fatal("Expected error for non-numeric worker count")
	}
}

func TestFileReferences(t *testing.T) {
	dsnFile := writeTemp(t, "dsn", "  postgres://secret@db/castwork\n")
	keyFile := writeTemp(t, "key", "sk-from-file\n")

	path := writeTemp(t, "castwork.yaml", `
store:
  driver: postgres
  dsn: ""
  dsn_file: `+dsnFile+`
providers:
  llm:
    kind: openai
    api_key_file: `+keyFile+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.DSN != "postgres://secret@db/castwork" {
		t.Errorf("Expected trimmed DSN from file, got %q", cfg.Store.DSN)
	}
	if cfg.Providers[engine.StepTypeLLM].APIKey != "sk-from-file" {
		t.Errorf("Expected API key from file, got %q", cfg.Providers[engine.StepTypeLLM].APIKey)
	}

	missing := writeTemp(t, "castwork.yaml", `
store:
  dsn: ""
  dsn_file: /nonexistent/dsn
`)
	if _, err := Load(missing); err == nil || !strings.Contains(err.Error(), "store.dsn_file") {
		t.Errorf("Expected store.dsn_file error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: "store.driver must be one of",
		},
		{
			name:    "missing dsn",
			mutate:  func(c *Config) { c.Store.DSN = "" },
			wantErr: "store.dsn or store.dsn_file is required",
		},
		{
			name:    "unknown scheduler mode",
			mutate:  func(c *Config) { c.Scheduler.Mode = "kafka" },
			wantErr: "scheduler.mode must be one of",
		},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Scheduler.Mode = scheduler.ModeRedis
				c.Scheduler.Redis.Addr = ""
				c.Scheduler.Redis.Queue = ""
			},
			wantErr: "scheduler.redis.addr is required",
		},
		{
			name:    "stale_after below step timeout",
			mutate:  func(c *Config) { c.Scheduler.Sweeper.StaleAfter = time.Minute },
			wantErr: "must exceed engine.default_step_timeout",
		},
		{
			name:    "unknown provider kind",
			mutate:  func(c *Config) { c.Providers[engine.StepTypeLLM] = providers.Config{Kind: "anthropic"} },
			wantErr: "providers[llm].kind must be one of",
		},
		{
			name: "sftp without credentials",
			mutate: func(c *Config) {
				c.Publish.Kind = PublishSFTP
				c.Publish.SFTP.Root = "/srv/castwork"
				c.Publish.SFTP.SSH.Host = "files.example.com"
				c.Publish.SFTP.SSH.User = "publish"
			},
			wantErr: "publish.sftp.ssh: password or key_file is required",
		},
		{
			name:    "unknown provider step type",
			mutate:  func(c *Config) { c.Providers["music"] = providers.Config{Kind: providers.KindScripted} },
			wantErr: "providers[music] must be one of",
		},
		{
			name:    "minio without bucket",
			mutate:  func(c *Config) { c.Publish.Kind = PublishMinio; c.Publish.Minio.Endpoint = "minio:9000" },
			wantErr: "publish.minio.endpoint and publish.minio.bucket are required",
		},
		{
			name: "publish sink and publish provider",
			mutate: func(c *Config) {
				c.Publish.Kind = PublishMinio
				c.Publish.Minio.Endpoint = "minio:9000"
				c.Publish.Minio.Bucket = "b"
			},
			wantErr: "providers.publish cannot be set",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Telemetry.Logging.Level = "loud" },
			wantErr: "telemetry: invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
