package config

import (
	"time"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/providers"
	"github.com/castwork/castwork/pkg/publish"
	"github.com/castwork/castwork/pkg/scheduler"
	"github.com/castwork/castwork/pkg/telemetry"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Publish sink kinds.
const (
	PublishMinio = "minio"
	PublishSFTP  = "sftp"
	PublishNone  = "none"
)

// Config is the complete castwork process configuration.
type Config struct {
	Server    ServerConfig                         `yaml:"server"`
	Store     StoreConfig                          `yaml:"store"`
	Scheduler SchedulerConfig                      `yaml:"scheduler"`
	Engine    EngineConfig                         `yaml:"engine"`
	Providers map[engine.StepType]providers.Config `yaml:"providers" validate:"dive,keys,oneof=stt llm tts image video sfx publish,endkeys"`
	Publish   PublishConfig                        `yaml:"publish"`
	Policy    PolicyConfig                         `yaml:"policy"`
	Recipes   RecipesConfig                        `yaml:"recipes"`
	Telemetry telemetry.Config                     `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// RateLimit bounds execute and retry requests per user and second. Zero disables it.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`
}

// StoreConfig selects and configures the execution store.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres memory"`

	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN     string `yaml:"dsn"`
	DSNFile string `yaml:"dsn_file"`

	// QueryTimeout bounds each store call made by the engine and job control.
	QueryTimeout time.Duration `yaml:"query_timeout" validate:"gte=0"`

	MaxConns       int  `yaml:"max_conns" validate:"gte=0"`
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

// SchedulerConfig configures how executions are handed to the engine.
type SchedulerConfig struct {
	// Mode is inline, async or redis.
	Mode scheduler.Mode `yaml:"mode" validate:"oneof=inline async redis"`

	Pool  scheduler.PoolConfig  `yaml:"pool"`
	Redis scheduler.RedisConfig `yaml:"redis"`

	SweeperEnabled bool                    `yaml:"sweeper_enabled"`
	Sweeper        scheduler.SweeperConfig `yaml:"sweeper"`
}

// EngineConfig tunes step execution.
type EngineConfig struct {
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" validate:"gte=0"`
	PreviewLength      int           `yaml:"preview_length" validate:"gte=0"`

	// ConditionTimeout and ConditionMaxSteps bound each skip_if evaluation.
	ConditionTimeout  time.Duration `yaml:"condition_timeout" validate:"gte=0"`
	ConditionMaxSteps uint64        `yaml:"condition_max_steps"`
}

// PublishConfig selects the sink behind publish steps. With kind none, publish steps
// are served by providers.publish when configured.
type PublishConfig struct {
	Kind string `yaml:"kind" validate:"oneof=minio sftp none"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	Minio publish.MinioConfig `yaml:"minio"`
	SFTP  publish.SFTPConfig  `yaml:"sftp"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Builtins loads the policies shipped with the binary.
	Builtins bool `yaml:"builtins"`

	// Paths lists .rego/.json files and directories.
	Paths []string `yaml:"paths"`

	// Watch reloads Paths on change.
	Watch bool `yaml:"watch"`
}

// RecipesConfig configures recipe presets.
type RecipesConfig struct {
	// Paths lists .cue/.yaml files and directories.
	Paths []string `yaml:"paths"`

	// SyncOnStart upserts presets when the server starts.
	SyncOnStart bool `yaml:"sync_on_start"`

	// Watch re-syncs presets on change.
	Watch bool `yaml:"watch"`
}

// Defaults returns a configuration suitable for a single-node development setup:
// SQLite in the working directory, an in-process worker pool and scripted providers.
func Defaults() Config {
	tel := telemetry.DefaultConfig()

	scripted := func() providers.Config {
		return providers.Config{Kind: providers.KindScripted}
	}

	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       5,
			RateBurst:       20,
		},
		Store: StoreConfig{
			Driver:         DriverSQLite,
			DSN:            "castwork.db",
			QueryTimeout:   engine.DefaultQueryTimeout,
			MaxConns:       25,
			MigrateOnStart: true,
		},
		Scheduler: SchedulerConfig{
			Mode:           scheduler.ModeAsync,
			Pool:           scheduler.DefaultPoolConfig(),
			Redis:          scheduler.DefaultRedisConfig(),
			SweeperEnabled: true,
			Sweeper:        scheduler.DefaultSweeperConfig(),
		},
		Engine: EngineConfig{
			DefaultStepTimeout: engine.DefaultStepTimeout,
			PreviewLength:      engine.DefaultPreviewLength,
		},
		Providers: map[engine.StepType]providers.Config{
			engine.StepTypeSTT:     scripted(),
			engine.StepTypeLLM:     scripted(),
			engine.StepTypeTTS:     scripted(),
			engine.StepTypeImage:   scripted(),
			engine.StepTypeVideo:   scripted(),
			engine.StepTypeSFX:     scripted(),
			engine.StepTypePublish: scripted(),
		},
		Publish: PublishConfig{
			Kind: PublishNone,
			Minio: publish.MinioConfig{
				Region:     "us-east-1",
				PresignTTL: time.Hour,
			},
		},
		Policy: PolicyConfig{
			Builtins: true,
		},
		Recipes: RecipesConfig{
			Paths:       []string{"recipes/presets"},
			SyncOnStart: true,
		},
		Telemetry: *tel,
	}
}
