package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/scheduler"
)

var validate = newValidator()

// newValidator reports field errors by their YAML path.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, describeFieldError(fe))
		}
	}

	if c.Store.Driver != DriverMemory && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn or store.dsn_file is required when store.driver is %q", c.Store.Driver))
	}

	if c.Scheduler.Mode == scheduler.ModeRedis && c.Scheduler.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("scheduler.redis.addr is required when scheduler.mode is \"redis\""))
	}
	if c.Scheduler.SweeperEnabled {
		if c.Scheduler.Sweeper.Schedule == "" {
			errs = append(errs, fmt.Errorf("scheduler.sweeper.schedule is required when the sweeper is enabled"))
		}
		if c.Scheduler.Sweeper.StaleAfter <= c.Engine.DefaultStepTimeout {
			errs = append(errs, fmt.Errorf("scheduler.sweeper.stale_after (%s) must exceed engine.default_step_timeout (%s)",
				c.Scheduler.Sweeper.StaleAfter, c.Engine.DefaultStepTimeout))
		}
	}

	switch c.Publish.Kind {
	case PublishMinio:
		if c.Publish.Minio.Endpoint == "" || c.Publish.Minio.Bucket == "" {
			errs = append(errs, fmt.Errorf("publish.minio.endpoint and publish.minio.bucket are required when publish.kind is \"minio\""))
		}
	case PublishSFTP:
		if c.Publish.SFTP.Root == "" {
			errs = append(errs, fmt.Errorf("publish.sftp.root is required when publish.kind is \"sftp\""))
		}
		if err := c.Publish.SFTP.SSH.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("publish.sftp.ssh: %w", err))
		}
	}
	if _, ok := c.Providers[engine.StepTypePublish]; ok && c.Publish.Kind != PublishNone {
		errs = append(errs, fmt.Errorf("providers.publish cannot be set when publish.kind is %q", c.Publish.Kind))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func describeFieldError(fe validator.FieldError) error {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", path)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %q", path, fe.Param(), fmt.Sprint(fe.Value()))
	default:
		return fmt.Errorf("%s failed %q validation (value %v)", path, fe.Tag(), fe.Value())
	}
}
