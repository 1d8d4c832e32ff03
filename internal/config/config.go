// Package config loads the configuration of a run from a YAML file,
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nixpig/udpjobs/internal/jobmanager"
)

// EnvPrefix prefixes environment variables overriding config keys, e.g.
// UDPJOBS_SERVER_ADDRESS for server.address.
const EnvPrefix = "UDPJOBS"

type Config struct {
	Process Process `mapstructure:"process"`
	Jobs    Jobs    `mapstructure:"jobs"`

	// FixedParameters is a list rather than a map so parameter names keep
	// their case.
	FixedParameters []FixedParameter `mapstructure:"fixed_parameters" validate:"dive"`

	// JobOptions are passed to every job as-is. Keys are lower case.
	JobOptions map[string]any `mapstructure:"job_options"`

	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	GracePeriod  time.Duration `mapstructure:"grace_period" validate:"gt=0"`

	Backends []Backend `mapstructure:"backends" validate:"required,min=1,dive"`
	Server   Server    `mapstructure:"server"`

	Debug bool `mapstructure:"debug"`
}

type Process struct {
	ID        string `mapstructure:"id" validate:"required"`
	Namespace string `mapstructure:"namespace"`
	// Definition is the URL or file of the process definition. Defaults to
	// Namespace.
	Definition string `mapstructure:"definition"`
}

type Jobs struct {
	// Input is the CSV or GeoJSON file of rows. It may be omitted when
	// resuming from Output.
	Input string `mapstructure:"input"`
	// Output is where the job table snapshot is written.
	Output         string `mapstructure:"output" validate:"required"`
	GeometryColumn string `mapstructure:"geometry_column"`
	// Resume continues from Output when it exists.
	Resume bool `mapstructure:"resume"`
}

// FixedParameter sets a parameter for every row, either one Value shared by
// all rows or one of Values per row.
type FixedParameter struct {
	Name   string `mapstructure:"name" validate:"required"`
	Value  any    `mapstructure:"value"`
	Values []any  `mapstructure:"values"`
}

type Backend struct {
	Name         string `mapstructure:"name" validate:"required"`
	URL          string `mapstructure:"url" validate:"required,url"`
	ParallelJobs int    `mapstructure:"parallel_jobs" validate:"gte=1"`
	RateLimit    int    `mapstructure:"rate_limit" validate:"gte=0"`
	Auth         Auth   `mapstructure:"auth"`
}

// Auth configures the bearer token of a backend. The access token is read
// from the environment variable named by TokenEnv.
type Auth struct {
	Method   string `mapstructure:"method" validate:"omitempty,oneof=oidc basic"`
	Provider string `mapstructure:"provider"`
	TokenEnv string `mapstructure:"token_env"`
}

type Server struct {
	Address    string `mapstructure:"address" validate:"required,hostname_port"`
	CertPath   string `mapstructure:"cert" validate:"required"`
	KeyPath    string `mapstructure:"key" validate:"required"`
	CACertPath string `mapstructure:"ca_cert" validate:"required"`
}

// FlagKeys maps flag names to the config keys they override.
var FlagKeys = map[string]string{
	"address":  "server.address",
	"cert":     "server.cert",
	"key":      "server.key",
	"ca-cert":  "server.ca_cert",
	"debug":    "debug",
	"output":   "jobs.output",
	"input":    "jobs.input",
	"interval": "poll_interval",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll_interval", jobmanager.DefaultPollInterval)
	v.SetDefault("grace_period", jobmanager.DefaultGracePeriod)
	v.SetDefault("jobs.resume", true)
	v.SetDefault("server.address", "localhost:8443")
	v.SetDefault("server.cert", "certs/server.crt")
	v.SetDefault("server.key", "certs/server.key")
	v.SetDefault("server.ca_cert", "certs/ca.crt")
}

// Load reads the config file at path, applies environment overrides and the
// flags in flags that were set, and validates the result.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the config for missing and invalid values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	names := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if names[b.Name] {
			return fmt.Errorf("invalid config: duplicate backend %s", b.Name)
		}

		names[b.Name] = true
	}

	for _, p := range c.FixedParameters {
		if (p.Value == nil) == (p.Values == nil) {
			return fmt.Errorf(
				"invalid config: fixed parameter %s needs exactly one of value or values",
				p.Name,
			)
		}
	}

	if c.Jobs.Input == "" && !c.Jobs.Resume {
		return errors.New("invalid config: jobs.input is required unless resuming")
	}

	if c.Process.Namespace == "" && c.Process.Definition == "" {
		return errors.New("invalid config: process.namespace or process.definition is required")
	}

	return nil
}

// DefinitionRef returns where to fetch the process definition from.
func (p Process) DefinitionRef() string {
	if p.Definition != "" {
		return p.Definition
	}

	return p.Namespace
}

// ManagerConfig returns the jobmanager configuration of the run.
func (c *Config) ManagerConfig() jobmanager.Config {
	fixed := make(jobmanager.FixedParameters, len(c.FixedParameters))
	for _, p := range c.FixedParameters {
		if p.Values != nil {
			fixed[p.Name] = jobmanager.PerRow(p.Values...)
		} else {
			fixed[p.Name] = jobmanager.Const(p.Value)
		}
	}

	return jobmanager.Config{
		ProcessID:       c.Process.ID,
		Namespace:       c.Process.Namespace,
		FixedParameters: fixed,
		JobOptions:      c.JobOptions,
		OutputPath:      c.Jobs.Output,
		PollInterval:    c.PollInterval,
		GracePeriod:     c.GracePeriod,
	}
}
