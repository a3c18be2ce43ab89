// Package config loads tillsync settings from a YAML file, TILLSYNC_*
// environment variables and command-line flags, and checks them against
// an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"

	"github.com/roach88/tillsync/internal/retry"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override, e.g.
// TILLSYNC_SALE_DECREMENT_ATTEMPTS.
const EnvPrefix = "TILLSYNC"

// Config is the validated, typed configuration.
type Config struct {
	DBPath        string
	DrainInterval time.Duration
	Retry         retry.Policy
	Sale          Sale
	HTTPAddr      string
	PostgresDSN   string
	FlagFile      string
	Log           Log
}

// Sale tunes inventory decrements during sale sync.
type Sale struct {
	DecrementAttempts int
	DecrementDelay    time.Duration
	Conditional       bool
}

// Log controls the CLI's log output.
type Log struct {
	Level      slog.Level
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// settings mirrors the schema. Durations stay strings until the schema
// has accepted them.
type settings struct {
	DBPath        string `mapstructure:"db_path" json:"db_path"`
	DrainInterval string `mapstructure:"drain_interval" json:"drain_interval"`
	Retry         struct {
		Base        string `mapstructure:"base" json:"base"`
		Cap         string `mapstructure:"cap" json:"cap"`
		MaxAttempts int    `mapstructure:"max_attempts" json:"max_attempts"`
	} `mapstructure:"retry" json:"retry"`
	Sale struct {
		DecrementAttempts int    `mapstructure:"decrement_attempts" json:"decrement_attempts"`
		DecrementDelay    string `mapstructure:"decrement_delay" json:"decrement_delay"`
		Conditional       bool   `mapstructure:"conditional" json:"conditional"`
	} `mapstructure:"sale" json:"sale"`
	HTTP struct {
		Addr string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"http" json:"http"`
	Postgres struct {
		DSN string `mapstructure:"dsn" json:"dsn"`
	} `mapstructure:"postgres" json:"postgres"`
	Connectivity struct {
		FlagFile string `mapstructure:"flag_file" json:"flag_file"`
	} `mapstructure:"connectivity" json:"connectivity"`
	Log struct {
		Level      string `mapstructure:"level" json:"level"`
		File       string `mapstructure:"file" json:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	} `mapstructure:"log" json:"log"`
}

// Defaults lists every key with its default value.
var Defaults = map[string]any{
	"db_path":                 "tillsync.db",
	"drain_interval":          "15s",
	"retry.base":              "1s",
	"retry.cap":               "30s",
	"retry.max_attempts":      0,
	"sale.decrement_attempts": 3,
	"sale.decrement_delay":    "200ms",
	"sale.conditional":        false,
	"http.addr":               ":8088",
	"postgres.dsn":            "",
	"connectivity.flag_file":  "",
	"log.level":               "info",
	"log.file":                "",
	"log.max_size_mb":         10,
	"log.max_backups":         3,
}

// NewViper returns a viper instance with defaults and environment
// overrides registered. Callers bind flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range Defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (or tillsync.yaml in the working directory when file is
// empty and one exists), validates the merged settings and returns them.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("tillsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validate(s); err != nil {
		return nil, err
	}
	return s.typed()
}

// validate unifies the settings with #Config.
func validate(s settings) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	value := def.Unify(ctx.Encode(s))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Details: cueerrors.Details(err, nil)}
	}
	return nil
}

// ValidationError lists every schema violation.
type ValidationError struct {
	Details string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.TrimSpace(e.Details)
}

func (s settings) typed() (*Config, error) {
	var errs []error
	dur := func(key, val string) time.Duration {
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	c := &Config{
		DBPath:        s.DBPath,
		DrainInterval: dur("drain_interval", s.DrainInterval),
		Retry: retry.Policy{
			Base:        dur("retry.base", s.Retry.Base),
			Cap:         dur("retry.cap", s.Retry.Cap),
			MaxAttempts: uint(s.Retry.MaxAttempts),
		},
		Sale: Sale{
			DecrementAttempts: s.Sale.DecrementAttempts,
			DecrementDelay:    dur("sale.decrement_delay", s.Sale.DecrementDelay),
			Conditional:       s.Sale.Conditional,
		},
		HTTPAddr:    s.HTTP.Addr,
		PostgresDSN: s.Postgres.DSN,
		FlagFile:    s.Connectivity.FlagFile,
		Log: Log{
			File:       s.Log.File,
			MaxSizeMB:  s.Log.MaxSizeMB,
			MaxBackups: s.Log.MaxBackups,
		},
	}
	if err := c.Log.Level.UnmarshalText([]byte(s.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) == 0 && c.Retry.Cap < c.Retry.Base {
		errs = append(errs, fmt.Errorf("retry.cap %s is below retry.base %s", c.Retry.Cap, c.Retry.Base))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
