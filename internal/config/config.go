// Package config loads the durable runtime configuration.
//
// A YAML file is decoded over Default, so a file only names what it changes.
// The result is then checked against an embedded CUE schema. Durations are
// written the way time.ParseDuration reads them ("250ms", "5m").
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/durable/internal/engine"
)

//go:embed schema.cue
var schemaSource string

// Config is the full runtime configuration.
type Config struct {
	Storage Storage `yaml:"storage" json:"storage"`
	Engine  Engine  `yaml:"engine" json:"engine"`
	Timers  Timers  `yaml:"timers" json:"timers"`
	Log     Log     `yaml:"log" json:"log"`
}

// Storage selects the backend.
type Storage struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
}

// Engine tunes execution.
type Engine struct {
	MaxConcurrency int      `yaml:"max_concurrency" json:"max_concurrency"`
	LockTimeout    Duration `yaml:"lock_timeout" json:"lock_timeout"`
	SweepInterval  Duration `yaml:"sweep_interval" json:"sweep_interval"`
	Retry          Retry    `yaml:"retry" json:"retry"`
}

// Retry configures attempt budgets and backoff.
type Retry struct {
	MaxAttempts     int      `yaml:"max_attempts" json:"max_attempts"`
	RunAttempts     int      `yaml:"run_attempts" json:"run_attempts"`
	InitialInterval Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval" json:"max_interval"`
}

// Timers tunes the timer service.
type Timers struct {
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	BatchSize    int      `yaml:"batch_size" json:"batch_size"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: Storage{Driver: "sqlite", Path: "durable.db"},
		Engine: Engine{
			MaxConcurrency: engine.DefaultMaxConcurrency,
			LockTimeout:    Duration(engine.DefaultLockTimeout),
			SweepInterval:  Duration(engine.DefaultSweepInterval),
			Retry: Retry{
				MaxAttempts:     10,
				RunAttempts:     3,
				InitialInterval: Duration(100 * time.Millisecond),
				MaxInterval:     Duration(30 * time.Second),
			},
		},
		Timers: Timers{
			PollInterval: Duration(engine.DefaultTimerPollInterval),
			BatchSize:    100,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path. An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError reports the first schema violation.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid config: " + e.Message
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Path, e.Message)
}

// Validate checks c against the schema, plus the cross-field rules the
// schema cannot express.
func (c Config) Validate() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return validationError(err)
	}

	if c.Engine.Retry.MaxInterval < c.Engine.Retry.InitialInterval {
		return &ValidationError{
			Path:    "engine.retry.max_interval",
			Message: "must not be less than initial_interval",
		}
	}
	return nil
}

func validationError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	return &ValidationError{
		Path:    strings.TrimPrefix(strings.Join(first.Path(), "."), "#Config."),
		Message: fmt.Sprintf(format, args...),
	}
}

// EngineOptions translates the engine and timer sections.
func (c Config) EngineOptions() []engine.Option {
	r := c.Engine.Retry
	return []engine.Option{
		engine.WithMaxConcurrency(c.Engine.MaxConcurrency),
		engine.WithLockTimeout(time.Duration(c.Engine.LockTimeout)),
		engine.WithSweepInterval(time.Duration(c.Engine.SweepInterval)),
		engine.WithTimerPollInterval(time.Duration(c.Timers.PollInterval)),
		engine.WithTimerBatchSize(c.Timers.BatchSize),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts: r.MaxAttempts,
			RunAttempts: r.RunAttempts,
			Backoff:     engine.ExponentialBackoff(time.Duration(r.InitialInterval), time.Duration(r.MaxInterval)),
		}),
	}
}

// NewLogger builds a logger writing to w. verbose forces debug level.
func (c Config) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Duration is a time.Duration written as a string in YAML and JSON.
type Duration time.Duration

// UnmarshalYAML accepts time.ParseDuration syntax.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes d in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// MarshalJSON writes d in time.Duration notation.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
