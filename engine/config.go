package engine

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Config controls the engine's Worker pool and Task dispatch behavior.
// Zero-valued fields are filled in by LoadConfig via creasty/defaults
// before go-playground/validator rejects out-of-range values.
type Config struct {
	// WorkerCount is how many goroutines concurrently pop and process
	// Tasks from the queue.
	WorkerCount int `yaml:"workerCount" json:"workerCount" default:"4" validate:"gte=1,lte=256"`

	// PopTimeout bounds how long a Worker blocks on an empty queue before
	// checking for shutdown.
	PopTimeout time.Duration `yaml:"popTimeout" json:"popTimeout" default:"1s" validate:"gte=10ms"`

	// The Default* retry fields apply to Function nodes that specify no
	// retry block of their own.
	DefaultMaxAttempts       int     `yaml:"defaultMaxAttempts" json:"defaultMaxAttempts" default:"1" validate:"gte=1,lte=100"`
	DefaultInitialBackoffMS  int     `yaml:"defaultInitialBackoffMs" json:"defaultInitialBackoffMs" default:"0" validate:"gte=0"`
	DefaultBackoffMultiplier float64 `yaml:"defaultBackoffMultiplier" json:"defaultBackoffMultiplier" default:"2.0" validate:"gte=1"`
	DefaultMaxBackoffMS      int     `yaml:"defaultMaxBackoffMs" json:"defaultMaxBackoffMs" default:"0" validate:"gte=0"`

	// HistoryLimit bounds how many HistoryEvents are retained per instance
	// in the in-process observability log.
	HistoryLimit int `yaml:"historyLimit" json:"historyLimit" default:"256" validate:"gte=1"`
}

var validate = validator.New()

// LoadConfig fills in cfg's zero fields with defaults and validates the
// result.
func LoadConfig(cfg *Config) error {
	if err := defaults.Set(cfg); err != nil {
		return fmt.Errorf("engine: applying config defaults: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("engine: invalid config: %w", err)
	}
	return nil
}
