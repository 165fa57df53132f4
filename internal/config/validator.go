package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an OpenAI API key format
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
	}
	return nil
}

// ValidateQueue validates queue settings
func (v *Validator) ValidateQueue(cfg QueueConfig) error {
	if cfg.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("queue max retries cannot be negative")
	}
	if cfg.BaseDelayMs < 0 {
		return fmt.Errorf("queue base delay cannot be negative")
	}
	return nil
}

// ValidateMemory validates memory store settings
func (v *Validator) ValidateMemory(cfg MemoryConfig) error {
	if cfg.SearchLimit < 1 {
		return fmt.Errorf("memory search limit must be at least 1")
	}
	if cfg.ContextLimit < 1 {
		return fmt.Errorf("memory context limit must be at least 1")
	}
	if cfg.RetentionDays < 0 {
		return fmt.Errorf("memory retention days cannot be negative")
	}
	if cfg.RetentionSchedule != "" {
		if _, err := cron.ParseStandard(cfg.RetentionSchedule); err != nil {
			return fmt.Errorf("invalid retention schedule: %w", err)
		}
	}
	return nil
}

// ValidateAI validates upstream model settings
func (v *Validator) ValidateAI(cfg AIConfig) error {
	if cfg.Model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if cfg.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1")
	}
	return nil
}

// Validate validates the whole configuration
func (v *Validator) Validate(cfg *Config) error {
	if err := v.ValidateAI(cfg.AI); err != nil {
		return err
	}
	if err := v.ValidateQueue(cfg.Queue); err != nil {
		return err
	}
	if err := v.ValidateMemory(cfg.Memory); err != nil {
		return err
	}
	return nil
}
