package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Asiento configuration
type Config struct {
	// Data directory for local state (databases, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// AI holds upstream model settings
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Queue holds background job queue settings
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Memory holds long-term memory settings
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Conversations holds conversation persistence settings
	Conversations ConversationsConfig `json:"conversations" mapstructure:"conversations"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// AIConfig holds upstream model configuration
type AIConfig struct {
	Model          string `json:"model" mapstructure:"model"`
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	EmbeddingModel string `json:"embedding_model" mapstructure:"embedding_model"`
	MaxIterations  int    `json:"max_iterations" mapstructure:"max_iterations"`
}

// QueueConfig holds background job queue configuration
type QueueConfig struct {
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
	MaxRetries  int `json:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs int `json:"base_delay_ms" mapstructure:"base_delay_ms"`
}

// MemoryConfig holds memory store configuration
type MemoryConfig struct {
	DBPath            string `json:"db_path" mapstructure:"db_path"`
	SearchLimit       int    `json:"search_limit" mapstructure:"search_limit"`
	ContextLimit      int    `json:"context_limit" mapstructure:"context_limit"`
	RetentionDays     int    `json:"retention_days" mapstructure:"retention_days"`
	RetentionSchedule string `json:"retention_schedule" mapstructure:"retention_schedule"`
}

// ConversationsConfig holds conversation persistence configuration
type ConversationsConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Model:          "gpt-4.1",
			EmbeddingModel: "text-embedding-3-small",
			MaxIterations:  10,
		},
		Queue: QueueConfig{
			Concurrency: 3,
			MaxRetries:  3,
			BaseDelayMs: 1000,
		},
		Memory: MemoryConfig{
			SearchLimit:       10,
			ContextLimit:      8,
			RetentionDays:     90,
			RetentionSchedule: "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// String returns the configuration as a JSON string with the API key masked
func (c *Config) String() string {
	clone := *c
	if clone.AI.APIKey != "" {
		clone.AI.APIKey = "***"
	}
	data, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}
