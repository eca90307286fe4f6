// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates acrobot's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/acrobot/services/llm"
	"github.com/AleutianAI/acrobot/services/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrUnknownModelConfig means model.use_config names no entry in providers.
var ErrUnknownModelConfig = errors.New("model.use_config does not match any providers entry")

// Config is the root of config.yaml.
type Config struct {
	Acrobot   AcrobotConfig                 `yaml:"acrobot"`
	Model     ModelConfig                   `yaml:"model"`
	Logging   LoggingConfig                 `yaml:"logging"`
	Telegram  TelegramConfig                `yaml:"telegram"`
	Telemetry telemetry.Config              `yaml:"telemetry"`
	Providers map[string]llm.ProviderConfig `yaml:"providers" validate:"required,min=1,dive"`
}

type AcrobotConfig struct {
	MaxHistory    int `yaml:"max_history" validate:"gte=0"`
	MaxCalls      int `yaml:"max_calls" validate:"gte=0"`
	MaxWordLength int `yaml:"max_word_length" validate:"gte=1"`
	// ThrottleInterval is in seconds.
	ThrottleInterval int      `yaml:"throttle_interval" validate:"gte=0"`
	Keywords         []string `yaml:"keywords" validate:"dive,required"`
}

// Throttle returns the throttle interval as a duration.
func (a AcrobotConfig) Throttle() time.Duration {
	return time.Duration(a.ThrottleInterval) * time.Second
}

type ModelConfig struct {
	// UseConfig selects one entry of Providers.
	UseConfig string `yaml:"use_config" validate:"required"`
	Retries   int    `yaml:"retries" validate:"gte=0"`
	BackoffMS int    `yaml:"backoff_ms" validate:"gte=0"`
}

// Backoff returns the pause between generation attempts.
func (m ModelConfig) Backoff() time.Duration {
	return time.Duration(m.BackoffMS) * time.Millisecond
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"loglevel"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto json text"`
	// Dir, when set, also writes JSON logs to a daily file in this directory.
	Dir string `yaml:"dir"`
}

type TelegramConfig struct {
	// TokenEnv names the environment variable holding the bot token.
	TokenEnv    string  `yaml:"token_env" validate:"required"`
	APIURL      string  `yaml:"api_url" validate:"omitempty,url"`
	PollTimeout int     `yaml:"poll_timeout" validate:"gte=0"`
	SendRate    float64 `yaml:"send_rate" validate:"gte=0"`
	SendBurst   int     `yaml:"send_burst" validate:"gte=0"`
}

// Default returns the values used for anything config.yaml leaves out.
func Default() Config {
	tel := telemetry.DefaultConfig()
	return Config{
		Acrobot: AcrobotConfig{
			MaxHistory:       20,
			MaxCalls:         0,
			MaxWordLength:    10,
			ThrottleInterval: 5,
		},
		Model: ModelConfig{
			Retries:   3,
			BackoffMS: 1000,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "auto",
		},
		Telegram: TelegramConfig{
			TokenEnv:    "telegram_bot",
			APIURL:      "https://api.telegram.org",
			PollTimeout: 30,
			SendRate:    1,
			SendBurst:   3,
		},
		Telemetry: tel,
	}
}

// Selected returns the provider entry chosen by model.use_config.
func (c *Config) Selected() (llm.ProviderConfig, error) {
	p, ok := c.Providers[c.Model.UseConfig]
	if !ok {
		return llm.ProviderConfig{}, fmt.Errorf("%w: %q", ErrUnknownModelConfig, c.Model.UseConfig)
	}
	return p, nil
}

// =============================================================================
// Loading
// =============================================================================

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// =============================================================================
// Validation
// =============================================================================

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("loglevel", validateLogLevel)
	_ = validate.RegisterValidation("exporter", validateExporter)
}

func validateLogLevel(fl validator.FieldLevel) bool {
	switch strings.ToUpper(fl.Field().String()) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return true
	}
	return false
}

func validateExporter(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "none", "otlp", "stdout", "prometheus":
		return true
	}
	return false
}

// Validate checks field constraints and that model.use_config resolves.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Selected(); err != nil {
		return err
	}
	return nil
}
