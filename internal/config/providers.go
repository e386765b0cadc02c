// Package config: per-provider call-gate table.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in provider ids.
const (
	ProviderVision   = "vision"
	ProviderTTS      = "tts"
	ProviderChapters = "chapters"
)

// ProviderConfig bounds outbound calls to a single external provider.
type ProviderConfig struct {
	RPS               float64       `yaml:"rps"`
	MaxInFlight       int64         `yaml:"max_in_flight"`
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	RetriableStatuses []int         `yaml:"retriable_statuses"`
}

// Retriable reports whether an HTTP status is transient for this provider.
func (p ProviderConfig) Retriable(status int) bool {
	for _, s := range p.RetriableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type providersFile struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// DefaultProviders returns the built-in provider table. The quoted rates of
// the external services sit between 1 and 10 req/s.
func DefaultProviders() map[string]ProviderConfig {
	std := []int{408, 429, 500, 502, 503, 504}
	return map[string]ProviderConfig{
		ProviderVision: {
			RPS: 2, MaxInFlight: 8, PerAttemptTimeout: 60 * time.Second,
			MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second,
			RetriableStatuses: std,
		},
		ProviderTTS: {
			RPS: 5, MaxInFlight: 8, PerAttemptTimeout: 30 * time.Second,
			MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 20 * time.Second,
			RetriableStatuses: std,
		},
		ProviderChapters: {
			RPS: 1, MaxInFlight: 2, PerAttemptTimeout: 120 * time.Second,
			MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second,
			RetriableStatuses: std,
		},
	}
}

// LoadProviders merges the YAML provider table (when configured) over the
// built-in defaults. Unknown providers in the file are added as-is.
func (c Config) LoadProviders() (map[string]ProviderConfig, error) {
	table := DefaultProviders()
	if c.ProvidersFile == "" {
		return table, nil
	}
	b, err := os.ReadFile(c.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadProviders: %w", err)
	}
	var f providersFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadProviders: %w", err)
	}
	for id, pc := range f.Providers {
		table[id] = pc
	}
	return table, nil
}
