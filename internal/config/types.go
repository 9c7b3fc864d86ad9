// Package config loads and validates the runtime's YAML configuration.
package config

import (
	"time"

	"github.com/mattjoyce/agent-runtime/internal/auth"
	"github.com/mattjoyce/agent-runtime/internal/extension"
)

// Config is the root configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Extensions ExtensionsConfig `yaml:"extensions"`
	Queue      QueueConfig      `yaml:"queue"`
	API        APIConfig        `yaml:"api"`
}

type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type RuntimeConfig struct {
	DefaultHandlerTimeout time.Duration     `yaml:"default_handler_timeout"`
	Profiles              map[string]string `yaml:"profiles,omitempty"`
}

type ExtensionsConfig struct {
	Trust           extension.TrustMode `yaml:"trust"`
	RepoLocalRoots  []string            `yaml:"repo_local_roots,omitempty"`
	InstalledRoots  []string            `yaml:"installed_roots,omitempty"`
	ConfiguredRoots []string            `yaml:"configured_roots,omitempty"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
	Workers  int `yaml:"workers"`
}

type APIConfig struct {
	Enabled bool       `yaml:"enabled"`
	Listen  string     `yaml:"listen"`
	Auth    AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

type TokenConfig struct {
	Actor string    `yaml:"actor"`
	Token string    `yaml:"token"`
	Role  auth.Role `yaml:"role"`
}

// AuthTokens converts the configured tokens into the auth package's shape.
func (c APIConfig) AuthTokens() []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		out = append(out, auth.TokenConfig{Actor: t.Actor, Token: t.Token, Role: t.Role})
	}
	return out
}

// Defaults returns the baseline configuration merged under any loaded file.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "agent-runtime",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./state/agent-runtime.db",
		},
		Runtime: RuntimeConfig{
			DefaultHandlerTimeout: 10 * time.Second,
		},
		Extensions: ExtensionsConfig{
			Trust:          extension.TrustWarn,
			RepoLocalRoots: []string{"./extensions"},
		},
		Queue: QueueConfig{
			Capacity: 256,
			Workers:  2,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8787",
		},
	}
}
