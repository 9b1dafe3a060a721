// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/warp/pkg/mcp/auth"
	"github.com/teradata-labs/warp/pkg/mcp/connection"
)

// Config is the manager's server table, normally loaded from YAML.
type Config struct {
	// Servers maps server name to server configuration.
	Servers map[string]ServerConfig `yaml:"servers" json:"servers"`
}

// ServerConfig describes one MCP server. Timeouts are integer
// milliseconds so configs stay numeric across YAML and JSON.
type ServerConfig struct {
	// Type selects the transport: "stdio", "sse", "websocket", or
	// "streamable-http". Empty is allowed when it can be inferred
	// (a command implies stdio, a ws:// URL implies websocket).
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Command is the executable to run for stdio transport.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are the command-line arguments for the command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env are environment variables to set for the subprocess.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// URL is the server endpoint for the HTTP-family transports.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Headers are sent with every HTTP-family request.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// InitTimeout bounds the connection handshake, in milliseconds.
	InitTimeout int `yaml:"initTimeout,omitempty" json:"initTimeout,omitempty"`

	// Timeout bounds individual tool calls, in milliseconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// IconPath points at an icon for UI surfaces. Carried, not used.
	IconPath string `yaml:"iconPath,omitempty" json:"iconPath,omitempty"`

	// ServerInstructions controls the instruction text exposed for
	// this server: true captures the text the server returns from the
	// handshake, a literal string is used verbatim, false or absent
	// disables it.
	ServerInstructions InstructionsSetting `yaml:"serverInstructions,omitempty" json:"serverInstructions,omitempty"`

	// CustomUserVars declares per-user placeholders that callers may
	// fill at acquisition time. Keys are substituted as {{NAME}} in
	// env, args, url, and header values.
	CustomUserVars map[string]UserVar `yaml:"customUserVars,omitempty" json:"customUserVars,omitempty"`

	// OAuth carries the server's authorization configuration, if any.
	OAuth *auth.OAuthConfig `yaml:"oauth,omitempty" json:"oauth,omitempty"`
}

// UserVar documents one caller-supplied placeholder.
type UserVar struct {
	Title       string `yaml:"title,omitempty" json:"title,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// InstructionsSetting is the tri-state serverInstructions value: a
// boolean toggle for capturing the server's own text, or a literal
// override. The zero value disables instructions.
type InstructionsSetting struct {
	Capture bool
	Literal string
}

// Enabled reports whether any instruction text should be resolved.
func (s InstructionsSetting) Enabled() bool {
	return s.Capture || s.Literal != ""
}

// UnmarshalYAML accepts true, false, or a literal string.
func (s *InstructionsSetting) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		*s = InstructionsSetting{Capture: b}
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("serverInstructions must be a boolean or a string: %w", err)
	}
	*s = InstructionsSetting{Literal: str}
	return nil
}

// UnmarshalJSON accepts true, false, or a literal string.
func (s *InstructionsSetting) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = InstructionsSetting{Capture: b}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("serverInstructions must be a boolean or a string: %w", err)
	}
	*s = InstructionsSetting{Literal: str}
	return nil
}

// Validate checks every server entry.
func (c *Config) Validate() error {
	for name, server := range c.Servers {
		if name == "" {
			return fmt.Errorf("server name must not be empty")
		}
		if err := server.Validate(); err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks the server configuration for errors.
func (s *ServerConfig) Validate() error {
	switch s.Type {
	case "", connection.TypeStdio, connection.TypeSSE, connection.TypeWebSocket, connection.TypeStreamableHTTP:
	default:
		return fmt.Errorf("invalid type: %s (must be stdio, sse, websocket, or streamable-http)", s.Type)
	}

	switch {
	case s.Type == connection.TypeStdio:
		if s.Command == "" {
			return fmt.Errorf("command required for stdio transport")
		}
	case s.Type == "":
		if s.Command == "" && s.URL == "" {
			return fmt.Errorf("either command or url is required")
		}
	default:
		if s.URL == "" {
			return fmt.Errorf("url required for %s transport", s.Type)
		}
	}

	if s.InitTimeout < 0 {
		return fmt.Errorf("initTimeout must be >= 0")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	for name := range s.CustomUserVars {
		if name == "" {
			return fmt.Errorf("customUserVars keys must not be empty")
		}
	}
	return nil
}

// spec converts the entry into a connection.ServerSpec. Maps and
// slices are copied so per-user substitution never touches the
// registry copy.
func (s ServerConfig) spec(name string) connection.ServerSpec {
	args := make([]string, len(s.Args))
	copy(args, s.Args)
	env := make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		env[k] = v
	}
	headers := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		headers[k] = v
	}
	return connection.ServerSpec{
		Name:        name,
		Type:        s.Type,
		Command:     s.Command,
		Args:        args,
		Env:         env,
		URL:         s.URL,
		Headers:     headers,
		Timeout:     time.Duration(s.Timeout) * time.Millisecond,
		InitTimeout: time.Duration(s.InitTimeout) * time.Millisecond,
		OAuth:       s.OAuth,
	}
}

// LoadConfig reads and validates a YAML config file. ${VAR} references
// are expanded from the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
