// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnsupportedFormat is returned for config files that are not
	// YAML, JSON or TOML.
	ErrUnsupportedFormat = errors.New("unsupported config format")

	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidConfig, strings.Join(e.Fields, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// Load reads a configuration file and decodes it over DefaultConfig.
//
// A missing file is not an error: the defaults are returned, matching the
// behavior of running without a config file. The result is validated.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("failed to read the config file %s: %w", path, err)
	}

	if err := Decode(data, formatOf(path), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode decodes data in the given format ("yaml", "json", "toml") into
// cfg. Keys absent from data leave cfg untouched.
func Decode(data []byte, format string, cfg *Config) error {
	switch format {
	case "yaml", "json":
		// JSON is a subset of YAML; the yaml tags double as JSON keys.
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		return yaml.Unmarshal(data, cfg)
	case "toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Marshal encodes cfg in the given format.
func Marshal(cfg Config, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(cfg)
	case "json":
		m, err := cfg.ToMap()
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(m, "", "  ")
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// The format follows the file extension. Existing files are not replaced.
func WriteDefault(path string) error {
	path = expandHome(path)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := Marshal(DefaultConfig(), formatOf(path))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks struct constraints.
func (c Config) Validate() error {
	err := configValidate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return &ValidationError{Fields: fields, Err: err}
}

// ToMap returns the configuration as a generic map keyed by file keys.
func (c Config) ToMap() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolvePath makes p absolute against WorkingDirectory, expanding ~.
func (c Config) ResolvePath(p string) string {
	p = expandHome(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if c.WorkingDirectory != "" {
		return filepath.Join(expandHome(c.WorkingDirectory), p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return "yaml"
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
