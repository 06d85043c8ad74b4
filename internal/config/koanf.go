// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/palimpsest/config.yaml",
	"/etc/palimpsest/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML config file (if present)
//  3. Environment variables: override any setting
//
// Precedence is ENV > file > defaults. The result is validated before
// being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional config file
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables (highest priority).
	// AUDIT_BATCH_SIZE -> audit.batch_size, DUCKDB_PATH -> database.path
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so random environment variables cannot
// pollute the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Audit pipeline mappings
		"audit_batch_size":              "audit.batch_size",
		"audit_flush_interval":          "audit.flush_interval",
		"audit_max_retries":             "audit.max_retries",
		"audit_retry_base_delay":        "audit.retry_base_delay",
		"audit_retry_factor":            "audit.retry_factor",
		"audit_retention_days":          "audit.retention_days",
		"audit_anonymize_ip":            "audit.anonymize_ip",
		"audit_hash_emails":             "audit.hash_emails",
		"audit_sanitize_max_depth":      "audit.sanitize_max_depth",
		"audit_fallback":                "audit.fallback",
		"audit_fallback_path":           "audit.fallback_path",
		"audit_fallback_redelivery":     "audit.fallback_redelivery_interval",

		// Versioning mappings
		"versioning_max_conflict_retries": "versioning.max_conflict_retries",

		// GDPR mappings
		"gdpr_sweep_interval":    "gdpr.sweep_interval",
		"gdpr_sweep_chunk_size":  "gdpr.sweep_chunk_size",
		"gdpr_sweep_chunks_rate": "gdpr.sweep_chunks_per_second",
		"gdpr_pseudonym_salt":    "gdpr.pseudonym_salt",

		// Database mappings
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Metrics mappings
		"metrics_addr": "metrics.addr",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	return ""
}
