package config

import (
	"fmt"
	"strings"

	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
)

// ValidationResult holds validation results
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// AddError adds an error to the validation result
func (vr *ValidationResult) AddError(format string, args ...interface{}) {
	vr.Valid = false
	vr.Errors = append(vr.Errors, fmt.Sprintf(format, args...))
}

// AddWarning adds a warning to the validation result
func (vr *ValidationResult) AddWarning(format string, args ...interface{}) {
	vr.Warnings = append(vr.Warnings, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are any errors
func (vr *ValidationResult) HasErrors() bool {
	return !vr.Valid || len(vr.Errors) > 0
}

// Error returns a formatted error message
func (vr *ValidationResult) Error() string {
	if !vr.HasErrors() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err))
	}
	if len(vr.Warnings) > 0 {
		sb.WriteString("warnings:\n")
		for _, warn := range vr.Warnings {
			sb.WriteString(fmt.Sprintf("  - %s\n", warn))
		}
	}
	return sb.String()
}

// Validate checks every sub-config and returns accumulated errors/warnings.
// It never exits the process; callers that want fail-fast behavior should
// check HasErrors() and decide for themselves.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	c.validateStorage(result)
	c.validateCache(result)
	c.validateQuery(result)
	c.validateRescan(result)
	return result
}

// ValidateOrError is Validate wrapped in a typed ErrorTypeValidation error,
// for callers (e.g. process startup) that want a plain error return.
func (c *Config) ValidateOrError() error {
	result := c.Validate()
	if result.HasErrors() {
		return analyticserrors.ValidationError(result.Error())
	}
	return nil
}

func (c *Config) validateStorage(result *ValidationResult) {
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			result.AddError("storage.postgres_dsn is required when storage.driver is \"postgres\"")
		} else if !strings.HasPrefix(c.Storage.PostgresDSN, "postgres://") && !strings.HasPrefix(c.Storage.PostgresDSN, "postgresql://") {
			result.AddError("storage.postgres_dsn must start with postgres:// or postgresql://")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			result.AddError("storage.sqlite_path is required when storage.driver is \"sqlite\"")
		}
	case "bbolt":
		if c.Storage.BoltPath == "" {
			result.AddError("storage.bolt_path is required when storage.driver is \"bbolt\"")
		}
	default:
		result.AddError("storage.driver must be one of postgres, sqlite, bbolt; got %q", c.Storage.Driver)
	}
}

func (c *Config) validateCache(result *ValidationResult) {
	if c.Cache.RedisAddr == "" {
		result.AddWarning("cache.redis_addr is not set; the shared cache tier is disabled and every lookup falls through to recomputation")
	}
	if c.Cache.MemoryTTL <= 0 {
		result.AddWarning("cache.memory_ttl is not set, will use default (5m)")
	}
	if c.Cache.MappingTTL <= 0 {
		result.AddWarning("cache.mapping_ttl is not set, will use default (24h)")
	}
}

// validateQuery enforces the timezone offset bound so a bad
// config value is caught at startup rather than surfacing as a per-request
// validation failure deep in the query pipeline.
func (c *Config) validateQuery(result *ValidationResult) {
	if c.Query.DefaultTimezoneMinutes < -720 || c.Query.DefaultTimezoneMinutes > 720 {
		result.AddError("query.default_timezone_minutes must be within [-720, 720]; got %d", c.Query.DefaultTimezoneMinutes)
	}
	if c.Query.MaxReposPerRequest <= 0 {
		result.AddWarning("query.max_repos_per_request is not set, will use default (50)")
	}
}

func (c *Config) validateRescan(result *ValidationResult) {
	if c.Rescan.Enabled && c.Rescan.Interval <= 0 {
		result.AddError("rescan.interval must be positive when rescan.enabled is true")
	}
}
