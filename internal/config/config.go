// Package config loads and validates the carsync configuration file.
//
// The file is plain JSON decoded into plain structs; DSNs may reference
// environment variables (expanded with os.ExpandEnv) so credentials stay out
// of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"carsync/internal/storage"
)

// Config is the root configuration for the carsync binaries.
type Config struct {
	Storage storage.Config `json:"storage"`

	// MappingFile optionally overrides the built-in label vocabulary.
	MappingFile string `json:"mapping_file,omitempty"`

	Metrics Metrics `json:"metrics"`

	// Jobs are the staging-to-fact sync runs, executed in order.
	Jobs []Job `json:"jobs"`
}

// Metrics selects the metrics backend: "datadog" or "none"/"".
type Metrics struct {
	Backend      string `json:"backend,omitempty"`
	Job          string `json:"job,omitempty"`
	Tags         string `json:"tags,omitempty"`
	FlushSeconds int    `json:"flush_seconds,omitempty"`
}

// Job configures one run_sync invocation.
type Job struct {
	StagingTable string `json:"staging_table"`
	FactTable    string `json:"fact_table"`
	SourceID     int    `json:"source_id"`

	// DeleteAfter removes warehoused rows from staging after the run.
	// Destructive, so it must be opted into per job.
	DeleteAfter bool `json:"delete_after,omitempty"`
}

// Load reads, decodes and env-expands a config file. Validation is separate
// (Validate) so callers can report all issues at once.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var c Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	c.Storage.DSN = os.ExpandEnv(c.Storage.DSN)
	return c, nil
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding, addressed by a JSON-ish path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is severity error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks a decoded config and returns every issue found, warnings
// included. An empty slice means the config is usable.
func Validate(c Config) []Issue {
	var issues []Issue
	errf := func(path, format string, v ...any) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, v...)})
	}
	warnf := func(path, format string, v ...any) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, v...)})
	}

	if c.Storage.Kind == "" {
		errf("storage.kind", "backend kind is required (mssql, postgres, sqlite)")
	}
	if c.Storage.DSN == "" {
		errf("storage.dsn", "connection string is required")
	}

	switch c.Metrics.Backend {
	case "", "none", "datadog":
	default:
		errf("metrics.backend", "unknown backend %q (use datadog or none)", c.Metrics.Backend)
	}
	if c.Metrics.FlushSeconds < 0 {
		errf("metrics.flush_seconds", "must not be negative")
	}

	if len(c.Jobs) == 0 {
		warnf("jobs", "no sync jobs configured; only the reference stage will run")
	}
	seen := map[string]int{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		if j.StagingTable == "" {
			errf(path+".staging_table", "staging table is required")
		}
		if j.SourceID <= 0 {
			errf(path+".source_id", "source id must be a positive feed discriminator")
		}
		if prev, dup := seen[j.StagingTable]; dup && j.StagingTable != "" {
			errf(path+".staging_table", "duplicates jobs[%d]; one run per staging table per invocation", prev)
		}
		seen[j.StagingTable] = i
	}

	return issues
}
