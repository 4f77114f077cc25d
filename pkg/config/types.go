package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

// Format is the encoding of a restore request file.
type Format string

const (
	// FormatCUE is a CUE file or a directory holding a CUE package.
	FormatCUE Format = "cue"

	// FormatYAML is a YAML document.
	FormatYAML Format = "yaml"

	// FormatJSON is a JSON document.
	FormatJSON Format = "json"

	// FormatStarlark is a Starlark script assigning the request to a global
	// named "restore".
	FormatStarlark Format = "starlark"
)

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".star", ".starlark":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported request file %q: expected .cue, .yaml, .yml, .json or .star", path)
	}
}

// ValidationError represents a problem found while reading a request file.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the field path within the request.
	Path string `json:"path,omitempty"`

	// Message describes the error.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ParsedRequest is the result of reading one or more request files.
type ParsedRequest struct {
	// Request is the decoded restore request. It is only meaningful when
	// Errors is empty.
	Request engine.RestoreRequest `json:"request"`

	// SourceFiles lists all files that contributed to the request.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the files were read.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors contains any problems found while reading.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether any error-severity problem was found.
func (p *ParsedRequest) HasErrors() bool {
	for _, e := range p.Errors {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

// Err returns the problems found as a single validation error, or nil.
func (p *ParsedRequest) Err() error {
	if !p.HasErrors() {
		return nil
	}

	var combined error
	for _, e := range p.Errors {
		if e.Severity == "warning" {
			continue
		}
		combined = multierr.Append(combined, e)
	}

	return engine.NewPermanentError("invalid restore request", combined).
		WithCode(engine.ErrCodeValidation).
		WithResource(strings.Join(p.SourceFiles, ","))
}
