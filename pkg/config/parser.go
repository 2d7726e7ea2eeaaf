package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// Parser loads conductor configuration from CUE sources.
type Parser struct {
	schemas   *SchemaRegistry
	validator *Validator
}

// NewParser creates a parser bound to a fresh schema registry.
func NewParser() *Parser {
	return NewParserWithRegistry(NewSchemaRegistry())
}

// NewParserWithRegistry creates a parser that shares schemas with the caller.
func NewParserWithRegistry(schemas *SchemaRegistry) *Parser {
	return &Parser{
		schemas:   schemas,
		validator: NewValidator(),
	}
}

// Schemas returns the parser's schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// Load parses sources and returns the configuration, failing on the first
// diagnostic.
func (p *Parser) Load(ctx context.Context, sources []string) (*Config, error) {
	parsed, err := p.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, parsed.Err()
	}
	return parsed.Config, nil
}

// Parse parses CUE files or directories of .cue files. Problems with the
// content are reported as diagnostics; only I/O failures are returned as errors.
func (p *Parser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		found, err := cueFiles(source)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no CUE files found in %s", source)
		}
		files = append(files, found...)
	}

	contents := make([][]byte, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		contents = append(contents, content)
	}

	p.schemas.mu.Lock()
	defer p.schemas.mu.Unlock()

	var (
		unified     cue.Value
		diagnostics []Diagnostic
	)
	for i, content := range contents {
		val := p.schemas.ctx.CompileBytes(content, cue.Filename(files[i]))
		if err := val.Err(); err != nil {
			diagnostics = append(diagnostics, convertCUEErrors(err)...)
			continue
		}
		if unified.Exists() {
			unified = unified.Unify(val)
		} else {
			unified = val
		}
	}

	if len(diagnostics) > 0 {
		return &ParsedConfig{SourceFiles: files, ParsedAt: time.Now(), Errors: diagnostics}, nil
	}
	return p.extract(unified, files), nil
}

// ParseInline parses CUE content held in memory.
func (p *Parser) ParseInline(_ context.Context, content string) (*ParsedConfig, error) {
	p.schemas.mu.Lock()
	defer p.schemas.mu.Unlock()

	val := p.schemas.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}
	return p.extract(val, []string{"inline"}), nil
}

// extract unifies val with #Config, decodes it and runs struct validation.
// The caller holds the registry lock.
func (p *Parser) extract(val cue.Value, files []string) *ParsedConfig {
	parsed := &ParsedConfig{SourceFiles: files, ParsedAt: time.Now()}

	cfgVal := p.schemas.config.Unify(val)
	if err := cfgVal.Validate(); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed
	}

	var cfg Config
	if err := cfgVal.Decode(&cfg); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed
	}

	if err := p.validator.ValidateConfig(&cfg); err != nil {
		parsed.Errors = append(parsed.Errors, Diagnostic{Message: err.Error(), Severity: "error"})
		return parsed
	}

	parsed.Config = &cfg
	return parsed
}

// ExportJSON renders cfg as indented JSON.
func ExportJSON(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}

// ParsedConfig is the outcome of parsing configuration sources.
type ParsedConfig struct {
	// Config is nil when Errors is not empty.
	Config      *Config      `json:"config,omitempty"`
	SourceFiles []string     `json:"source_files"`
	ParsedAt    time.Time    `json:"parsed_at"`
	Errors      []Diagnostic `json:"errors,omitempty"`
}

// Err joins the diagnostics into one error, or returns nil.
func (pc *ParsedConfig) Err() error {
	if len(pc.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(pc.Errors))
	for _, d := range pc.Errors {
		msgs = append(msgs, d.String())
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Diagnostic is a configuration problem with its source location.
type Diagnostic struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (d Diagnostic) String() string {
	if d.File == "" {
		return d.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", d.File, d.Line, d.Column, d.Message)
}

func convertCUEErrors(err error) []Diagnostic {
	var diagnostics []Diagnostic
	for _, e := range cueerrors.Errors(err) {
		d := Diagnostic{
			Path:     strings.Join(e.Path(), "."),
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			d.File = pos[0].Filename()
			d.Line = pos[0].Line()
			d.Column = pos[0].Column()
		}
		diagnostics = append(diagnostics, d)
	}
	if len(diagnostics) == 0 {
		diagnostics = append(diagnostics, Diagnostic{Message: err.Error(), Severity: "error"})
	}
	return diagnostics
}

// cueFiles lists the .cue files directly inside dir, sorted.
func cueFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".cue") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
