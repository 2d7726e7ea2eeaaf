package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Capabilities a plugin may request.
const (
	// CapabilityTemp mounts a private scratch directory at /tmp.
	CapabilityTemp = "fs:temp"
	// CapabilityClock exposes the host wall and monotonic clocks.
	CapabilityClock = "clock"
)

// DefaultMemoryLimitPages is 16MB of linear memory.
const DefaultMemoryLimitPages = 256

// Manifest describes a WASM plugin.
//
//	name: caption-styler
//	version: 0.2.0
//	type: template
//	steps: [format_output]
//	entrypoint: caption.wasm
//	checksum: 9f86d0...
type Manifest struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version" validate:"required"`
	Description string `yaml:"description,omitempty"`

	// Type is the engine type the plugin registers as.
	Type string `yaml:"type" validate:"omitempty,oneof=ai rule template"`

	Priority int `yaml:"priority"`

	// Steps are the step names the plugin handles.
	Steps []string `yaml:"steps" validate:"required,min=1,dive,required"`

	// Entrypoint is the .wasm path, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the hex sha256 of the module. Not checked when empty.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	Timeout          string   `yaml:"timeout,omitempty"`
	MemoryLimitPages uint32   `yaml:"memory_limit_pages,omitempty" validate:"omitempty,max=65536"`
	Capabilities     []string `yaml:"capabilities,omitempty" validate:"dive,oneof=fs:temp clock"`

	// Env is passed to the module as environment variables.
	Env map[string]string `yaml:"env,omitempty"`

	// Path is the manifest file; WasmPath the resolved entrypoint.
	Path     string `yaml:"-"`
	WasmPath string `yaml:"-"`
}

// LoadManifest reads and validates the manifest at path and resolves its
// entrypoint.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	m.Path = path
	if _, err := os.Stat(m.WasmPath); err != nil {
		return nil, fmt.Errorf("WASM module not found at %s: %w", m.WasmPath, err)
	}
	return m, nil
}

// ParseManifest decodes a manifest, resolving a relative entrypoint against
// baseDir.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if m.Timeout != "" {
		if d, err := time.ParseDuration(m.Timeout); err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid manifest: bad timeout %q", m.Timeout)
		}
	}

	m.WasmPath = m.Entrypoint
	if !filepath.IsAbs(m.WasmPath) {
		m.WasmPath = filepath.Join(baseDir, m.Entrypoint)
	}
	return &m, nil
}

// VerifyChecksum checks module against the manifest checksum, if any.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}

// TimeoutDuration returns the per-call timeout, or def when unset.
func (m *Manifest) TimeoutDuration(def time.Duration) time.Duration {
	if d, err := time.ParseDuration(m.Timeout); err == nil && d > 0 {
		return d
	}
	return def
}

// HasCapability reports whether the manifest requests c.
func (m *Manifest) HasCapability(c string) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
