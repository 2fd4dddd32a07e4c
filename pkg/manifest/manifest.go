// Package manifest defines the declarative plugin manifest: identity,
// dependencies, permission requests, hook bindings, and configuration
// schema. Manifests are immutable once parsed; everything the runtime
// enforces at activation time is derived from them.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the well-known manifest file inside a plugin bundle.
const ManifestFileName = "plugin.yaml"

// DefaultEntryPoint is used when a manifest does not name one.
const DefaultEntryPoint = "main.lua"

// Manifest describes a plugin's identity, dependencies, permissions,
// and hook bindings.
type Manifest struct {
	Identifier  string `yaml:"identifier" json:"identifier"`
	Version     string `yaml:"version" json:"version"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	License     string `yaml:"license,omitempty" json:"license,omitempty"`

	// Entry is the Lua file executed to define the plugin's functions.
	Entry string `yaml:"entry,omitempty" json:"entry,omitempty"`

	Dependencies []Dependency      `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Permissions  Permissions       `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Hooks        map[string]string `yaml:"hooks,omitempty" json:"hooks,omitempty"`

	// HookPriorities optionally orders this plugin's handlers relative to
	// other plugins on the same hook. Lower runs first; missing entries
	// default to 100.
	HookPriorities map[string]int `yaml:"hook_priorities,omitempty" json:"hook_priorities,omitempty"`

	ConfigSchema map[string]ConfigField `yaml:"config_schema,omitempty" json:"config_schema,omitempty"`
}

// Dependency declares a dependency on another plugin within a version range.
type Dependency struct {
	Identifier   string `yaml:"identifier" json:"identifier"`
	VersionRange string `yaml:"version_range" json:"version_range"`
}

// Permissions holds the manifest's declared capability requests, one
// category per field. Empty fields request nothing.
type Permissions struct {
	// Filesystem lists path prefixes the plugin wants to read and write.
	Filesystem []string `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`

	// Network lists host[:port] entries the plugin wants to reach.
	Network []string `yaml:"network,omitempty" json:"network,omitempty"`

	// Database is the requested data-store access level:
	// "none", "read", "write", or "admin".
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// API lists host endpoints the plugin wants to expose.
	API []APIRoute `yaml:"api,omitempty" json:"api,omitempty"`

	// Tenants is the requested tenant-access scope: "own" or "all".
	Tenants string `yaml:"tenants,omitempty" json:"tenants,omitempty"`
}

// APIRoute is an endpoint + HTTP verb pair a plugin exposes.
type APIRoute struct {
	Method string `yaml:"method" json:"method"`
	Path   string `yaml:"path" json:"path"`
}

// ConfigField describes one entry of a plugin's configuration schema.
type ConfigField struct {
	Type     string      `yaml:"type" json:"type"` // string, number, bool
	Required bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Default  interface{} `yaml:"default,omitempty" json:"default,omitempty"`
}

// Key returns the identifier@version pair, globally unique in the registry.
func (m *Manifest) Key() string {
	return m.Identifier + "@" + m.Version
}

// EntryPoint returns the manifest's entry file, or the default.
func (m *Manifest) EntryPoint() string {
	if m.Entry == "" {
		return DefaultEntryPoint
	}
	return m.Entry
}

// SemVer parses the manifest version.
func (m *Manifest) SemVer() (*semver.Version, error) {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", m.Version, err)
	}
	return v, nil
}

// Parse decodes a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Load reads and parses a manifest from a file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// LoadFromDir loads plugin.yaml from a plugin directory.
func LoadFromDir(dir string) (*Manifest, error) {
	return Load(filepath.Join(dir, ManifestFileName))
}

// Save writes a manifest to a file.
func Save(m *Manifest, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Encode serializes a manifest for storage.
func Encode(m *Manifest) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// RangeSatisfiedBy reports whether version satisfies the given range
// expression (e.g. ">=1.0.0 <2.0.0").
func RangeSatisfiedBy(versionRange, version string) (bool, error) {
	c, err := semver.NewConstraint(versionRange)
	if err != nil {
		return false, fmt.Errorf("invalid version range %q: %w", versionRange, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", version, err)
	}
	return c.Check(v), nil
}
