// Package storage persists plugin records, manifests, and artifacts. It is
// the single source of truth for the installed catalog: a record only
// reaches disk after its manifest and artifact are durable, so a crash
// mid-install can never leave an Installed record without a manifest.
//
// Backends are interchangeable; filesystem and SQLite implementations are
// provided.
package storage

import (
	"context"
	"time"

	"github.com/gantryio/gantry/pkg/manifest"
	"github.com/gantryio/gantry/pkg/sandbox"
)

// Record is the persisted portion of a plugin's state.
type Record struct {
	ID          string     `json:"id"`
	Version     string     `json:"version"`
	State       string     `json:"state"`
	InstalledAt time.Time  `json:"installed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`

	// PriorVersion is retained across updates for rollback.
	PriorVersion string `json:"prior_version,omitempty"`

	LastError string `json:"last_error,omitempty"`

	Stats Stats `json:"stats"`
}

// Stats are accumulated usage counters, flushed by the manager.
// Downloads is maintained by the registry for published entries.
type Stats struct {
	Activations    int64   `json:"activations"`
	Invocations    int64   `json:"invocations"`
	Errors         int64   `json:"errors"`
	TotalRuntimeMS int64   `json:"total_runtime_ms"`
	MinLatencyMS   float64 `json:"min_latency_ms"`
	MaxLatencyMS   float64 `json:"max_latency_ms"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	Downloads      int64   `json:"downloads,omitempty"`
}

// Store is the persistence collaborator consumed by the plugin manager.
type Store interface {
	// Save atomically persists a record together with its manifest and
	// artifact. The artifact and manifest are written before the record
	// becomes visible.
	Save(ctx context.Context, rec *Record, m *manifest.Manifest, artifact []byte) error

	// SaveRecord updates record fields (state, counters) for an already
	// installed plugin.
	SaveRecord(ctx context.Context, rec *Record) error

	// Load returns the record, manifest, and artifact for the record's
	// current version. Returns errdefs.ErrNotFound when absent.
	Load(ctx context.Context, id string) (*Record, *manifest.Manifest, []byte, error)

	// LoadVersion returns the manifest and artifact of a specific
	// retained version, used for update rollback.
	LoadVersion(ctx context.Context, id, version string) (*manifest.Manifest, []byte, error)

	// Delete removes the record, manifest, and artifacts. Plugin-owned
	// data is purged unless preserveData is set.
	Delete(ctx context.Context, id string, preserveData bool) error

	// List returns all persisted records.
	List(ctx context.Context) ([]*Record, error)

	// Manifests returns the manifests of every persisted plugin at its
	// current version. Input to dependency resolution.
	Manifests(ctx context.Context) ([]*manifest.Manifest, error)

	// PurgeData removes the plugin-owned data area without touching the
	// record or artifacts. Used by update with preserveData disabled.
	PurgeData(ctx context.Context, id string) error

	// Data returns the plugin-owned data area for id. This is the exact
	// boundary governed by preserveData: everything written through it
	// belongs to the plugin, everything else is host-owned.
	Data(id string) sandbox.KVStore

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Config selects and parameterizes a backend.
type Config struct {
	Type string // "filesystem", "sqlite"

	// Filesystem config
	Root string

	// SQLite config
	SQLitePath string
}

// DefaultConfig returns a filesystem store rooted under /var/lib/gantry.
func DefaultConfig() Config {
	return Config{
		Type: "filesystem",
		Root: "/var/lib/gantry",
	}
}
