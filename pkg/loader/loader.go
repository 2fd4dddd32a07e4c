// Package loader fetches installable plugin bundles from their source
// (registry, local archive, version control, direct URL), verifies
// checksums, and produces compiled sandbox units through an LRU cache.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/pkg/manifest"
	"github.com/gantryio/gantry/pkg/sandbox"
)

// SourceKind identifies where a plugin bundle comes from.
type SourceKind string

const (
	SourceRegistry SourceKind = "registry"
	SourceArchive  SourceKind = "archive"
	SourceVCS      SourceKind = "vcs"
	SourceURL      SourceKind = "url"
)

// Source describes one installable plugin bundle.
type Source struct {
	Kind SourceKind

	// Registry source: plugin identifier and version.
	ID      string
	Version string

	// Archive source: local bundle, either a directory containing
	// plugin.yaml or a .tar.gz file.
	Path string

	// VCS source: clone URL plus optional ref.
	Repo string
	Ref  string

	// URL source: direct link to a .tar.gz bundle.
	URL string

	// Checksum, when set, is the expected hex sha256 of the artifact.
	Checksum string
}

// Fetcher is the registry's fetch surface, the loader's upstream for
// registry sources.
type Fetcher interface {
	Fetch(ctx context.Context, id, version string) (*manifest.Manifest, []byte, error)
}

// Loader resolves sources into manifests and artifacts and caches
// compiled units keyed by identifier@version.
type Loader struct {
	registry Fetcher
	client   *http.Client
	units    *lru.Cache[string, *sandbox.Unit]
	log      *logrus.Logger
}

// DefaultUnitCacheSize bounds the compiled unit cache.
const DefaultUnitCacheSize = 128

// New creates a loader. registry may be nil if registry sources are
// never used.
func New(registry Fetcher, log *logrus.Logger) (*Loader, error) {
	cache, err := lru.New[string, *sandbox.Unit](DefaultUnitCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create unit cache: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Loader{
		registry: registry,
		client:   &http.Client{Timeout: 60 * time.Second},
		units:    cache,
		log:      log,
	}, nil
}

// Fetch resolves a source into its manifest and raw artifact.
func (l *Loader) Fetch(ctx context.Context, src Source) (*manifest.Manifest, []byte, error) {
	var (
		m        *manifest.Manifest
		artifact []byte
		err      error
	)

	switch src.Kind {
	case SourceRegistry:
		if l.registry == nil {
			return nil, nil, fmt.Errorf("no registry configured for source %s@%s", src.ID, src.Version)
		}
		m, artifact, err = l.registry.Fetch(ctx, src.ID, src.Version)
	case SourceArchive:
		m, artifact, err = l.fetchArchive(src.Path)
	case SourceVCS:
		m, artifact, err = l.fetchVCS(ctx, src.Repo, src.Ref)
	case SourceURL:
		m, artifact, err = l.fetchURL(ctx, src.URL)
	default:
		return nil, nil, fmt.Errorf("unknown source kind: %s", src.Kind)
	}
	if err != nil {
		return nil, nil, err
	}

	if src.Checksum != "" {
		sum := sha256.Sum256(artifact)
		if got := hex.EncodeToString(sum[:]); got != src.Checksum {
			return nil, nil, fmt.Errorf("checksum mismatch for %s: got %s, want %s", m.Identifier, got, src.Checksum)
		}
	}

	l.log.WithFields(logrus.Fields{
		"plugin_id": m.Identifier,
		"version":   m.Version,
		"kind":      src.Kind,
		"bytes":     len(artifact),
	}).Debug("Fetched plugin bundle")

	return m, artifact, nil
}

// Unit returns a compiled unit for the artifact, from cache when the
// identifier@version pair has been compiled before.
func (l *Loader) Unit(pluginID, version string, artifact []byte) (*sandbox.Unit, error) {
	key := pluginID + "@" + version
	if unit, ok := l.units.Get(key); ok {
		return unit, nil
	}
	unit, err := sandbox.Compile(pluginID, artifact)
	if err != nil {
		return nil, err
	}
	l.units.Add(key, unit)
	return unit, nil
}

// Evict drops every cached unit for the plugin. Called on update and
// uninstall so stale compiled code is never reused.
func (l *Loader) Evict(pluginID string) {
	for _, key := range l.units.Keys() {
		if unit, ok := l.units.Peek(key); ok && unit.PluginID == pluginID {
			l.units.Remove(key)
		}
	}
}

// fetchArchive loads a bundle from a local directory or .tar.gz file.
func (l *Loader) fetchArchive(path string) (*manifest.Manifest, []byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	if info.IsDir() {
		return loadBundleDir(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return extractBundle(data)
}

// fetchVCS clones a repository at the given ref into a temp directory
// and loads the bundle from its root.
func (l *Loader) fetchVCS(ctx context.Context, repo, ref string) (*manifest.Manifest, []byte, error) {
	dir, err := os.MkdirTemp("", "gantry-vcs-*")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create clone directory: %w", err)
	}
	defer os.RemoveAll(dir)

	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, repo, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, nil, fmt.Errorf("git clone failed: %w: %s", err, string(out))
	}
	return loadBundleDir(dir)
}

// fetchURL downloads a .tar.gz bundle.
func (l *Loader) fetchURL(ctx context.Context, url string) (*manifest.Manifest, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("failed to download bundle: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	return extractBundle(data)
}

// loadBundleDir reads plugin.yaml and the entry file from a directory.
func loadBundleDir(dir string) (*manifest.Manifest, []byte, error) {
	m, err := manifest.LoadFromDir(dir)
	if err != nil {
		return nil, nil, err
	}
	artifact, err := os.ReadFile(filepath.Join(dir, m.EntryPoint()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read entry point %s: %w", m.EntryPoint(), err)
	}
	return m, artifact, nil
}
