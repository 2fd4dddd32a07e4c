// Package registry is the discovery and distribution catalog: plugins
// are published into it after passing the same static validation the
// installer runs, and the manager fetches install artifacts from it.
// Search and entry metadata are served through an optional Redis cache.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/pkg/manifest"
	"github.com/gantryio/gantry/pkg/observability"
	"github.com/gantryio/gantry/pkg/security"
	"github.com/gantryio/gantry/pkg/storage"
)

// StatePublished marks catalog records; the registry never holds
// lifecycle states.
const StatePublished = "published"

// Filters narrows a search.
type Filters struct {
	// Query matches identifier, name, and description, case-insensitive.
	Query string `json:"query,omitempty"`

	// Author filters on exact author.
	Author string `json:"author,omitempty"`

	// Limit caps results; 0 means no cap.
	Limit int `json:"limit,omitempty"`
}

// Entry is one search result.
type Entry struct {
	Identifier  string `json:"identifier"`
	Version     string `json:"version"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	Downloads   int64  `json:"downloads"`
}

// ErrAlreadyPublished is returned when an identifier+version pair is
// published twice. Pairs are globally unique and immutable.
var ErrAlreadyPublished = fmt.Errorf("plugin version already published")

// Service is the registry catalog.
type Service struct {
	store     storage.Store
	validator *security.Validator
	cache     *Cache
	log       *logrus.Logger
	metrics   *observability.Metrics
}

// NewService creates a registry service. cache and metrics may be nil.
func NewService(store storage.Store, validator *security.Validator, cache *Cache, log *logrus.Logger, metrics *observability.Metrics) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		store:     store,
		validator: validator,
		cache:     cache,
		log:       log,
		metrics:   metrics,
	}
}

// Publish validates and stores a new plugin version. The same security
// validation the installer runs gates publication, so a rejected
// artifact never enters the catalog.
func (s *Service) Publish(ctx context.Context, m *manifest.Manifest, artifact []byte) error {
	if result := s.validator.Validate(m, artifact); !result.Valid {
		s.publishOutcome("rejected")
		return result.Err(m.Identifier)
	}

	if _, _, err := s.store.LoadVersion(ctx, m.Identifier, m.Version); err == nil {
		s.publishOutcome("conflict")
		return fmt.Errorf("%w: %s", ErrAlreadyPublished, m.Key())
	}

	now := time.Now()
	rec := &storage.Record{
		ID:          m.Identifier,
		Version:     m.Version,
		State:       StatePublished,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	currentVersion := m.Version
	if existing, _, _, err := s.store.Load(ctx, m.Identifier); err == nil {
		rec.InstalledAt = existing.InstalledAt
		rec.Stats = existing.Stats
		// Keep the record's current version pointing at the newest
		// published semver, not simply the latest upload.
		if newer, err := isNewerVersion(existing.Version, m.Version); err == nil && !newer {
			currentVersion = existing.Version
		}
	}

	// Save stores the artifact under rec.Version, so the version row is
	// written for the uploaded version first and the record's current
	// version is corrected afterwards if an older version was uploaded.
	if err := s.store.Save(ctx, rec, m, artifact); err != nil {
		s.publishOutcome("error")
		return fmt.Errorf("failed to store published plugin %s: %w", m.Key(), err)
	}
	if currentVersion != rec.Version {
		rec.Version = currentVersion
		if err := s.store.SaveRecord(ctx, rec); err != nil {
			s.publishOutcome("error")
			return fmt.Errorf("failed to update current version for %s: %w", m.Identifier, err)
		}
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
	s.publishOutcome("success")
	s.log.WithFields(logrus.Fields{
		"plugin_id": m.Identifier,
		"version":   m.Version,
	}).Info("Plugin published")
	return nil
}

func (s *Service) publishOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RegistryPublishesTotal.WithLabelValues(outcome).Inc()
	}
}

// isNewerVersion reports whether candidate is a strictly newer semver
// than current.
func isNewerVersion(current, candidate string) (bool, error) {
	cur := &manifest.Manifest{Version: current}
	cand := &manifest.Manifest{Version: candidate}
	cv, err := cur.SemVer()
	if err != nil {
		return false, err
	}
	nv, err := cand.SemVer()
	if err != nil {
		return false, err
	}
	return nv.GreaterThan(cv), nil
}

// Fetch returns the manifest and artifact for a version, incrementing
// the entry's download counter. An empty version means the newest
// published one. Implements the loader's Fetcher interface.
func (s *Service) Fetch(ctx context.Context, id, version string) (*manifest.Manifest, []byte, error) {
	rec, _, _, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %s: %w", id, err)
	}
	if version == "" {
		version = rec.Version
	}

	m, artifact, err := s.store.LoadVersion(ctx, id, version)
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %s@%s: %w", id, version, err)
	}

	rec.Stats.Downloads++
	rec.UpdatedAt = time.Now()
	if err := s.store.SaveRecord(ctx, rec); err != nil {
		s.log.WithError(err).WithField("plugin_id", id).Warn("Failed to record download")
	}
	if s.metrics != nil {
		s.metrics.RegistryDownloadsTotal.WithLabelValues(id).Inc()
	}

	return m, artifact, nil
}

// Get returns catalog metadata for one plugin.
func (s *Service) Get(ctx context.Context, id string) (*Entry, *manifest.Manifest, error) {
	rec, m, _, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %s: %w", id, err)
	}
	return entryFrom(rec, m), m, nil
}

// Manifest returns the manifest of one published version.
func (s *Service) Manifest(ctx context.Context, id, version string) (*manifest.Manifest, error) {
	m, _, err := s.store.LoadVersion(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("plugin %s@%s: %w", id, version, err)
	}
	return m, nil
}

// Search returns catalog entries matching the filters, most downloaded
// first. Results pass through the cache when one is configured.
func (s *Service) Search(ctx context.Context, f Filters) ([]Entry, error) {
	key := searchKey(f)
	if s.cache != nil {
		if entries, ok := s.cache.GetSearch(ctx, key); ok {
			return entries, nil
		}
	}

	records, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		m, _, err := s.store.LoadVersion(ctx, rec.ID, rec.Version)
		if err != nil {
			continue // version row missing, skip the entry
		}
		if !matches(m, f) {
			continue
		}
		entries = append(entries, *entryFrom(rec, m))
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Downloads != entries[j].Downloads {
			return entries[i].Downloads > entries[j].Downloads
		}
		return entries[i].Identifier < entries[j].Identifier
	})
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}

	if s.cache != nil {
		s.cache.SetSearch(ctx, key, entries)
	}
	return entries, nil
}

func entryFrom(rec *storage.Record, m *manifest.Manifest) *Entry {
	return &Entry{
		Identifier:  m.Identifier,
		Version:     rec.Version,
		Name:        m.Name,
		Description: m.Description,
		Author:      m.Author,
		Downloads:   rec.Stats.Downloads,
	}
}

func matches(m *manifest.Manifest, f Filters) bool {
	if f.Author != "" && m.Author != f.Author {
		return false
	}
	if f.Query == "" {
		return true
	}
	q := strings.ToLower(f.Query)
	return strings.Contains(strings.ToLower(m.Identifier), q) ||
		strings.Contains(strings.ToLower(m.Name), q) ||
		strings.Contains(strings.ToLower(m.Description), q)
}

func searchKey(f Filters) string {
	return fmt.Sprintf("q=%s&author=%s&limit=%d", strings.ToLower(f.Query), f.Author, f.Limit)
}
