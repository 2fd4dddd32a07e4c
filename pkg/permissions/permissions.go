// Package permissions translates a manifest's declared capability requests
// into an enforced runtime grant. Requests are normalized into a
// CapabilitySet, intersected against host-configured ceilings, and frozen
// into an activation-scoped Token that the sandbox consults on every
// capability-gated call.
package permissions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
)

// DatabaseLevel is an ordered data-store access level.
type DatabaseLevel int

const (
	DatabaseNone DatabaseLevel = iota
	DatabaseRead
	DatabaseWrite
	DatabaseAdmin
)

// ParseDatabaseLevel maps the manifest string form to a level. Unknown
// strings map to DatabaseNone; the manifest validator rejects them earlier.
func ParseDatabaseLevel(s string) DatabaseLevel {
	switch s {
	case "read":
		return DatabaseRead
	case "write":
		return DatabaseWrite
	case "admin":
		return DatabaseAdmin
	default:
		return DatabaseNone
	}
}

func (l DatabaseLevel) String() string {
	switch l {
	case DatabaseRead:
		return "read"
	case DatabaseWrite:
		return "write"
	case DatabaseAdmin:
		return "admin"
	default:
		return "none"
	}
}

// TenantScope is the tenant-access scope.
type TenantScope string

const (
	TenantOwn TenantScope = "own"
	TenantAll TenantScope = "all"
)

// Endpoint is a normalized method+path pair.
type Endpoint struct {
	Method string
	Path   string
}

func (e Endpoint) String() string { return e.Method + " " + e.Path }

// CapabilitySet is a normalized, comparable set of capability scopes.
// Zero value grants nothing.
type CapabilitySet struct {
	// FilesystemPrefixes are cleaned absolute path prefixes.
	FilesystemPrefixes []string

	// NetworkHosts are host or host:port entries. "*" allows any host
	// (ceilings only; manifests cannot request it).
	NetworkHosts []string

	Database DatabaseLevel

	Endpoints []Endpoint

	Tenants TenantScope
}

// FromManifest normalizes a manifest's permission requests.
func FromManifest(p manifest.Permissions) CapabilitySet {
	set := CapabilitySet{
		Database: ParseDatabaseLevel(p.Database),
		Tenants:  TenantOwn,
	}
	if p.Tenants == "all" {
		set.Tenants = TenantAll
	}
	for _, fp := range p.Filesystem {
		set.FilesystemPrefixes = append(set.FilesystemPrefixes, filepath.Clean(fp))
	}
	for _, h := range p.Network {
		set.NetworkHosts = append(set.NetworkHosts, strings.ToLower(h))
	}
	for _, r := range p.API {
		set.Endpoints = append(set.Endpoints, Endpoint{
			Method: strings.ToUpper(r.Method),
			Path:   r.Path,
		})
	}
	sort.Strings(set.FilesystemPrefixes)
	sort.Strings(set.NetworkHosts)
	sort.Slice(set.Endpoints, func(i, j int) bool {
		return set.Endpoints[i].String() < set.Endpoints[j].String()
	})
	return set
}

// Ceilings are the host-configured maximum grants per capability category.
type Ceilings struct {
	FilesystemPrefixes []string      `yaml:"filesystem"`
	NetworkHosts       []string      `yaml:"network"`
	Database           string        `yaml:"database"`
	Endpoints          []EndpointDoc `yaml:"api"`
	Tenants            string        `yaml:"tenants"`
}

// EndpointDoc is the YAML form of an endpoint ceiling entry.
type EndpointDoc struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

// DefaultCeilings grant plugin-local filesystem access only and own-tenant
// read access; everything else must be widened by the operator.
func DefaultCeilings() Ceilings {
	return Ceilings{
		FilesystemPrefixes: []string{"/var/lib/gantry/plugins"},
		NetworkHosts:       nil,
		Database:           "read",
		Endpoints:          nil,
		Tenants:            "own",
	}
}

// LoadCeilings reads a host policy file.
func LoadCeilings(path string) (Ceilings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Ceilings{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	var c Ceilings
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Ceilings{}, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return c, nil
}

// set converts ceilings to a CapabilitySet for comparison.
func (c Ceilings) set() CapabilitySet {
	return FromManifest(manifest.Permissions{
		Filesystem: c.FilesystemPrefixes,
		Network:    c.NetworkHosts,
		Database:   c.Database,
		API:        endpointsToRoutes(c.Endpoints),
		Tenants:    c.Tenants,
	})
}

func endpointsToRoutes(eps []EndpointDoc) []manifest.APIRoute {
	routes := make([]manifest.APIRoute, 0, len(eps))
	for _, e := range eps {
		routes = append(routes, manifest.APIRoute{Method: e.Method, Path: e.Path})
	}
	return routes
}

// Intersect checks every requested scope against its ceiling and derives a
// Token. If any request is not a subset of its ceiling the whole activation
// fails with a PermissionDeniedError listing every offending request.
func Intersect(pluginID string, requested CapabilitySet, ceilings Ceilings) (*Token, error) {
	ceiling := ceilings.set()
	var violations []string

	for _, p := range requested.FilesystemPrefixes {
		if !pathAllowed(p, ceiling.FilesystemPrefixes) {
			violations = append(violations, fmt.Sprintf("filesystem path %q exceeds host ceiling", p))
		}
	}
	for _, h := range requested.NetworkHosts {
		if !hostAllowed(h, ceiling.NetworkHosts) {
			violations = append(violations, fmt.Sprintf("network host %q exceeds host ceiling", h))
		}
	}
	if requested.Database > ceiling.Database {
		violations = append(violations, fmt.Sprintf("database access %q exceeds host ceiling %q", requested.Database, ceiling.Database))
	}
	for _, ep := range requested.Endpoints {
		if !endpointAllowed(ep, ceiling.Endpoints) {
			violations = append(violations, fmt.Sprintf("api endpoint %q exceeds host ceiling", ep))
		}
	}
	if requested.Tenants == TenantAll && ceiling.Tenants != TenantAll {
		violations = append(violations, `tenant scope "all" exceeds host ceiling "own"`)
	}

	if len(violations) > 0 {
		return nil, &errdefs.PermissionDeniedError{PluginID: pluginID, Violations: violations}
	}
	return newToken(pluginID, requested), nil
}

// pathAllowed reports whether path is equal to or below one of the allowed
// prefixes.
func pathAllowed(path string, prefixes []string) bool {
	path = filepath.Clean(path)
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// hostAllowed matches exact hosts, host:port entries, and "*.domain"
// wildcard ceilings. A "*" ceiling allows any host.
func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == host {
			return true
		}
		if strings.HasPrefix(a, "*.") {
			bare := strings.SplitN(host, ":", 2)[0]
			if strings.HasSuffix(bare, a[1:]) {
				return true
			}
		}
	}
	return false
}

func endpointAllowed(ep Endpoint, allowed []Endpoint) bool {
	for _, a := range allowed {
		if a.Method != ep.Method && a.Method != "*" {
			continue
		}
		if a.Path == ep.Path {
			return true
		}
		if strings.HasSuffix(a.Path, "/*") && strings.HasPrefix(ep.Path, strings.TrimSuffix(a.Path, "*")) {
			return true
		}
	}
	return false
}
