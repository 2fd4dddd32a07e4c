package permissions

import (
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Token is an activation-scoped capability grant. It is immutable for the
// activation's lifetime and revoked, never mutated, on deactivation. The
// sandbox consults it on every capability-gated call; a plugin cannot widen
// its grant without a full deactivate/activate cycle.
type Token struct {
	ID        string
	PluginID  string
	GrantedAt time.Time

	caps    CapabilitySet
	revoked atomic.Bool
}

func newToken(pluginID string, caps CapabilitySet) *Token {
	return &Token{
		ID:        uuid.NewString(),
		PluginID:  pluginID,
		GrantedAt: time.Now().UTC(),
		caps:      caps,
	}
}

// Revoke invalidates the token. All subsequent capability checks fail.
func (t *Token) Revoke() {
	t.revoked.Store(true)
}

// Revoked reports whether the token has been revoked.
func (t *Token) Revoked() bool {
	return t.revoked.Load()
}

// Capabilities returns a copy of the granted capability set.
func (t *Token) Capabilities() CapabilitySet {
	return t.caps
}

// AllowsPath reports whether the token grants access to the given
// filesystem path.
func (t *Token) AllowsPath(path string) bool {
	if t.revoked.Load() {
		return false
	}
	return pathAllowed(filepath.Clean(path), t.caps.FilesystemPrefixes)
}

// AllowsHost reports whether the token grants network access to the given
// host or host:port.
func (t *Token) AllowsHost(host string) bool {
	if t.revoked.Load() {
		return false
	}
	host = strings.ToLower(host)
	if hostAllowed(host, t.caps.NetworkHosts) {
		return true
	}
	// A grant without a port covers every port on that host.
	if bare, _, err := net.SplitHostPort(host); err == nil {
		return hostAllowed(bare, t.caps.NetworkHosts)
	}
	return false
}

// AllowsDatabase reports whether the token grants at least the given
// data-store access level.
func (t *Token) AllowsDatabase(level DatabaseLevel) bool {
	if t.revoked.Load() {
		return false
	}
	return t.caps.Database >= level
}

// AllowsEndpoint reports whether the token grants exposing the given
// endpoint.
func (t *Token) AllowsEndpoint(method, path string) bool {
	if t.revoked.Load() {
		return false
	}
	ep := Endpoint{Method: strings.ToUpper(method), Path: path}
	for _, granted := range t.caps.Endpoints {
		if granted == ep {
			return true
		}
	}
	return false
}

// TenantScope returns the granted tenant-access scope. A revoked token
// reports the narrowest scope.
func (t *Token) TenantScope() TenantScope {
	if t.revoked.Load() {
		return TenantOwn
	}
	return t.caps.Tenants
}
