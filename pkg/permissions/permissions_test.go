package permissions

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
)

func testCeilings() Ceilings {
	return Ceilings{
		FilesystemPrefixes: []string{"/var/lib/gantry/plugins"},
		NetworkHosts:       []string{"api.example.com", "*.internal.example.com"},
		Database:           "write",
		Endpoints:          []EndpointDoc{{Method: "GET", Path: "/ext/*"}},
		Tenants:            "own",
	}
}

func TestFromManifestNormalizes(t *testing.T) {
	set := FromManifest(manifest.Permissions{
		Filesystem: []string{"/var/lib/gantry/plugins/x/../y"},
		Network:    []string{"API.Example.Com"},
		Database:   "write",
		API:        []manifest.APIRoute{{Method: "get", Path: "/ext/a"}},
	})

	if set.FilesystemPrefixes[0] != filepath.Clean("/var/lib/gantry/plugins/y") {
		t.Errorf("path not cleaned: %q", set.FilesystemPrefixes[0])
	}
	if set.NetworkHosts[0] != "api.example.com" {
		t.Errorf("host not lowercased: %q", set.NetworkHosts[0])
	}
	if set.Database != DatabaseWrite {
		t.Errorf("database = %v, want write", set.Database)
	}
	if set.Endpoints[0].Method != "GET" {
		t.Errorf("method not uppercased: %q", set.Endpoints[0].Method)
	}
	if set.Tenants != TenantOwn {
		t.Errorf("tenants = %q, want own", set.Tenants)
	}
}

func TestIntersectGrantsSubset(t *testing.T) {
	requested := FromManifest(manifest.Permissions{
		Filesystem: []string{"/var/lib/gantry/plugins/audit-log"},
		Network:    []string{"api.example.com", "db.internal.example.com:5432"},
		Database:   "read",
		API:        []manifest.APIRoute{{Method: "GET", Path: "/ext/audit"}},
		Tenants:    "own",
	})

	token, err := Intersect("audit-log", requested, testCeilings())
	if err != nil {
		t.Fatalf("Intersect failed: %v", err)
	}
	if token.PluginID != "audit-log" {
		t.Errorf("plugin id = %q", token.PluginID)
	}
	if token.ID == "" {
		t.Error("token has no ID")
	}
	if !token.AllowsPath("/var/lib/gantry/plugins/audit-log/data.json") {
		t.Error("granted path denied")
	}
	if token.AllowsPath("/etc/passwd") {
		t.Error("ungranted path allowed")
	}
	if !token.AllowsHost("api.example.com") {
		t.Error("granted host denied")
	}
	if !token.AllowsHost("api.example.com:443") {
		t.Error("portless grant should cover any port")
	}
	if token.AllowsHost("evil.example.com") {
		t.Error("ungranted host allowed")
	}
	if !token.AllowsDatabase(DatabaseRead) {
		t.Error("granted database level denied")
	}
	if token.AllowsDatabase(DatabaseWrite) {
		t.Error("database level widened beyond request")
	}
	if !token.AllowsEndpoint("get", "/ext/audit") {
		t.Error("granted endpoint denied")
	}
	if token.AllowsEndpoint("POST", "/ext/audit") {
		t.Error("ungranted method allowed")
	}
}

func TestIntersectListsAllViolations(t *testing.T) {
	requested := FromManifest(manifest.Permissions{
		Filesystem: []string{"/etc", "/var/lib/gantry/plugins/ok"},
		Network:    []string{"evil.example.com"},
		Database:   "admin",
		API:        []manifest.APIRoute{{Method: "DELETE", Path: "/admin"}},
		Tenants:    "all",
	})

	_, err := Intersect("greedy", requested, testCeilings())
	if err == nil {
		t.Fatal("expected permission denial")
	}
	if !errdefs.IsPermissionDenied(err) {
		t.Fatalf("error is not a PermissionDeniedError: %v", err)
	}

	var pd *errdefs.PermissionDeniedError
	if !errors.As(err, &pd) {
		t.Fatalf("cannot unwrap PermissionDeniedError from %v", err)
	}
	if pd.PluginID != "greedy" {
		t.Errorf("plugin id = %q", pd.PluginID)
	}
	// One violation per offending request, all reported at once.
	if len(pd.Violations) != 5 {
		t.Errorf("violations = %d, want 5: %v", len(pd.Violations), pd.Violations)
	}
	for _, want := range []string{"/etc", "evil.example.com", "admin", "tenant scope"} {
		found := false
		for _, v := range pd.Violations {
			if strings.Contains(v, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("no violation mentioning %q in %v", want, pd.Violations)
		}
	}
}

func TestIntersectWildcardHostCeiling(t *testing.T) {
	requested := FromManifest(manifest.Permissions{
		Network: []string{"queue.internal.example.com"},
	})
	if _, err := Intersect("p", requested, testCeilings()); err != nil {
		t.Errorf("wildcard ceiling should admit subdomain: %v", err)
	}
}

func TestIntersectEmptyRequestAgainstDefaults(t *testing.T) {
	token, err := Intersect("p", CapabilitySet{Tenants: TenantOwn}, DefaultCeilings())
	if err != nil {
		t.Fatalf("empty request should always succeed: %v", err)
	}
	if token.AllowsPath("/var/lib/gantry/plugins/p/file") {
		t.Error("empty grant should allow nothing")
	}
	if token.AllowsDatabase(DatabaseRead) {
		t.Error("empty grant should not allow database reads")
	}
}

func TestTokenRevocation(t *testing.T) {
	requested := FromManifest(manifest.Permissions{
		Filesystem: []string{"/var/lib/gantry/plugins/p"},
		Database:   "read",
	})
	token, err := Intersect("p", requested, DefaultCeilings())
	if err != nil {
		t.Fatalf("Intersect failed: %v", err)
	}

	if !token.AllowsPath("/var/lib/gantry/plugins/p/a") {
		t.Fatal("granted path denied before revocation")
	}

	token.Revoke()

	if !token.Revoked() {
		t.Error("Revoked() = false after Revoke")
	}
	if token.AllowsPath("/var/lib/gantry/plugins/p/a") {
		t.Error("revoked token still allows path access")
	}
	if token.AllowsDatabase(DatabaseRead) {
		t.Error("revoked token still allows database access")
	}
	if token.TenantScope() != TenantOwn {
		t.Error("revoked token should report narrowest tenant scope")
	}
}

func TestPathAllowedPrefixBoundary(t *testing.T) {
	prefixes := []string{"/var/lib/gantry/plugins"}
	tests := []struct {
		path string
		want bool
	}{
		{"/var/lib/gantry/plugins", true},
		{"/var/lib/gantry/plugins/x", true},
		{"/var/lib/gantry/plugins-evil", false},
		{"/var/lib/gantry/plugins/../..", false},
		{"/var", false},
	}
	for _, tt := range tests {
		if got := pathAllowed(tt.path, prefixes); got != tt.want {
			t.Errorf("pathAllowed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestLoadCeilings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
filesystem:
  - /srv/plugins
network:
  - "*"
database: admin
tenants: all
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCeilings(path)
	if err != nil {
		t.Fatalf("LoadCeilings failed: %v", err)
	}
	if c.Database != "admin" || c.Tenants != "all" {
		t.Errorf("unexpected ceilings: %+v", c)
	}

	requested := FromManifest(manifest.Permissions{
		Network:  []string{"anything.example.com"},
		Database: "admin",
		Tenants:  "all",
	})
	if _, err := Intersect("p", requested, c); err != nil {
		t.Errorf("wide policy should admit request: %v", err)
	}
}
