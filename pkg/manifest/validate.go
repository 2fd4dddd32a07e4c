package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/gantryio/gantry/pkg/errdefs"
)

var identifierRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var validDatabaseLevels = map[string]bool{
	"": true, "none": true, "read": true, "write": true, "admin": true,
}

var validTenantScopes = map[string]bool{
	"": true, "own": true, "all": true,
}

var validHTTPMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

// Validate performs schema validation on a manifest and returns every
// violation found. A manifest with any error-severity violation never
// reaches Installed state.
func Validate(m *Manifest) []errdefs.FieldError {
	var errs []errdefs.FieldError

	if m.Identifier == "" {
		errs = append(errs, errdefs.FieldError{
			Field:    "identifier",
			Message:  "identifier is required",
			Severity: "error",
		})
	} else if !identifierRegex.MatchString(m.Identifier) {
		errs = append(errs, errdefs.FieldError{
			Field:    "identifier",
			Message:  "identifier must be lowercase alphanumeric with hyphens (e.g. 'audit-log')",
			Severity: "error",
		})
	}

	if m.Version == "" {
		errs = append(errs, errdefs.FieldError{
			Field:    "version",
			Message:  "version is required",
			Severity: "error",
		})
	} else if _, err := semver.NewVersion(m.Version); err != nil {
		errs = append(errs, errdefs.FieldError{
			Field:    "version",
			Message:  fmt.Sprintf("version must be a valid semantic version: %v", err),
			Severity: "error",
		})
	}

	if m.Author == "" {
		errs = append(errs, errdefs.FieldError{
			Field:    "author",
			Message:  "author should be specified",
			Severity: "warning",
		})
	}

	for i, dep := range m.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		if dep.Identifier == "" {
			errs = append(errs, errdefs.FieldError{
				Field:    field,
				Message:  "dependency identifier is required",
				Severity: "error",
			})
		} else if dep.Identifier == m.Identifier {
			errs = append(errs, errdefs.FieldError{
				Field:    field,
				Message:  "plugin cannot depend on itself",
				Severity: "error",
			})
		}
		if dep.VersionRange == "" {
			errs = append(errs, errdefs.FieldError{
				Field:    field,
				Message:  "dependency version range is required",
				Severity: "error",
			})
		} else if _, err := semver.NewConstraint(dep.VersionRange); err != nil {
			errs = append(errs, errdefs.FieldError{
				Field:    field,
				Message:  fmt.Sprintf("invalid version range %q: %v", dep.VersionRange, err),
				Severity: "error",
			})
		}
	}

	if !validDatabaseLevels[m.Permissions.Database] {
		errs = append(errs, errdefs.FieldError{
			Field:    "permissions.database",
			Message:  fmt.Sprintf("invalid database access level %q (none, read, write, admin)", m.Permissions.Database),
			Severity: "error",
		})
	}

	if !validTenantScopes[m.Permissions.Tenants] {
		errs = append(errs, errdefs.FieldError{
			Field:    "permissions.tenants",
			Message:  fmt.Sprintf("invalid tenant scope %q (own, all)", m.Permissions.Tenants),
			Severity: "error",
		})
	}

	for i, p := range m.Permissions.Filesystem {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, errdefs.FieldError{
				Field:    fmt.Sprintf("permissions.filesystem[%d]", i),
				Message:  fmt.Sprintf("filesystem path %q must be absolute", p),
				Severity: "error",
			})
		}
	}

	for i, r := range m.Permissions.API {
		field := fmt.Sprintf("permissions.api[%d]", i)
		if !validHTTPMethods[strings.ToUpper(r.Method)] {
			errs = append(errs, errdefs.FieldError{
				Field:    field,
				Message:  fmt.Sprintf("invalid HTTP method %q", r.Method),
				Severity: "error",
			})
		}
		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, errdefs.FieldError{
				Field:    field,
				Message:  fmt.Sprintf("endpoint path %q must start with /", r.Path),
				Severity: "error",
			})
		}
	}

	for name, handler := range m.Hooks {
		if name == "" || handler == "" {
			errs = append(errs, errdefs.FieldError{
				Field:    "hooks",
				Message:  "hook bindings require both a hook name and a handler name",
				Severity: "error",
			})
		}
	}

	for key, f := range m.ConfigSchema {
		switch f.Type {
		case "string", "number", "bool":
		default:
			errs = append(errs, errdefs.FieldError{
				Field:    "config_schema." + key,
				Message:  fmt.Sprintf("unsupported config field type %q", f.Type),
				Severity: "error",
			})
		}
	}

	return errs
}

// ValidateConfig checks an activation-time config map against the
// manifest's config schema. Missing optional fields are filled from
// their defaults in the returned map; the input is not mutated.
func ValidateConfig(m *Manifest, config map[string]interface{}) (map[string]interface{}, []errdefs.FieldError) {
	var errs []errdefs.FieldError
	merged := make(map[string]interface{}, len(config))
	for k, v := range config {
		merged[k] = v
	}

	for key, f := range m.ConfigSchema {
		v, present := merged[key]
		if !present {
			if f.Required {
				errs = append(errs, errdefs.FieldError{
					Field:    "config." + key,
					Message:  "required config field is missing",
					Severity: "error",
				})
			} else if f.Default != nil {
				merged[key] = f.Default
			}
			continue
		}
		if !configTypeMatches(f.Type, v) {
			errs = append(errs, errdefs.FieldError{
				Field:    "config." + key,
				Message:  fmt.Sprintf("config field must be of type %s", f.Type),
				Severity: "error",
			})
		}
	}

	return merged, errs
}

func configTypeMatches(typ string, v interface{}) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	}
	return false
}

// HasBlockingErrors reports whether any violation is of error severity.
func HasBlockingErrors(errs []errdefs.FieldError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}
