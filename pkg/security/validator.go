// Package security performs static validation of plugin artifacts before
// install: manifest schema conformance and a forbidden-construct scan of
// the plugin source. It never executes plugin code.
package security

import (
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
)

// Issue is a single security concern found during scanning.
type Issue struct {
	Severity       string `json:"severity"` // critical, high, medium, low
	Category       string `json:"category"`
	Description    string `json:"description"`
	Line           int    `json:"line,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Result is the complete validation outcome for one artifact.
type Result struct {
	Valid          bool                `json:"valid"`
	ManifestErrors []errdefs.FieldError `json:"manifest_errors,omitempty"`
	Issues         []Issue             `json:"issues,omitempty"`
	ScanDuration   time.Duration       `json:"scan_duration"`
}

// forbiddenConstruct pairs a source pattern with the issue it raises.
type forbiddenConstruct struct {
	pattern        *regexp.Regexp
	severity       string
	category       string
	description    string
	recommendation string
}

// Constructs that would let plugin code escape the sandbox or exhaust the
// host. The sandbox strips these at runtime as well; rejecting them at
// install keeps bad artifacts out of storage entirely.
var forbiddenConstructs = []forbiddenConstruct{
	{
		pattern:        regexp.MustCompile(`\bos\s*\.\s*execute\s*\(`),
		severity:       "critical",
		category:       "shell-execution",
		description:    "os.execute runs arbitrary shell commands",
		recommendation: "remove shell execution; plugins have no shell access",
	},
	{
		pattern:        regexp.MustCompile(`\bio\s*\.\s*popen\s*\(`),
		severity:       "critical",
		category:       "shell-execution",
		description:    "io.popen spawns a subprocess",
		recommendation: "remove subprocess usage",
	},
	{
		pattern:        regexp.MustCompile(`\b(dofile|loadfile)\s*\(`),
		severity:       "critical",
		category:       "dynamic-load",
		description:    "loading code from arbitrary files bypasses validation",
		recommendation: "bundle all code in the plugin artifact",
	},
	{
		pattern:        regexp.MustCompile(`\bload(string)?\s*\(`),
		severity:       "high",
		category:       "dynamic-load",
		description:    "evaluating strings as code bypasses static validation",
		recommendation: "avoid load/loadstring",
	},
	{
		pattern:        regexp.MustCompile(`\bdebug\s*\.\s*\w+`),
		severity:       "high",
		category:       "introspection",
		description:    "the debug library can break sandbox invariants",
		recommendation: "remove debug library usage",
	},
	{
		pattern:        regexp.MustCompile(`\bwhile\s+true\s+do\s*end`),
		severity:       "medium",
		category:       "resource-abuse",
		description:    "empty busy loop burns the execution budget",
		recommendation: "remove the busy loop",
	},
	{
		pattern:        regexp.MustCompile(`(?i)(password|secret|api_?key|token)\s*=\s*["'][^"']{8,}["']`),
		severity:       "medium",
		category:       "hardcoded-secrets",
		description:    "possible hardcoded credential",
		recommendation: "read credentials from plugin configuration instead",
	},
}

// Validator performs static checks on plugin artifacts.
type Validator struct {
	log *logrus.Logger
}

// NewValidator creates a validator. A nil logger gets a default.
func NewValidator(log *logrus.Logger) *Validator {
	if log == nil {
		log = logrus.New()
	}
	return &Validator{log: log}
}

// Validate runs manifest schema validation and the source scan. The
// artifact is the plugin's entry source. Warnings do not fail validation;
// error-severity manifest violations and critical/high issues do.
func (v *Validator) Validate(m *manifest.Manifest, source []byte) *Result {
	start := time.Now()

	result := &Result{
		ManifestErrors: manifest.Validate(m),
		Issues:         v.ScanSource(source),
	}
	result.ScanDuration = time.Since(start)
	result.Valid = !manifest.HasBlockingErrors(result.ManifestErrors) && !hasBlockingIssues(result.Issues)

	if !result.Valid {
		v.log.Warnf("Plugin %s failed validation: %d manifest errors, %d security issues",
			m.Identifier, len(result.ManifestErrors), len(result.Issues))
	}
	return result
}

// ScanSource scans Lua source line by line for forbidden constructs.
func (v *Validator) ScanSource(source []byte) []Issue {
	var issues []Issue
	lines := strings.Split(string(source), "\n")
	for lineNo, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue // comment
		}
		for _, fc := range forbiddenConstructs {
			if fc.pattern.MatchString(line) {
				issues = append(issues, Issue{
					Severity:       fc.severity,
					Category:       fc.category,
					Description:    fc.description,
					Line:           lineNo + 1,
					Recommendation: fc.recommendation,
				})
			}
		}
	}
	return issues
}

// Err converts a failed result into the install-time ValidationError. Nil
// for a valid result.
func (r *Result) Err(pluginID string) error {
	if r.Valid {
		return nil
	}
	fieldErrs := make([]errdefs.FieldError, 0, len(r.ManifestErrors)+len(r.Issues))
	fieldErrs = append(fieldErrs, r.ManifestErrors...)
	for _, issue := range r.Issues {
		if issue.Severity == "critical" || issue.Severity == "high" {
			fieldErrs = append(fieldErrs, errdefs.FieldError{
				Field:    "source",
				Message:  issue.Description,
				Severity: "error",
			})
		}
	}
	return &errdefs.ValidationError{PluginID: pluginID, Errors: fieldErrs}
}

func hasBlockingIssues(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == "critical" || i.Severity == "high" {
			return true
		}
	}
	return false
}
