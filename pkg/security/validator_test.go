package security

import (
	"testing"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
)

func cleanManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Identifier: "audit-log",
		Version:    "1.0.0",
		Author:     "ops@example.com",
	}
}

func TestScanSource(t *testing.T) {
	tests := []struct {
		name         string
		source       string
		wantSeverity string
		wantCategory string
	}{
		{
			name:         "os.execute",
			source:       `os.execute("rm -rf /")`,
			wantSeverity: "critical",
			wantCategory: "shell-execution",
		},
		{
			name:         "io.popen",
			source:       `local h = io.popen("ls")`,
			wantSeverity: "critical",
			wantCategory: "shell-execution",
		},
		{
			name:         "dofile",
			source:       `dofile("/tmp/extra.lua")`,
			wantSeverity: "critical",
			wantCategory: "dynamic-load",
		},
		{
			name:         "loadstring",
			source:       `local f = loadstring(payload)`,
			wantSeverity: "high",
			wantCategory: "dynamic-load",
		},
		{
			name:         "debug library",
			source:       `debug.sethook(fn)`,
			wantSeverity: "high",
			wantCategory: "introspection",
		},
		{
			name:         "busy loop",
			source:       `while true do end`,
			wantSeverity: "medium",
			wantCategory: "resource-abuse",
		},
		{
			name:         "hardcoded secret",
			source:       `api_key = "sk-aaaabbbbcccc"`,
			wantSeverity: "medium",
			wantCategory: "hardcoded-secrets",
		},
	}

	v := NewValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := v.ScanSource([]byte(tt.source))
			if len(issues) == 0 {
				t.Fatal("no issues found")
			}
			found := false
			for _, i := range issues {
				if i.Severity == tt.wantSeverity && i.Category == tt.wantCategory {
					found = true
					if i.Line != 1 {
						t.Errorf("line = %d, want 1", i.Line)
					}
				}
			}
			if !found {
				t.Errorf("no %s/%s issue in %+v", tt.wantSeverity, tt.wantCategory, issues)
			}
		})
	}
}

func TestScanSourceSkipsComments(t *testing.T) {
	v := NewValidator(nil)
	source := "-- os.execute(\"nope\")\nlocal x = 1\n"
	if issues := v.ScanSource([]byte(source)); len(issues) != 0 {
		t.Errorf("commented construct reported: %+v", issues)
	}
}

func TestScanSourceCleanPasses(t *testing.T) {
	v := NewValidator(nil)
	source := `
function handle(payload)
	gantry.log("info", "handled")
	return { ok = true }
end
`
	if issues := v.ScanSource([]byte(source)); len(issues) != 0 {
		t.Errorf("clean source reported issues: %+v", issues)
	}
}

func TestValidateBlocksCriticalIssues(t *testing.T) {
	v := NewValidator(nil)
	result := v.Validate(cleanManifest(), []byte(`os.execute("id")`))
	if result.Valid {
		t.Fatal("critical issue did not fail validation")
	}

	err := result.Err("audit-log")
	if err == nil {
		t.Fatal("Err returned nil for invalid result")
	}
	if !errdefs.IsValidation(err) {
		t.Errorf("Err did not produce a ValidationError: %v", err)
	}
}

func TestValidateMediumIssuesPass(t *testing.T) {
	v := NewValidator(nil)
	result := v.Validate(cleanManifest(), []byte(`while true do end`))
	if !result.Valid {
		t.Errorf("medium issue should not block: %+v", result.Issues)
	}
	if len(result.Issues) == 0 {
		t.Error("medium issue not reported")
	}
	if result.Err("audit-log") != nil {
		t.Error("Err should be nil for a valid result")
	}
}

func TestValidateBadManifest(t *testing.T) {
	v := NewValidator(nil)
	m := &manifest.Manifest{Identifier: "Bad_Name", Version: "1.0.0"}
	result := v.Validate(m, []byte(`return 1`))
	if result.Valid {
		t.Fatal("manifest error did not fail validation")
	}
	if len(result.ManifestErrors) == 0 {
		t.Error("manifest errors not reported")
	}
}

func TestValidateClean(t *testing.T) {
	v := NewValidator(nil)
	result := v.Validate(cleanManifest(), []byte(`function handle() return 1 end`))
	if !result.Valid {
		t.Errorf("clean artifact failed validation: %+v", result)
	}
}
