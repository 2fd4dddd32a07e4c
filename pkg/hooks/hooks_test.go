package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gantryio/gantry/pkg/sandbox"
)

// fakeRunner records handler invocations and returns scripted outcomes.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string // "pluginID.handler"

	outcomes map[string]*sandbox.Outcome
	errs     map[string]error
	panics   map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outcomes: make(map[string]*sandbox.Outcome),
		errs:     make(map[string]error),
		panics:   make(map[string]bool),
	}
}

func (f *fakeRunner) RunHandler(ctx context.Context, pluginID, handler string, payload map[string]interface{}) (*sandbox.Outcome, error) {
	key := pluginID + "." + handler
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	if f.panics[key] {
		panic("handler blew up")
	}
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if o := f.outcomes[key]; o != nil {
		return o, nil
	}
	return &sandbox.Outcome{}, nil
}

func (f *fakeRunner) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func TestIsGating(t *testing.T) {
	tests := []struct {
		hook string
		want bool
	}{
		{BeforeCreate, true},
		{AfterCreate, false},
		{BeforeRequest, true},
		{AppStart, false},
		{"custom.beforeExport", true},
		{"custom.afterExport", false},
		{"custom.onExport", false},
	}
	for _, tt := range tests {
		if got := IsGating(tt.hook); got != tt.want {
			t.Errorf("IsGating(%q) = %v, want %v", tt.hook, got, tt.want)
		}
	}
}

func TestRegisterPriorityOrder(t *testing.T) {
	runner := newFakeRunner()
	r := NewRegistry(runner, 1, nil)

	// Registered out of priority order on purpose.
	r.Register(BeforeCreate, "late", "h", 200)
	r.Register(BeforeCreate, "early", "h", 1)
	r.Register(BeforeCreate, "mid", "h", 100)

	r.Invoke(context.Background(), BeforeCreate, nil)

	want := []string{"early.h", "mid.h", "late.h"}
	got := runner.callOrder()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestRegisterTieBreaksByRegistrationOrder(t *testing.T) {
	runner := newFakeRunner()
	r := NewRegistry(runner, 1, nil)

	r.Register(BeforeCreate, "first", "h", 100)
	r.Register(BeforeCreate, "second", "h", 100)
	r.Register(BeforeCreate, "third", "h", 100)

	r.Invoke(context.Background(), BeforeCreate, nil)

	want := []string{"first.h", "second.h", "third.h"}
	got := runner.callOrder()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestUnregisterAll(t *testing.T) {
	r := NewRegistry(newFakeRunner(), 1, nil)
	r.Register(BeforeCreate, "p1", "a", 100)
	r.Register(AfterCreate, "p1", "b", 100)
	r.Register(AfterCreate, "p2", "c", 100)

	if removed := r.UnregisterAll("p1"); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if regs := r.Registrations(BeforeCreate); len(regs) != 0 {
		t.Errorf("beforeCreate still has %d registrations", len(regs))
	}
	regs := r.Registrations(AfterCreate)
	if len(regs) != 1 || regs[0].PluginID != "p2" {
		t.Errorf("afterCreate registrations = %+v", regs)
	}
	if removed := r.UnregisterAll("p1"); removed != 0 {
		t.Errorf("second unregister removed %d", removed)
	}
}

func TestGatingDeclineShortCircuits(t *testing.T) {
	runner := newFakeRunner()
	runner.outcomes["gate.h"] = &sandbox.Outcome{Declined: true, DeclineReason: "quota exceeded"}

	r := NewRegistry(runner, 1, nil)
	r.Register(BeforeDelete, "first", "h", 1)
	r.Register(BeforeDelete, "gate", "h", 2)
	r.Register(BeforeDelete, "never", "h", 3)

	report := r.Invoke(context.Background(), BeforeDelete, nil)

	if !report.Declined {
		t.Fatal("decline not surfaced")
	}
	if report.DeclinedBy != "gate" || report.DeclineReason != "quota exceeded" {
		t.Errorf("declined by %q (%q)", report.DeclinedBy, report.DeclineReason)
	}
	for _, call := range runner.callOrder() {
		if call == "never.h" {
			t.Error("handler after decline still ran")
		}
	}
	if len(report.Outcomes) != 2 {
		t.Errorf("outcomes = %d, want 2", len(report.Outcomes))
	}
}

func TestGatingErrorContinuesToLaterHandlers(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["bad.h"] = errors.New("handler exploded")

	r := NewRegistry(runner, 1, nil)
	r.Register(BeforeUpdate, "bad", "h", 1)
	r.Register(BeforeUpdate, "next", "h", 2)

	report := r.Invoke(context.Background(), BeforeUpdate, nil)

	// A failing handler cannot veto the operation; only a decline can.
	if report.Declined {
		t.Error("error is not a decline")
	}
	if len(report.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v, want both handlers", report.Outcomes)
	}
	if report.Outcomes[0].PluginID != "bad" || report.Outcomes[0].Err == nil {
		t.Errorf("failing outcome = %+v", report.Outcomes[0])
	}
	if report.Outcomes[1].PluginID != "next" || report.Outcomes[1].Err != nil {
		t.Errorf("later outcome = %+v", report.Outcomes[1])
	}
	got := runner.callOrder()
	if len(got) != 2 || got[1] != "next.h" {
		t.Errorf("calls = %v, want the later handler to run", got)
	}
}

func TestGatingErrorThenDeclineStillShortCircuits(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["bad.h"] = errors.New("handler exploded")
	runner.outcomes["gate.h"] = &sandbox.Outcome{Declined: true, DeclineReason: "locked"}

	r := NewRegistry(runner, 1, nil)
	r.Register(BeforeDelete, "bad", "h", 1)
	r.Register(BeforeDelete, "gate", "h", 2)
	r.Register(BeforeDelete, "never", "h", 3)

	report := r.Invoke(context.Background(), BeforeDelete, nil)

	if !report.Declined || report.DeclinedBy != "gate" {
		t.Errorf("report = %+v", report)
	}
	for _, call := range runner.callOrder() {
		if call == "never.h" {
			t.Error("handler after decline still ran")
		}
	}
}

func TestGatingPanicRecordedAsError(t *testing.T) {
	runner := newFakeRunner()
	runner.panics["boom.h"] = true

	r := NewRegistry(runner, 1, nil)
	r.Register(BeforeCreate, "boom", "h", 1)
	r.Register(BeforeCreate, "next", "h", 2)

	report := r.Invoke(context.Background(), BeforeCreate, nil)

	if len(report.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v, want both handlers", report.Outcomes)
	}
	if report.Outcomes[0].Err == nil {
		t.Error("panic not surfaced as a handler error")
	}
	if report.Outcomes[1].Err != nil {
		t.Errorf("later outcome = %+v", report.Outcomes[1])
	}
}

func TestNotificationContainsPanickingHandler(t *testing.T) {
	runner := newFakeRunner()
	runner.panics["boom.h"] = true

	r := NewRegistry(runner, 4, nil)
	r.Register(AfterUpdate, "good1", "h", 1)
	r.Register(AfterUpdate, "boom", "h", 2)
	r.Register(AfterUpdate, "good2", "h", 3)

	report := r.Invoke(context.Background(), AfterUpdate, nil)

	if len(report.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(report.Outcomes))
	}
	if report.Outcomes[1].PluginID != "boom" || report.Outcomes[1].Err == nil {
		t.Errorf("panicking outcome = %+v", report.Outcomes[1])
	}
	if report.Outcomes[0].Err != nil || report.Outcomes[2].Err != nil {
		t.Errorf("sibling handlers affected: %+v", report.Outcomes)
	}
}

func TestNotificationContinuesPastFailures(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["bad.h"] = errors.New("handler exploded")

	r := NewRegistry(runner, 4, nil)
	r.Register(AfterCreate, "bad", "h", 1)
	r.Register(AfterCreate, "good1", "h", 2)
	r.Register(AfterCreate, "good2", "h", 3)

	report := r.Invoke(context.Background(), AfterCreate, nil)

	if len(report.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(report.Outcomes))
	}
	if len(runner.callOrder()) != 3 {
		t.Errorf("calls = %v, want all three handlers", runner.callOrder())
	}
	failures := 0
	for _, o := range report.Outcomes {
		if o.Err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}
}

func TestNotificationOutcomeOrderMatchesRegistration(t *testing.T) {
	runner := newFakeRunner()
	r := NewRegistry(runner, 4, nil)
	r.Register(AfterDelete, "a", "h", 1)
	r.Register(AfterDelete, "b", "h", 2)

	report := r.Invoke(context.Background(), AfterDelete, nil)
	if report.Outcomes[0].PluginID != "a" || report.Outcomes[1].PluginID != "b" {
		t.Errorf("outcomes out of order: %+v", report.Outcomes)
	}
}

func TestInvokeNoRegistrations(t *testing.T) {
	r := NewRegistry(newFakeRunner(), 1, nil)
	report := r.Invoke(context.Background(), BeforeAuth, nil)
	if report.Declined || len(report.Outcomes) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestHooksListsRegisteredNames(t *testing.T) {
	r := NewRegistry(newFakeRunner(), 1, nil)
	r.Register(AfterAuth, "p", "h", 100)
	r.Register(BeforeAuth, "p", "h", 100)

	names := r.Hooks()
	if len(names) != 2 || names[0] != AfterAuth || names[1] != BeforeAuth {
		t.Errorf("names = %v", names)
	}
}
