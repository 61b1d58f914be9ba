package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/Fuabioo/expand-user/internal/audit"
	"github.com/Fuabioo/expand-user/internal/entry"
	"github.com/Fuabioo/expand-user/internal/userdb"
	"github.com/Fuabioo/expand-user/pathutil"
)

// mockExpander records calls and delegates to a real pathutil.Expander.
type mockExpander struct {
	inner pathutil.Expander
	calls []string
}

func (m *mockExpander) Expand(path string) (string, error) {
	m.calls = append(m.calls, path)
	return m.inner.Expand(path)
}

// mockAuditor implements audit.Auditor for testing.
type mockAuditor struct {
	entries []audit.Invocation
	err     error // if set, RecordInvocation returns this error
}

func (m *mockAuditor) RecordInvocation(inv audit.Invocation) error {
	m.entries = append(m.entries, inv)
	return m.err
}

func (m *mockAuditor) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newExpander() *mockExpander {
	return &mockExpander{inner: pathutil.Expander{
		Home: func() (string, bool) { return "/Users/kinbote", true },
		Directory: userdb.Static{
			"shade":  "/home/shade",
			"nohome": "",
		},
	}}
}

func plainInputs(paths ...string) []entry.Input {
	inputs := make([]entry.Input, len(paths))
	for i, p := range paths {
		inputs[i] = entry.FromPath(p)
	}
	return inputs
}

func outputPaths(outs []entry.Output) []string {
	paths := make([]string, len(outs))
	for i, o := range outs {
		paths[i] = o.Result.Path
	}
	return paths
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunEmpty(t *testing.T) {
	m := newExpander()
	a := &mockAuditor{}

	result := Run(context.Background(), nil, m, Options{}, a, testLogger())
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if len(result.Outputs) != 0 {
		t.Errorf("Outputs = %v, want none", result.Outputs)
	}
	if len(a.entries) != 1 || a.entries[0].Outcome != audit.OutcomeOK {
		t.Errorf("audit entries = %+v, want one ok entry", a.entries)
	}
}

func TestRunAllSucceed(t *testing.T) {
	m := newExpander()
	inputs := plainInputs("~/notes", "/etc/hosts", "~shade/src", "~root")

	result := Run(context.Background(), inputs, m, Options{}, nil, testLogger())
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}

	want := []string{"/Users/kinbote/notes", "/etc/hosts", "/home/shade/src", "/root"}
	if got := outputPaths(result.Outputs); !equalStrings(got, want) {
		t.Errorf("paths = %v, want %v", got, want)
	}

	wantOutcomes := []string{entry.OutcomeExpanded, entry.OutcomeUnchanged, entry.OutcomeExpanded, entry.OutcomeExpanded}
	for i, o := range result.Outputs {
		if o.Result.Outcome != wantOutcomes[i] {
			t.Errorf("Outputs[%d].Outcome = %q, want %q", i, o.Result.Outcome, wantOutcomes[i])
		}
		if o.Record != nil {
			t.Errorf("Outputs[%d].Record = %s, want nil for plain input", i, o.Record)
		}
		if o.Result.OriginalPath != inputs[i].Path {
			t.Errorf("Outputs[%d].OriginalPath = %q, want %q", i, o.Result.OriginalPath, inputs[i].Path)
		}
	}
}

func TestRunOnErrorFailStops(t *testing.T) {
	m := newExpander()
	a := &mockAuditor{}
	inputs := plainInputs("~/a", "~ghost/b", "~/c")

	result := Run(context.Background(), inputs, m, Options{OnError: "fail"}, a, testLogger())
	if result.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.ExitCode)
	}
	if !errors.Is(result.Err, pathutil.ErrUserNotFound) {
		t.Errorf("Err = %v, want user not found", result.Err)
	}
	if len(m.calls) != 2 {
		t.Errorf("expander called %d times, want 2 (stop at first error)", len(m.calls))
	}
	if got := outputPaths(result.Outputs); !equalStrings(got, []string{"/Users/kinbote/a"}) {
		t.Errorf("paths = %v", got)
	}
	if len(result.Failures) != 1 || result.Failures[0].Index != 1 || result.Failures[0].Path != "~ghost/b" {
		t.Errorf("Failures = %+v", result.Failures)
	}

	if len(a.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(a.entries))
	}
	inv := a.entries[0]
	if inv.Outcome != audit.OutcomeError || inv.OnError != "fail" || inv.InputCount != 3 {
		t.Errorf("invocation = %+v", inv)
	}
	if len(inv.Paths) != 2 || inv.Paths[1].ErrorKind != "user_not_found" || inv.Paths[1].Outcome != entry.OutcomeError {
		t.Errorf("path results = %+v", inv.Paths)
	}
}

func TestRunDefaultPolicyIsFail(t *testing.T) {
	m := newExpander()
	result := Run(context.Background(), plainInputs("~nohome", "~/x"), m, Options{}, nil, testLogger())
	if result.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.ExitCode)
	}
	if !errors.Is(result.Err, pathutil.ErrUserHomeNotFound) {
		t.Errorf("Err = %v, want user home not found", result.Err)
	}
	if len(m.calls) != 1 {
		t.Errorf("expander called %d times, want 1", len(m.calls))
	}
}

func TestRunOnErrorSkipContinues(t *testing.T) {
	m := newExpander()
	a := &mockAuditor{}
	inputs := plainInputs("~/a", "~ghost/b", "~nohome/c", "~/d")

	result := Run(context.Background(), inputs, m, Options{OnError: "skip"}, a, testLogger())
	if result.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.ExitCode)
	}
	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}
	if got := outputPaths(result.Outputs); !equalStrings(got, []string{"/Users/kinbote/a", "/Users/kinbote/d"}) {
		t.Errorf("paths = %v", got)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("Failures = %d, want 2", len(result.Failures))
	}

	inv := a.entries[0]
	if inv.Outcome != audit.OutcomePartial {
		t.Errorf("Outcome = %q, want partial", inv.Outcome)
	}
	if inv.Reason != `user "ghost" not found` {
		t.Errorf("Reason = %q", inv.Reason)
	}
	kinds := []string{inv.Paths[1].ErrorKind, inv.Paths[2].ErrorKind}
	if !equalStrings(kinds, []string{"user_not_found", "user_home_not_found"}) {
		t.Errorf("error kinds = %v", kinds)
	}
	if inv.Paths[1].Outcome != entry.OutcomeSkipped {
		t.Errorf("Paths[1].Outcome = %q, want skipped", inv.Paths[1].Outcome)
	}
}

func TestRunOnErrorKeepEmitsOriginal(t *testing.T) {
	m := newExpander()
	a := &mockAuditor{}
	inputs := plainInputs("~ghost/b", "~/d")

	result := Run(context.Background(), inputs, m, Options{OnError: "keep"}, a, testLogger())
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if got := outputPaths(result.Outputs); !equalStrings(got, []string{"~ghost/b", "/Users/kinbote/d"}) {
		t.Errorf("paths = %v", got)
	}
	kept := result.Outputs[0].Result
	if kept.Outcome != entry.OutcomeKept || kept.ErrorKind != "user_not_found" || kept.Error == "" {
		t.Errorf("kept result = %+v", kept)
	}
	if len(result.Failures) != 1 {
		t.Errorf("Failures = %d, want 1", len(result.Failures))
	}
	if a.entries[0].Outcome != audit.OutcomePartial {
		t.Errorf("audit outcome = %q, want partial", a.entries[0].Outcome)
	}
}

func TestRunCancelledContext(t *testing.T) {
	m := newExpander()
	a := &mockAuditor{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Run(ctx, plainInputs("~/a", "~/b"), m, Options{}, a, testLogger())
	if result.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.ExitCode)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
	if len(m.calls) != 0 {
		t.Errorf("expander called %d times, want 0", len(m.calls))
	}
	if a.entries[0].Outcome != audit.OutcomeError {
		t.Errorf("audit outcome = %q, want error", a.entries[0].Outcome)
	}
}

func TestRunJSONRecords(t *testing.T) {
	m := newExpander()

	var inp entry.Input
	if err := json.Unmarshal([]byte(`{"path":"~/notes","id":7,"meta":{"a":1}}`), &inp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	result := Run(context.Background(), []entry.Input{inp}, m, Options{}, nil, testLogger())
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}

	var rec map[string]any
	if err := json.Unmarshal(result.Outputs[0].Record, &rec); err != nil {
		t.Fatalf("Unmarshal record: %v", err)
	}
	if rec["path"] != "/Users/kinbote/notes" {
		t.Errorf("path = %v", rec["path"])
	}
	if rec["original_path"] != "~/notes" {
		t.Errorf("original_path = %v", rec["original_path"])
	}
	if rec["id"] != float64(7) {
		t.Errorf("id = %v, want 7", rec["id"])
	}
	if _, ok := rec["meta"].(map[string]any); !ok {
		t.Errorf("meta = %v, want object", rec["meta"])
	}
	if _, ok := rec["error"]; ok {
		t.Error("error key present on success")
	}
}

func TestRunJSONRecordKeptError(t *testing.T) {
	m := newExpander()

	var inp entry.Input
	if err := json.Unmarshal([]byte(`{"path":"~ghost","error":"stale"}`), &inp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	result := Run(context.Background(), []entry.Input{inp}, m, Options{OnError: "keep"}, nil, testLogger())

	var rec map[string]string
	if err := json.Unmarshal(result.Outputs[0].Record, &rec); err != nil {
		t.Fatalf("Unmarshal record: %v", err)
	}
	if rec["path"] != "~ghost" || rec["original_path"] != "~ghost" {
		t.Errorf("record paths = %v", rec)
	}
	if rec["error"] != `user "ghost" not found` {
		t.Errorf("error = %q, want the expansion error to override", rec["error"])
	}
	if rec["error_kind"] != "user_not_found" {
		t.Errorf("error_kind = %q", rec["error_kind"])
	}
}

func TestAuditErrorDoesNotBlockPipeline(t *testing.T) {
	m := newExpander()
	a := &mockAuditor{err: errors.New("disk full")}

	result := Run(context.Background(), plainInputs("~/x"), m, Options{Command: "exec", SessionID: "s-1"}, a, testLogger())
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if len(a.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(a.entries))
	}
	if a.entries[0].Command != "exec" || a.entries[0].SessionID != "s-1" {
		t.Errorf("invocation = %+v", a.entries[0])
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{pathutil.ErrCurrentUserHomeNotFound, "current_user_home_not_found"},
		{pathutil.UserNotFoundError("x"), "user_not_found"},
		{pathutil.Error{Kind: pathutil.InvalidTildeExpression, User: "a\x00b"}, "invalid_tilde_expression"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := errorKind(tt.err); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestShallowMerge(t *testing.T) {
	base := json.RawMessage(`{"path":"~","opts":{"a":1,"b":2},"keep":true}`)
	patch := json.RawMessage(`{"path":"/h","opts":{"c":3}}`)

	merged, err := shallowMergeJSON(base, patch)
	if err != nil {
		t.Fatalf("shallowMergeJSON: %v", err)
	}

	var got map[string]json.RawMessage
	if err := json.Unmarshal(merged, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(got["path"]) != `"/h"` {
		t.Errorf("path = %s", got["path"])
	}
	if string(got["opts"]) != `{"c":3}` {
		t.Errorf("opts = %s, want nested object replaced wholesale", got["opts"])
	}
	if string(got["keep"]) != "true" {
		t.Errorf("keep = %s", got["keep"])
	}
}

func TestShallowMergeEmpty(t *testing.T) {
	patch := json.RawMessage(`{"x":1}`)
	got, err := shallowMergeJSON(nil, patch)
	if err != nil || string(got) != `{"x":1}` {
		t.Errorf("shallowMergeJSON(nil, patch) = %s, %v", got, err)
	}
	if _, err := shallowMergeJSON(json.RawMessage(`[1]`), patch); err == nil {
		t.Error("expected error for non-object base")
	}
}
