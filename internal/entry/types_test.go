package entry

import (
	"encoding/json"
	"testing"
)

func TestInputRoundTrip(t *testing.T) {
	raw := `{
		"path": "~/notes.txt",
		"id": 7,
		"unknownField": "should survive",
		"nested": {"a": [1, 2]}
	}`

	var inp Input
	if err := json.Unmarshal([]byte(raw), &inp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if inp.Path != "~/notes.txt" {
		t.Errorf("Path = %q, want %q", inp.Path, "~/notes.txt")
	}
	if !inp.IsRecord() {
		t.Error("IsRecord() = false for JSON input")
	}

	// Re-marshal and verify unknown fields survive.
	out, err := json.Marshal(inp)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var roundTripped map[string]json.RawMessage
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("Unmarshal round-tripped: %v", err)
	}

	for _, key := range []string{"id", "unknownField", "nested", "path"} {
		if _, ok := roundTripped[key]; !ok {
			t.Errorf("%s lost during round-trip", key)
		}
	}

	var unknownVal string
	if err := json.Unmarshal(roundTripped["unknownField"], &unknownVal); err != nil {
		t.Fatalf("Unmarshal unknownField: %v", err)
	}
	if unknownVal != "should survive" {
		t.Errorf("unknownField = %q, want %q", unknownVal, "should survive")
	}
}

func TestInputPathChangeMarshals(t *testing.T) {
	var inp Input
	if err := json.Unmarshal([]byte(`{"path":"~","tag":"x"}`), &inp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	inp.Path = "/Users/kinbote"

	out, err := json.Marshal(inp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]string
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["path"] != "/Users/kinbote" || m["tag"] != "x" {
		t.Errorf("marshaled = %v", m)
	}
}

func TestInputUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not an object", `"~/x"`},
		{"null", `null`},
		{"missing path", `{"file":"~/x"}`},
		{"path not a string", `{"path":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inp Input
			if err := json.Unmarshal([]byte(tt.raw), &inp); err == nil {
				t.Errorf("Unmarshal(%s) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestFromPath(t *testing.T) {
	inp := FromPath("~/x")
	if inp.IsRecord() {
		t.Error("IsRecord() = true for plain-text input")
	}
	out, err := json.Marshal(inp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"path":"~/x"}` {
		t.Errorf("Marshal = %s", out)
	}
}
