package entry

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Outcome values for Result.Outcome.
const (
	OutcomeExpanded  = "expanded"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeKept      = "kept"
	OutcomeError     = "error"
)

// Input is one path to expand. In JSON-lines mode it is an object with a
// "path" key; every other key is preserved in rawFields so that it
// survives the round-trip to the output record.
type Input struct {
	Path string `json:"path"`

	// rawFields is nil for plain-text input.
	rawFields map[string]json.RawMessage
}

// FromPath returns a plain-text Input.
func FromPath(path string) Input {
	return Input{Path: path}
}

// IsRecord reports whether the input was decoded from a JSON object.
func (inp Input) IsRecord() bool {
	return inp.rawFields != nil
}

// UnmarshalJSON implements custom unmarshaling that preserves unknown fields.
func (inp *Input) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("entry.Input unmarshal: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("entry.Input unmarshal: null record")
	}

	v, ok := raw["path"]
	if !ok {
		return fmt.Errorf("entry.Input unmarshal: missing path")
	}
	if err := json.Unmarshal(v, &inp.Path); err != nil {
		return fmt.Errorf("entry.Input unmarshal path: %w", err)
	}

	inp.rawFields = raw
	return nil
}

// MarshalJSON implements custom marshaling that includes unknown fields.
func (inp Input) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(inp.rawFields)+1)

	// Copy all raw fields first (preserves unknowns).
	maps.Copy(out, inp.rawFields)

	b, err := json.Marshal(inp.Path)
	if err != nil {
		return nil, fmt.Errorf("entry.Input marshal path: %w", err)
	}
	out["path"] = b

	return json.Marshal(out)
}

// Result describes what happened to one Input.
type Result struct {
	Path         string `json:"path"`
	OriginalPath string `json:"original_path"`
	Outcome      string `json:"outcome"`
	Error        string `json:"error,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
}

// Output pairs a Result with the record written in JSON-lines mode.
// Record is nil for plain-text input.
type Output struct {
	Result Result
	Record json.RawMessage
}
