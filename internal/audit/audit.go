package audit

import "time"

// Outcome constants for Invocation.
const (
	OutcomeOK      = "ok"
	OutcomePartial = "partial"
	OutcomeError   = "error"
)

// Auditor records invocation audit trails.
type Auditor interface {
	RecordInvocation(entry Invocation) error
	Close() error
}

// Invocation represents one expand-user run over a batch of paths.
type Invocation struct {
	ID         int64
	Timestamp  time.Time
	Command    string // expand|exec|lookup
	OnError    string // fail|skip|keep
	InputCount int
	Outcome    string // ok|partial|error
	Reason     string
	DurationMs int64
	SessionID  string
	Paths      []PathResult
}

// PathResult represents one path expansion within an invocation.
type PathResult struct {
	ID           int64
	InvocationID int64
	Index        int
	Input        string
	Output       string
	Outcome      string // expanded|unchanged|skipped|kept|error
	ErrorKind    string
	Error        string // truncated to maxErrorLen bytes
}

// AuditStats holds aggregate statistics from the audit database.
type AuditStats struct {
	TotalInvocations int64
	TotalPaths       int64
	CountByOutcome   map[string]int64
	CountByErrorKind map[string]int64
	AvgDurationMs    float64
	OldestEntry      time.Time
	NewestEntry      time.Time
}

// Truncate truncates s to max bytes, appending "..." if truncated.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
