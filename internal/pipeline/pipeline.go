package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Fuabioo/expand-user/internal/audit"
	"github.com/Fuabioo/expand-user/internal/config"
	"github.com/Fuabioo/expand-user/internal/entry"
	"github.com/Fuabioo/expand-user/pathutil"
)

// Expander expands one path expression. pathutil.Expander satisfies it.
type Expander interface {
	Expand(path string) (string, error)
}

// Options controls a batch run.
type Options struct {
	OnError   string // fail|skip|keep, default fail
	Command   string // recorded in the audit log, default "expand"
	SessionID string
}

// Failure is one input that could not be expanded.
type Failure struct {
	Index int
	Path  string
	Err   error
}

// Result holds the final outcome of a batch run.
type Result struct {
	ExitCode int
	Outputs  []entry.Output // in input order; only paths to be written
	Failures []Failure
	Err      error // set when the run stopped early
}

// Run expands inputs in order, applying the on_error policy to every path
// that fails. The invocation is recorded through auditor; audit errors are
// logged and never change the result.
func Run(ctx context.Context, inputs []entry.Input, exp Expander, opts Options, auditor audit.Auditor, logger *slog.Logger) Result {
	start := time.Now()
	policy := opts.OnError
	if policy == "" {
		policy = config.OnErrorFail
	}

	var res Result
	pathResults := make([]audit.PathResult, 0, len(inputs))

	for i, inp := range inputs {
		if err := ctx.Err(); err != nil {
			logger.Warn("batch cancelled", "index", i, "err", err)
			res.ExitCode = 1
			res.Err = fmt.Errorf("pipeline: cancelled before path %d: %w", i, err)
			recordAudit(auditor, opts, policy, len(inputs), audit.OutcomeError, res.Err.Error(), start, pathResults, logger)
			return res
		}

		expanded, err := exp.Expand(inp.Path)
		if err == nil {
			outcome := entry.OutcomeExpanded
			if expanded == inp.Path {
				outcome = entry.OutcomeUnchanged
			}
			logger.Debug("expanded path", "index", i, "outcome", outcome)

			out, mErr := buildOutput(inp, entry.Result{Path: expanded, OriginalPath: inp.Path, Outcome: outcome})
			if mErr != nil {
				// The record could not be rebuilt; treat it like an expansion failure.
				err = mErr
			} else {
				res.Outputs = append(res.Outputs, out)
				pathResults = append(pathResults, audit.PathResult{Index: i, Input: inp.Path, Output: expanded, Outcome: outcome})
				continue
			}
		}

		kind := errorKind(err)
		logger.Warn("path expansion failed", "index", i, "kind", kind, "err", err, "on_error", policy)
		res.Failures = append(res.Failures, Failure{Index: i, Path: inp.Path, Err: err})

		switch policy {
		case config.OnErrorKeep:
			out, mErr := buildOutput(inp, entry.Result{
				Path:         inp.Path,
				OriginalPath: inp.Path,
				Outcome:      entry.OutcomeKept,
				Error:        err.Error(),
				ErrorKind:    kind,
			})
			if mErr != nil {
				logger.Warn("kept record dropped", "index", i, "err", mErr)
			} else {
				res.Outputs = append(res.Outputs, out)
			}
			pathResults = append(pathResults, audit.PathResult{Index: i, Input: inp.Path, Output: inp.Path, Outcome: entry.OutcomeKept, ErrorKind: kind, Error: err.Error()})

		case config.OnErrorSkip:
			pathResults = append(pathResults, audit.PathResult{Index: i, Input: inp.Path, Outcome: entry.OutcomeSkipped, ErrorKind: kind, Error: err.Error()})

		default:
			pathResults = append(pathResults, audit.PathResult{Index: i, Input: inp.Path, Outcome: entry.OutcomeError, ErrorKind: kind, Error: err.Error()})
			res.ExitCode = 1
			res.Err = err
			recordAudit(auditor, opts, policy, len(inputs), audit.OutcomeError, err.Error(), start, pathResults, logger)
			return res
		}
	}

	outcome := audit.OutcomeOK
	reason := ""
	if len(res.Failures) > 0 {
		outcome = audit.OutcomePartial
		reason = res.Failures[0].Err.Error()
		if policy == config.OnErrorSkip {
			res.ExitCode = 1
		}
	}
	recordAudit(auditor, opts, policy, len(inputs), outcome, reason, start, pathResults, logger)
	return res
}

// errorKind returns the snake_case kind of a pathutil.Error, or "internal".
func errorKind(err error) string {
	var pe pathutil.Error
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	return "internal"
}

// buildOutput pairs r with the JSON record for inp. Plain-text inputs get no record.
func buildOutput(inp entry.Input, r entry.Result) (entry.Output, error) {
	if !inp.IsRecord() {
		return entry.Output{Result: r}, nil
	}

	base, err := json.Marshal(inp)
	if err != nil {
		return entry.Output{}, fmt.Errorf("pipeline: marshal record: %w", err)
	}
	patch, err := json.Marshal(recordPatch{
		Path:         r.Path,
		OriginalPath: r.OriginalPath,
		Error:        r.Error,
		ErrorKind:    r.ErrorKind,
	})
	if err != nil {
		return entry.Output{}, fmt.Errorf("pipeline: marshal record patch: %w", err)
	}
	merged, err := shallowMergeJSON(base, patch)
	if err != nil {
		return entry.Output{}, fmt.Errorf("pipeline: merge record: %w", err)
	}
	return entry.Output{Result: r, Record: merged}, nil
}

// recordPatch holds the keys written over each JSON input record.
type recordPatch struct {
	Path         string `json:"path"`
	OriginalPath string `json:"original_path"`
	Error        string `json:"error,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
}

// recordAudit sends an invocation record to the auditor. Errors are logged
// but never affect the pipeline return value.
func recordAudit(auditor audit.Auditor, opts Options, policy string, inputCount int, outcome, reason string, start time.Time, paths []audit.PathResult, logger *slog.Logger) {
	if auditor == nil {
		return
	}
	command := opts.Command
	if command == "" {
		command = "expand"
	}
	inv := audit.Invocation{
		Timestamp:  start.UTC(),
		Command:    command,
		OnError:    policy,
		InputCount: inputCount,
		Outcome:    outcome,
		Reason:     reason,
		DurationMs: time.Since(start).Milliseconds(),
		SessionID:  opts.SessionID,
		Paths:      paths,
	}
	if err := auditor.RecordInvocation(inv); err != nil {
		logger.Warn("audit record failed", "err", err)
	}
}
