package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Fuabioo/expand-user/internal/entry"
	"github.com/Fuabioo/expand-user/internal/pipeline"
)

// inputMode selects how paths are read from stdin and written to stdout.
type inputMode int

const (
	modeLines inputMode = iota
	modeNull
	modeJSON
)

func (m inputMode) delimiter() byte {
	if m == modeNull {
		return 0
	}
	return '\n'
}

// runExpand is the default command: expand paths from args or stdin.
func runExpand(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	nullSep, err := cmd.Flags().GetBool("null")
	if err != nil {
		return fmt.Errorf("invalid --null: %w", err)
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}
	if nullSep && asJSON {
		return fmt.Errorf("--null and --json are mutually exclusive")
	}
	mode := modeLines
	switch {
	case nullSep:
		mode = modeNull
	case asJSON:
		mode = modeJSON
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	exp, err := buildExpander(cmd, cfg)
	if err != nil {
		return err
	}

	var inputs []entry.Input
	if len(args) > 0 {
		for _, a := range args {
			inputs = append(inputs, entry.FromPath(a))
		}
	} else {
		in := cmd.InOrStdin()
		if isTerminal(in) {
			return fmt.Errorf("no paths given and stdin is a terminal (see --help)")
		}
		inputs, err = readInputs(in, mode)
		if err != nil {
			return err
		}
	}
	logger.Debug("read inputs", "count", len(inputs), "mode", mode)

	auditor, closeAudit := openAuditor(cfg, logger)
	defer closeAudit()

	result := pipeline.Run(cmd.Context(), inputs, exp, pipeline.Options{
		OnError:   cfg.EffectiveOnError(),
		Command:   "expand",
		SessionID: sessionID(),
	}, auditor, logger)

	if err := writeOutputs(cmd.OutOrStdout(), result.Outputs, mode); err != nil {
		logger.Error("failed to write output", "err", err)
		return &exitError{code: 1}
	}
	reportFailures(cmd.ErrOrStderr(), result)

	if result.ExitCode != 0 {
		return &exitError{code: result.ExitCode}
	}
	return nil
}

// isTerminal reports whether r is an interactive terminal.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// sessionID returns $EXPAND_USER_SESSION, or a fresh random ID.
func sessionID() string {
	if s := os.Getenv("EXPAND_USER_SESSION"); s != "" {
		return s
	}
	return uuid.New().String()
}

// readInputs splits r into inputs. In line and NUL modes each record is a
// path, byte for byte; a final empty record after a trailing delimiter is
// dropped. In JSON mode each non-blank line must be an object with a "path".
func readInputs(r io.Reader, mode inputMode) ([]entry.Input, error) {
	br := bufio.NewReader(r)
	delim := mode.delimiter()

	var inputs []entry.Input
	for n := 1; ; n++ {
		rec, err := br.ReadBytes(delim)
		if len(rec) > 0 && rec[len(rec)-1] == delim {
			rec = rec[:len(rec)-1]
		}
		atEOF := errors.Is(err, io.EOF)
		if err != nil && !atEOF {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		if atEOF && len(rec) == 0 {
			return inputs, nil
		}

		if mode == modeJSON {
			if len(bytes.TrimSpace(rec)) > 0 {
				var inp entry.Input
				if err := json.Unmarshal(rec, &inp); err != nil {
					return nil, fmt.Errorf("stdin line %d: %w", n, err)
				}
				inputs = append(inputs, inp)
			}
		} else {
			inputs = append(inputs, entry.FromPath(string(rec)))
		}

		if atEOF {
			return inputs, nil
		}
	}
}

// writeOutputs writes one record per output in the given mode.
func writeOutputs(w io.Writer, outputs []entry.Output, mode inputMode) error {
	bw := bufio.NewWriter(w)
	for _, o := range outputs {
		var line []byte
		if mode == modeJSON {
			line = o.Record
			if line == nil {
				b, err := json.Marshal(o.Result)
				if err != nil {
					return fmt.Errorf("marshal result: %w", err)
				}
				line = b
			}
		} else {
			line = []byte(o.Result.Path)
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte(mode.delimiter()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// reportFailures prints one line per failed path to w.
func reportFailures(w io.Writer, result pipeline.Result) {
	for _, f := range result.Failures {
		fmt.Fprintf(w, "expand-user: %v\n", f.Err)
	}
	if result.Err != nil && len(result.Failures) == 0 {
		fmt.Fprintf(w, "expand-user: %v\n", result.Err)
	}
}
