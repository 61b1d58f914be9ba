package cli

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Fuabioo/expand-user/internal/config"
	"github.com/Fuabioo/expand-user/internal/entry"
	"github.com/Fuabioo/expand-user/internal/pipeline"
	"github.com/Fuabioo/expand-user/internal/runner"
)

// Exit codes for exec when the child could not run, following timeout(1).
const (
	exitTimedOut = 124
	exitNotFound = 127
)

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Expand ~ in a command and its arguments, then run it",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExec,
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().Duration("timeout", 0, "kill the command after this long (0 = no timeout)")
	cmd.Flags().StringArray("env", nil, "extra KEY=VALUE environment entry (repeatable)")
	cmd.Flags().String("home", "", "home directory used for a bare ~")
	return cmd
}

func runExec(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return fmt.Errorf("invalid --timeout: %w", err)
	}
	env, err := cmd.Flags().GetStringArray("env")
	if err != nil {
		return fmt.Errorf("invalid --env: %w", err)
	}
	for _, kv := range env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("invalid --env %q: want KEY=VALUE", kv)
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	exp, err := buildExpander(cmd, cfg)
	if err != nil {
		return err
	}

	// An argument that cannot be expanded is either passed through verbatim
	// (keep) or stops the command from running.
	policy := config.OnErrorFail
	if cfg.EffectiveOnError() == config.OnErrorKeep {
		policy = config.OnErrorKeep
	}

	inputs := make([]entry.Input, len(args))
	for i, a := range args {
		inputs[i] = entry.FromPath(a)
	}

	auditor, closeAudit := openAuditor(cfg, logger)
	defer closeAudit()

	result := pipeline.Run(cmd.Context(), inputs, exp, pipeline.Options{
		OnError:   policy,
		Command:   "exec",
		SessionID: sessionID(),
	}, auditor, logger)
	reportFailures(cmd.ErrOrStderr(), result)
	if result.ExitCode != 0 {
		return &exitError{code: result.ExitCode}
	}

	argv := make([]string, len(result.Outputs))
	for i, o := range result.Outputs {
		argv[i] = o.Result.Path
	}
	logger.Debug("exec", "command", argv[0], "args", len(argv)-1, "timeout", timeout)

	pr := runner.ProcessRunner{
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	}
	res, err := pr.Run(cmd.Context(), runner.Command{
		Name:    argv[0],
		Args:    argv[1:],
		Env:     env,
		Timeout: timeout,
	})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "expand-user: %v\n", err)
		switch {
		case errors.Is(err, runner.ErrTimeout):
			return &exitError{code: exitTimedOut}
		case errors.Is(err, exec.ErrNotFound):
			return &exitError{code: exitNotFound}
		default:
			return &exitError{code: 1}
		}
	}

	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}
