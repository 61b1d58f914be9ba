package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Fuabioo/expand-user/internal/audit"
	"github.com/Fuabioo/expand-user/internal/config"
	"github.com/Fuabioo/expand-user/internal/userdb"
	"github.com/Fuabioo/expand-user/pathutil"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("EXPAND_USER_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

const rootLong = `Expand a leading ~ or ~user in each path argument, or in each line of
stdin when no paths are given. Use -- before paths that collide with a
subcommand name.`

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "expand-user [paths...]",
		Short:         "Expand a leading ~ or ~user in paths",
		Long:          rootLong,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE:          runExpand,
	}
	root.Flags().BoolP("null", "0", false, "read and write NUL-separated paths")
	root.Flags().Bool("json", false, "read and write JSON-lines records with a \"path\" key")
	root.Flags().String("on-error", "", "policy for paths that fail: fail, skip or keep (default from config, else fail)")
	root.Flags().String("home", "", "home directory used for a bare ~ (default from config, else $HOME)")

	root.AddCommand(newLookupCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newAuditCmd())

	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "expand-user: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig loads and validates the config, applying flag overrides.
// Any failure is a configuration error (exit 2).
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "expand-user: config error: %v\n", err)
		return config.Config{}, &exitError{code: 2}
	}

	if f := cmd.Flags().Lookup("home"); f != nil && f.Changed {
		cfg.Home = f.Value.String()
	}
	if f := cmd.Flags().Lookup("on-error"); f != nil && f.Changed {
		cfg.OnError = f.Value.String()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "expand-user: config error: %v\n", err)
		return config.Config{}, &exitError{code: 2}
	}
	return cfg, nil
}

// buildExpander wires the configured home override and user directory
// into a pathutil.Expander.
func buildExpander(cmd *cobra.Command, cfg config.Config) (pathutil.Expander, error) {
	home, err := cfg.HomeFunc()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "expand-user: config error: %v\n", err)
		return pathutil.Expander{}, &exitError{code: 2}
	}
	dir, err := userdb.FromConfig(cfg.Directory)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "expand-user: config error: %v\n", err)
		return pathutil.Expander{}, &exitError{code: 2}
	}
	return pathutil.Expander{Home: home, Directory: dir}, nil
}

// auditDBPath returns the configured audit database path, or the default.
func auditDBPath(cfg config.Config) string {
	if cfg.Audit != nil && cfg.Audit.DBPath != "" {
		if p, err := pathutil.ExpandUser(cfg.Audit.DBPath); err == nil {
			return p
		}
		return cfg.Audit.DBPath
	}
	return audit.DefaultDBPath()
}

// openAuditor opens the audit database when auditing is enabled. It is
// fail-open: errors are logged and a nil auditor is returned. The returned
// cleanup runs rotation (when a retention is configured) and closes the DB.
func openAuditor(cfg config.Config, logger *slog.Logger) (audit.Auditor, func()) {
	enabled := os.Getenv("EXPAND_USER_AUDIT") == "1" || (cfg.Audit != nil && cfg.Audit.Enabled)
	if !enabled {
		return nil, func() {}
	}

	dbPath := auditDBPath(cfg)
	a, err := audit.Open(dbPath)
	if err != nil {
		logger.Warn("failed to open audit db, continuing without audit", "err", err)
		return nil, func() {}
	}

	return a, func() {
		if cfg.Audit != nil && cfg.Audit.Retention != "" {
			if retention, err := config.ParseDuration(cfg.Audit.Retention); err == nil {
				audit.MaybeRotate(a.DB(), audit.DefaultRotation(dbPath, retention), logger)
			}
		}
		if err := a.Close(); err != nil {
			logger.Warn("close audit db", "err", err)
		}
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "expand-user %s (%s)\n", Version, Commit)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config and check configured users",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "expand-user: config error: %v\n", err)
		return &exitError{code: 1}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "expand-user: %v\n", err)
		return &exitError{code: 1}
	}

	hasIssues := false

	home, err := cfg.HomeFunc()
	if err != nil {
		fmt.Fprintf(out, "Home: %v [INVALID]\n", err)
		hasIssues = true
	} else if h, ok := home(); ok {
		status := dirStatus(h)
		if status != "OK" {
			hasIssues = true
		}
		fmt.Fprintf(out, "Home: %s [%s]\n", h, status)
	} else {
		fmt.Fprintln(out, "Home: (unknown) [NOT FOUND]")
		hasIssues = true
	}

	fmt.Fprintf(out, "On error: %s\n", cfg.EffectiveOnError())
	fmt.Fprintf(out, "Sources: %v\n", cfg.Directory.EffectiveSources())

	for _, src := range cfg.Directory.EffectiveSources() {
		if src != config.SourcePasswd {
			continue
		}
		path, err := cfg.Directory.EffectivePasswdFile()
		if err != nil {
			fmt.Fprintf(out, "  passwd: %v [INVALID]\n", err)
			hasIssues = true
			continue
		}
		p, err := userdb.LoadPasswd(path)
		if err != nil {
			fmt.Fprintf(out, "  passwd: %s [UNREADABLE]\n", path)
			hasIssues = true
			continue
		}
		fmt.Fprintf(out, "  passwd: %s (%d users) [OK]\n", path, p.Len())
	}

	for _, name := range slices.Sorted(maps.Keys(cfg.Directory.Users)) {
		h := cfg.Directory.Users[name]
		status := "NO HOME"
		if h != "" {
			status = dirStatus(h)
			if status != "OK" {
				hasIssues = true
			}
		}
		fmt.Fprintf(out, "  user %s: home=%q [%s]\n", name, h, status)
	}

	if cfg.Audit != nil && cfg.Audit.Enabled {
		retention := cfg.Audit.Retention
		if retention == "" {
			retention = "(none)"
		}
		fmt.Fprintf(out, "Audit: db=%s retention=%s\n", auditDBPath(cfg), retention)
	}

	if hasIssues {
		return &exitError{code: 1}
	}
	return nil
}

// dirStatus reports whether path is an existing directory.
func dirStatus(path string) string {
	if !filepath.IsAbs(path) {
		return "NOT ABSOLUTE"
	}
	info, err := os.Stat(path)
	if err != nil {
		return "MISSING"
	}
	if !info.IsDir() {
		return "NOT A DIRECTORY"
	}
	return "OK"
}
