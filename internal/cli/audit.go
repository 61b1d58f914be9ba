package cli

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Fuabioo/expand-user/internal/audit"
	"github.com/Fuabioo/expand-user/internal/config"
	_ "modernc.org/sqlite"
)

// resolveDBPath returns the audit database path from the --db flag, the
// config file, or the default.
func resolveDBPath(cmd *cobra.Command) string {
	if dbPath, err := cmd.Flags().GetString("db"); err == nil && dbPath != "" {
		return dbPath
	}
	cfg, err := config.Load()
	if err != nil {
		return audit.DefaultDBPath()
	}
	return auditDBPath(cfg)
}

// openAuditDBReadOnly opens an existing audit DB for read-only queries.
// Returns a clear error if the DB doesn't exist.
func openAuditDBReadOnly(cmd *cobra.Command) (*sql.DB, error) {
	dbPath := resolveDBPath(cmd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("audit database not found at %s (is auditing enabled?)", dbPath)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db %q: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on audit db %q: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect audit db %q: %w", dbPath, err)
	}
	return db, nil
}

// openAuditDBWrite opens (or creates) the audit DB for write operations.
// It returns the underlying *sql.DB, a cleanup function, and any error.
func openAuditDBWrite(cmd *cobra.Command) (*sql.DB, func(), error) {
	dbPath := resolveDBPath(cmd)
	a, err := audit.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return a.DB(), func() { _ = a.Close() }, nil
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
	}
	cmd.PersistentFlags().String("db", "", "path to audit database (default: from config, else auto-detected)")
	cmd.AddCommand(
		newAuditListCmd(),
		newAuditShowCmd(),
		newAuditTailCmd(),
		newAuditPruneCmd(),
		newAuditStatsCmd(),
		newAuditDBPathCmd(),
		newAuditArchivesCmd(),
	)
	return cmd
}

func newAuditListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded invocations",
		Args:  cobra.NoArgs,
		RunE:  runAuditList,
	}
	cmd.Flags().Int("limit", 20, "maximum number of entries")
	cmd.Flags().Int("offset", 0, "skip N entries")
	cmd.Flags().String("command", "", "filter by command (expand, exec)")
	cmd.Flags().String("outcome", "", "filter by outcome (ok, partial, error)")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runAuditList(cmd *cobra.Command, _ []string) error {
	db, err := openAuditDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return fmt.Errorf("invalid --limit: %w", err)
	}
	offset, err := cmd.Flags().GetInt("offset")
	if err != nil {
		return fmt.Errorf("invalid --offset: %w", err)
	}
	command, err := cmd.Flags().GetString("command")
	if err != nil {
		return fmt.Errorf("invalid --command: %w", err)
	}
	outcome, err := cmd.Flags().GetString("outcome")
	if err != nil {
		return fmt.Errorf("invalid --outcome: %w", err)
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	invocations, err := audit.List(db, limit, offset, command, outcome)
	if err != nil {
		return fmt.Errorf("list invocations: %w", err)
	}

	if asJSON {
		return printJSON(cmd.OutOrStdout(), invocations)
	}
	printInvocationTable(cmd.OutOrStdout(), cmd.ErrOrStderr(), invocations, resolveDBPath(cmd))
	return nil
}

func newAuditShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one invocation and its path results",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuditShow,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	db, err := openAuditDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid invocation ID %q: %w", args[0], err)
	}

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	inv, err := audit.Get(db, id)
	if err != nil {
		return fmt.Errorf("get invocation %d: %w", id, err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, inv)
	}

	fmt.Fprintf(out, "Invocation #%d\n", inv.ID)
	fmt.Fprintf(out, "  Timestamp:  %s (%s)\n", inv.Timestamp.Format(time.RFC3339), humanize.Time(inv.Timestamp))
	fmt.Fprintf(out, "  Command:    %s\n", inv.Command)
	fmt.Fprintf(out, "  On error:   %s\n", inv.OnError)
	fmt.Fprintf(out, "  Inputs:     %d\n", inv.InputCount)
	fmt.Fprintf(out, "  Outcome:    %s\n", inv.Outcome)
	fmt.Fprintf(out, "  Reason:     %s\n", inv.Reason)
	fmt.Fprintf(out, "  Duration:   %dms\n", inv.DurationMs)
	fmt.Fprintf(out, "  Session:    %s\n", inv.SessionID)

	if len(inv.Paths) > 0 {
		fmt.Fprintf(out, "\n  Path Results:\n")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  IDX\tINPUT\tOUTPUT\tOUTCOME\tKIND")
		for _, p := range inv.Paths {
			_, _ = fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n",
				p.Index, clip(strconv.Quote(p.Input), 40), clip(p.Output, 40), p.Outcome, p.ErrorKind)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush tabwriter: %w", err)
		}
	}

	return nil
}

func newAuditTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the last N invocations",
		Args:  cobra.NoArgs,
		RunE:  runAuditTail,
	}
	cmd.Flags().Int("n", 10, "number of entries")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runAuditTail(cmd *cobra.Command, _ []string) error {
	db, err := openAuditDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	n, err := cmd.Flags().GetInt("n")
	if err != nil {
		return fmt.Errorf("invalid --n: %w", err)
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	invocations, err := audit.Tail(db, n)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}

	if asJSON {
		return printJSON(cmd.OutOrStdout(), invocations)
	}
	printInvocationTable(cmd.OutOrStdout(), cmd.ErrOrStderr(), invocations, resolveDBPath(cmd))
	return nil
}

func newAuditPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old audit entries",
		Args:  cobra.NoArgs,
		RunE:  runAuditPrune,
	}
	cmd.Flags().String("older-than", "", "delete entries older than duration (e.g., 7d, 24h, 30d)")
	if err := cmd.MarkFlagRequired("older-than"); err != nil {
		panic(fmt.Sprintf("mark --older-than required: %v", err))
	}
	return cmd
}

func runAuditPrune(cmd *cobra.Command, _ []string) error {
	db, cleanup, err := openAuditDBWrite(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	olderThanStr, err := cmd.Flags().GetString("older-than")
	if err != nil {
		return fmt.Errorf("invalid --older-than: %w", err)
	}

	dur, err := config.ParseDuration(olderThanStr)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", olderThanStr, err)
	}

	count, err := audit.Prune(db, dur)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s invocation(s).\n", humanize.Comma(count))
	return nil
}

func newAuditStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show audit statistics",
		Args:  cobra.NoArgs,
		RunE:  runAuditStats,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runAuditStats(cmd *cobra.Command, _ []string) error {
	db, err := openAuditDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	stats, err := audit.Stats(db)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, stats)
	}
	printStats(out, stats)
	return nil
}

// printStats writes the human-readable form of stats.
func printStats(out io.Writer, stats *audit.AuditStats) {
	fmt.Fprintf(out, "Total invocations: %s\n", humanize.Comma(stats.TotalInvocations))
	fmt.Fprintf(out, "Total paths:       %s\n", humanize.Comma(stats.TotalPaths))
	fmt.Fprintf(out, "Avg duration:      %.1fms\n", stats.AvgDurationMs)

	if stats.TotalInvocations > 0 {
		fmt.Fprintf(out, "Oldest entry:      %s (%s)\n", stats.OldestEntry.Format(time.RFC3339), humanize.Time(stats.OldestEntry))
		fmt.Fprintf(out, "Newest entry:      %s (%s)\n", stats.NewestEntry.Format(time.RFC3339), humanize.Time(stats.NewestEntry))
	}

	printCounts(out, "By outcome", stats.CountByOutcome)
	printCounts(out, "By error kind", stats.CountByErrorKind)
}

func printCounts(out io.Writer, title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%s:\n", title)
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(out, "  %-28s %s\n", k, humanize.Comma(counts[k]))
	}
}

func newAuditDBPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "db-path",
		Short: "Print the audit database path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveDBPath(cmd))
		},
	}
}

func newAuditArchivesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "List audit archive files",
		Args:  cobra.NoArgs,
		RunE:  runAuditArchives,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runAuditArchives(cmd *cobra.Command, _ []string) error {
	archiveDir := audit.ArchiveDir(resolveDBPath(cmd))

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	archives, err := audit.ListArchives(archiveDir)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(archives) == 0 {
		fmt.Fprintln(out, "No archives found.")
		return nil
	}

	if asJSON {
		return printJSON(out, archives)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE\tDATE")
	for _, a := range archives {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			a.Name,
			formatSize(a.Size),
			a.ModTime.Format(time.RFC3339),
		)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush tabwriter: %w", err)
	}
	return nil
}

// formatSize returns a human-readable file size such as "1.2kB".
func formatSize(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

// clip shortens s to max bytes, marking the cut with "...".
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// printInvocationTable outputs invocations in a tabwriter table.
// If any rows failed with a reason, a hint is printed to errOut showing
// how to query full untruncated reasons via sqlite3.
func printInvocationTable(out, errOut io.Writer, invocations []audit.Invocation, dbPath string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIMESTAMP\tAGE\tCOMMAND\tPATHS\tON_ERROR\tOUTCOME\tREASON\tDURATION")

	hasReasonedFailure := false
	for _, inv := range invocations {
		if inv.Outcome != audit.OutcomeOK && inv.Reason != "" {
			hasReasonedFailure = true
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%dms\n",
			inv.ID,
			inv.Timestamp.Format(time.RFC3339),
			humanize.Time(inv.Timestamp),
			inv.Command,
			inv.InputCount,
			inv.OnError,
			inv.Outcome,
			clip(inv.Reason, 40),
			inv.DurationMs,
		)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(errOut, "expand-user: flush table: %v\n", err)
	}

	if hasReasonedFailure {
		fmt.Fprintf(errOut,
			"\nTip: to see full failure reasons, run:\n  sqlite3 %s \"SELECT id, reason FROM invocations WHERE outcome != 'ok' ORDER BY id DESC LIMIT %d\"\n",
			dbPath, len(invocations),
		)
	}
}

// printJSON marshals v as indented JSON and writes it to out.
func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
