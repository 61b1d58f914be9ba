package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Fuabioo/expand-user/pathutil"
)

func newLookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup [user]",
		Short: "Print a user's home directory (the current user's when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLookup,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	cmd.Flags().String("home", "", "home directory used for the current user")
	return cmd
}

// lookupResult is the JSON form of a lookup.
type lookupResult struct {
	User      string `json:"user"`
	Home      string `json:"home,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func runLookup(cmd *cobra.Command, args []string) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	name := ""
	if len(args) == 1 {
		name = args[0]
		if name == "" || strings.ContainsRune(name, '/') {
			return fmt.Errorf("invalid user name %q", name)
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

	home, expErr := exp.Expand("~" + name)

	if asJSON {
		res := lookupResult{User: name, Home: home}
		if expErr != nil {
			res.Home = ""
			res.Error = expErr.Error()
			var pe pathutil.Error
			if errors.As(expErr, &pe) {
				res.ErrorKind = pe.Kind.String()
			}
		}
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	}

	if expErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "expand-user: %v\n", expErr)
		return &exitError{code: 1}
	}
	if !asJSON {
		fmt.Fprintln(cmd.OutOrStdout(), home)
	}
	return nil
}
