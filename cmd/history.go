// File: cmd/history.go
package cmd

import (
	"bufio"
	"fmt"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Read or import persisted action history",
	}
	cmd.AddCommand(newHistoryShowCmd(), newHistoryImportCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the recorded entries of a run as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			st, cleanup, err := newStoreProvider().Create(ctx, cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := st.EntriesForRun(ctx, args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no history recorded for run %s", args[0])
			}
			enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// newHistoryImportCmd loads the JSON lines printed by `run` into the store,
// for runs made with the database disabled.
func newHistoryImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <run-id> <file>",
		Short: "Store the JSON-lines output of an offline run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			f, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[1], err)
			}
			defer f.Close()

			var entries []schemas.HistoryEntry
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), maxScriptLine)
			for line := 1; scanner.Scan(); line++ {
				if len(scanner.Bytes()) == 0 {
					continue
				}
				var e schemas.HistoryEntry
				if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				entries = append(entries, e)
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			st, cleanup, err := newStoreProvider().Create(ctx, cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := st.RecordEntries(ctx, args[0], entries); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries into run %s\n", len(entries), args[0])
			return nil
		},
	}
}
