// File: cmd/run.go
package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/engine"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

const maxScriptLine = 1 << 20

func newRunCmd() *cobra.Command {
	var (
		task     string
		script   string
		maxSteps int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a script of JSON action requests against the page",
		Long: `Reads one action request per line, e.g.

  {"action":"navigate","params":{"url":"https://example.com"}}
  {"action":"click","params":{"index":3}}
  {"action":"done","params":{"result":"ok"}}

and drives observe, execute for each. Blank lines and lines starting with '#'
are skipped. Every history entry is printed as a JSON line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if maxSteps > 0 {
				cfg.SetEngineMaxSteps(maxSteps)
			}
			logger := observability.GetLogger().Named("run")

			requests, err := readScript(cmd.InOrStdin(), script)
			if err != nil {
				return err
			}

			runID := uuid.New().String()
			logger = logger.With(zap.String("run_id", runID))

			var opts []engine.Option
			if cfg.Database().Enabled {
				st, cleanup, err := newStoreProvider().Create(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to open history store: %w", err)
				}
				defer cleanup()
				opts = append(opts, engine.WithSink(st.Sink(runID)))
			}

			eng, err := engine.Open(ctx, cfg, logger, opts...)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := eng.Close(); cerr != nil {
					logger.Warn("Failed to close engine cleanly.", zap.Error(cerr))
				}
			}()

			result, runErr := eng.Run(ctx, engine.NewScriptDecider(requests...), task)

			enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
			for _, entry := range eng.History().Summary(0) {
				if err := enc.Encode(entry); err != nil {
					return fmt.Errorf("failed to write history: %w", err)
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s: %s after %d steps\n", runID, result.Reason, result.Steps)
			return runErr
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "task description passed to the decider")
	cmd.Flags().StringVarP(&script, "script", "s", "-", "script file, or - for stdin")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "override engine.max_steps")
	return cmd
}

// readScript decodes one ActionRequest per line. Schema violations are kept so
// the executor records them as INVALID_PARAMETERS; lines that do not decode at
// all abort the command.
func readScript(stdin io.Reader, path string) ([]schemas.ActionRequest, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open script: %w", err)
		}
		defer f.Close()
		r = f
	}

	var requests []schemas.ActionRequest
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScriptLine)
	for line := 1; scanner.Scan(); line++ {
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		var req schemas.ActionRequest
		if err := req.UnmarshalJSON(text); err != nil {
			return nil, fmt.Errorf("script line %d: %w", line, err)
		}
		requests = append(requests, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("script contains no actions")
	}
	return requests, nil
}
