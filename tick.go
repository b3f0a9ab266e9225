package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/webrequestd/webrequestd/internal/engine"
)

func newTickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling pass and exit",
		Long: `Run a single pass over the queue: load pending and retryable requests,
fetch what the per-domain policies allow, and record every outcome. Useful
for cron-style scheduling or for debugging without a resident daemon.`,
		Args: cobra.NoArgs,
		RunE: runTick,
	}

	cmd.Flags().Bool("backfill", false, "derive missing request statuses first")

	return cmd
}

// tickJSONOutput is the JSON output schema for the tick command.
type tickJSONOutput struct {
	Changed    bool `json:"changed"`
	Backfilled int  `json:"backfilled,omitempty"`
}

func runTick(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	st, err := openStore(logger)
	if err != nil {
		return err
	}
	defer st.Close()

	backfill, err := cmd.Flags().GetBool("backfill")
	if err != nil {
		return err
	}

	backfilled := 0

	if backfill {
		backfilled, err = st.FillMissingRequestStatuses(ctx)
		if err != nil {
			return fmt.Errorf("backfilling request statuses: %w", err)
		}
	}

	pool, _, err := buildProxyPool(logger)
	if err != nil {
		return err
	}

	orch := engine.NewOrchestrator(st, buildRequester(pool, logger), logger,
		engine.OrchestratorOptions{BPSWindow: resolvedCfg.Tick.BPSWindow})
	handler := engine.NewHandler(st, orch, logger,
		engine.HandlerOptions{PerDomainCap: resolvedCfg.Tick.PerDomainCap})

	changed, err := handler.ExecuteTick(ctx)
	if err != nil {
		return fmt.Errorf("executing tick: %w", err)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(tickJSONOutput{Changed: changed, Backfilled: backfilled})
	}

	if changed {
		statusf("Processed requests.\n")
	} else {
		statusf("Nothing to do.\n")
	}

	return nil
}
