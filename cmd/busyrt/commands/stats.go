package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/busyhq/busyrt/pkg/runtime"
	"github.com/busyhq/busyrt/pkg/stores"
)

type statsReport struct {
	Runtime runtime.RuntimeStats      `json:"runtime"`
	History []*stores.ExecutionSummary `json:"history,omitempty"`
}

func newStatsCommand() *cobra.Command {
	var (
		limit    int
		playbook string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show catalog, policy and execution history statistics",
		Long: `Show a runtime snapshot for the loaded config and bundles: resource
utilization, the capability marketplace, the active execution policy and,
when a store is configured, the most recent stored executions.`,
		Example: `  # Catalog statistics for a bundle directory
  busyrt stats -b ./bundles

  # Recent history of one playbook
  busyrt stats --store busyrt.db --playbook print-report --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), globalOptions())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			report := statsReport{Runtime: a.orch.GetRuntimeStats()}
			if a.store != nil {
				report.History, err = a.store.ListExecutionSummaries(cmd.Context(), stores.ExecutionFilter{
					PlaybookName: playbook,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printStats(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of stored executions to show")
	cmd.Flags().StringVar(&playbook, "playbook", "", "only show history for this playbook")

	return cmd
}

func printStats(w io.Writer, r statsReport) {
	s := r.Runtime
	fmt.Fprintf(w, "Resources:    %d total, %d allocated (%.0f%%)\n",
		s.Resources.TotalResources, s.Resources.AllocatedResources, s.Resources.UtilizationRate*100)
	fmt.Fprintf(w, "Reservations: %d\n", len(s.Reservations))
	fmt.Fprintf(w, "Executions:   %d active, %d completed, %d failed, %d human task(s) pending\n",
		s.ActiveExecutions, s.CompletedExecutions, s.FailedExecutions, s.PendingHumanTasks)
	fmt.Fprintf(w, "Capabilities: %d capabilities, %d responsibilities, %d providers\n",
		s.Marketplace.TotalCapabilities, s.Marketplace.TotalResponsibilities, s.Marketplace.TotalProviders)
	fmt.Fprintf(w, "Policy:       chain=%v retries=%d timeout=%s override=%t\n",
		s.Policy.DefaultChain, s.Policy.MaxRetries, s.Policy.ExecutionTimeout, s.Policy.AllowHumanOverride)
	fmt.Fprintf(w, "Strategies:   %v\n", s.Strategies)

	if len(r.History) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Playbook", "Status", "Started", "Error"})
	for _, h := range r.History {
		errMsg := ""
		if h.Error != nil {
			errMsg = *h.Error
		}
		tw.AppendRow(table.Row{h.ID, h.PlaybookName, h.Status, h.StartedAt.Format("2006-01-02 15:04:05"), errMsg})
	}
	tw.Render()
}
