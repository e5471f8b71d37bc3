package commands

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "status",
		Short:             "Show server health",
		Args:              cobra.NoArgs,
		PersistentPreRunE: clientPreRun(opts),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.Client().Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == formatJSON {
				if err := renderJSON(out, resp); err != nil {
					return err
				}
			} else {
				pairs := [][2]string{
					{"Status", statusCell(resp.Status, opts.Format)},
					{"Version", resp.Version},
				}
				names := make([]string, 0, len(resp.Checks))
				for name := range resp.Checks {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					check := resp.Checks[name]
					cell := statusCell(check.Status, opts.Format)
					if check.Message != "" {
						cell += " (" + check.Message + ")"
					}
					pairs = append(pairs, [2]string{name, cell})
				}
				if wp := resp.WorkerPool; wp != nil {
					pairs = append(pairs, [2]string{
						"workers",
						fmt.Sprintf("%d/%d active, %d queued, %d running",
							wp.ActiveWorkers, wp.TotalWorkers, wp.QueueDepth, wp.RunningRuns),
					})
				}
				for _, w := range resp.Warnings {
					pairs = append(pairs, [2]string{
						"warning",
						fmt.Sprintf("%s/%s: %s", w.Category, w.Source, w.Message),
					})
				}
				if err := renderKV(out, opts.Format, pairs); err != nil {
					return err
				}
			}
			if resp.Status == "unhealthy" {
				return fmt.Errorf("server is unhealthy")
			}
			return nil
		},
	}
	cmd.AddCommand(newStatusLimitsCommand(opts))
	return cmd
}

func newStatusLimitsCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show live rate-limit buckets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.Client().RateLimitStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == formatJSON {
				return renderJSON(out, resp)
			}
			rows := make([]table.Row, 0, len(resp.Buckets))
			for _, b := range resp.Buckets {
				rows = append(rows, table.Row{
					b.Provider,
					b.Model,
					fmt.Sprintf("%d/%d", b.RPMRemaining, b.RPMLimit),
					fmt.Sprintf("%d/%d", b.TPMRemaining, b.TPMLimit),
					b.InFlight,
					b.Waiters,
				})
			}
			return renderRows(out, opts.Format,
				table.Row{"PROVIDER", "MODEL", "RPM", "TPM", "IN-FLIGHT", "WAITERS"}, rows)
		},
	}
}
