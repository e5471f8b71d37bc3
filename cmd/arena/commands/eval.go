package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/promptarena/arena/pkg/config"
)

func newEvalCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "eval",
		Short:             "Inspect and drive a run's evaluation",
		PersistentPreRunE: clientPreRun(opts),
	}
	cmd.AddCommand(
		newEvalStartCommand(opts),
		newEvalStatusCommand(opts),
		newEvalResultsCommand(opts),
		newEvalCancelCommand(opts),
	)
	return cmd
}

func newEvalStartCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "start <run-id>",
		Short: "Queue a run whose config schedules evaluation",
		Long: `Queue a pending run after checking that its frozen config actually
schedules evaluation phases. Evaluation runs inside the pipeline; a run
whose config has no eval block generates artifacts but never judges them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.Client()
			run, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cfg, err := config.ParseRunConfig(run.Config)
			if err != nil {
				return fmt.Errorf("run %s has an unreadable config: %w", args[0], err)
			}
			if !cfg.Eval.AutoRun {
				return fmt.Errorf("run %s does not schedule evaluation: configure eval.judges in the run config", args[0])
			}

			resp, err := c.StartRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.Format == formatJSON {
				return renderJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", resp.RunID, resp.Status)
			return nil
		},
	}
}

func newEvalStatusCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show per-phase evaluation progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.Client().EvalStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == formatJSON {
				return renderJSON(out, resp)
			}
			rows := make([]table.Row, 0, len(resp.Phases))
			for _, p := range resp.Phases {
				rows = append(rows, table.Row{
					string(p.Phase), p.Scheduled, p.Succeeded, p.Failed, p.Pending,
				})
			}
			if err := renderRows(out, opts.Format,
				table.Row{"PHASE", "SCHEDULED", "SUCCEEDED", "FAILED", "PENDING"}, rows); err != nil {
				return err
			}
			if opts.Format == formatTable {
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s is %s\n", resp.RunID, resp.RunStatus)
			}
			return nil
		},
	}
}

type evalResultsCommand struct {
	opts *Options

	limit  int
	sortBy string
}

func newEvalResultsCommand(opts *Options) *cobra.Command {
	rc := &evalResultsCommand{opts: opts}
	cmd := &cobra.Command{
		Use:   "results <run-id>",
		Short: "Show the run's artifact rankings",
		Args:  cobra.ExactArgs(1),
		RunE:  rc.run,
	}
	cmd.Flags().IntVar(&rc.limit, "limit", 0, "maximum rankings to return")
	cmd.Flags().StringVar(&rc.sortBy, "sort-by", "", "ranking order: rating (Elo, default) or score")
	return cmd
}

func (rc *evalResultsCommand) run(cmd *cobra.Command, args []string) error {
	resp, err := rc.opts.Client().EvalResults(cmd.Context(), args[0], rc.limit, rc.sortBy)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if rc.opts.Format == formatJSON {
		return renderJSON(out, resp)
	}
	rows := make([]table.Row, 0, len(resp.Rankings))
	for _, r := range resp.Rankings {
		rows = append(rows, table.Row{
			r.Rank,
			r.ArtifactID,
			r.Generator,
			r.ModelID,
			fmt.Sprintf("%.1f", r.Rating),
			r.GamesPlayed,
			fmt.Sprintf("%.2f", r.MeanScore),
			fmtCost(r.CostUSD),
		})
	}
	return renderRows(out, rc.opts.Format,
		table.Row{"RANK", "ARTIFACT", "GENERATOR", "MODEL", "RATING", "GAMES", "SCORE", "COST"}, rows)
}

func newEvalCancelCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel the run carrying the evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.Client().CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.Format == formatJSON {
				return renderJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", resp.RunID, resp.Status)
			return nil
		},
	}
}
