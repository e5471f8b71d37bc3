package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/promptarena/arena/pkg/models"
)

func newRunsCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "runs",
		Short:             "Manage pipeline runs",
		PersistentPreRunE: clientPreRun(opts),
	}
	cmd.AddCommand(
		newRunsListCommand(opts),
		newRunsCreateCommand(opts),
		newRunsGetCommand(opts),
		newRunsStartCommand(opts),
		newRunsCancelCommand(opts),
		newRunsDeleteCommand(opts),
		newRunsWatchCommand(opts),
		newRunsTasksCommand(opts),
		newRunsArtifactsCommand(opts),
		newRunsTimelineCommand(opts),
	)
	return cmd
}

type runsListCommand struct {
	opts *Options

	status    string
	projectID string
	tags      []string
	orderBy   string
	limit     int
	offset    int
}

func newRunsListCommand(opts *Options) *cobra.Command {
	rc := &runsListCommand{opts: opts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tenant's runs",
		Args:  cobra.NoArgs,
		RunE:  rc.run,
	}
	cmd.Flags().StringVar(&rc.status, "status", "", "filter by status (pending, queued, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&rc.projectID, "project", "", "filter by project ID")
	cmd.Flags().StringSliceVar(&rc.tags, "tag", nil, "filter by tag, repeatable; every tag must match")
	cmd.Flags().StringVar(&rc.orderBy, "order-by", "", "sort order: created_at or priority")
	cmd.Flags().IntVar(&rc.limit, "limit", 0, "page size (server default 50)")
	cmd.Flags().IntVar(&rc.offset, "offset", 0, "page offset")
	return cmd
}

func (rc *runsListCommand) run(cmd *cobra.Command, _ []string) error {
	resp, err := rc.opts.Client().ListRuns(cmd.Context(), models.RunFilters{
		Status:    rc.status,
		ProjectID: rc.projectID,
		Tags:      rc.tags,
		OrderBy:   rc.orderBy,
		Limit:     rc.limit,
		Offset:    rc.offset,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rc.opts.Format == formatJSON {
		return renderJSON(out, resp)
	}

	rows := make([]table.Row, 0, len(resp.Runs))
	for _, r := range resp.Runs {
		rows = append(rows, table.Row{
			r.RunID,
			r.ProjectID,
			statusCell(string(r.Status), rc.opts.Format),
			r.Priority,
			fmtTags(r.Tags),
			orDash(r.Title),
			fmtTime(r.CreatedAt),
		})
	}
	if err := renderRows(out, rc.opts.Format,
		table.Row{"RUN", "PROJECT", "STATUS", "PRIO", "TAGS", "TITLE", "CREATED"}, rows); err != nil {
		return err
	}
	if rc.opts.Format == formatTable {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d runs\n", len(resp.Runs), resp.TotalCount)
	}
	return nil
}

type runsCreateCommand struct {
	opts *Options

	projectID  string
	title      string
	configPath string
	tags       []string
	priority   int
	start      bool
}

func newRunsCreateCommand(opts *Options) *cobra.Command {
	rc := &runsCreateCommand{opts: opts}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run from a config file",
		Long: `Create a run in pending status. The config file holds the frozen run
configuration (generators, evaluation, combine) as YAML or JSON; it is
validated and normalized by the server. Use "-" to read it from stdin.`,
		Args: cobra.NoArgs,
		RunE: rc.run,
	}
	cmd.Flags().StringVar(&rc.projectID, "project", "", "project ID (required)")
	cmd.Flags().StringVar(&rc.title, "title", "", "human-readable title")
	cmd.Flags().StringVarP(&rc.configPath, "config", "c", "", "run config file, or - for stdin (required)")
	cmd.Flags().StringSliceVar(&rc.tags, "tag", nil, "tag, repeatable")
	cmd.Flags().IntVar(&rc.priority, "priority", 0, "dispatch priority 1-9, higher first (server default 5)")
	cmd.Flags().BoolVar(&rc.start, "start", false, "queue the run immediately after creating it")
	return cmd
}

func (rc *runsCreateCommand) run(cmd *cobra.Command, _ []string) error {
	if rc.projectID == "" {
		return usagef("--project is required")
	}
	if rc.configPath == "" {
		return usagef("--config is required")
	}

	cfg, err := readRunConfig(rc.configPath, cmd.InOrStdin())
	if err != nil {
		return err
	}

	req := &models.CreateRunRequest{
		ProjectID: rc.projectID,
		Title:     rc.title,
		Config:    cfg,
		Tags:      rc.tags,
	}
	if cmd.Flags().Changed("priority") {
		req.Priority = &rc.priority
	}

	c := rc.opts.Client()
	run, err := c.CreateRun(cmd.Context(), req)
	if err != nil {
		return err
	}

	if rc.start {
		resp, err := c.StartRun(cmd.Context(), run.RunID)
		if err != nil {
			return fmt.Errorf("run %s created but not started: %w", run.RunID, err)
		}
		run.Status = resp.Status
	}

	out := cmd.OutOrStdout()
	if rc.opts.Format == formatJSON {
		return renderJSON(out, run)
	}
	fmt.Fprintf(out, "%s\t%s\n", run.RunID, run.Status)
	return nil
}

// readRunConfig reads a YAML or JSON run config and normalizes it to the JSON
// blob the API expects. "-" reads stdin.
func readRunConfig(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse run config %s: %w", path, err)
	}
	if doc == nil {
		return json.RawMessage(`{}`), nil
	}
	blob, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode run config: %w", err)
	}
	return blob, nil
}

func newRunsGetCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run with its progress counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.Client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderRun(cmd.OutOrStdout(), opts.Format, run)
		},
	}
}

func renderRun(w io.Writer, format string, run *models.RunResponse) error {
	if format == formatJSON {
		return renderJSON(w, run)
	}

	pairs := [][2]string{
		{"Run", run.RunID},
		{"Project", run.ProjectID},
		{"Title", orDash(run.Title)},
		{"Status", statusCell(string(run.Status), format)},
		{"Priority", fmt.Sprint(run.Priority)},
		{"Tags", fmtTags(run.Tags)},
		{"Created", fmtTime(run.CreatedAt)},
		{"Started", fmtTimePtr(run.StartedAt)},
		{"Completed", fmtTimePtr(run.CompletedAt)},
	}
	if run.Summary != "" {
		pairs = append(pairs, [2]string{"Summary", run.Summary})
	}
	if run.CancelRequested && !run.Status.Terminal() {
		pairs = append(pairs, [2]string{"Cancel", "requested"})
	}
	if s := run.StatusSummary; s != nil {
		pairs = append(pairs,
			[2]string{"Documents", fmtStatusCounts(s.Documents)},
			[2]string{"Tasks", fmtTaskCounts(s.Tasks)},
			[2]string{"Artifacts", fmt.Sprint(s.Artifacts)},
		)
	}
	return renderKV(w, format, pairs)
}

// fmtStatusCounts renders document counts in lifecycle order, skipping zeros.
func fmtStatusCounts(counts map[models.RunDocumentStatus]int) string {
	order := []models.RunDocumentStatus{
		models.DocStatusPending, models.DocStatusProcessing,
		models.DocStatusCompleted, models.DocStatusSkipped, models.DocStatusFailed,
	}
	s := ""
	for _, st := range order {
		if n := counts[st]; n > 0 {
			if s != "" {
				s += " "
			}
			s += fmt.Sprintf("%s=%d", st, n)
		}
	}
	return orDash(s)
}

func fmtTaskCounts(counts map[models.TaskStatus]int) string {
	order := []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusRunning,
		models.TaskStatusSucceeded, models.TaskStatusFailed, models.TaskStatusCancelled,
	}
	s := ""
	for _, st := range order {
		if n := counts[st]; n > 0 {
			if s != "" {
				s += " "
			}
			s += fmt.Sprintf("%s=%d", st, n)
		}
	}
	return orDash(s)
}

func newRunsStartCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "start <run-id>",
		Short: "Queue a pending run for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.Client().StartRun(cmd.Context(), args[0])
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

func newRunsCancelCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
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

func newRunsDeleteCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run (cancelled and retained until the sweeper runs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Client().DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s deleted\n", args[0])
			return nil
		},
	}
}

type runsWatchCommand struct {
	opts *Options

	interval   time.Duration
	exitStatus bool
}

func newRunsWatchCommand(opts *Options) *cobra.Command {
	rc := &runsWatchCommand{opts: opts}
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Poll a run until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE:  rc.run,
	}
	cmd.Flags().DurationVar(&rc.interval, "interval", 2*time.Second, "poll interval")
	cmd.Flags().BoolVar(&rc.exitStatus, "exit-status", false, "exit non-zero unless the run completes")
	return cmd
}

func (rc *runsWatchCommand) run(cmd *cobra.Command, args []string) error {
	runID := args[0]
	progress := cmd.ErrOrStderr()

	var lastStatus models.RunStatus
	onUpdate := func(r *models.RunResponse) {
		if r.Status == lastStatus {
			return
		}
		lastStatus = r.Status
		fmt.Fprintf(progress, "%s  run %s  %s\n",
			time.Now().Local().Format(time.TimeOnly), runID, r.Status)
	}

	run, err := rc.opts.Client().WatchRun(cmd.Context(), runID, rc.interval, onUpdate)
	if err != nil {
		return err
	}

	if err := renderRun(cmd.OutOrStdout(), rc.opts.Format, run); err != nil {
		return err
	}
	if rc.exitStatus && run.Status != models.RunStatusCompleted {
		return fmt.Errorf("run %s finished %s", runID, run.Status)
	}
	return nil
}

func newRunsTasksCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <run-id>",
		Short: "List the run's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.Client().ListTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == formatJSON {
				return renderJSON(out, resp)
			}
			rows := make([]table.Row, 0, len(resp.Tasks))
			for _, t := range resp.Tasks {
				rows = append(rows, table.Row{
					t.TaskID,
					string(t.Kind),
					statusCell(string(t.Status), opts.Format),
					t.Attempts,
					fmtTimePtr(t.CompletedAt),
					truncate(t.LastError, 60),
				})
			}
			return renderRows(out, opts.Format,
				table.Row{"TASK", "KIND", "STATUS", "ATTEMPTS", "COMPLETED", "ERROR"}, rows)
		},
	}
}

func newRunsArtifactsCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <run-id>",
		Short: "List the run's artifacts with generation costs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.Client().ListArtifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == formatJSON {
				return renderJSON(out, resp)
			}
			rows := make([]table.Row, 0, len(resp.Artifacts))
			for _, a := range resp.Artifacts {
				rows = append(rows, table.Row{
					a.ArtifactID,
					a.Generator,
					a.ModelID,
					orDash(a.DocumentID),
					a.TokenCount,
					fmtCost(a.CostUSD),
				})
			}
			if err := renderRows(out, opts.Format,
				table.Row{"ARTIFACT", "GENERATOR", "MODEL", "DOCUMENT", "TOKENS", "COST"}, rows); err != nil {
				return err
			}
			if opts.Format == formatTable {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d artifacts, total %s\n",
					resp.TotalCount, fmtCost(resp.TotalCost))
			}
			return nil
		},
	}
}

type runsTimelineCommand struct {
	opts  *Options
	limit int
}

func newRunsTimelineCommand(opts *Options) *cobra.Command {
	rc := &runsTimelineCommand{opts: opts}
	cmd := &cobra.Command{
		Use:   "timeline <run-id>",
		Short: "Show the run's event timeline",
		Args:  cobra.ExactArgs(1),
		RunE:  rc.run,
	}
	cmd.Flags().IntVar(&rc.limit, "limit", 0, "maximum events (server default 200)")
	return cmd
}

func (rc *runsTimelineCommand) run(cmd *cobra.Command, args []string) error {
	resp, err := rc.opts.Client().Timeline(cmd.Context(), args[0], rc.limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if rc.opts.Format == formatJSON {
		return renderJSON(out, resp)
	}
	rows := make([]table.Row, 0, len(resp.Events))
	for _, e := range resp.Events {
		rows = append(rows, table.Row{
			fmtTime(e.CreatedAt),
			e.EventType,
			truncate(e.Message, 80),
		})
	}
	return renderRows(out, rc.opts.Format, table.Row{"TIME", "EVENT", "MESSAGE"}, rows)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
