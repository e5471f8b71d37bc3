package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/promptarena/arena/pkg/models"
)

func newDocsCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "docs",
		Short:             "Manage a run's attached documents",
		PersistentPreRunE: clientPreRun(opts),
	}
	cmd.AddCommand(
		newDocsListCommand(opts),
		newDocsAddCommand(opts),
		newDocsRemoveCommand(opts),
		newDocsStatusCommand(opts),
	)
	return cmd
}

func newDocsListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list <run-id>",
		Short: "List the run's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.Client().ListDocuments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == formatJSON {
				return renderJSON(out, resp)
			}
			rows := make([]table.Row, 0, len(resp.Documents))
			for _, d := range resp.Documents {
				rows = append(rows, table.Row{
					d.DocumentID,
					d.DisplayName,
					string(d.SourceKind),
					docSource(d),
					d.SizeBytes,
					statusCell(string(d.Status), opts.Format),
				})
			}
			return renderRows(out, opts.Format,
				table.Row{"DOCUMENT", "NAME", "SOURCE", "LOCATION", "BYTES", "STATUS"}, rows)
		},
	}
}

// docSource renders where a document's content came from.
func docSource(d *models.AttachedDocument) string {
	if d.SourceKind == models.SourceStored {
		return fmt.Sprintf("%s@%s:%s", d.Repo, d.Ref, d.Path)
	}
	return orDash(d.Filename)
}

type docsAddCommand struct {
	opts *Options

	files []string
	repo  string
	ref   string
	path  string
	name  string
}

func newDocsAddCommand(opts *Options) *cobra.Command {
	rc := &docsAddCommand{opts: opts}
	cmd := &cobra.Command{
		Use:   "add <run-id>",
		Short: "Attach documents to a pending run",
		Long: `Attach documents to a run that has not started yet. Local files are
uploaded inline (--file, repeatable); stored documents are referenced by
--repo/--ref/--path and fetched by the server from its storage backend.`,
		Args: cobra.ExactArgs(1),
		RunE: rc.run,
	}
	cmd.Flags().StringSliceVarP(&rc.files, "file", "f", nil, "local file to upload, repeatable")
	cmd.Flags().StringVar(&rc.repo, "repo", "", "stored document repository (owner/name)")
	cmd.Flags().StringVar(&rc.ref, "ref", "", "stored document ref (branch, tag, or commit)")
	cmd.Flags().StringVar(&rc.path, "path", "", "stored document path within the repository")
	cmd.Flags().StringVar(&rc.name, "name", "", "display name (single document only)")
	return cmd
}

func (rc *docsAddCommand) run(cmd *cobra.Command, args []string) error {
	runID := args[0]
	stored := rc.repo != "" || rc.ref != "" || rc.path != ""

	switch {
	case len(rc.files) == 0 && !stored:
		return usagef("either --file or --repo/--ref/--path is required")
	case len(rc.files) > 0 && stored:
		return usagef("--file cannot be combined with --repo/--ref/--path")
	case stored && (rc.repo == "" || rc.path == ""):
		return usagef("--repo and --path are both required for stored documents")
	case rc.name != "" && len(rc.files) > 1:
		return usagef("--name applies to a single document")
	}

	var specs []*models.DocumentSpec
	if stored {
		specs = append(specs, &models.DocumentSpec{
			Repo:        rc.repo,
			Ref:         rc.ref,
			Path:        rc.path,
			DisplayName: rc.name,
		})
	} else {
		for _, file := range rc.files {
			spec, err := inlineSpec(file)
			if err != nil {
				return err
			}
			specs = append(specs, spec)
		}
		if rc.name != "" {
			specs[0].DisplayName = rc.name
		}
	}

	c := rc.opts.Client()
	out := cmd.OutOrStdout()

	// The batch endpoint attaches all-or-nothing, so multiple files either
	// all land or the run is untouched.
	if len(specs) > 1 {
		resp, err := c.AttachDocuments(cmd.Context(), runID, specs)
		if err != nil {
			return err
		}
		if rc.opts.Format == formatJSON {
			return renderJSON(out, resp)
		}
		for _, d := range resp.Documents {
			fmt.Fprintf(out, "%s\t%s\n", d.DocumentID, d.DisplayName)
		}
		return nil
	}

	doc, err := c.AttachDocument(cmd.Context(), runID, specs[0])
	if err != nil {
		return err
	}
	if rc.opts.Format == formatJSON {
		return renderJSON(out, doc)
	}
	fmt.Fprintf(out, "%s\t%s\n", doc.DocumentID, doc.DisplayName)
	return nil
}

// inlineSpec builds an inline upload spec from a local file.
func inlineSpec(path string) (*models.DocumentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if len(data) > models.MaxInlineBytes {
		return nil, fmt.Errorf("document %s is %d bytes, inline limit is %d", path, len(data), models.MaxInlineBytes)
	}
	return &models.DocumentSpec{
		Content:  string(data),
		Filename: filepath.Base(path),
	}, nil
}

func newDocsRemoveCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <run-id> <document-id>",
		Short: "Detach a document from a pending run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Client().DetachDocument(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "document %s detached\n", args[1])
			return nil
		},
	}
}

func newDocsStatusCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show per-document processing state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.Client().ListDocuments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == formatJSON {
				return renderJSON(out, resp)
			}
			rows := make([]table.Row, 0, len(resp.Documents))
			for _, d := range resp.Documents {
				rows = append(rows, table.Row{
					d.DocumentID,
					d.DisplayName,
					statusCell(string(d.Status), opts.Format),
					fmtTimePtr(d.StartedAt),
					fmtTimePtr(d.CompletedAt),
					truncate(d.ErrorMessage, 60),
				})
			}
			return renderRows(out, opts.Format,
				table.Row{"DOCUMENT", "NAME", "STATUS", "STARTED", "COMPLETED", "ERROR"}, rows)
		},
	}
}
