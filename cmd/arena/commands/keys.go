package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newKeysCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "keys",
		Short:             "Manage the tenant's provider API keys",
		PersistentPreRunE: clientPreRun(opts),
	}
	cmd.AddCommand(
		newKeysSetCommand(opts),
		newKeysListCommand(opts),
		newKeysRemoveCommand(opts),
	)
	return cmd
}

type keysSetCommand struct {
	opts *Options
	key  string
}

func newKeysSetCommand(opts *Options) *cobra.Command {
	rc := &keysSetCommand{opts: opts}
	cmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store a provider API key",
		Long: `Store a provider API key for the tenant. The key is encrypted at rest
and versioned; setting a key again rotates it. Pipe the key on stdin to
keep it out of shell history:

  echo "$OPENAI_API_KEY" | arena keys set openai`,
		Args: cobra.ExactArgs(1),
		RunE: rc.run,
	}
	cmd.Flags().StringVar(&rc.key, "key", "", "key material (stdin is read when omitted)")
	return cmd
}

func (rc *keysSetCommand) run(cmd *cobra.Command, args []string) error {
	key := rc.key
	if key == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return usagef("no key supplied: pass --key or pipe it on stdin")
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return usagef("key must not be empty")
	}

	resp, err := rc.opts.Client().PutKey(cmd.Context(), args[0], key)
	if err != nil {
		return err
	}
	if rc.opts.Format == formatJSON {
		return renderJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}

func newKeysListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored providers (never the key material)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.Client().ListKeys(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == formatJSON {
				return renderJSON(out, resp)
			}
			rows := make([]table.Row, 0, len(resp.Keys))
			for _, k := range resp.Keys {
				rows = append(rows, table.Row{
					k.Provider, k.KeyVersion, fmtTime(k.CreatedAt), fmtTime(k.UpdatedAt),
				})
			}
			return renderRows(out, opts.Format,
				table.Row{"PROVIDER", "VERSION", "CREATED", "UPDATED"}, rows)
		},
	}
}

func newKeysRemoveCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <provider>",
		Short: "Delete a provider's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Client().DeleteKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s key removed\n", args[0])
			return nil
		},
	}
}
