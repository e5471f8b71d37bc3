// Package commands implements the arena CLI command tree.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/promptarena/arena/pkg/client"
	"github.com/promptarena/arena/pkg/version"
)

// Process exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitConnect     = 3
	exitInterrupted = 130
)

const defaultServer = "http://localhost:8080"

// cliConfigEnv overrides the client config file location, mainly for tests
// and CI. The server's own config file is separate (ARENA_CONFIG).
const cliConfigEnv = "ARENA_CLI_CONFIG"

// usageError marks flag, argument, and client-config problems so Execute maps
// them to exit code 2.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{fmt.Errorf(format, args...)}
}

// Options carries the resolved global settings shared by the client commands.
// Precedence: flag > ARENA_* environment > config file > default.
type Options struct {
	Server string
	APIKey string
	Format string

	// loaded flips once option resolution ran; errors surfaced before that
	// point are parse failures and map to exit code 2.
	loaded bool
}

// Client builds an API client from the resolved options.
func (o *Options) Client() *client.Client {
	return client.New(o.Server, o.APIKey)
}

// Load resolves the global options for a client command.
func (o *Options) Load(cmd *cobra.Command) error {
	v := viper.New()
	v.SetDefault("server", defaultServer)
	v.SetDefault("format", formatTable)

	path, err := configFilePath()
	if err != nil {
		return usagef("resolve config path: %v", err)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return usagef("read config %s: %v", path, err)
		}
	}

	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"server":  "server",
		"api_key": "api-key",
		"format":  "format",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}

	o.Server = v.GetString("server")
	o.APIKey = v.GetString("api_key")
	o.Format = v.GetString("format")
	o.loaded = true
	return nil
}

// configFilePath locates the client config file: $ARENA_CLI_CONFIG when set,
// otherwise ~/.arena/config.yaml.
func configFilePath() (string, error) {
	if p := os.Getenv(cliConfigEnv); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".arena", "config.yaml"), nil
}

// NewRootCommand builds the arena command tree.
func NewRootCommand() (*cobra.Command, *Options) {
	opts := &Options{}

	root := &cobra.Command{
		Use:           "arena",
		Short:         "Run multi-model document pipelines and rank the results",
		Long: `arena drives an LLM document pipeline: attach documents to a run,
fan out generation across providers, judge the artifacts, and rank them.

The client commands talk to an arena server; "arena serve" starts one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Marks a successful parse for exit-code classification. Client
		// command groups override this with full option loading.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			opts.loaded = true
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("server", "", "server base URL (default "+defaultServer+")")
	flags.String("api-key", "", "tenant API key (env ARENA_API_KEY)")
	flags.String("format", "", "output format: table, json, plain")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	root.AddCommand(
		newRunsCommand(opts),
		newDocsCommand(opts),
		newEvalCommand(opts),
		newKeysCommand(opts),
		newStatusCommand(opts),
		newConfigCommand(),
		newServeCommand(),
		newVersionCommand(),
	)

	return root, opts
}

// clientPreRun resolves the global options before any client command runs.
func clientPreRun(opts *Options) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return opts.Load(cmd)
	}
}

// Execute runs the CLI and maps the outcome to a process exit code.
func Execute() int {
	root, opts := NewRootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	code := exitCode(err, opts.loaded)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		if code == exitUsage {
			fmt.Fprintln(root.ErrOrStderr(), "Run 'arena --help' for usage.")
		}
	}
	return code
}

// exitCode classifies an execution error. Parse failures happen before option
// loading, so an error with loaded still false is a usage error even when
// cobra did not wrap it (unknown subcommands, bad argument counts).
func exitCode(err error, loaded bool) int {
	if err == nil {
		return exitOK
	}
	var usage *usageError
	var conn *client.ConnectError
	switch {
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.As(err, &usage):
		return exitUsage
	case !loaded:
		return exitUsage
	case errors.As(err, &conn):
		return exitConnect
	default:
		return exitError
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the arena version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
