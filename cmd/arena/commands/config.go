package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// cliConfig is the client config file (~/.arena/config.yaml). Flags and
// ARENA_* environment variables override it.
type cliConfig struct {
	Server string `yaml:"server,omitempty" json:"server,omitempty"`
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

const configTemplate = `# arena client configuration
server: %s
# api_key: ak-...
format: %s
`

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the client config file",
	}
	cmd.AddCommand(
		newConfigShowCommand(),
		newConfigGetCommand(),
		newConfigSetCommand(),
		newConfigInitCommand(),
		newConfigPathCommand(),
	)
	return cmd
}

func loadCLIConfig(path string) (*cliConfig, error) {
	cfg := &cliConfig{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s (try 'arena config init --force'): %w", path, err)
	}
	return cfg, nil
}

func saveCLIConfig(path string, cfg *cliConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	// 0600: the file may hold the tenant API key.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// normalizeConfigKey maps flag-style names onto file keys.
func normalizeConfigKey(key string) (string, error) {
	switch key {
	case "server", "format":
		return key, nil
	case "api_key", "api-key":
		return "api_key", nil
	}
	return "", usagef("unknown config key %q: must be server, api_key, or format", key)
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the config file with the API key masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configFilePath()
			if err != nil {
				return err
			}
			cfg, err := loadCLIConfig(path)
			if err != nil {
				return err
			}

			masked := *cfg
			if masked.APIKey != "" {
				masked.APIKey = "********"
			}

			// config commands skip option loading; honour --format directly.
			format, _ := cmd.Root().PersistentFlags().GetString("format")
			if format == "" {
				format = formatTable
			}

			out := cmd.OutOrStdout()
			if format == formatJSON {
				return renderJSON(out, &masked)
			}
			return renderKV(out, format, [][2]string{
				{"server", orDash(masked.Server)},
				{"api_key", orDash(masked.APIKey)},
				{"format", orDash(masked.Format)},
			})
		},
	}
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one config value",
		Long: `Print one raw config value. Unlike "config show" the API key is not
masked, so scripts can do ARENA_API_KEY=$(arena config get api_key).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := normalizeConfigKey(args[0])
			if err != nil {
				return err
			}
			path, err := configFilePath()
			if err != nil {
				return err
			}
			cfg, err := loadCLIConfig(path)
			if err != nil {
				return err
			}
			switch key {
			case "server":
				fmt.Fprintln(cmd.OutOrStdout(), cfg.Server)
			case "api_key":
				fmt.Fprintln(cmd.OutOrStdout(), cfg.APIKey)
			case "format":
				fmt.Fprintln(cmd.OutOrStdout(), cfg.Format)
			}
			return nil
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := normalizeConfigKey(args[0])
			if err != nil {
				return err
			}
			value := args[1]
			if key == "format" && value != formatTable && value != formatJSON && value != formatPlain {
				return usagef("format must be table, json, or plain, got %q", value)
			}

			path, err := configFilePath()
			if err != nil {
				return err
			}
			cfg, err := loadCLIConfig(path)
			if err != nil {
				return err
			}
			switch key {
			case "server":
				cfg.Server = value
			case "api_key":
				cfg.APIKey = value
			case "format":
				cfg.Format = value
			}
			if err := saveCLIConfig(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated in %s\n", key, path)
			return nil
		},
	}
}

type configInitCommand struct {
	force bool
}

func newConfigInitCommand() *cobra.Command {
	rc := &configInitCommand{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Args:  cobra.NoArgs,
		RunE:  rc.run,
	}
	cmd.Flags().BoolVar(&rc.force, "force", false, "overwrite an existing file")
	return cmd
}

func (rc *configInitCommand) run(cmd *cobra.Command, _ []string) error {
	path, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !rc.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	content := fmt.Sprintf(configTemplate, defaultServer, formatTable)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configFilePath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
