package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/craftscan/craftscan/pkg/config"
	"github.com/craftscan/craftscan/pkg/logging"
)

const cliExecutable = "craftscan"

// app carries the state shared by every subcommand: the config manager and
// where its file source points.
type app struct {
	manager    *config.Manager
	configFile string
	debug      bool
}

// sources returns the config sources for flags, in load order. The watcher
// reuses it on every reload so flag overrides survive file edits.
func (a *app) sources(flags *pflag.FlagSet) []config.ConfigSource {
	return config.DefaultSources(a.configFile, flags, a.debug)
}

// NewCommand constructs the top-level craftscan CLI command.
func NewCommand() *cobra.Command {
	a := &app{manager: config.NewManager()}

	cmd := &cobra.Command{
		Use:           cliExecutable,
		Short:         "Craftscan processes internet-wide scan results into a server database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.manager.Load(a.sources(cmd.Flags())...); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg := a.manager.Get()
			if err := logging.Configure(logging.Options{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				Dir:        cfg.Log.Dir,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			}); err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newRunCommand(a))
	cmd.AddCommand(newStatsCommand(a))
	cmd.AddCommand(newConfigCommand(a))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// Execute runs the CLI. Errors are printed once, here.
func Execute() error {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}
