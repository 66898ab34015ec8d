// Package cmds holds the apiprobe command tree.
package cmds

import (
	"github.com/spf13/cobra"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/logging"
)

// SettingsFn hands a command the settings resolved by the root
// PersistentPreRunE. Commands call it inside RunE, never at build time.
type SettingsFn func() *config.Settings

func NewRootCommand() *cobra.Command {
	var settings *config.Settings

	cmd := &cobra.Command{
		Use:   "apiprobe",
		Short: "step-orchestrated API verification agents",
		Long: `apiprobe drives an LLM agent through YAML-defined verification steps
against a live API, accumulates what it learns in a shared knowledge
store, and persists every run so it can be resumed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			s, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if err := logging.Init(s.Logging); err != nil {
				return err
			}
			settings = s
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (default searches ./apiprobe.yaml, the user config dir, /etc/apiprobe)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "log format: console or json (default auto-detects)")
	pf.Bool("with-caller", false, "add caller file:line to log entries")
	pf.String("knowledge-db", "", "knowledge store sqlite file (\":memory:\" for in-memory)")
	pf.String("runs-db", "", "run state sqlite file (\":memory:\" for in-memory)")

	settingsFn := func() *config.Settings { return settings }

	cmd.AddCommand(
		NewRunCommand(settingsFn),
		NewResumeCommand(settingsFn),
		NewRunsCommand(settingsFn),
		NewKnowledgeCommand(settingsFn),
		NewStepsCommand(),
	)

	return cmd
}
