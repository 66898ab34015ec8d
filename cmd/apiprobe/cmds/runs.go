package cmds

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/runstore"
)

func NewRunsCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "inspect persisted runs",
	}
	cmd.AddCommand(
		newRunsListCommand(settings),
		newRunsShowCommand(settings),
	)
	return cmd
}

func newRunsListCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			statusFlag, _ := cmd.Flags().GetString("status")
			return runRunsList(cmd, settings(), statusFlag)
		},
	}
	cmd.Flags().String("status", "", "only runs with this status (pending, running, completed, failed)")
	return cmd
}

func runRunsList(cmd *cobra.Command, s *config.Settings, statusFlag string) error {
	status := runstore.Status(statusFlag)
	if statusFlag != "" && !status.Valid() {
		return errors.Errorf("unknown status %q", statusFlag)
	}

	store, closeStore, err := openRunStore(s)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	states, err := store.List(cmd.Context(), status)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tAPI PATH\tSTEP\tUPDATED\tFAILURE")
	for _, state := range states {
		failure := ""
		if state.Failure != nil {
			failure = fmt.Sprintf("step %d %s", state.Failure.StepIndex, state.Failure.ErrorKind)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			state.RunID,
			state.Status,
			state.APIPath,
			state.CurrentStepIndex,
			state.UpdatedAt.Format("2006-01-02 15:04:05"),
			failure,
		)
	}
	return w.Flush()
}

func newRunsShowCommand(settings SettingsFn) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "print the full persisted state of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openRunStore(settings())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			state, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// truncate shortens s to at most max runes, marking the cut with an
// ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
