package cmds

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/apiprobe/apiprobe/pkg/steps"
	"github.com/apiprobe/apiprobe/pkg/toolkit"
)

func NewStepsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "work with step files",
	}
	cmd.AddCommand(newStepsLintCommand())
	return cmd
}

func newStepsLintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <file>...",
		Short: "validate step files and their tool grammar",
		Long: `Lint loads each step file and checks that any built-in tool a template
mentions is also in that step's tool set, catching prompts that instruct
the model to call a tool the step never advertises.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			known := []string{
				toolkit.HTTPVerifyToolName,
				toolkit.StoreMemoryToolName,
				toolkit.SearchKnowledgeToolName,
				toolkit.CompleteStepToolName,
				toolkit.CurrentTimeToolName,
			}

			failed := 0
			for _, path := range args {
				plan, err := steps.LoadFile(path)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					failed++
					continue
				}
				if err := plan.CheckToolGrammar(known); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Printf("%s: ok (%d steps)\n", path, plan.Len())
			}

			if failed > 0 {
				return errors.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
}
