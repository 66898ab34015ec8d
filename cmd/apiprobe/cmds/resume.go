package cmds

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/events"
	"github.com/apiprobe/apiprobe/pkg/steps"
)

func NewResumeCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume --steps <file> <run-id>",
		Short: "resume an interrupted or failed run",
		Long: `Resume picks a persisted run back up at its current step. A completed
run is returned as-is; a failed run retries the step it failed on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, settings(), args[0])
		},
	}

	flags := cmd.Flags()
	flags.String("steps", "", "step file driving the run")
	flags.Bool("events", false, "print the raw run event stream")
	_ = cmd.MarkFlagRequired("steps")

	return cmd
}

func runResume(cmd *cobra.Command, s *config.Settings, runID string) error {
	flags := cmd.Flags()
	stepsFile, _ := flags.GetString("steps")
	printEvents, _ := flags.GetBool("events")

	plan, err := steps.LoadFile(stepsFile)
	if err != nil {
		return err
	}
	if err := requireProviderKey(s); err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	knowledgeStore, closeKnowledge, err := openKnowledgeStore(s)
	if err != nil {
		return err
	}
	defer func() { _ = closeKnowledge() }()
	runStore, closeRuns, err := openRunStore(s)
	if err != nil {
		return err
	}
	defer func() { _ = closeRuns() }()

	// The toolkit binds the run's API path and base URL, so load the
	// persisted state before wiring the stack.
	persisted, err := runStore.Load(ctx, runID)
	if err != nil {
		return err
	}

	sinks := []events.EventSink{events.NewLogSink(log.Logger)}
	if printEvents {
		sink, stopPrinter, err := startEventPrinter(strings.EqualFold(s.Logging.Level, "trace"))
		if err != nil {
			return err
		}
		defer stopPrinter()
		sinks = append(sinks, sink)
	}

	orch, err := newOrchestrator(s, knowledgeStore, runStore, persisted.APIPath, persisted.BaseURL, sinks...)
	if err != nil {
		return err
	}

	state, err := orch.Resume(ctx, plan, runID)
	return printRunResults([]pathResult{{path: persisted.APIPath, state: state, err: err}})
}
