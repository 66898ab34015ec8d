package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/events"
	"github.com/apiprobe/apiprobe/pkg/orchestrator"
	"github.com/apiprobe/apiprobe/pkg/runstore"
	"github.com/apiprobe/apiprobe/pkg/steps"
)

func NewRunCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run --steps <file> --paths <path>[,<path>...]",
		Short: "run verification agents against one or more API paths",
		Long: `Run starts one verification run per API path, all driven by the same
step file. Runs execute concurrently and share the knowledge store, so
what one agent learns is retrievable by the others. An interrupted run
stays resumable; see "apiprobe resume".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, settings())
		},
	}

	defaults := config.DefaultSettings()
	flags := cmd.Flags()
	flags.String("steps", "", "step file driving each run")
	flags.StringSlice("paths", nil, "API paths to verify, one run per path")
	flags.String("base-url", "", "test environment base URL (overrides config)")
	flags.String("run-id", "", "explicit run id (single path only)")
	flags.StringArray("context", nil, "extra context binding as key=value (repeatable)")
	flags.Int("concurrency", 4, "maximum concurrent runs")
	flags.Bool("events", false, "print the raw run event stream")
	flags.Int("max-round-trips", defaults.Runtime.MaxRoundTrips, "provider exchanges per step before the step fails")
	flags.Int("retrieval-k", defaults.Runtime.RetrievalK, "knowledge entries retrieved before each step")
	_ = cmd.MarkFlagRequired("steps")
	_ = cmd.MarkFlagRequired("paths")

	return cmd
}

type pathResult struct {
	path  string
	state *runstore.RunState
	err   error
}

func runRun(cmd *cobra.Command, s *config.Settings) error {
	flags := cmd.Flags()
	stepsFile, _ := flags.GetString("steps")
	paths, _ := flags.GetStringSlice("paths")
	runID, _ := flags.GetString("run-id")
	contextPairs, _ := flags.GetStringArray("context")
	concurrency, _ := flags.GetInt("concurrency")
	printEvents, _ := flags.GetBool("events")

	plan, err := steps.LoadFile(stepsFile)
	if err != nil {
		return err
	}

	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return errors.New("empty API path in --paths")
		}
	}
	if runID != "" && len(paths) != 1 {
		return errors.New("--run-id only applies to a single path")
	}
	if s.BaseURL == "" {
		return errors.New("no base URL configured: pass --base-url or set base-url in apiprobe.yaml")
	}
	if err := requireProviderKey(s); err != nil {
		return err
	}

	extra, err := parseContextValues(contextPairs)
	if err != nil {
		return err
	}
	if err := promptForContext(missingContextKeys(plan, extra), extra); err != nil {
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

	sinks := []events.EventSink{events.NewLogSink(log.Logger)}
	if printEvents {
		sink, stopPrinter, err := startEventPrinter(strings.EqualFold(s.Logging.Level, "trace"))
		if err != nil {
			return err
		}
		defer stopPrinter()
		sinks = append(sinks, sink)
	}

	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]pathResult, len(paths))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, apiPath := range paths {
		orch, err := newOrchestrator(s, knowledgeStore, runStore, apiPath, s.BaseURL, sinks...)
		if err != nil {
			return err
		}
		i, apiPath := i, apiPath
		g.Go(func() error {
			params := orchestrator.RunParams{
				RunID:   runID,
				APIPath: apiPath,
				BaseURL: s.BaseURL,
				Extra:   extra,
			}
			state, err := orch.Start(ctx, plan, params)
			results[i] = pathResult{path: apiPath, state: state, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return printRunResults(results)
}

func printRunResults(results []pathResult) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tAPI PATH\tSTATUS\tDETAIL")

	var failed, interrupted int
	for _, res := range results {
		id, status := "-", "-"
		detail := ""
		if res.state != nil {
			id = res.state.RunID
			status = string(res.state.Status)
			if res.state.Failure != nil {
				detail = fmt.Sprintf("step %d %s: %s",
					res.state.Failure.StepIndex, res.state.Failure.ErrorKind, res.state.Failure.Reason)
			}
		}
		switch {
		case res.err == nil:
		case errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded):
			interrupted++
			detail = "interrupted"
			if res.state != nil {
				detail = "interrupted, resume with: apiprobe resume " + id
			}
		default:
			failed++
			if detail == "" {
				detail = res.err.Error()
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, res.path, status, truncate(detail, 100))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return errors.Errorf("%d of %d runs failed", failed, len(results))
	}
	if interrupted > 0 {
		return errors.Errorf("interrupted with %d unfinished runs", interrupted)
	}
	return nil
}

func parseContextValues(pairs []string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("invalid context binding %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// missingContextKeys returns the context keys the plan requires but neither
// the CLI bindings nor an earlier step's produces can supply.
func missingContextKeys(plan *steps.Plan, have map[string]interface{}) []string {
	produced := map[string]bool{}
	for _, step := range plan.Steps {
		for _, key := range step.ProducedContextKeys {
			produced[key] = true
		}
	}

	seen := map[string]bool{}
	var missing []string
	for _, step := range plan.Steps {
		for _, key := range step.RequiredContextKeys {
			if key == orchestrator.ContextKeyAPIPath || key == orchestrator.ContextKeyBaseURL {
				continue
			}
			if produced[key] || seen[key] {
				continue
			}
			if _, ok := have[key]; ok {
				continue
			}
			seen[key] = true
			missing = append(missing, key)
		}
	}
	return missing
}

// promptForContext asks for each missing context value on the terminal.
// Off a TTY there is nobody to ask, so missing values are an error.
func promptForContext(keys []string, into map[string]interface{}) error {
	if len(keys) == 0 {
		return nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return errors.Errorf("missing context values for %s: pass them with --context key=value",
			strings.Join(keys, ", "))
	}

	ui := &input.UI{
		Writer: os.Stdout,
		Reader: os.Stdin,
	}
	for _, key := range keys {
		answer, err := ui.Ask(fmt.Sprintf("Value for context key %q", key), &input.Options{
			Required: true,
			Loop:     true,
		})
		if err != nil {
			return errors.Wrapf(err, "reading value for %q", key)
		}
		into[key] = answer
	}
	return nil
}
