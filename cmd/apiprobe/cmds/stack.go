package cmds

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/apiprobe/apiprobe/pkg/agent"
	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/embeddings"
	"github.com/apiprobe/apiprobe/pkg/events"
	"github.com/apiprobe/apiprobe/pkg/knowledge"
	"github.com/apiprobe/apiprobe/pkg/orchestrator"
	"github.com/apiprobe/apiprobe/pkg/provider"
	"github.com/apiprobe/apiprobe/pkg/runstore"
	"github.com/apiprobe/apiprobe/pkg/toolkit"
	"github.com/apiprobe/apiprobe/pkg/tools"
)

// eventTopic is the watermill topic the CLI publishes run events on.
const eventTopic = "run-events"

// memoryPath selects the in-memory backend for either store.
const memoryPath = ":memory:"

func requireProviderKey(s *config.Settings) error {
	if s.Provider.APIKey == "" {
		return errors.New("no provider API key configured: set provider.api-key in apiprobe.yaml or export OPENAI_API_KEY")
	}
	return nil
}

func requireEmbeddingsKey(s *config.Settings) error {
	if s.Embeddings.APIKey == "" {
		return errors.New("no embeddings API key configured: set embeddings.api-key in apiprobe.yaml or export OPENAI_API_KEY")
	}
	return nil
}

// newEmbedder builds the embeddings provider, wrapped in the in-process
// cache when one is configured.
func newEmbedder(s *config.Settings) embeddings.Provider {
	var opts []embeddings.OpenAIOption
	if s.Embeddings.BaseURL != "" {
		opts = append(opts, embeddings.WithBaseURL(s.Embeddings.BaseURL))
	}
	if s.Embeddings.Model != "" {
		opts = append(opts, embeddings.WithModel(s.Embeddings.Model, s.Embeddings.Dimensions))
	}

	var p embeddings.Provider = embeddings.NewOpenAIProvider(s.Embeddings.APIKey, opts...)
	if s.Embeddings.CacheSize > 0 {
		p = embeddings.NewCachedProvider(p, s.Embeddings.CacheSize)
	}
	return p
}

func newCompletionProvider(s *config.Settings) provider.CompletionProvider {
	var opts []provider.OpenAIOption
	if s.Provider.Model != "" {
		opts = append(opts, provider.WithModel(s.Provider.Model))
	}
	if s.Provider.Temperature > 0 {
		opts = append(opts, provider.WithTemperature(s.Provider.Temperature))
	}
	if s.Provider.MaxTokens > 0 {
		opts = append(opts, provider.WithMaxTokens(s.Provider.MaxTokens))
	}
	return provider.NewOpenAIProvider(s.Provider.APIKey, s.Provider.BaseURL, opts...)
}

// openKnowledgeStore opens the configured knowledge store. The returned
// closer is a no-op for the in-memory backend.
func openKnowledgeStore(s *config.Settings) (knowledge.Store, func() error, error) {
	embedder := newEmbedder(s)
	if s.Knowledge.Path == memoryPath {
		return knowledge.NewMemoryStore(embedder), func() error { return nil }, nil
	}
	store, err := knowledge.NewSQLiteStore(s.Knowledge.Path, embedder)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening knowledge store")
	}
	return store, store.Close, nil
}

// openRunStore opens the configured run-state store.
func openRunStore(s *config.Settings) (runstore.Store, func() error, error) {
	if s.Runs.Path == memoryPath {
		return runstore.NewMemoryStore(), func() error { return nil }, nil
	}
	store, err := runstore.NewSQLiteStore(s.Runs.Path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening run store")
	}
	return store, store.Close, nil
}

// newOrchestrator wires a full agent stack for one run. Stores are shared
// across concurrent runs; the registry and runtime are per-run because the
// toolkit binds the run's API path and base URL.
func newOrchestrator(
	s *config.Settings,
	knowledgeStore knowledge.Store,
	runStore runstore.Store,
	apiPath string,
	baseURL string,
	sinks ...events.EventSink,
) (*orchestrator.Orchestrator, error) {
	registry := tools.NewInMemoryRegistry()
	err := toolkit.RegisterDefaults(registry, toolkit.Config{
		Store:   knowledgeStore,
		BaseURL: baseURL,
		APIPath: apiPath,
	})
	if err != nil {
		return nil, err
	}

	runtime := agent.NewRuntime(newCompletionProvider(s), registry,
		agent.WithKnowledgeStore(knowledgeStore),
		agent.WithMaxRoundTrips(s.Runtime.MaxRoundTrips),
		agent.WithRetrievalK(s.Runtime.RetrievalK),
		agent.WithEventSinks(sinks...),
	)
	return orchestrator.New(runtime, runStore, orchestrator.WithEventSinks(sinks...)), nil
}

// startEventPrinter runs an in-process event router that prints the raw
// event stream to stdout, and returns a sink publishing into it. The stop
// function shuts the router down; with BlockPublishUntilSubscriberAck every
// published event has been handled by then.
func startEventPrinter(verbose bool) (events.EventSink, func(), error) {
	var opts []events.EventRouterOption
	if verbose {
		opts = append(opts, events.WithVerbose(true))
	}
	router, err := events.NewEventRouter(opts...)
	if err != nil {
		return nil, nil, err
	}
	router.AddHandler("print-events", eventTopic, router.DumpRawEvents)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- router.Run(ctx)
	}()
	<-router.Running()

	stop := func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("event router stopped with error")
		}
		_ = router.Close()
	}
	publisher := events.CorrelationPublisherDecorator{Publisher: router.Publisher}
	return events.NewWatermillSink(publisher, eventTopic), stop, nil
}
