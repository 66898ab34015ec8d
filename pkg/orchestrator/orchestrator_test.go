package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiprobe/apiprobe/pkg/agent"
	"github.com/apiprobe/apiprobe/pkg/embeddings"
	"github.com/apiprobe/apiprobe/pkg/events"
	"github.com/apiprobe/apiprobe/pkg/knowledge"
	"github.com/apiprobe/apiprobe/pkg/provider"
	"github.com/apiprobe/apiprobe/pkg/provider/providertest"
	"github.com/apiprobe/apiprobe/pkg/runstore"
	"github.com/apiprobe/apiprobe/pkg/steps"
	"github.com/apiprobe/apiprobe/pkg/toolkit"
	"github.com/apiprobe/apiprobe/pkg/tools"
)

type stubEmbedder struct{}

func (stubEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	v := []float32{1, 0, 0, 0}
	for i, b := range []byte(text) {
		v[i%4] += float32(b)
	}
	return v, nil
}

func (s stubEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = s.GenerateEmbedding(ctx, t)
	}
	return out, nil
}

func (stubEmbedder) GetModel() embeddings.EmbeddingModel {
	return embeddings.EmbeddingModel{Name: "stub", Dimensions: 4}
}

const verificationPlan = `
steps:
  - step: 1
    name: verify-endpoint
    templates:
      system_template: You verify HTTP APIs against their documentation.
      instance_template: Verify {{.api_path}} against the environment at {{.base_url}}.
    tools: [http_verify, store_memory, complete_step]
    produces: [endpoint_verified]
  - step: 2
    name: done
    templates:
      briefly: nothing left to verify
      instance_template: pass
`

func mustParse(t *testing.T, text string) *steps.Plan {
	t.Helper()
	plan, err := steps.Parse([]byte(text))
	require.NoError(t, err)
	return plan
}

// fullStack wires a real runtime over a scripted provider, an in-memory
// knowledge store, and the default toolkit.
func fullStack(t *testing.T, scripted *providertest.Scripted, baseURL string) (*Orchestrator, knowledge.Store, *runstore.MemoryStore, *events.CollectorSink) {
	t.Helper()

	knowledgeStore := knowledge.NewMemoryStore(stubEmbedder{})
	registry := tools.NewInMemoryRegistry()
	require.NoError(t, toolkit.RegisterDefaults(registry, toolkit.Config{
		Store:   knowledgeStore,
		BaseURL: baseURL,
		APIPath: "/v1/users",
	}))

	collector := events.NewCollectorSink()
	runtime := agent.NewRuntime(scripted, registry,
		agent.WithKnowledgeStore(knowledgeStore),
		agent.WithEventSinks(collector),
	)
	runStore := runstore.NewMemoryStore()
	orch := New(runtime, runStore, WithEventSinks(collector))
	return orch, knowledgeStore, runStore, collector
}

func TestRunVerifiesStoresAndCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"name":"ada"}]`))
	}))
	defer server.Close()

	scripted := providertest.NewScripted(
		providertest.Reply{ToolCalls: []provider.ToolCall{
			providertest.Call("call-1", "http_verify", `{"method":"GET","url":"/v1/users"}`),
		}},
		providertest.Reply{ToolCalls: []provider.ToolCall{
			providertest.Call("call-2", "store_memory", `{"content":"GET /v1/users returns 200 with a JSON array of users"}`),
		}},
		providertest.Reply{ToolCalls: []provider.ToolCall{
			providertest.Call("call-3", "complete_step", `{"endpoint_verified":true}`),
		}},
	)
	orch, knowledgeStore, _, collector := fullStack(t, scripted, server.URL)

	state, err := orch.Start(context.Background(), mustParse(t, verificationPlan), RunParams{
		APIPath: "/v1/users",
		BaseURL: server.URL,
	})
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusCompleted, state.Status)
	assert.Equal(t, true, state.Context["endpoint_verified"])
	assert.Equal(t, 1, state.CurrentStepIndex)
	assert.Equal(t, 3, scripted.Exchanges())

	// Exactly one new knowledge entry, written by store_memory.
	count, err := knowledgeStore.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The verification response went back to the provider as data.
	second := scripted.Request(1)
	require.NotNil(t, second)
	var sawStatus bool
	for _, msg := range second.Transcript {
		if msg.Role == provider.RoleTool && msg.Name == "http_verify" {
			assert.Contains(t, msg.Content, `"status_code":200`)
			sawStatus = true
		}
	}
	assert.True(t, sawStatus)

	assert.Len(t, collector.OfType(events.EventTypeRunStarted), 1)
	assert.Len(t, collector.OfType(events.EventTypeStepStarted), 1)
	assert.Len(t, collector.OfType(events.EventTypeKnowledgeStored), 1)
	assert.Len(t, collector.OfType(events.EventTypeStepCompleted), 1)
	assert.Len(t, collector.OfType(events.EventTypeRunCompleted), 1)
	assert.Empty(t, collector.OfType(events.EventTypeRunFailed))
}

func TestResumeContinuesWhereRunStopped(t *testing.T) {
	ctx := context.Background()
	plan := mustParse(t, `
steps:
  - step: 1
    name: gather
    templates:
      instance_template: Gather facts about {{.api_path}}.
    tools: [complete_step]
    produces: [api_doc]
  - step: 2
    name: verify
    templates:
      instance_template: Verify using {{.api_doc}}.
    tools: [complete_step]
    requires: [api_doc]
    produces: [endpoint_verified]
  - step: 3
    name: done
    templates:
      instance_template: pass
`)

	// First half: step 1 completes, step 2 dies on a provider error.
	scripted := providertest.NewScripted(
		providertest.Reply{ToolCalls: []provider.ToolCall{
			providertest.Call("call-1", "complete_step", `{"api_doc":"GET /v1/users lists users"}`),
		}},
		providertest.Reply{Err: assert.AnError},
	)
	orch, _, runStore, _ := fullStack(t, scripted, "")

	state, err := orch.Start(ctx, plan, RunParams{APIPath: "/v1/users"})
	require.Error(t, err)
	assert.Equal(t, runstore.StatusFailed, state.Status)
	assert.Equal(t, 1, state.CurrentStepIndex)
	assert.Equal(t, "GET /v1/users lists users", state.Context["api_doc"])
	require.NotNil(t, state.Failure)
	assert.Equal(t, 2, state.Failure.StepIndex)
	assert.Equal(t, "provider", state.Failure.ErrorKind)

	// Second half: a fresh provider picks up at step 2 with step 1's context.
	resumed := providertest.NewScripted(
		providertest.Reply{ToolCalls: []provider.ToolCall{
			providertest.Call("call-1", "complete_step", `{"endpoint_verified":true}`),
		}},
	)
	registry := tools.NewInMemoryRegistry()
	require.NoError(t, toolkit.RegisterDefaults(registry, toolkit.Config{
		Store: knowledge.NewMemoryStore(stubEmbedder{}),
	}))
	runtime := agent.NewRuntime(resumed, registry)
	second := New(runtime, runStore)

	final, err := second.Resume(ctx, plan, state.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCompleted, final.Status)
	assert.Equal(t, true, final.Context["endpoint_verified"])
	assert.Equal(t, "GET /v1/users lists users", final.Context["api_doc"])
	assert.Nil(t, final.Failure)

	// Step 2 saw the api_doc produced before the restart.
	req := resumed.Request(0)
	require.NotNil(t, req)
	assert.Contains(t, req.InstanceMessage, "GET /v1/users lists users")
}

func TestResumeCompletedRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	plan := mustParse(t, `
steps:
  - step: 1
    name: done
    templates:
      instance_template: pass
`)
	scripted := providertest.NewScripted()
	orch, _, _, _ := fullStack(t, scripted, "")

	state, err := orch.Start(ctx, plan, RunParams{APIPath: "/v1/users"})
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCompleted, state.Status)
	assert.Equal(t, 0, scripted.Exchanges())

	again, err := orch.Resume(ctx, plan, state.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCompleted, again.Status)
	assert.Equal(t, 0, scripted.Exchanges())
}

func TestMissingRequiredKeyFailsTheRun(t *testing.T) {
	ctx := context.Background()
	plan := mustParse(t, `
steps:
  - step: 1
    name: verify
    templates:
      instance_template: Verify using {{.api_doc}}.
    tools: [complete_step]
    requires: [api_doc]
`)
	scripted := providertest.NewScripted()
	orch, _, runStore, _ := fullStack(t, scripted, "")

	state, err := orch.Start(ctx, plan, RunParams{APIPath: "/v1/users"})
	require.Error(t, err)
	assert.True(t, steps.IsConfigurationError(err))
	assert.Equal(t, runstore.StatusFailed, state.Status)
	assert.Equal(t, 0, scripted.Exchanges())
	require.NotNil(t, state.Failure)
	assert.Equal(t, "configuration", state.Failure.ErrorKind)
	assert.Contains(t, state.Failure.Reason, "api_doc")

	persisted, loadErr := runStore.Load(ctx, state.RunID)
	require.NoError(t, loadErr)
	assert.Equal(t, runstore.StatusFailed, persisted.Status)
}

func TestContextViewHidesUndeclaredProducedKeys(t *testing.T) {
	ctx := context.Background()
	// Step 2 references token without requiring it; the view hides it even
	// though step 1 put it into the run context.
	plan := mustParse(t, `
steps:
  - step: 1
    name: fetch-token
    templates:
      instance_template: Obtain an access token for {{.api_path}}.
    tools: [complete_step]
    produces: [token]
  - step: 2
    name: sneaky
    templates:
      instance_template: Use {{.token}} without declaring it.
    tools: [complete_step]
`)
	scripted := providertest.NewScripted(
		providertest.Reply{ToolCalls: []provider.ToolCall{
			providertest.Call("call-1", "complete_step", `{"token":"secret-123"}`),
		}},
	)
	orch, _, _, _ := fullStack(t, scripted, "")

	state, err := orch.Start(ctx, plan, RunParams{APIPath: "/v1/users"})
	require.Error(t, err)

	var missing *steps.MissingContextKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "token", missing.Key)
	assert.Equal(t, runstore.StatusFailed, state.Status)
	// The produced value itself is still in the run context.
	assert.Equal(t, "secret-123", state.Context["token"])
}

func TestContextViewShowsRequiredProducedKeys(t *testing.T) {
	ctx := context.Background()
	plan := mustParse(t, `
steps:
  - step: 1
    name: fetch-token
    templates:
      instance_template: Obtain an access token for {{.api_path}}.
    tools: [complete_step]
    produces: [token]
  - step: 2
    name: use-token
    templates:
      instance_template: Use {{.token}} as declared.
    tools: [complete_step]
    requires: [token]
`)
	scripted := providertest.NewScripted(
		providertest.Reply{ToolCalls: []provider.ToolCall{
			providertest.Call("call-1", "complete_step", `{"token":"secret-123"}`),
		}},
		providertest.Reply{ToolCalls: []provider.ToolCall{
			providertest.Call("call-2", "complete_step", `{}`),
		}},
	)
	orch, _, _, _ := fullStack(t, scripted, "")

	state, err := orch.Start(ctx, plan, RunParams{APIPath: "/v1/users"})
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCompleted, state.Status)

	req := scripted.Request(1)
	require.NotNil(t, req)
	assert.Contains(t, req.InstanceMessage, "secret-123")
}

func TestExtraBindingsAreFreeForm(t *testing.T) {
	ctx := context.Background()
	plan := mustParse(t, `
steps:
  - step: 1
    name: verify
    templates:
      instance_template: Verify {{.api_path}} focusing on {{.focus}}.
    tools: [complete_step]
`)
	scripted := providertest.NewScripted(
		providertest.Reply{ToolCalls: []provider.ToolCall{
			providertest.Call("call-1", "complete_step", `{}`),
		}},
	)
	orch, _, _, _ := fullStack(t, scripted, "")

	state, err := orch.Start(ctx, plan, RunParams{
		APIPath: "/v1/users",
		Extra:   map[string]interface{}{"focus": "pagination"},
	})
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCompleted, state.Status)

	req := scripted.Request(0)
	require.NotNil(t, req)
	assert.Contains(t, req.InstanceMessage, "pagination")
}

// cancelingRunner completes its first step and cancels the run context,
// simulating an interrupt landing while the orchestrator is mid-run.
type cancelingRunner struct {
	cancel context.CancelFunc
	calls  int
}

func (r *cancelingRunner) RunStep(_ context.Context, _ string, _ *steps.Step, _ map[string]interface{}) (*agent.StepOutcome, error) {
	r.calls++
	if r.cancel != nil {
		r.cancel()
	}
	return &agent.StepOutcome{Produced: map[string]interface{}{}, RoundTrips: 1}, nil
}

func TestCancellationBetweenStepsStaysResumable(t *testing.T) {
	plan := mustParse(t, `
steps:
  - step: 1
    name: first
    templates:
      instance_template: Do the first half of {{.api_path}}.
    tools: [complete_step]
  - step: 2
    name: done
    templates:
      instance_template: pass
`)
	ctx, cancel := context.WithCancel(context.Background())
	runner := &cancelingRunner{cancel: cancel}
	runStore := runstore.NewMemoryStore()
	orch := New(runner, runStore)

	state, err := orch.Start(ctx, plan, RunParams{APIPath: "/v1/users"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, runstore.StatusRunning, state.Status)
	assert.Equal(t, 1, state.CurrentStepIndex)

	persisted, loadErr := runStore.Load(context.Background(), state.RunID)
	require.NoError(t, loadErr)
	assert.Equal(t, runstore.StatusRunning, persisted.Status)
	assert.Nil(t, persisted.Failure)

	// A fresh orchestrator finishes the run from the snapshot.
	second := New(&cancelingRunner{}, runStore)
	final, err := second.Resume(context.Background(), plan, state.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCompleted, final.Status)
}

func TestStartValidation(t *testing.T) {
	orch := New(&cancelingRunner{}, runstore.NewMemoryStore())

	_, err := orch.Start(context.Background(), nil, RunParams{APIPath: "/v1/users"})
	assert.Error(t, err)

	plan := mustParse(t, `
steps:
  - step: 1
    name: done
    templates:
      instance_template: pass
`)
	_, err = orch.Start(context.Background(), plan, RunParams{})
	assert.Error(t, err)
}
