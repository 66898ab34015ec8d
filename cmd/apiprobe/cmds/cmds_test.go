package cmds

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiprobe/apiprobe/pkg/knowledge"
	"github.com/apiprobe/apiprobe/pkg/steps"
)

func TestParseContextValues(t *testing.T) {
	t.Parallel()

	out, err := parseContextValues([]string{"tenant=acme", "focus=rate limits", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"tenant": "acme",
		"focus":  "rate limits",
		"empty":  "",
	}, out)

	_, err = parseContextValues([]string{"no-separator"})
	assert.Error(t, err)

	_, err = parseContextValues([]string{"=value"})
	assert.Error(t, err)
}

func TestMissingContextKeys(t *testing.T) {
	t.Parallel()

	plan, err := steps.Parse([]byte(`
steps:
  - step: 1
    name: explore
    requires: [api_path, base_url, tenant]
    produces: [api_doc]
    templates:
      instance_template: "Explore {{.api_path}} for {{.tenant}}."
  - step: 2
    name: verify
    requires: [api_doc, focus]
    templates:
      instance_template: "Verify with {{.api_doc}}, focus on {{.focus}}."
`))
	require.NoError(t, err)

	missing := missingContextKeys(plan, map[string]interface{}{})
	assert.Equal(t, []string{"tenant", "focus"}, missing,
		"api_path and base_url are bound by the run, api_doc by step 1")

	missing = missingContextKeys(plan, map[string]interface{}{"tenant": "acme"})
	assert.Equal(t, []string{"focus"}, missing)

	missing = missingContextKeys(plan, map[string]interface{}{"tenant": "acme", "focus": "auth"})
	assert.Empty(t, missing)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "long te...", truncate("long text that keeps going", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestSnippetCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "GET /v1/users returns a list", snippet("GET /v1/users\n\n  returns\ta list"))
}

func TestKnowledgeFilterFlags(t *testing.T) {
	t.Parallel()

	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{Use: "test"}
		addFilterFlags(cmd)
		return cmd
	}

	cmd := newCmd()
	filter, err := knowledgeFilter(cmd)
	require.NoError(t, err)
	assert.Nil(t, filter, "no flags set means no filter")

	cmd = newCmd()
	require.NoError(t, cmd.Flags().Set("path", "/v1/*"))
	require.NoError(t, cmd.Flags().Set("kind", "verification_record"))
	require.NoError(t, cmd.Flags().Set("tag", "flaky"))
	filter, err = knowledgeFilter(cmd)
	require.NoError(t, err)
	require.NotNil(t, filter)
	assert.Equal(t, "/v1/*", filter.SourceAPIPath)
	assert.Equal(t, knowledge.KindVerificationRecord, filter.Kind)
	assert.Equal(t, []string{"flaky"}, filter.Tags)

	cmd = newCmd()
	require.NoError(t, cmd.Flags().Set("kind", "nonsense"))
	_, err = knowledgeFilter(cmd)
	assert.Error(t, err)
}

const lintableSteps = `
steps:
  - step: 1
    name: verify-endpoint
    tools: [http_verify, complete_step]
    produces: [endpoint_verified]
    templates:
      instance_template: "Call http_verify against {{.api_path}}, then complete_step."
  - step: 2
    name: done
    templates:
      instance_template: pass
`

const driftingSteps = `
steps:
  - step: 1
    name: verify-endpoint
    tools: [complete_step]
    templates:
      instance_template: "Call http_verify against {{.api_path}}."
`

func TestStepsLintCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(good, []byte(lintableSteps), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte(driftingSteps), 0o644))

	cmd := newStepsLintCommand()
	cmd.SetArgs([]string{good})
	assert.NoError(t, cmd.Execute())

	cmd = newStepsLintCommand()
	cmd.SetArgs([]string{good, bad})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 files failed")
}

func TestRootCommandWiresConfigAndSubcommands(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	good := filepath.Join(dir, "steps.yaml")
	require.NoError(t, os.WriteFile(good, []byte(lintableSteps), 0o644))

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--log-level", "error", "steps", "lint", good})

	assert.NoError(t, root.Execute())
}

func TestRunCommandRejectsRunIDForMultiplePaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-test")

	dir := t.TempDir()
	stepsFile := filepath.Join(dir, "steps.yaml")
	require.NoError(t, os.WriteFile(stepsFile, []byte(lintableSteps), 0o644))

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{
		"--log-level", "error",
		"run",
		"--steps", stepsFile,
		"--paths", "/v1/users,/v1/orders",
		"--run-id", "fixed-id",
		"--base-url", "https://staging.example.com",
	})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--run-id only applies to a single path")
}
