package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/forge/pkg/models"
)

func TestBuildExecutionRunsUnderShell(t *testing.T) {
	profile := models.Profile{
		Name:            "codex-env",
		Harness:         models.HarnessCodex,
		CommandTemplate: "codex exec --model {{model}}",
		PromptMode:      models.PromptModeEnv,
		Model:           "gpt-5",
	}

	exec, err := BuildExecution(context.Background(), profile, "", "do the thing")
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "codex exec --model gpt-5"}, exec.Cmd.Args)
	assert.Contains(t, exec.Cmd.Env, PromptEnvVar+"=do the thing")
	assert.Nil(t, exec.Cmd.Stdin)
}

func TestBuildExecutionStdinModePipesPrompt(t *testing.T) {
	profile := models.Profile{
		Name:            "claude-stdin",
		CommandTemplate: "claude",
		PromptMode:      models.PromptModeStdin,
	}

	exec, err := BuildExecution(context.Background(), profile, "", "hello")
	require.NoError(t, err)
	require.NotNil(t, exec.Cmd.Stdin)
}

func TestBuildExecutionPathModeSubstitutesPlaceholder(t *testing.T) {
	profile := models.Profile{
		Name:            "droid-path",
		CommandTemplate: "droid run --prompt-file {{prompt_path}}",
		PromptMode:      models.PromptModePath,
	}

	exec, err := BuildExecution(context.Background(), profile, "/tmp/prompt.txt", "ignored")
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "droid run --prompt-file /tmp/prompt.txt"}, exec.Cmd.Args)
	assert.Equal(t, "/tmp/prompt.txt", exec.PromptPath)
}

func TestBuildExecutionPathModeAppendsWhenTemplateOmitsPlaceholder(t *testing.T) {
	profile := models.Profile{
		Name:            "opencode-path",
		CommandTemplate: "opencode run",
		PromptMode:      models.PromptModePath,
	}

	exec, err := BuildExecution(context.Background(), profile, "/tmp/p.txt", "ignored")
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "opencode run '/tmp/p.txt'"}, exec.Cmd.Args)
}

func TestBuildExecutionRejectsEmptyCommandTemplate(t *testing.T) {
	profile := models.Profile{Name: "broken", PromptMode: models.PromptModeEnv}
	_, err := BuildExecution(context.Background(), profile, "", "x")
	assert.Error(t, err)
}

func TestBuildExecutionRejectsInvalidPromptMode(t *testing.T) {
	profile := models.Profile{Name: "broken", CommandTemplate: "echo hi", PromptMode: "bogus"}
	_, err := BuildExecution(context.Background(), profile, "", "x")
	assert.Error(t, err)
}

func TestBuildExecutionAppliesExtraArgsAndEnvironment(t *testing.T) {
	profile := models.Profile{
		Name:            "pi-extra",
		CommandTemplate: "pi run {{extra_args}}",
		PromptMode:      models.PromptModeEnv,
		ExtraArgs:       []string{"--flag", "value"},
		Environment:     map[string]string{"PI_HOME": "/srv/pi"},
		AuthToken:       "secret",
		Harness:         models.HarnessPi,
	}

	exec, err := BuildExecution(context.Background(), profile, "", "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "pi run --flag value"}, exec.Cmd.Args)
	assert.Contains(t, exec.Cmd.Env, "PI_HOME=/srv/pi")
	assert.Contains(t, exec.Cmd.Env, "PI_AUTH_TOKEN=secret")
}

// TestBuildExecutionRunsShellRedirection mirrors spec Scenario 4's fixture
// (command_template = "printf 'ran\n' >> ran.txt"), grounded on
// original_source/rust/crates/forge-cli/tests/run_sqlite_backend_test.rs.
// Shell redirection only works because BuildExecution routes the rendered
// template through "sh -c" rather than exec'ing it as a bare argv.
func TestBuildExecutionRunsShellRedirection(t *testing.T) {
	dir := t.TempDir()
	profile := models.Profile{
		Name:            "redirect",
		CommandTemplate: "printf 'ran\\n' >> ran.txt",
		PromptMode:      models.PromptModeStdin,
	}

	exec, err := BuildExecution(context.Background(), profile, "", "")
	require.NoError(t, err)
	exec.Cmd.Dir = dir

	require.NoError(t, exec.Cmd.Run())

	content, err := os.ReadFile(filepath.Join(dir, "ran.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ran\n", string(content))
}

func TestShellQuoteEscapesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
