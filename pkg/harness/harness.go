// Package harness renders a profile's command template into a runnable
// exec.Cmd, resolving prompt delivery per the profile's prompt mode. See
// spec §4.4 step 3, grounded on
// other_examples/282bcddd_trmdy-forge__internal-loop-runner.go.go
// (internal/harness.BuildExecution) and the env-building style of
// codeready-toolchain-tarsy's pkg/mcp/transport.go createStdioTransport.
package harness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/forgehq/forge/pkg/models"
)

// PromptEnvVar is the environment variable the "env" prompt mode sets.
const PromptEnvVar = "FORGE_PROMPT"

// Execution is a fully rendered, not-yet-started command plan.
type Execution struct {
	Cmd *exec.Cmd
	// PromptPath is the path written for PromptModePath delivery, empty
	// otherwise. The Runner owns the file's lifecycle.
	PromptPath string
}

// templateVars are the substitutions recognized in a CommandTemplate.
// {{model}} and {{extra_args}} let a profile's command reference its own
// fields without the harness special-casing a provider.
const (
	varPromptPath = "{{prompt_path}}"
	varModel      = "{{model}}"
	varExtraArgs  = "{{extra_args}}"
)

// BuildExecution renders profile.CommandTemplate and runs it through "sh -c",
// the same shell-exec convention pkg/guard.EvaluateQuantitative uses, so a
// template can use shell metacharacters (redirection, pipes, globs) rather
// than being limited to a single argv. Prompt delivery follows
// profile.PromptMode:
//   - env: the full prompt is set on PromptEnvVar in the child's environment.
//   - stdin: the full prompt is piped to the child's standard input.
//   - path: promptPath (written by the caller) is substituted into the
//     template wherever {{prompt_path}} appears; if the template doesn't
//     reference it, it is appended (shell-quoted) as a trailing argument.
func BuildExecution(ctx context.Context, profile models.Profile, promptPath, promptContent string) (*Execution, error) {
	if strings.TrimSpace(profile.CommandTemplate) == "" {
		return nil, fmt.Errorf("profile %s has no command_template", profile.Name)
	}
	if !profile.PromptMode.Valid() {
		return nil, fmt.Errorf("profile %s has invalid prompt_mode %q", profile.Name, profile.PromptMode)
	}

	rendered := profile.CommandTemplate
	rendered = strings.ReplaceAll(rendered, varModel, profile.Model)
	rendered = strings.ReplaceAll(rendered, varExtraArgs, strings.Join(profile.ExtraArgs, " "))

	usedPathVar := false
	if profile.PromptMode == models.PromptModePath {
		if strings.Contains(rendered, varPromptPath) {
			rendered = strings.ReplaceAll(rendered, varPromptPath, promptPath)
			usedPathVar = true
		}
	}

	if strings.TrimSpace(rendered) == "" {
		return nil, fmt.Errorf("profile %s command_template rendered empty", profile.Name)
	}
	if profile.PromptMode == models.PromptModePath && !usedPathVar {
		rendered = rendered + " " + shellQuote(promptPath)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", rendered)

	cmd.Env = os.Environ()
	for k, v := range profile.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if profile.AuthToken != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s_AUTH_TOKEN=%s", strings.ToUpper(string(profile.Harness)), profile.AuthToken))
	}

	switch profile.PromptMode {
	case models.PromptModeEnv:
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", PromptEnvVar, promptContent))
	case models.PromptModeStdin:
		cmd.Stdin = strings.NewReader(promptContent)
	}

	return &Execution{Cmd: cmd, PromptPath: promptPath}, nil
}

// shellQuote wraps s in single quotes for safe interpolation into a sh -c
// command line, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
