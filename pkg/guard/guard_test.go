package guard

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/forge/pkg/models"
)

func TestEvaluateQuantitativeMatchesOnExitCode(t *testing.T) {
	g := &models.QuantitativeGuard{
		Cmd:       "exit 3",
		Decision:  models.GuardDecisionStop,
		ExitCodes: []int{3},
	}
	res, err := EvaluateQuantitative(context.Background(), g, t.TempDir())
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, models.GuardDecisionStop, res.Decision)
	assert.Equal(t, 3, res.ExitCode)
}

func TestEvaluateQuantitativeExitInvert(t *testing.T) {
	g := &models.QuantitativeGuard{
		Cmd:        "exit 0",
		Decision:   models.GuardDecisionStop,
		ExitCodes:  []int{1},
		ExitInvert: true,
	}
	res, err := EvaluateQuantitative(context.Background(), g, t.TempDir())
	require.NoError(t, err)
	assert.True(t, res.Matched)
}

func TestEvaluateQuantitativeStdoutRegex(t *testing.T) {
	g := &models.QuantitativeGuard{
		Cmd:           "printf 'build FAILED: oops'",
		Decision:      models.GuardDecisionStop,
		StdoutMode:    models.StreamModeRegex,
		StdoutPattern: `FAILED`,
	}
	res, err := EvaluateQuantitative(context.Background(), g, t.TempDir())
	require.NoError(t, err)
	assert.True(t, res.Matched)
}

func TestEvaluateQuantitativeStdoutNonemptyFailsWhenEmpty(t *testing.T) {
	g := &models.QuantitativeGuard{
		Cmd:        "true",
		StdoutMode: models.StreamModeNonempty,
	}
	res, err := EvaluateQuantitative(context.Background(), g, t.TempDir())
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestEvaluateQuantitativeRejectsEmptyCmd(t *testing.T) {
	_, err := EvaluateQuantitative(context.Background(), &models.QuantitativeGuard{}, t.TempDir())
	assert.Error(t, err)
}

func TestEvaluateQuantitativeTimesOut(t *testing.T) {
	g := &models.QuantitativeGuard{Cmd: "sleep 5", TimeoutSeconds: 1}
	res, err := EvaluateQuantitative(context.Background(), g, t.TempDir())
	require.Error(t, err)
	assert.True(t, res.TimedOut)
}

func TestEvaluateQualitativeStopVerdict(t *testing.T) {
	judge := func(ctx context.Context, prompt string) (string, int, error) {
		assert.Equal(t, "is this done?", prompt)
		return "stop", 0, nil
	}
	res, err := EvaluateQualitative(context.Background(), &models.QualitativeGuard{Prompt: "is this done?"}, judge, nil)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.False(t, res.Invalid)
}

func TestEvaluateQualitativeContinueVerdict(t *testing.T) {
	judge := func(ctx context.Context, prompt string) (string, int, error) {
		return "continue", 1, nil
	}
	res, err := EvaluateQualitative(context.Background(), &models.QualitativeGuard{Prompt: "p"}, judge, nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestEvaluateQualitativeReadsPromptFromPath(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/prompt.txt"
	require.NoError(t, os.WriteFile(path, []byte("judge this"), 0o644))

	var seen string
	judge := func(ctx context.Context, prompt string) (string, int, error) {
		seen = prompt
		return "continue", 1, nil
	}
	_, err := EvaluateQualitative(context.Background(), &models.QualitativeGuard{Prompt: path, IsPromptPath: true}, judge, readFileString)
	require.NoError(t, err)
	assert.Equal(t, "judge this", seen)
}

func readFileString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func TestEvaluateQualitativeJudgeFailureOnInvalidStop(t *testing.T) {
	judge := func(ctx context.Context, prompt string) (string, int, error) {
		return "", -1, errors.New("spawn failed")
	}
	res, err := EvaluateQualitative(context.Background(), &models.QualitativeGuard{Prompt: "p", OnInvalid: models.OnInvalidStop}, judge, nil)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.True(t, res.Invalid)
}

func TestEvaluateQualitativeJudgeFailureOnInvalidContinue(t *testing.T) {
	judge := func(ctx context.Context, prompt string) (string, int, error) {
		return "", -1, errors.New("spawn failed")
	}
	res, err := EvaluateQualitative(context.Background(), &models.QualitativeGuard{Prompt: "p", OnInvalid: models.OnInvalidContinue}, judge, nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.True(t, res.Invalid)
}

func TestLiteralJudgeParsesLeadingExitCode(t *testing.T) {
	stdout, code, err := LiteralJudge(context.Background(), "0 stop")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "stop", stdout)
}

func TestLiteralJudgeRejectsNonIntegerLeadingToken(t *testing.T) {
	_, _, err := LiteralJudge(context.Background(), "stop now")
	assert.Error(t, err)
}

func TestLiteralJudgeRejectsEmptyPrompt(t *testing.T) {
	_, _, err := LiteralJudge(context.Background(), "   ")
	assert.Error(t, err)
}

func TestLiteralJudgeIntegratesAsQualitativeStop(t *testing.T) {
	res, err := EvaluateQualitative(context.Background(), &models.QualitativeGuard{Prompt: "0 stop"}, LiteralJudge, nil)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.False(t, res.Invalid)
}

func TestShellJudgeRunsCommandAgainstStdinPrompt(t *testing.T) {
	judge := ShellJudge("read line; echo \"got: $line\"; exit 3")
	stdout, code, err := judge(context.Background(), "judge this")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "got: judge this\n", stdout)
}

func TestShellJudgeRejectsEmptyCommand(t *testing.T) {
	judge := ShellJudge("   ")
	_, _, err := judge(context.Background(), "x")
	assert.Error(t, err)
}

func TestShouldEvaluateEveryN(t *testing.T) {
	assert.True(t, ShouldEvaluate(0, 1))
	assert.True(t, ShouldEvaluate(3, 3))
	assert.False(t, ShouldEvaluate(3, 2))
	assert.True(t, ShouldEvaluate(3, 6))
}

func TestStopReasonFormatting(t *testing.T) {
	assert.Equal(t, "qualitative stop matched", StopReason("qualitative", ""))
	assert.Equal(t, "quantitative stop matched (before-run)", StopReason("quantitative", models.GuardWhenBefore))
	assert.Equal(t, "quantitative stop matched (after-run)", StopReason("quantitative", models.GuardWhenAfter))
}
