// Package guard evaluates a loop's pre/post-run stop guards: quantitative
// (exit-code + stream-predicate) and qualitative (judge-process prompt).
// See spec §4.4 "Pre-run guards", grounded on the command-exec and regex
// conventions visible across other_examples' runner files and the
// teacher's context-scoped exec.CommandContext usage.
package guard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/forgehq/forge/pkg/models"
)

// DefaultTimeout bounds a guard command when TimeoutSeconds is unset.
const DefaultTimeout = 30 * time.Second

// QuantitativeResult is the outcome of evaluating one quantitative guard.
type QuantitativeResult struct {
	Matched    bool
	Decision   models.GuardDecision
	ExitCode   int
	Stdout     string
	Stderr     string
	TimedOut   bool
}

// EvaluateQuantitative runs g.Cmd in workDir and reports whether the guard's
// exit-code and stream predicates all matched. A guard that matches with
// decision=continue is a no-op for the caller: only decision=stop should
// halt the loop, but Matched is still reported so callers can log it.
func EvaluateQuantitative(ctx context.Context, g *models.QuantitativeGuard, workDir string) (QuantitativeResult, error) {
	if g == nil {
		return QuantitativeResult{}, nil
	}
	if strings.TrimSpace(g.Cmd) == "" {
		return QuantitativeResult{}, errors.New("quantitative guard has no cmd")
	}

	timeout := DefaultTimeout
	if g.TimeoutSeconds > 0 {
		timeout = time.Duration(g.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", g.Cmd)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return QuantitativeResult{TimedOut: true}, fmt.Errorf("guard command timed out after %s", timeout)
	}

	exitCode := exitCodeFromError(err)
	if err != nil && exitCode == -1 {
		return QuantitativeResult{}, fmt.Errorf("run quantitative guard: %w", err)
	}

	result := QuantitativeResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	exitMatch := matchExitCode(g, exitCode)
	stdoutMatch, err := matchStream(g.StdoutMode, g.StdoutPattern, result.Stdout)
	if err != nil {
		return result, fmt.Errorf("stdout pattern: %w", err)
	}
	stderrMatch, err := matchStream(g.StderrMode, g.StderrPattern, result.Stderr)
	if err != nil {
		return result, fmt.Errorf("stderr pattern: %w", err)
	}

	result.Matched = exitMatch && stdoutMatch && stderrMatch
	if result.Matched {
		result.Decision = g.Decision
	}
	return result, nil
}

func matchExitCode(g *models.QuantitativeGuard, code int) bool {
	if len(g.ExitCodes) == 0 {
		return true
	}
	matched := false
	for _, want := range g.ExitCodes {
		if want == code {
			matched = true
			break
		}
	}
	if g.ExitInvert {
		return !matched
	}
	return matched
}

func matchStream(mode models.StreamMode, pattern, content string) (bool, error) {
	switch mode {
	case "", models.StreamModeAny:
		return true, nil
	case models.StreamModeNonempty:
		return strings.TrimSpace(content) != "", nil
	case models.StreamModeEmpty:
		return strings.TrimSpace(content) == "", nil
	case models.StreamModeRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("compile pattern %q: %w", pattern, err)
		}
		return re.MatchString(content), nil
	default:
		return false, fmt.Errorf("unknown stream mode %q", mode)
	}
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// JudgeFunc invokes the qualitative guard's judge process with the rendered
// prompt and returns its raw stdout for verdict parsing. Injected so the
// Runner can swap in a real harness-backed judge while tests use a stub.
type JudgeFunc func(ctx context.Context, prompt string) (stdout string, exitCode int, err error)

// QualitativeResult is the outcome of evaluating one qualitative guard.
type QualitativeResult struct {
	Matched  bool // true on a stop verdict, or when the judge failed and OnInvalid is stop
	Verdict  string
	Invalid  bool
}

// judgeExitStop is the judge exit code that means stop; judgeVerdictStop and
// judgeVerdictGo are the verdict labels for it and for any other exit code,
// per spec §9 Open Question (b): 0 means stop, any nonzero means continue,
// EXCEPT an exec failure (judge couldn't run at all) which is always invalid.
const (
	judgeExitStop     = 0
	judgeVerdictStop  = "stop"
	judgeVerdictGo    = "continue"
)

// EvaluateQualitative renders g's prompt (or reads it from disk when
// IsPromptPath) and invokes judge. The judge's exit code is the verdict:
// 0 = stop, nonzero = continue. An error running the judge itself is
// "invalid" and is resolved by g.OnInvalid.
func EvaluateQualitative(ctx context.Context, g *models.QualitativeGuard, judge JudgeFunc, readFile func(string) (string, error)) (QualitativeResult, error) {
	if g == nil {
		return QualitativeResult{}, nil
	}
	prompt := g.Prompt
	if g.IsPromptPath {
		if readFile == nil {
			return QualitativeResult{}, errors.New("qualitative guard has is_prompt_path set but no file reader")
		}
		content, err := readFile(g.Prompt)
		if err != nil {
			return QualitativeResult{}, fmt.Errorf("read qualitative guard prompt: %w", err)
		}
		prompt = content
	}

	stdout, exitCode, err := judge(ctx, prompt)
	if err != nil {
		return resolveInvalid(g), nil
	}

	verdict := judgeVerdictGo
	matched := exitCode == judgeExitStop
	if matched {
		verdict = judgeVerdictStop
	}
	return QualitativeResult{Matched: matched, Verdict: verdictOrStdout(verdict, stdout)}, nil
}

func resolveInvalid(g *models.QualitativeGuard) QualitativeResult {
	if g.OnInvalid == models.OnInvalidStop {
		return QualitativeResult{Matched: true, Invalid: true, Verdict: "invalid: judge failed to run"}
	}
	return QualitativeResult{Matched: false, Invalid: true, Verdict: "invalid: judge failed to run"}
}

// LiteralJudge is the built-in JudgeFunc: it treats the prompt itself as the
// verdict, in the "<exit code> <label>" form spec §9 Open Question (b) names
// literally ("implementers should treat '0 stop' literally as in scenario
// 4"). The leading whitespace-separated token is parsed as the exit code;
// the remainder is returned as stdout. A prompt with no leading integer is
// an exec failure, so EvaluateQualitative falls through to g.OnInvalid.
func LiteralJudge(ctx context.Context, prompt string) (string, int, error) {
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return "", 0, errors.New("qualitative guard prompt is empty")
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return "", 0, fmt.Errorf("parse leading verdict token %q: %w", fields[0], err)
	}
	return strings.Join(fields[1:], " "), code, nil
}

// ShellJudge returns a JudgeFunc that runs cmd under "sh -c", the same
// invocation convention EvaluateQuantitative uses for g.Cmd, writing the
// rendered prompt to the judge process's stdin and its stdout back as the
// verdict text. Use this to hand qualitative guards off to a real external
// judge process (e.g. an LLM CLI) instead of the literal built-in default.
func ShellJudge(cmd string) JudgeFunc {
	return func(ctx context.Context, prompt string) (string, int, error) {
		if strings.TrimSpace(cmd) == "" {
			return "", 0, errors.New("judge command is empty")
		}
		runCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()

		c := exec.CommandContext(runCtx, "sh", "-c", cmd)
		c.Stdin = strings.NewReader(prompt)
		var stdout, stderr bytes.Buffer
		c.Stdout = &stdout
		c.Stderr = &stderr

		err := c.Run()
		if runCtx.Err() == context.DeadlineExceeded {
			return "", 0, fmt.Errorf("judge command timed out after %s", DefaultTimeout)
		}
		exitCode := exitCodeFromError(err)
		if err != nil && exitCode == -1 {
			return "", 0, fmt.Errorf("run judge command: %w", err)
		}
		return stdout.String(), exitCode, nil
	}
}

func verdictOrStdout(verdict, stdout string) string {
	if strings.TrimSpace(stdout) != "" {
		return strings.TrimSpace(stdout)
	}
	return verdict
}

// ShouldEvaluate reports whether a guard configured with every_n should run
// on the given 1-indexed iteration number.
func ShouldEvaluate(everyN, iteration int) bool {
	if everyN <= 0 {
		return true
	}
	return iteration%everyN == 0
}

// StopReason formats the loop's last_error / state reason for a matched
// guard, per spec §4.4.
func StopReason(kind string, when models.GuardWhen) string {
	if kind == "qualitative" {
		return "qualitative stop matched"
	}
	return fmt.Sprintf("quantitative stop matched (%s-run)", when)
}
