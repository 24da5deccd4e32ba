// Package runner executes one loop iteration end to end: guards, profile
// selection, command dispatch with concurrent log streaming, outcome
// classification, and loop/run bookkeeping. See spec §4.4 (C3), grounded on
// other_examples/282bcddd_trmdy-forge__internal-loop-runner.go.go.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/forgehq/forge/pkg/guard"
	"github.com/forgehq/forge/pkg/harness"
	"github.com/forgehq/forge/pkg/logstream"
	"github.com/forgehq/forge/pkg/models"
	"github.com/forgehq/forge/pkg/selector"
	"github.com/forgehq/forge/pkg/store"
)

// ErrPoolUnavailable and ErrProfileUnavailable surface the Selector's
// sentinels through Dispatch, per spec §7 "Unavailable".
var (
	ErrPoolUnavailable    = selector.ErrPoolUnavailable
	ErrProfileUnavailable = selector.ErrProfileUnavailable
)

const defaultOutputTailLines = 60
const defaultInterruptPollInterval = time.Second

// Runner dispatches loop iterations. Store and the Selector backend are
// taken as interfaces/concrete handles so tests can swap in in-memory
// doubles per spec §9 "Generics vs dynamic dispatch".
type Runner struct {
	Store           *store.Store
	SelectorBackend selector.Backend
	DefaultPoolName string

	// BuildExecution renders a profile's command. Defaults to
	// harness.BuildExecution; overridable in tests.
	BuildExecution func(ctx context.Context, profile models.Profile, promptPath, promptContent string) (*harness.Execution, error)

	// Judge runs a qualitative guard's prompt. New defaults this to
	// guard.LiteralJudge; nil disables qualitative guards entirely.
	Judge guard.JudgeFunc

	DataDir               string
	OutputTailLines       int
	InterruptPollInterval time.Duration

	Logger *slog.Logger

	// Now is injected for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// New returns a Runner with production defaults wired in.
func New(st *store.Store, dataDir string) *Runner {
	return &Runner{
		Store:                 st,
		SelectorBackend:       store.SelectorBackend{Store: st},
		BuildExecution:        harness.BuildExecution,
		Judge:                 guard.LiteralJudge,
		DataDir:               dataDir,
		OutputTailLines:       defaultOutputTailLines,
		InterruptPollInterval: defaultInterruptPollInterval,
		Logger:                slog.With("component", "runner"),
		Now:                   time.Now,
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Dispatch executes exactly one iteration of loopID: guards, selection,
// spawn, classify, persist. It returns after one complete cycle regardless
// of outcome — it is not responsible for scheduling the next iteration
// (spec §4.4 "Failure semantics").
func (r *Runner) Dispatch(ctx context.Context, loopID string) error {
	loop, err := r.Store.Loops.Get(ctx, loopID)
	if err != nil {
		return fmt.Errorf("get loop %s: %w", loopID, err)
	}

	plan, err := buildQueuePlan(ctx, r.Store.Queue, loop.ID)
	if err != nil {
		return r.fail(ctx, loop, fmt.Errorf("queue planning: %w", err))
	}

	if plan.StopRequested {
		_ = markQueueCompleted(ctx, r.Store.Queue, plan.ConsumeItemIDs)
		loop.State = models.LoopStateStopped
		loop.LastError = ""
		return r.Store.Loops.Update(ctx, loop)
	}
	if plan.KillRequested {
		_ = markQueueCompleted(ctx, r.Store.Queue, plan.ConsumeItemIDs)
		loop.State = models.LoopStateStopped
		loop.LastError = "killed by operator request"
		return r.Store.Loops.Update(ctx, loop)
	}

	stopCfg, err := loadStopConfig(loop)
	if err != nil {
		return r.fail(ctx, loop, fmt.Errorf("decode stop_config: %w", err))
	}

	iteration := loop.IterationCount() + 1

	if stopCfg != nil && stopCfg.Quantitative != nil && stopCfg.Quantitative.When == models.GuardWhenBefore {
		if guard.ShouldEvaluate(stopCfg.Quantitative.EveryN, iteration) {
			res, err := guard.EvaluateQuantitative(ctx, stopCfg.Quantitative, loop.RepoPath)
			if err != nil {
				return r.fail(ctx, loop, fmt.Errorf("before-run guard: %w", err))
			}
			if res.Matched && res.Decision == models.GuardDecisionStop {
				_ = markQueueCompleted(ctx, r.Store.Queue, plan.ConsumeItemIDs)
				loop.State = models.LoopStateStopped
				loop.LastError = guard.StopReason("quantitative", models.GuardWhenBefore)
				return r.Store.Loops.Update(ctx, loop)
			}
		}
	}

	now := r.now()
	spec := selector.LoopSpec{ProfileID: loop.ProfileID, PoolID: loop.PoolID}
	selection, err := selector.Select(ctx, r.SelectorBackend, spec, r.DefaultPoolName, now)
	if err != nil {
		loop.State = models.LoopStateError
		loop.LastError = err.Error()
		_ = r.Store.Loops.Update(ctx, loop)
		return fmt.Errorf("loop run failed: %w", err)
	}
	if selection.WaitUntil != nil {
		if loop.Metadata == nil {
			loop.Metadata = map[string]any{}
		}
		loop.Metadata["wait_until"] = selection.WaitUntil.UTC().Format(time.RFC3339)
		loop.State = models.LoopStateWaiting
		loop.LastError = fmt.Sprintf("waiting for profile availability until %s", selection.WaitUntil.UTC().Format(time.RFC3339))
		return r.Store.Loops.Update(ctx, loop)
	}
	profile := selection.Profile
	if loop.Metadata != nil {
		delete(loop.Metadata, "wait_until")
	}

	if plan.PauseDuration > 0 && plan.PauseBeforeRun {
		loop.State = models.LoopStateSleeping
		if err := r.Store.Loops.Update(ctx, loop); err != nil {
			return err
		}
		r.sleep(ctx, plan.PauseDuration)
		return markQueueCompleted(ctx, r.Store.Queue, plan.ConsumeItemIDs)
	}

	run := &models.LoopRun{LoopID: loop.ID, ProfileID: profile.ID}
	if err := r.Store.Runs.Create(ctx, run); err != nil {
		return r.fail(ctx, loop, fmt.Errorf("create loop run: %w", err))
	}

	prompt := loop.BasePrompt
	if plan.OverridePrompt != nil {
		resolved, err := r.resolveOverridePrompt(loop.RepoPath, *plan.OverridePrompt)
		if err != nil {
			_ = r.Store.Runs.Finish(ctx, run.ID, models.LoopRunStatusError, nil, err.Error())
			return r.fail(ctx, loop, fmt.Errorf("resolve override prompt: %w", err))
		}
		prompt = resolved
	}
	prompt = appendOperatorMessages(prompt, plan.Messages)

	promptPath := ""
	if profile.PromptMode == models.PromptModePath {
		path, err := r.writePromptFile(loop.ID, run.ID, prompt)
		if err != nil {
			_ = r.Store.Runs.Finish(ctx, run.ID, models.LoopRunStatusError, nil, err.Error())
			return r.fail(ctx, loop, fmt.Errorf("write prompt file: %w", err))
		}
		promptPath = path
	}

	logPath := loop.LogPath
	if logPath == "" {
		logPath = logstream.Path(r.DataDir, loop.Name, loop.ID)
		loop.LogPath = logPath
	}
	logWriter, err := logstream.OpenWriter(logPath)
	if err != nil {
		_ = r.Store.Runs.Finish(ctx, run.ID, models.LoopRunStatusError, nil, err.Error())
		return r.fail(ctx, loop, fmt.Errorf("open log writer: %w", err))
	}
	defer logWriter.Close()

	tailLines := r.OutputTailLines
	if tailLines <= 0 {
		tailLines = defaultOutputTailLines
	}
	tailBuf := logstream.NewTailBuffer(tailLines)
	output := io.MultiWriter(logWriter, tailBuf)

	loop.State = models.LoopStateRunning
	if err := r.Store.Loops.Update(ctx, loop); err != nil {
		return err
	}

	exitCode, runErr := r.runChild(ctx, loop, *profile, promptPath, prompt, output)

	var afterGuardStop bool
	var stopReason string

	if stopCfg != nil && stopCfg.Quantitative != nil && stopCfg.Quantitative.When == models.GuardWhenAfter &&
		guard.ShouldEvaluate(stopCfg.Quantitative.EveryN, iteration) {
		res, gerr := guard.EvaluateQuantitative(ctx, stopCfg.Quantitative, loop.RepoPath)
		if gerr != nil {
			runErr = fmt.Errorf("after-run guard: %w", gerr)
		} else if res.Matched && res.Decision == models.GuardDecisionStop {
			afterGuardStop = true
			stopReason = guard.StopReason("quantitative", models.GuardWhenAfter)
		}
	}

	if runErr == nil && stopCfg != nil && stopCfg.Qualitative != nil && r.Judge != nil &&
		guard.ShouldEvaluate(stopCfg.Qualitative.EveryN, iteration) {
		res, gerr := guard.EvaluateQualitative(ctx, stopCfg.Qualitative, r.Judge, readFile)
		if gerr != nil {
			runErr = fmt.Errorf("qualitative guard: %w", gerr)
		} else if res.Matched {
			afterGuardStop = true
			stopReason = guard.StopReason("qualitative", "")
		}
	}

	status, finalErrText := classifyOutcome(exitCode, runErr, afterGuardStop)
	var exitCodePtr *int
	if exitCode >= 0 {
		ec := exitCode
		exitCodePtr = &ec
	}
	if err := r.Store.Runs.Finish(ctx, run.ID, status, exitCodePtr, stopReason); err != nil {
		r.Logger.Error("finish loop run failed", "run_id", run.ID, "err", err)
	}

	finishedAt := r.now()
	loop.LastRunAt = &finishedAt
	loop.LastExitCode = exitCodePtr
	loop.LastError = finalErrText
	loop.SetIterationCount(iteration)

	if afterGuardStop || (loop.MaxIterations > 0 && iteration >= loop.MaxIterations) {
		loop.State = models.LoopStateStopped
		if afterGuardStop && loop.LastError == "" {
			loop.LastError = stopReason
		}
	} else {
		loop.State = models.LoopStateSleeping
	}
	if err := r.Store.Loops.Update(ctx, loop); err != nil {
		return err
	}

	return markQueueCompleted(ctx, r.Store.Queue, plan.ConsumeItemIDs)
}

func (r *Runner) fail(ctx context.Context, loop *models.Loop, cause error) error {
	loop.State = models.LoopStateError
	loop.LastError = cause.Error()
	if err := r.Store.Loops.Update(ctx, loop); err != nil {
		r.Logger.Error("failed to persist error state", "loop_id", loop.ID, "err", err)
	}
	return cause
}

// runChild spawns the profile's rendered command, streaming stdout/stderr
// concurrently to output, and races completion against an interrupt
// watcher that polls the queue for kill requests (spec §4.4 step 4). Other
// queue items enqueued mid-run stay pending for the next Dispatch.
func (r *Runner) runChild(ctx context.Context, loop *models.Loop, profile models.Profile, promptPath, prompt string, output io.Writer) (int, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	execPlan, err := r.BuildExecution(runCtx, profile, promptPath, prompt)
	if err != nil {
		return -1, fmt.Errorf("build execution: %w", err)
	}
	execPlan.Cmd.Dir = loop.RepoPath
	if execPlan.Cmd.Stdout == nil {
		execPlan.Cmd.Stdout = output
	}
	if execPlan.Cmd.Stderr == nil {
		execPlan.Cmd.Stderr = output
	}

	type result struct {
		code int
		err  error
	}
	resultCh := make(chan result, 1)
	killCh := make(chan struct{}, 1)

	go func() {
		err := execPlan.Cmd.Run()
		resultCh <- result{code: exitCodeFromError(err), err: err}
	}()

	interval := r.InterruptPollInterval
	if interval <= 0 {
		interval = defaultInterruptPollInterval
	}
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	go r.watchKill(watchCtx, loop.ID, interval, killCh)

	select {
	case res := <-resultCh:
		watchCancel()
		var exitErr *exec.ExitError
		if res.err == nil || errors.As(res.err, &exitErr) {
			return res.code, nil
		}
		return res.code, res.err
	case <-killCh:
		cancel()
		res := <-resultCh
		return res.code, errKilled
	}
}

// errKilled marks a run as externally killed rather than merely failed.
var errKilled = errors.New("killed by operator request")

// exitCodeFromError extracts a process exit code from cmd.Run()'s error,
// returning -1 when the process never started (spawn failure) or was
// terminated by a signal without a reportable code.
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

func (r *Runner) watchKill(ctx context.Context, loopID string, interval time.Duration, killCh chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			items, err := r.Store.Queue.Pending(ctx, loopID)
			if err != nil {
				continue
			}
			for _, it := range items {
				if it.Type == QueueItemTypeKill {
					_ = r.Store.Queue.Consume(ctx, it.ID)
					select {
					case killCh <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *Runner) resolveOverridePrompt(repoPath string, override OverridePromptPayload) (string, error) {
	if !override.IsPath {
		return override.Prompt, nil
	}
	path := override.Prompt
	if !filepath.IsAbs(path) {
		path = filepath.Join(repoPath, path)
	}
	content, err := readFile(path)
	if err != nil {
		return "", fmt.Errorf("read override prompt file: %w", err)
	}
	return content, nil
}

func (r *Runner) writePromptFile(loopID, runID, content string) (string, error) {
	dir := filepath.Join(r.DataDir, "prompts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.prompt", loopID, runID))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// classifyOutcome implements spec §4.4 step 6.
func classifyOutcome(exitCode int, runErr error, stopGuardMatched bool) (models.LoopRunStatus, string) {
	if errors.Is(runErr, errKilled) {
		return models.LoopRunStatusKilled, errKilled.Error()
	}
	if runErr != nil {
		return models.LoopRunStatusError, runErr.Error()
	}
	if exitCode != 0 {
		return models.LoopRunStatusError, fmt.Sprintf("exit code %d", exitCode)
	}
	if stopGuardMatched {
		return models.LoopRunStatusSuccess, ""
	}
	return models.LoopRunStatusSuccess, ""
}

// loadStopConfig decodes Loop.Metadata["stop_config"] (stored as generic
// JSON after a round trip through the store) into a typed StopConfig.
func loadStopConfig(loop *models.Loop) (*models.StopConfig, error) {
	if loop.Metadata == nil {
		return nil, nil
	}
	raw, ok := loop.Metadata["stop_config"]
	if !ok {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var cfg models.StopConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
