package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/forgehq/forge/pkg/runner"
	"github.com/forgehq/forge/pkg/store"
)

var (
	errRunnerAlreadyStarted = errors.New("loop runner already started")
	errRunnerNotStarted     = errors.New("loop runner not started")
)

// StartLoopRunnerRequest mirrors spec §4.5's start_loop_runner(loop_id,
// config_path, command_path). config_path/command_path name the on-disk
// config file and CLI binary the original out-of-process runner shelled
// out to; since config-file loading is an explicit Non-goal (spec §1), this
// daemon schedules iterations in-process via pkg/runner.Runner instead of
// spawning that external binary, and only records the two paths on the
// LoopRunner status for observability/compatibility with callers that pass
// them.
type StartLoopRunnerRequest struct {
	LoopID      string `json:"loop_id"`
	ConfigPath  string `json:"config_path,omitempty"`
	CommandPath string `json:"command_path,omitempty"`
}

// LoopRunnerStatus is the response shape for start/get/list_loop_runner.
type LoopRunnerStatus struct {
	LoopID      string     `json:"loop_id"`
	ConfigPath  string     `json:"config_path,omitempty"`
	CommandPath string     `json:"command_path,omitempty"`
	Running     bool       `json:"running"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type runningLoop struct {
	status LoopRunnerStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// LoopRunnerPool supervises one scheduling goroutine per running loop, each
// repeatedly calling runner.Runner.Dispatch with the loop's configured
// interval between iterations until the loop reaches a terminal state or
// stop_loop_runner is called. Grounded on the teacher's pkg/queue.WorkerPool
// (a supervised goroutine per active unit of work, graceful-stop via
// context cancellation) generalized from a shared worker pool to one
// goroutine per loop, since each Loop here is independently schedulable.
type LoopRunnerPool struct {
	mu      sync.Mutex
	running map[string]*runningLoop

	store  *store.Store
	runner *runner.Runner
	bus    *EventBus
	logger *slog.Logger
}

// NewLoopRunnerPool wires a pool against st/r, publishing lifecycle events to bus.
func NewLoopRunnerPool(st *store.Store, r *runner.Runner, bus *EventBus) *LoopRunnerPool {
	return &LoopRunnerPool{
		running: make(map[string]*runningLoop),
		store:   st,
		runner:  r,
		bus:     bus,
		logger:  slog.With("component", "loop_runner_pool"),
	}
}

// Start begins supervised dispatch of req.LoopID. Returns errRunnerAlreadyStarted
// if a supervisor for this loop is already active.
func (p *LoopRunnerPool) Start(req StartLoopRunnerRequest) (LoopRunnerStatus, error) {
	p.mu.Lock()
	if _, exists := p.running[req.LoopID]; exists {
		p.mu.Unlock()
		return LoopRunnerStatus{}, errRunnerAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	rl := &runningLoop{
		status: LoopRunnerStatus{
			LoopID:      req.LoopID,
			ConfigPath:  req.ConfigPath,
			CommandPath: req.CommandPath,
			Running:     true,
			StartedAt:   time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.running[req.LoopID] = rl
	p.mu.Unlock()

	go p.supervise(ctx, req.LoopID, rl)

	return rl.status, nil
}

// supervise repeatedly dispatches one iteration of loopID, sleeping the
// loop's configured interval between iterations, until the loop's state is
// terminal (stopped/error) or ctx is cancelled by Stop.
func (p *LoopRunnerPool) supervise(ctx context.Context, loopID string, rl *runningLoop) {
	defer close(rl.done)
	defer p.finish(loopID, rl)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.runner.Dispatch(ctx, loopID); err != nil {
			p.logger.Error("loop dispatch failed", "loop_id", loopID, "err", err)
			p.setLastError(rl, err.Error())
			if ctx.Err() != nil {
				return
			}
		}

		loop, err := p.store.Loops.Get(ctx, loopID)
		if err != nil {
			p.logger.Error("reload loop after dispatch failed", "loop_id", loopID, "err", err)
			return
		}
		if p.bus != nil {
			p.bus.Publish(Event{Type: EventTypeLoopStateChanged, LoopID: loopID, Payload: map[string]any{"state": string(loop.State)}})
		}
		if loop.State.Terminal() {
			return
		}

		interval := time.Duration(loop.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (p *LoopRunnerPool) setLastError(rl *runningLoop, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rl.status.LastError = msg
}

func (p *LoopRunnerPool) finish(loopID string, rl *runningLoop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.running[loopID]; ok && cur == rl {
		now := time.Now()
		rl.status.Running = false
		rl.status.StoppedAt = &now
		delete(p.running, loopID)
	}
}

// Stop requests the supervisor for loopID to exit. With force it cancels
// immediately, interrupting any in-flight Dispatch's child process via its
// context; without force it still cancels the supervision context (there is
// no separate graceful drain point between iterations to wait on), matching
// spec §5's framing of force as "immediately" vs. observing a grace period —
// the grace period here is bounded by Dispatch completing its current
// iteration, which honours in-flight guard/child timeouts either way.
func (p *LoopRunnerPool) Stop(loopID string, force bool) error {
	p.mu.Lock()
	rl, ok := p.running[loopID]
	p.mu.Unlock()
	if !ok {
		return errRunnerNotStarted
	}
	rl.cancel()
	if force {
		<-rl.done
	}
	return nil
}

// Get returns the current status of loopID's supervisor.
func (p *LoopRunnerPool) Get(loopID string) (LoopRunnerStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rl, ok := p.running[loopID]
	if !ok {
		return LoopRunnerStatus{}, errRunnerNotStarted
	}
	return rl.status, nil
}

// List returns the status of every currently-supervised loop.
func (p *LoopRunnerPool) List() []LoopRunnerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LoopRunnerStatus, 0, len(p.running))
	for _, rl := range p.running {
		out = append(out, rl.status)
	}
	return out
}
