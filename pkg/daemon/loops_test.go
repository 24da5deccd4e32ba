package daemon

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/forge/pkg/harness"
	"github.com/forgehq/forge/pkg/migrate"
	"github.com/forgehq/forge/pkg/models"
	"github.com/forgehq/forge/pkg/runner"
	"github.com/forgehq/forge/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := t.TempDir() + "/forge.db"
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = migrate.Up(context.Background(), s.DB())
	require.NoError(t, err)
	return s
}

func stubExecution() func(ctx context.Context, profile models.Profile, promptPath, promptContent string) (*harness.Execution, error) {
	return func(ctx context.Context, profile models.Profile, promptPath, promptContent string) (*harness.Execution, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", "exit 0")
		return &harness.Execution{Cmd: cmd}, nil
	}
}

func seedRunnableLoop(t *testing.T, s *store.Store, maxIterations, intervalSeconds int) *models.Loop {
	t.Helper()
	ctx := context.Background()

	profile := &models.Profile{
		Name:            "codex-default",
		Harness:         models.HarnessCodex,
		CommandTemplate: "irrelevant-placeholder",
		PromptMode:      models.PromptModeEnv,
	}
	require.NoError(t, s.Profiles.Create(ctx, profile))

	pool := &models.Pool{Name: "default", IsDefault: true, Mode: models.PoolModeActive}
	require.NoError(t, s.Pools.Create(ctx, pool))
	require.NoError(t, s.Pools.AddMember(ctx, pool.ID, profile.ID, 0))

	loop := &models.Loop{
		Name:            "loop-runner-test",
		RepoPath:        t.TempDir(),
		BasePrompt:      "keep going",
		MaxIterations:   maxIterations,
		IntervalSeconds: intervalSeconds,
	}
	require.NoError(t, s.Loops.Create(ctx, loop))
	return loop
}

func newTestPool(t *testing.T, s *store.Store) (*LoopRunnerPool, *EventBus) {
	t.Helper()
	r := runner.New(s, t.TempDir())
	r.BuildExecution = stubExecution()
	bus := NewEventBus()
	return NewLoopRunnerPool(s, r, bus), bus
}

func TestLoopRunnerPool_StartRunsToTerminalState(t *testing.T) {
	s := newTestStore(t)
	loop := seedRunnableLoop(t, s, 1, 0)
	pool, _ := newTestPool(t, s)

	status, err := pool.Start(StartLoopRunnerRequest{LoopID: loop.ID, ConfigPath: "cfg.yaml", CommandPath: "/usr/bin/forge"})
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, "cfg.yaml", status.ConfigPath)
	assert.Equal(t, "/usr/bin/forge", status.CommandPath)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := pool.Get(loop.ID); err != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	got, err := s.Loops.Get(context.Background(), loop.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoopStateStopped, got.State)

	_, err = pool.Get(loop.ID)
	assert.ErrorIs(t, err, errRunnerNotStarted)
}

func TestLoopRunnerPool_StartTwiceFails(t *testing.T) {
	s := newTestStore(t)
	loop := seedRunnableLoop(t, s, 10, 1)
	pool, _ := newTestPool(t, s)

	_, err := pool.Start(StartLoopRunnerRequest{LoopID: loop.ID})
	require.NoError(t, err)
	defer func() { _ = pool.Stop(loop.ID, true) }()

	_, err = pool.Start(StartLoopRunnerRequest{LoopID: loop.ID})
	assert.ErrorIs(t, err, errRunnerAlreadyStarted)
}

func TestLoopRunnerPool_StopForceWaitsForExit(t *testing.T) {
	s := newTestStore(t)
	loop := seedRunnableLoop(t, s, 10, 5)
	pool, _ := newTestPool(t, s)

	_, err := pool.Start(StartLoopRunnerRequest{LoopID: loop.ID})
	require.NoError(t, err)

	require.NoError(t, pool.Stop(loop.ID, true))

	_, err = pool.Get(loop.ID)
	assert.ErrorIs(t, err, errRunnerNotStarted)
}

func TestLoopRunnerPool_StopUnknownLoop(t *testing.T) {
	s := newTestStore(t)
	pool, _ := newTestPool(t, s)
	err := pool.Stop("does-not-exist", false)
	assert.ErrorIs(t, err, errRunnerNotStarted)
}

func TestLoopRunnerPool_ListReflectsRunningLoops(t *testing.T) {
	s := newTestStore(t)
	loop := seedRunnableLoop(t, s, 10, 5)
	pool, _ := newTestPool(t, s)

	_, err := pool.Start(StartLoopRunnerRequest{LoopID: loop.ID})
	require.NoError(t, err)
	defer func() { _ = pool.Stop(loop.ID, true) }()

	statuses := pool.List()
	require.Len(t, statuses, 1)
	assert.Equal(t, loop.ID, statuses[0].LoopID)
}

func TestLoopRunnerPool_PublishesLoopStateChangedEvents(t *testing.T) {
	s := newTestStore(t)
	loop := seedRunnableLoop(t, s, 1, 0)
	pool, bus := newTestPool(t, s)

	ch, unsubscribe := bus.Subscribe([]string{EventTypeLoopStateChanged}, []string{loop.ID}, nil)
	defer unsubscribe()

	_, err := pool.Start(StartLoopRunnerRequest{LoopID: loop.ID})
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, loop.ID, e.LoopID)
		assert.Equal(t, EventTypeLoopStateChanged, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a loop.state_changed event")
	}
}
