package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/forge/pkg/models"
)

func strPtr(s string) *string { return &s }

func TestTeamTaskRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := &models.TeamTask{TeamID: "team-1", PayloadJSON: `{"kind":"build"}`}
	require.NoError(t, s.TeamTasks.Create(ctx, task))
	assert.Equal(t, models.TeamTaskQueued, task.Status)

	assigned, err := s.TeamTasks.Assign(ctx, task.ID, "agent-1", strPtr("scheduler"))
	require.NoError(t, err)
	assert.Equal(t, models.TeamTaskAssigned, assigned.Status)
	assert.Equal(t, "agent-1", assigned.AssignedAgentID)

	running, err := s.TeamTasks.Start(ctx, task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TeamTaskRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	done, err := s.TeamTasks.Complete(ctx, task.ID, nil, strPtr("all good"))
	require.NoError(t, err)
	assert.Equal(t, models.TeamTaskDone, done.Status)
	require.NotNil(t, done.FinishedAt)

	events, err := s.TeamTasks.ListEvents(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 4) // submitted, assigned, started, completed
	assert.Equal(t, "submitted", events[0].EventType)
	assert.Equal(t, "completed", events[3].EventType)
}

func TestTeamTaskRepositoryRejectsTransitionFromTerminalState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := &models.TeamTask{TeamID: "team-2"}
	require.NoError(t, s.TeamTasks.Create(ctx, task))

	_, err := s.TeamTasks.Fail(ctx, task.ID, nil, strPtr("boom"))
	require.NoError(t, err)

	_, err = s.TeamTasks.Start(ctx, task.ID, nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTeamTaskRepositoryRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := &models.TeamTask{TeamID: "team-3"}
	require.NoError(t, s.TeamTasks.Create(ctx, task))

	_, err := s.TeamTasks.Start(ctx, task.ID, nil) // queued -> running is not allowed directly
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTeamTaskRepositoryListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t1 := &models.TeamTask{TeamID: "team-4"}
	t2 := &models.TeamTask{TeamID: "team-4"}
	require.NoError(t, s.TeamTasks.Create(ctx, t1))
	require.NoError(t, s.TeamTasks.Create(ctx, t2))
	_, err := s.TeamTasks.Assign(ctx, t1.ID, "agent-9", nil)
	require.NoError(t, err)

	queued, err := s.TeamTasks.List(ctx, models.TeamTaskFilter{
		TeamID:   "team-4",
		Statuses: []models.TeamTaskStatus{models.TeamTaskQueued},
	})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, t2.ID, queued[0].ID)
}
