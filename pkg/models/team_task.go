package models

import "time"

// TeamTaskStatus is the lifecycle state of a work-inbox item, grounded on
// original_source/crates/forge-db/src/team_task_repository.rs.
type TeamTaskStatus string

const (
	TeamTaskQueued    TeamTaskStatus = "queued"
	TeamTaskAssigned  TeamTaskStatus = "assigned"
	TeamTaskRunning   TeamTaskStatus = "running"
	TeamTaskBlocked   TeamTaskStatus = "blocked"
	TeamTaskDone      TeamTaskStatus = "done"
	TeamTaskFailed    TeamTaskStatus = "failed"
	TeamTaskCancelled TeamTaskStatus = "cancelled"
)

// Terminal reports whether further transitions from this status are
// rejected (spec §3 Invariant 5).
func (s TeamTaskStatus) Terminal() bool {
	switch s {
	case TeamTaskDone, TeamTaskFailed, TeamTaskCancelled:
		return true
	}
	return false
}

// TeamTask is a work-inbox item owned by a team, with a queued→assigned→
// running→(blocked)→done/failed/cancelled state machine.
type TeamTask struct {
	ID              string
	TeamID          string
	PayloadJSON     string
	Status          TeamTaskStatus
	Priority        int64
	AssignedAgentID string
	SubmittedAt     time.Time
	AssignedAt      *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	UpdatedAt       time.Time
}

// TeamTaskEvent is one append-only audit row for a TeamTask transition.
type TeamTaskEvent struct {
	ID            int64
	TaskID        string
	TeamID        string
	EventType     string
	FromStatus    *TeamTaskStatus
	ToStatus      *TeamTaskStatus
	ActorAgentID  *string
	Detail        *string
	CreatedAt     time.Time
}

// TeamTaskFilter narrows a TeamTask list query.
type TeamTaskFilter struct {
	TeamID          string
	Statuses        []TeamTaskStatus
	AssignedAgentID string
	Limit           int
}
