// Package models contains the domain entities persisted by pkg/store and
// exchanged between the Selector, Runner, and Daemon.
package models

import "time"

// LoopState is the lifecycle state of a Loop.
type LoopState string

// Loop states, per the state machine in spec §4.4.
const (
	LoopStatePending  LoopState = "pending"
	LoopStateRunning  LoopState = "running"
	LoopStateSleeping LoopState = "sleeping"
	LoopStateWaiting  LoopState = "waiting"
	LoopStateStopped  LoopState = "stopped"
	LoopStateError    LoopState = "error"
)

// Valid reports whether s is one of the declared LoopState values.
func (s LoopState) Valid() bool {
	switch s {
	case LoopStatePending, LoopStateRunning, LoopStateSleeping, LoopStateWaiting, LoopStateStopped, LoopStateError:
		return true
	}
	return false
}

// Terminal reports whether s is a state resume() can transition out of.
func (s LoopState) Terminal() bool {
	return s == LoopStateStopped || s == LoopStateError
}

// Loop is the aggregate root: a named, long-running supervised worker for
// one repository.
type Loop struct {
	ID                string
	ShortID           string
	Name              string
	RepoPath          string
	ProfileID         *string
	PoolID            *string
	BasePrompt        string
	IntervalSeconds   int
	MaxRuntimeSeconds int
	MaxIterations     int // 0 = unlimited
	State             LoopState
	LastRunAt         *time.Time
	LastExitCode      *int
	LastError         string
	LogPath           string
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IterationCount reads the running iteration counter out of Metadata.
func (l *Loop) IterationCount() int {
	if l.Metadata == nil {
		return 0
	}
	switch v := l.Metadata["iteration_count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SetIterationCount writes the iteration counter into Metadata.
func (l *Loop) SetIterationCount(n int) {
	if l.Metadata == nil {
		l.Metadata = make(map[string]any)
	}
	l.Metadata["iteration_count"] = n
}
