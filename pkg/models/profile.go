package models

import "time"

// HarnessKind names a known provider family. It determines prompt-delivery
// conventions in pkg/harness.
type HarnessKind string

const (
	HarnessCodex    HarnessKind = "codex"
	HarnessClaude   HarnessKind = "claude"
	HarnessOpencode HarnessKind = "opencode"
	HarnessPi       HarnessKind = "pi"
	HarnessDroid    HarnessKind = "droid"
	HarnessNone     HarnessKind = ""
)

// PromptMode controls how a profile's command receives the loop's prompt.
type PromptMode string

const (
	PromptModeEnv    PromptMode = "env"
	PromptModeStdin  PromptMode = "stdin"
	PromptModePath   PromptMode = "path"
)

// Valid reports whether m is a declared PromptMode.
func (m PromptMode) Valid() bool {
	switch m {
	case PromptModeEnv, PromptModeStdin, PromptModePath:
		return true
	}
	return false
}

// Profile is a named provider+command recipe a loop uses to run an iteration.
type Profile struct {
	ID               string
	Name             string
	Harness          HarnessKind
	CommandTemplate  string
	PromptMode       PromptMode
	MaxConcurrency   int // 0 = unlimited
	CooldownUntil    *time.Time
	AuthToken        string
	Model            string
	ExtraArgs        []string
	Environment      map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Pool is an ordered set of profiles with a round-robin cursor.
type Pool struct {
	ID        string
	Name      string
	IsDefault bool
	Mode      PoolMode
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PoolMode controls whether a pool's members are eligible for new dispatch.
// Supplements spec §4.3 with the drain/pause modes from original_source and
// other_examples' daemon pool; see SPEC_FULL.md.
type PoolMode string

const (
	PoolModeActive   PoolMode = "active"
	PoolModeDraining PoolMode = "draining"
	PoolModePaused   PoolMode = "paused"
)

// LastIndex reads the round-robin cursor out of Pool.Metadata. Absent or
// unparsable values default to -1, per spec §4.3 step 4.
func (p *Pool) LastIndex() int {
	if p.Metadata == nil {
		return -1
	}
	switch v := p.Metadata["last_index"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return -1
}

// SetLastIndex writes the round-robin cursor into Pool.Metadata.
func (p *Pool) SetLastIndex(idx int) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata["last_index"] = idx
}

// PoolMember is one (pool, profile) membership with an ordering position.
type PoolMember struct {
	PoolID    string
	ProfileID string
	Position  int
}
