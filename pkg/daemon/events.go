package daemon

import (
	"sync"
	"time"
)

// Event types published on the daemon's event stream (spec §4.5 stream_events).
// Named the way pkg/events/types.go names its timeline/session event
// constants in the teacher.
const (
	EventTypeLoopStateChanged = "loop.state_changed"
	EventTypeRunFinished      = "loop_run.finished"
	EventTypeAgentSpawned     = "agent.spawned"
	EventTypeAgentExited      = "agent.exited"
)

// Event is one entry on the monotonic event stream. Cursor is assigned at
// publish time and is strictly increasing within a daemon process, per spec
// §5 "Event streams carry a monotonic cursor; replays from an older cursor
// must yield the same sequence."
type Event struct {
	Cursor      int64          `json:"cursor"`
	Type        string         `json:"type"`
	LoopID      string         `json:"loop_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	At          time.Time      `json:"at"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// eventSubscriber receives events matching its filter. Buffered so a slow
// reader doesn't block Publish; overflow drops the oldest unsent event,
// mirroring the backpressure carve-out spec §5 grants to
// coalesced/high-frequency streams.
type eventSubscriber struct {
	ch      chan Event
	types   map[string]bool
	loopIDs map[string]bool
	wsIDs   map[string]bool
}

func (s *eventSubscriber) matches(e Event) bool {
	if len(s.types) > 0 && !s.types[e.Type] {
		return false
	}
	if len(s.loopIDs) > 0 && !s.loopIDs[e.LoopID] {
		return false
	}
	if len(s.wsIDs) > 0 && !s.wsIDs[e.WorkspaceID] {
		return false
	}
	return true
}

// EventBus fans published events out to subscribers and retains a bounded
// backlog for catchup-by-cursor, grounded on the teacher's ConnectionManager
// channel-subscription pattern (pkg/events/manager.go) generalized from
// named PG channels to a single ordered, typed event log.
type EventBus struct {
	mu          sync.Mutex
	nextCursor  int64
	backlog     []Event
	backlogCap  int
	subscribers map[*eventSubscriber]struct{}
	now         func() time.Time
}

const defaultEventBacklog = 1000

// NewEventBus returns an EventBus with production defaults.
func NewEventBus() *EventBus {
	return &EventBus{
		backlogCap:  defaultEventBacklog,
		subscribers: make(map[*eventSubscriber]struct{}),
		now:         time.Now,
	}
}

// Publish assigns the next cursor, appends to the backlog, and delivers to
// every matching subscriber without blocking the caller.
func (b *EventBus) Publish(e Event) Event {
	b.mu.Lock()
	b.nextCursor++
	e.Cursor = b.nextCursor
	if e.At.IsZero() {
		e.At = b.now()
	}
	b.backlog = append(b.backlog, e)
	if len(b.backlog) > b.backlogCap {
		b.backlog = b.backlog[len(b.backlog)-b.backlogCap:]
	}
	subs := make([]*eventSubscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Channel full: drop the oldest queued event to make room rather
			// than stall Publish. Readers observe a gap, not silence.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- e:
			default:
			}
		}
	}
	return e
}

// Since returns every backlogged event with Cursor > cursor, matching the
// given filter. Used to seed a new subscriber so stream_events(cursor, ...)
// replays deterministically (spec §5).
func (b *EventBus) Since(cursor int64, types, loopIDs, workspaceIDs []string) []Event {
	s := &eventSubscriber{types: toSet(types), loopIDs: toSet(loopIDs), wsIDs: toSet(workspaceIDs)}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range b.backlog {
		if e.Cursor <= cursor {
			continue
		}
		if s.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers a live subscriber and returns a channel of future
// events plus an unsubscribe func. Callers typically call Since first to
// drain the backlog, then range over the returned channel.
func (b *EventBus) Subscribe(types, loopIDs, workspaceIDs []string) (<-chan Event, func()) {
	s := &eventSubscriber{
		ch:      make(chan Event, 256),
		types:   toSet(types),
		loopIDs: toSet(loopIDs),
		wsIDs:   toSet(workspaceIDs),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		delete(b.subscribers, s)
		b.mu.Unlock()
		close(s.ch)
	}
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
