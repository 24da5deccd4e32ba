package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishAssignsIncreasingCursors(t *testing.T) {
	b := NewEventBus()
	e1 := b.Publish(Event{Type: EventTypeLoopStateChanged, LoopID: "loop-1"})
	e2 := b.Publish(Event{Type: EventTypeRunFinished, LoopID: "loop-1"})
	assert.Equal(t, int64(1), e1.Cursor)
	assert.Equal(t, int64(2), e2.Cursor)
}

func TestEventBus_SinceFiltersByCursorAndType(t *testing.T) {
	b := NewEventBus()
	b.Publish(Event{Type: EventTypeLoopStateChanged, LoopID: "loop-1"})
	b.Publish(Event{Type: EventTypeAgentSpawned, AgentID: "agent-1"})
	b.Publish(Event{Type: EventTypeRunFinished, LoopID: "loop-1"})

	all := b.Since(0, nil, nil, nil)
	require.Len(t, all, 3)

	fromOne := b.Since(1, nil, nil, nil)
	require.Len(t, fromOne, 2)
	assert.Equal(t, EventTypeAgentSpawned, fromOne[0].Type)

	onlyLoop := b.Since(0, []string{EventTypeLoopStateChanged, EventTypeRunFinished}, nil, nil)
	require.Len(t, onlyLoop, 2)
	for _, e := range onlyLoop {
		assert.Equal(t, "loop-1", e.LoopID)
	}
}

func TestEventBus_SinceReplayIsDeterministic(t *testing.T) {
	b := NewEventBus()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventTypeLoopStateChanged, LoopID: "loop-1"})
	}
	first := b.Since(1, nil, nil, nil)
	second := b.Since(1, nil, nil, nil)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Cursor, second[i].Cursor)
	}
}

func TestEventBus_SubscribeReceivesLiveEvents(t *testing.T) {
	b := NewEventBus()
	ch, unsubscribe := b.Subscribe([]string{EventTypeAgentSpawned}, nil, nil)
	defer unsubscribe()

	b.Publish(Event{Type: EventTypeAgentExited, AgentID: "agent-1"})
	b.Publish(Event{Type: EventTypeAgentSpawned, AgentID: "agent-2"})

	select {
	case e := <-ch:
		assert.Equal(t, EventTypeAgentSpawned, e.Type)
		assert.Equal(t, "agent-2", e.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected a matching event to be delivered")
	}
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewEventBus()
	ch, unsubscribe := b.Subscribe(nil, nil, nil)
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestEventBus_WorkspaceFilter(t *testing.T) {
	b := NewEventBus()
	b.Publish(Event{Type: EventTypeAgentSpawned, WorkspaceID: "ws-a"})
	b.Publish(Event{Type: EventTypeAgentSpawned, WorkspaceID: "ws-b"})

	onlyA := b.Since(0, nil, nil, []string{"ws-a"})
	require.Len(t, onlyA, 1)
	assert.Equal(t, "ws-a", onlyA[0].WorkspaceID)
}
