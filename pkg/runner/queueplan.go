package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgehq/forge/pkg/store"
)

// Recognized LoopQueueItem.Type values the Runner interprets. Any other
// type is drained (consumed) but otherwise ignored, so a caller can enqueue
// informational markers without affecting dispatch.
const (
	QueueItemTypeStop           = "stop"
	QueueItemTypeKill           = "kill"
	QueueItemTypePause          = "pause"
	QueueItemTypeSteer          = "steer"
	QueueItemTypeOverridePrompt = "override_prompt"
)

// PausePayload is the JSON payload of a "pause" queue item.
type PausePayload struct {
	DurationSeconds int  `json:"duration_seconds"`
	BeforeRun       bool `json:"before_run"`
}

// SteerPayload is the JSON payload of a "steer" queue item: an operator
// message injected into the next iteration's prompt.
type SteerPayload struct {
	Message string `json:"message"`
}

// OverridePromptPayload is the JSON payload of an "override_prompt" queue
// item: a one-shot replacement for the loop's base prompt.
type OverridePromptPayload struct {
	Prompt   string `json:"prompt"`
	IsPath   bool   `json:"is_path"`
}

// QueuePlan is the result of draining a loop's pending queue once, per
// spec §4.4 dispatch step 1 (the Runner drains the queue before deciding
// what to do this iteration).
type QueuePlan struct {
	StopRequested  bool
	KillRequested  bool
	PauseDuration  time.Duration
	PauseBeforeRun bool
	OverridePrompt *OverridePromptPayload
	Messages       []string
	ConsumeItemIDs []string
}

// buildQueuePlan reads every pending queue item for loopID and classifies
// it. It does not mark items consumed; callers call markQueueCompleted once
// the plan has been acted on, mirroring spec §9 Open Question (a)'s
// resolution: items are only removed from "pending" after they have
// actually influenced an iteration.
func buildQueuePlan(ctx context.Context, queue *store.LoopQueueRepository, loopID string) (QueuePlan, error) {
	items, err := queue.Pending(ctx, loopID)
	if err != nil {
		return QueuePlan{}, fmt.Errorf("read pending queue items: %w", err)
	}

	var plan QueuePlan
	for _, it := range items {
		plan.ConsumeItemIDs = append(plan.ConsumeItemIDs, it.ID)
		switch it.Type {
		case QueueItemTypeStop:
			plan.StopRequested = true
		case QueueItemTypeKill:
			plan.KillRequested = true
		case QueueItemTypePause:
			var p PausePayload
			if err := unmarshalPayload(it.Payload, &p); err != nil {
				return QueuePlan{}, fmt.Errorf("pause queue item %s: %w", it.ID, err)
			}
			plan.PauseDuration = time.Duration(p.DurationSeconds) * time.Second
			plan.PauseBeforeRun = p.BeforeRun
		case QueueItemTypeSteer:
			var p SteerPayload
			if err := unmarshalPayload(it.Payload, &p); err != nil {
				return QueuePlan{}, fmt.Errorf("steer queue item %s: %w", it.ID, err)
			}
			if p.Message != "" {
				plan.Messages = append(plan.Messages, p.Message)
			}
		case QueueItemTypeOverridePrompt:
			var p OverridePromptPayload
			if err := unmarshalPayload(it.Payload, &p); err != nil {
				return QueuePlan{}, fmt.Errorf("override_prompt queue item %s: %w", it.ID, err)
			}
			plan.OverridePrompt = &p
		}
	}
	return plan, nil
}

func unmarshalPayload(payload string, dst any) error {
	if payload == "" {
		return nil
	}
	return json.Unmarshal([]byte(payload), dst)
}

// markQueueCompleted consumes every drained item. Best-effort per item: a
// missing item (already consumed by a racing caller) is not an error here,
// matching spec §9 Open Question (a)'s implementer latitude.
func markQueueCompleted(ctx context.Context, queue *store.LoopQueueRepository, ids []string) error {
	for _, id := range ids {
		if err := queue.Consume(ctx, id); err != nil && err != store.ErrQueueItemNotFound {
			return fmt.Errorf("consume queue item %s: %w", id, err)
		}
	}
	return nil
}

// appendOperatorMessages folds queued steer messages into the rendered
// prompt so the next iteration sees them as additional operator context.
func appendOperatorMessages(prompt string, messages []string) string {
	if len(messages) == 0 {
		return prompt
	}
	out := prompt
	for _, m := range messages {
		out += "\n\n[operator] " + m
	}
	return out
}
