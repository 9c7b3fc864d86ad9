// Package sessionlog mirrors completed turns into background transcript sync
// jobs. Duplicate intents from overlapping events collapse onto one job via
// the queue's dedupe key.
package sessionlog

import (
	"context"
	"fmt"

	"github.com/mattjoyce/agent-runtime/internal/extension"
	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

const agentID = "dev.sessionlog"

func init() {
	extension.RegisterEntrypoint(agentID, setup)
}

func setup(reg *extension.Registry) error {
	reg.On("turn.completed", handleTurnCompleted)
	reg.On("session.started", handleSessionStarted)
	return nil
}

func handleTurnCompleted(_ context.Context, ev runtime.Event, _ *runtime.Tools) (any, error) {
	turnID, _ := ev.Payload["turnId"].(string)
	if turnID == "" {
		return nil, fmt.Errorf("turn.completed event without turnId")
	}

	return runtime.ActionRequest{
		ActionType: "queue.enqueue",
		Payload: map[string]any{
			"jobType":   "transcript.sync",
			"dedupeKey": "transcript-sync:" + turnID,
			"payload": map[string]any{
				"turnId":          turnID,
				"sourceSessionId": ev.Payload["sourceSessionId"],
			},
		},
	}, nil
}

func handleSessionStarted(_ context.Context, ev runtime.Event, _ *runtime.Tools) (any, error) {
	return map[string]any{
		"observed": "session.started",
		"project":  ev.Payload["projectId"],
	}, nil
}
