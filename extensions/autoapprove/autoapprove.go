// Package autoapprove decides low-risk approval requests automatically.
// Requests that look destructive are left for a human or another module.
package autoapprove

import (
	"context"
	"strings"

	"github.com/mattjoyce/agent-runtime/internal/extension"
	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

const agentID = "dev.autoapprove"

func init() {
	extension.RegisterEntrypoint(agentID, setup)
}

func setup(reg *extension.Registry) error {
	reg.On("approval.requested", handleApprovalRequested, extension.WithPriority(50))
	return nil
}

// riskyFragments flags commands this module refuses to decide on its own.
var riskyFragments = []string{"rm -rf", "sudo", "mkfs", "dd if=", "> /dev/"}

func handleApprovalRequested(_ context.Context, ev runtime.Event, _ *runtime.Tools) (any, error) {
	command, _ := ev.Payload["command"].(string)
	for _, frag := range riskyFragments {
		if strings.Contains(command, frag) {
			// Not our call; let a stricter module or the operator decide.
			return nil, nil
		}
	}

	return runtime.ActionRequest{
		ActionType: "approval.decide",
		RequestID:  ev.CorrelationID,
		Payload: map[string]any{
			"decision":  "accept",
			"requestId": ev.CorrelationID,
			"decidedBy": agentID,
		},
	}, nil
}
