package notify

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/runner"
)

// BusNotifier implements runner.Notifier by publishing outcomes to a Bus.
type BusNotifier struct {
	bus *Bus
}

// NewBusNotifier creates a BusNotifier.
func NewBusNotifier(bus *Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Notify publishes the run outcome as a completed or failed event.
func (n *BusNotifier) Notify(ctx context.Context, rn runner.Notification) error {
	now := time.Now()
	if rn.Success {
		n.bus.Publish(TaskCompletedEvent{
			ID:            rn.TaskID,
			Description:   rn.Description,
			ResultPath:    rn.ResultPath,
			TokenUsage:    rn.TokenUsage,
			ExecutionTime: rn.ExecutionTime,
			FileChanges:   rn.FileChanges,
			Timestamp:     now,
		})
		return nil
	}
	n.bus.Publish(TaskFailedEvent{
		ID:            rn.TaskID,
		Description:   rn.Description,
		ErrorMessage:  rn.ErrorMessage,
		ExecutionTime: rn.ExecutionTime,
		FileChanges:   rn.FileChanges,
		Timestamp:     now,
	})
	return nil
}
