package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edulink-sl/edulink/modules/registry/domain/events"
	"github.com/edulink-sl/edulink/pkg/eventbus"
	"github.com/edulink-sl/edulink/pkg/outbox"
)

// Dispatcher decodes registry outbox rows and republishes them on the
// in-process event bus. Unknown topics are a hard error so a schema drift
// surfaces in the relay's dead-letter accounting instead of vanishing.
type Dispatcher struct {
	bus eventbus.EventBusWithError
}

func NewDispatcher(bus eventbus.EventBusWithError) *Dispatcher {
	return &Dispatcher{bus: bus}
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg outbox.DispatchedMessage) error {
	_ = ctx
	if d == nil || d.bus == nil {
		return fmt.Errorf("registry outbox dispatcher: bus is nil")
	}

	switch msg.Meta.Topic {
	case events.TopicRunLifecycleV1:
	default:
		return fmt.Errorf("registry outbox dispatcher: unsupported topic %q", msg.Meta.Topic)
	}

	var ev events.RunLifecycleEventV1
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("registry outbox dispatcher: decode payload: %w", err)
	}

	return d.bus.PublishE(&msg.Meta, &ev)
}
