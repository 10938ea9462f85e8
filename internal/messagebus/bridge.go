package messagebus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jordanhubbard/converge/internal/eventbus"
	"github.com/jordanhubbard/converge/pkg/messages"
)

const bridgeSource = "nats-bridge"

// Bridge connects the in-process EventBus with NATS. Local events are
// published so other instances and external consumers receive them; events
// from other instances are injected into the local bus so local subscribers
// see the whole cluster.
type Bridge struct {
	pub        EventPublisher
	sub        EventSubscriber
	eventBus   *eventbus.EventBus
	instanceID string

	mu      sync.Mutex
	started bool
}

var _ eventbus.Forwarder = (*Bridge)(nil)

// NewBridge creates a bridge. sub may be nil for publish-only operation.
func NewBridge(pub EventPublisher, sub EventSubscriber, eb *eventbus.EventBus, instanceID string) *Bridge {
	return &Bridge{
		pub:        pub,
		sub:        sub,
		eventBus:   eb,
		instanceID: instanceID,
	}
}

// Start registers the bridge as a forwarder and subscribes to remote events.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	if b.sub != nil {
		if err := b.sub.SubscribeBroadcast(b.inject); err != nil {
			return fmt.Errorf("failed to subscribe to remote events: %w", err)
		}
	}
	b.eventBus.AddForwarder(b)
	b.started = true

	log.Printf("[Bridge] Started (instance=%s)", b.instanceID)
	return nil
}

// Forward publishes a local event to NATS. Events that arrived from NATS
// are not sent back.
func (b *Bridge) Forward(ctx context.Context, event *eventbus.Event) error {
	if fromRemote(event) {
		return nil
	}
	return b.pub.PublishEvent(ctx, string(event.Type), ToMessage(event, b.instanceID))
}

func (b *Bridge) inject(msg *messages.EventMessage) {
	if src, ok := msg.Metadata["source_instance"]; ok && src == b.instanceID {
		return
	}
	if err := b.eventBus.Publish(FromMessage(msg)); err != nil {
		log.Printf("[Bridge] Failed to inject remote event %s: %v", msg.Type, err)
	}
}

func fromRemote(event *eventbus.Event) bool {
	if event.Data == nil {
		return false
	}
	_, ok := event.Data["from_nats"]
	return ok
}

// ToMessage translates a bus event into its wire message.
func ToMessage(event *eventbus.Event, instanceID string) *messages.EventMessage {
	var msg *messages.EventMessage
	switch event.Type {
	case eventbus.EventTypeSessionCreated:
		msg = messages.SessionCreated(event.SessionID, event.EntityID, event.Source)
		msg.Event.Data = event.Data
	case eventbus.EventTypeIterationCompleted:
		msg = messages.IterationCompleted(event.SessionID, event.EntityID, event.Source, event.Data)
	case eventbus.EventTypeCheckpointCreated:
		msg = messages.CheckpointCreated(event.SessionID, event.EntityID, event.Source, event.Data)
	case eventbus.EventTypeRecoveryInvoked:
		msg = messages.RecoveryInvoked(event.SessionID, event.EntityID, event.Source, event.Data)
	case eventbus.EventTypeSessionConverged:
		msg = messages.SessionConverged(event.SessionID, event.EntityID, event.Source, event.Data)
	case eventbus.EventTypeSessionAborted:
		reason, _ := event.Data["reason"].(string)
		msg = messages.SessionAborted(event.SessionID, event.Source, reason, event.Data)
		msg.EntityID = event.EntityID
	default:
		msg = &messages.EventMessage{
			Type:      string(event.Type),
			Source:    event.Source,
			SessionID: event.SessionID,
			EntityID:  event.EntityID,
			Event:     messages.EventData{Action: "forwarded", Category: "bridge", Data: event.Data},
		}
	}
	msg.ID = event.ID
	msg.Timestamp = event.Timestamp
	msg.Metadata = map[string]interface{}{"source_instance": instanceID}
	return msg
}

// FromMessage translates a wire message back into a bus event marked as remote.
func FromMessage(msg *messages.EventMessage) *eventbus.Event {
	data := make(map[string]interface{}, len(msg.Event.Data)+1)
	for k, v := range msg.Event.Data {
		data[k] = v
	}
	data["from_nats"] = true

	return &eventbus.Event{
		ID:        msg.ID,
		Type:      eventbus.EventType(msg.Type),
		Source:    bridgeSource + ":" + msg.Source,
		SessionID: msg.SessionID,
		EntityID:  msg.EntityID,
		Data:      data,
		Timestamp: msg.Timestamp,
	}
}
