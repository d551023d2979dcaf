// Package bus provides the in-process event bus used to fan out presence
// transitions (device_online, device_offline) and other hub events to
// interested subsystems without direct coupling.
package bus

import "sync"

// Event is a named payload broadcast to all subscribers.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// DevicePayload accompanies presence events.
type DevicePayload struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id,omitempty"`
}

// EventHandler handles a broadcast event. Handlers must not block.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is a simple synchronous fan-out publisher. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func New() *Bus {
	return &Bus{handlers: make(map[string]EventHandler)}
}

func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber. Delivery order across
// subscribers is unspecified.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}
