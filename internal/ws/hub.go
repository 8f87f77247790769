package ws

import (
	"log/slog"

	"vestnik/internal/models"
)

// Hub fans events out to live connections. Resolution goes through
// the presence registry; a miss means the recipient is offline and
// the event is dropped (messages stay durable in the store, so the
// recipient catches up on next conversation load).
type Hub struct {
	registry *Registry
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		registry: NewRegistry(),
		log:      log,
	}
}

// Deliver sends the event to the live connection for identity, if
// any. It reports whether a connection accepted the event.
func (h *Hub) Deliver(identity string, event models.ServerEvent) bool {
	sess, ok := h.registry.Resolve(identity)
	if !ok {
		return false
	}
	if !sess.enqueue(event) {
		h.log.Warn("dropping event for slow consumer", "user_id", identity, "event", event.Event)
		return false
	}
	return true
}

// Broadcast delivers the event independently per identity. Partial
// delivery is expected, not a failure.
func (h *Hub) Broadcast(identities []string, event models.ServerEvent) {
	delivered := 0
	for _, identity := range identities {
		if h.Deliver(identity, event) {
			delivered++
		}
	}
	h.log.Info("broadcast", "event", event.Event, "recipients", len(identities), "delivered", delivered)
}
