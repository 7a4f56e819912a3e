package session

import (
	"github.com/rs/zerolog"

	"buddy/internal/logger"
	"buddy/internal/protocol"
)

// Dispatcher delivers events to live connections. Delivery is best-effort:
// failures are logged and reported as a false/zero result, never raised.
type Dispatcher struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher over the registry
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.GetLogger("session.dispatcher"),
	}
}

// SendToUser delivers ev to every live connection of userID and returns how
// many accepted it. Zero live connections is a silent drop; queuing for
// offline users is the caller's decision.
func (d *Dispatcher) SendToUser(userID string, ev protocol.Event) int {
	handles := d.registry.ConnectionsFor(userID)
	if len(handles) == 0 {
		d.logger.Debug().
			Str("user_id", userID).
			Str("event_type", ev.Type).
			Msg("No live connections, dropping event")
		return 0
	}

	delivered := 0
	for _, h := range handles {
		if d.deliver(h.ID, h.Conn, ev) {
			delivered++
		}
	}
	return delivered
}

// SendToConnection delivers ev to exactly one connection
func (d *Dispatcher) SendToConnection(connectionID string, ev protocol.Event) bool {
	conn, ok := d.registry.conn(connectionID)
	if !ok {
		d.logger.Debug().
			Str("connection_id", connectionID).
			Str("event_type", ev.Type).
			Msg("Connection not live, dropping event")
		return false
	}
	return d.deliver(connectionID, conn, ev)
}

// IsLive reports whether a connection is still registered
func (d *Dispatcher) IsLive(connectionID string) bool {
	_, ok := d.registry.conn(connectionID)
	return ok
}

func (d *Dispatcher) deliver(connectionID string, conn Conn, ev protocol.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("connection_id", connectionID).
				Interface("panic", r).
				Msg("Recovered from panic during send")
			ok = false
		}
	}()

	if err := conn.Send(ev); err != nil {
		d.logger.Warn().
			Err(err).
			Str("connection_id", connectionID).
			Str("event_type", ev.Type).
			Msg("Delivery failed")
		return false
	}
	return true
}
