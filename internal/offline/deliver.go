package offline

import (
	"github.com/rs/zerolog"

	"buddy/internal/logger"
	"buddy/internal/protocol"
)

// Sender delivers an event to every live connection of a user
type Sender interface {
	SendToUser(userID string, ev protocol.Event) int
}

// Deliverer routes background-triggered events: live users get them now,
// offline users get them queued for the next connection.
type Deliverer struct {
	queue  *Queue
	sender Sender
	logger zerolog.Logger
}

func NewDeliverer(queue *Queue, sender Sender) *Deliverer {
	return &Deliverer{
		queue:  queue,
		sender: sender,
		logger: logger.GetLogger("offline.deliver"),
	}
}

// Deliver sends or queues ev and reports whether it was queued
func (d *Deliverer) Deliver(userID string, ev protocol.Event) (queued bool, err error) {
	queued, err = d.queue.EnqueueIfOffline(userID, ev)
	if err != nil || queued {
		return queued, err
	}

	if d.sender.SendToUser(userID, ev) > 0 {
		return false, nil
	}

	// Every connection closed between the online check and the send
	d.logger.Debug().
		Str("user_id", userID).
		Str("event_type", ev.Type).
		Msg("Live delivery reached no connection, retrying as offline")
	return d.queue.EnqueueIfOffline(userID, ev)
}
