// Package ingest accepts background-triggered events from backend workers.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"buddy/internal/logger"
	"buddy/internal/protocol"
)

const pollInterval = 250 * time.Millisecond

// Deliverer routes an event to a user, live or queued
type Deliverer interface {
	Deliver(userID string, ev protocol.Event) (queued bool, err error)
}

// Listener binds a ZeroMQ PULL socket. Each message is either one JSON frame
// {"user_id": "...", "event": {...}} or two frames [user_id][event].
type Listener struct {
	address   string
	deliverer Deliverer
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mutex  sync.Mutex
}

// NewListener creates a listener for address, e.g. "tcp://*:5556"
func NewListener(address string, deliverer Deliverer) *Listener {
	return &Listener{
		address:   address,
		deliverer: deliverer,
		logger:    logger.GetLogger("ingest"),
	}
}

// Start binds the socket and starts the receive loop
func (l *Listener) Start() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.done != nil {
		return fmt.Errorf("listener already started")
	}

	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return fmt.Errorf("failed to create PULL socket: %w", err)
	}

	defer func() {
		if err != nil {
			socket.Close()
		}
	}()

	if err = socket.SetLinger(0); err != nil {
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err = socket.SetRcvhwm(1000); err != nil {
		return fmt.Errorf("failed to set receive high watermark: %w", err)
	}
	// Bounded receives let the loop notice Stop
	if err = socket.SetRcvtimeo(pollInterval); err != nil {
		return fmt.Errorf("failed to set receive timeout: %w", err)
	}
	if err = socket.Bind(l.address); err != nil {
		return fmt.Errorf("failed to bind to address: %w", err)
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.done = make(chan struct{})

	l.logger.Info().Str("address", l.address).Msg("Background trigger listener started")

	go l.receiveLoop(socket)
	return nil
}

// Stop ends the receive loop and waits for the socket to close
func (l *Listener) Stop() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.done == nil {
		return nil
	}
	l.cancel()
	<-l.done
	l.done = nil

	l.logger.Info().Msg("Background trigger listener stopped")
	return nil
}

// receiveLoop owns the socket; zmq sockets must not be shared across goroutines
func (l *Listener) receiveLoop(socket *zmq4.Socket) {
	defer close(l.done)
	defer socket.Close()

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		msg, err := socket.RecvMessageBytes(0)
		if err != nil {
			if err.Error() != "resource temporarily unavailable" {
				l.logger.Error().Err(err).Msg("Failed to receive message")
			}
			continue
		}

		if err := l.handle(msg); err != nil {
			l.logger.Warn().
				Err(err).
				Int("parts_count", len(msg)).
				Msg("Dropping background trigger message")
		}
	}
}

// handle decodes one message and delivers it
func (l *Listener) handle(parts [][]byte) error {
	userID, ev, err := decodeMessage(parts)
	if err != nil {
		return err
	}

	queued, err := l.deliverer.Deliver(userID, ev)
	if err != nil {
		return err
	}

	l.logger.Debug().
		Str("user_id", userID).
		Str("event_type", ev.Type).
		Bool("queued", queued).
		Msg("Background trigger delivered")
	return nil
}

func decodeMessage(parts [][]byte) (string, protocol.Event, error) {
	var userID string
	var body []byte

	switch len(parts) {
	case 1:
		if !gjson.ValidBytes(parts[0]) {
			return "", protocol.Event{}, fmt.Errorf("message is not valid JSON")
		}
		userID = gjson.GetBytes(parts[0], "user_id").String()
		event := gjson.GetBytes(parts[0], "event")
		if !event.IsObject() {
			return "", protocol.Event{}, fmt.Errorf("message event must be an object")
		}
		body = []byte(event.Raw)
	case 2:
		userID = string(parts[0])
		body = parts[1]
	default:
		return "", protocol.Event{}, fmt.Errorf("unexpected frame count %d", len(parts))
	}

	if userID == "" {
		return "", protocol.Event{}, fmt.Errorf("message missing user_id")
	}

	ev, err := protocol.DecodeEvent(body)
	if err != nil {
		return "", protocol.Event{}, err
	}
	if ev.IsBinary() {
		return "", protocol.Event{}, fmt.Errorf("audio events cannot be triggered")
	}
	return userID, ev, nil
}
