package offline

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"buddy/internal/logger"
	"buddy/internal/protocol"
)

// Entry is one event waiting for a user to come back
type Entry struct {
	UserID     string
	Event      protocol.Event
	EnqueuedAt time.Time
}

// Store persists queue entries in FIFO order per user
type Store interface {
	Append(entry Entry) error
	// Drain removes and returns every entry of the user in enqueue order
	Drain(userID string) ([]Entry, error)
	Len(userID string) (int, error)
	Total() (int, error)
	Close() error
}

// Presence answers whether a user currently has a live connection
type Presence interface {
	IsOnline(userID string) bool
}

// Queue buffers events for offline users. The online check and the append
// happen under one lock, and Drain takes the same lock, so an event racing a
// reconnect is either seen as online or picked up by that reconnect's drain.
// A user whose first connection is still replaying counts as offline, which
// keeps newer events behind the backlog.
type Queue struct {
	store    Store
	presence Presence
	parked   map[string]int
	logger   zerolog.Logger
	mutex    sync.Mutex
}

// Attachment is a connection registered through Attach whose replay has not
// finished yet
type Attachment struct {
	queue  *Queue
	userID string
	parked bool
}

// NewQueue creates a queue over store
func NewQueue(store Store, presence Presence) *Queue {
	return &Queue{
		store:    store,
		presence: presence,
		parked:   make(map[string]int),
		logger:   logger.GetLogger("offline.queue"),
	}
}

// EnqueueIfOffline appends ev when the user has no live connection and
// reports whether it did. A false result means the caller should dispatch
// the event live instead.
func (q *Queue) EnqueueIfOffline(userID string, ev protocol.Event) (bool, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.online(userID) {
		return false, nil
	}
	if ev.IsBinary() {
		return false, fmt.Errorf("audio frames cannot be queued")
	}

	entry := Entry{UserID: userID, Event: ev, EnqueuedAt: time.Now()}
	if err := q.store.Append(entry); err != nil {
		return false, fmt.Errorf("failed to queue event for %s: %w", userID, err)
	}

	q.logger.Debug().
		Str("user_id", userID).
		Str("event_type", ev.Type).
		Msg("Queued event for offline user")
	return true, nil
}

// online must be called with the mutex held
func (q *Queue) online(userID string) bool {
	return q.parked[userID] == 0 && q.presence.IsOnline(userID)
}

// Drain atomically removes and returns the user's queued events in order
func (q *Queue) Drain(userID string) ([]protocol.Event, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.drainLocked(userID)
}

func (q *Queue) drainLocked(userID string) ([]protocol.Event, error) {
	entries, err := q.store.Drain(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue for %s: %w", userID, err)
	}

	events := make([]protocol.Event, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}
	if len(events) > 0 {
		q.logger.Info().
			Str("user_id", userID).
			Int("events", len(events)).
			Msg("Drained offline queue")
	}
	return events, nil
}

// Attach runs register under the queue lock. When the user had no ready
// connection before, events for the user keep queueing until the returned
// attachment has replayed the backlog.
func (q *Queue) Attach(userID string, register func()) *Attachment {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	a := &Attachment{queue: q, userID: userID, parked: !q.online(userID)}
	register()
	if a.parked {
		q.parked[userID]++
	}
	return a
}

// Replay sends the backlog the way Queue.Replay does, then keeps draining
// whatever queued meanwhile until the queue is empty, and only then lets
// live delivery through. It returns the number of replayed events.
func (a *Attachment) Replay(send func(ev protocol.Event)) (int, error) {
	q := a.queue
	replayed := 0
	for {
		q.mutex.Lock()
		events, err := q.drainLocked(a.userID)
		if err != nil || len(events) == 0 || !a.parked {
			a.release()
			q.mutex.Unlock()
			if err != nil {
				return replayed, err
			}
			if len(events) > 0 {
				replayed += replayBatch(events, replayed == 0, send)
			}
			return replayed, nil
		}
		q.mutex.Unlock()

		replayed += replayBatch(events, replayed == 0, send)
	}
}

// release must be called with the mutex held
func (a *Attachment) release() {
	if !a.parked {
		return
	}
	a.parked = false
	q := a.queue
	if q.parked[a.userID] <= 1 {
		delete(q.parked, a.userID)
		return
	}
	q.parked[a.userID]--
}

// replayBatch sends one drained batch, led by the summary when first is set
func replayBatch(events []protocol.Event, first bool, send func(ev protocol.Event)) int {
	if first {
		if summary, ok := Summarize(events); ok {
			send(summary)
		}
	}
	for _, ev := range events {
		send(ev)
	}
	return len(events)
}

// Len returns how many events are queued for the user
func (q *Queue) Len(userID string) int {
	n, err := q.store.Len(userID)
	if err != nil {
		q.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to count queued events")
	}
	return n
}

// Total returns how many events are queued across all users
func (q *Queue) Total() int {
	n, err := q.store.Total()
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to count queued events")
	}
	return n
}

// Replay drains the user's queue into send: one queued_summary first when the
// batch holds notification events, then every event in enqueue order. It
// returns the number of replayed events.
func (q *Queue) Replay(userID string, send func(ev protocol.Event)) (int, error) {
	events, err := q.Drain(userID)
	if err != nil {
		return 0, err
	}
	return replayBatch(events, true, send), nil
}

// Close releases the underlying store
func (q *Queue) Close() error {
	return q.store.Close()
}

// Summarize builds the coalesced notification for a drained batch. It
// returns false when the batch has no notification events.
func Summarize(events []protocol.Event) (protocol.Event, bool) {
	count := 0
	for _, ev := range events {
		if protocol.IsNotification(ev) {
			count++
		}
	}
	if count == 0 {
		return protocol.Event{}, false
	}
	return protocol.NewQueuedSummary(count, len(events)), true
}
