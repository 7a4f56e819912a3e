package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"buddy/internal/logger"
	"buddy/internal/protocol"
)

var (
	// ErrTimeout is the form result when nobody answered in time
	ErrTimeout = errors.New("gate timed out")
	// ErrClosed is the form result when the manager shut down first
	ErrClosed = errors.New("gate manager closed")
)

const (
	DefaultConfirmationTimeout = 60 * time.Second
	DefaultFormTimeout         = 300 * time.Second
	defaultResolvedCacheSize   = 1024
)

// Kind distinguishes the two families of pending gates
type Kind string

const (
	KindConfirmation Kind = "confirmation"
	KindForm         Kind = "form"
)

// Sender emits the request command to the connection that owns the turn
type Sender interface {
	SendToConnection(connectionID string, ev protocol.Event) bool
}

// OwnerLookup returns the user a connection belongs to
type OwnerLookup func(connectionID string) (userID string, ok bool)

// Info describes a pending gate
type Info struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type pending struct {
	info    Info
	timer   *time.Timer
	resolve func(value any)
	expire  func(err error)
}

// Manager tracks pending confirmation and form gates. Every gate is resolved
// at most once: whichever of response, timeout or shutdown removes it from
// the table first wins.
type Manager struct {
	sender          Sender
	gates           map[string]*pending
	resolved        *lru.Cache[string, string]
	confirmTimeout  time.Duration
	formTimeout     time.Duration
	resolvedCacheSz int
	ownerOf         OwnerLookup
	logger          zerolog.Logger
	mutex           sync.Mutex
	closed          bool
}

// Option configures a Manager
type Option func(*Manager)

func WithConfirmationTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.confirmTimeout = d
		}
	}
}

func WithFormTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.formTimeout = d
		}
	}
}

// WithResolvedCacheSize bounds how many finished gate ids are remembered for
// telling late responses apart from unknown ones
func WithResolvedCacheSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.resolvedCacheSz = n
		}
	}
}

// WithOwnerLookup lets connections of the same user answer each other's
// gates. Without it only the connection a gate was sent to may answer.
func WithOwnerLookup(lookup OwnerLookup) Option {
	return func(m *Manager) {
		m.ownerOf = lookup
	}
}

// NewManager creates a gate manager that emits requests through sender
func NewManager(sender Sender, opts ...Option) *Manager {
	m := &Manager{
		sender:          sender,
		gates:           make(map[string]*pending),
		confirmTimeout:  DefaultConfirmationTimeout,
		formTimeout:     DefaultFormTimeout,
		resolvedCacheSz: defaultResolvedCacheSize,
		logger:          logger.GetLogger("gate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.resolved, _ = lru.New[string, string](m.resolvedCacheSz)
	return m
}

// OpenConfirmation asks the connection to approve command. The future yields
// the client's answer, or false when the timeout fires first.
func (m *Manager) OpenConfirmation(connectionID, command, reason string) *Future[bool] {
	future := newFuture[bool]()
	p := &pending{
		resolve: func(value any) {
			approved, ok := value.(bool)
			if !ok {
				m.logger.Warn().
					Str("value_type", fmt.Sprintf("%T", value)).
					Msg("Confirmation resolved with non-boolean value, treating as denied")
			}
			future.complete(approved, nil)
		},
		expire: func(err error) {
			future.complete(false, nil)
		},
	}
	id, ok := m.open(KindConfirmation, connectionID, m.confirmTimeout, p)
	if !ok {
		return future
	}

	params, _ := json.Marshal(map[string]string{
		"id":      id,
		"command": command,
		"reason":  reason,
	})
	m.emit(id, connectionID, protocol.NewCanvasCommand(protocol.CommandConfirmAction, params))
	return future
}

// OpenForm asks the connection to fill in the described form. The
// future yields the submitted data, or ErrTimeout when nobody answers.
func (m *Manager) OpenForm(connectionID string, definition json.RawMessage) *Future[json.RawMessage] {
	future := newFuture[json.RawMessage]()
	p := &pending{
		resolve: func(value any) {
			data, err := toRaw(value)
			future.complete(data, err)
		},
		expire: func(err error) {
			future.complete(nil, err)
		},
	}
	id, ok := m.open(KindForm, connectionID, m.formTimeout, p)
	if !ok {
		return future
	}

	if len(definition) == 0 {
		definition = json.RawMessage("{}")
	}
	params, err := sjson.SetBytes(definition, "id", id)
	if err != nil {
		m.logger.Error().Err(err).Str("gate_id", id).Msg("Form definition is not an object, sending id only")
		params, _ = json.Marshal(map[string]string{"id": id})
	}
	m.emit(id, connectionID, protocol.NewCanvasCommand(protocol.CommandRequestForm, params))
	return future
}

// open registers p and arms its timer. After Close the gate expires at once
// and open reports false.
func (m *Manager) open(kind Kind, connectionID string, timeout time.Duration, p *pending) (string, bool) {
	id := uuid.New().String()
	p.info = Info{
		ID:           id,
		Kind:         kind,
		ConnectionID: connectionID,
		UserID:       m.userOf(connectionID),
		CreatedAt:    time.Now(),
	}

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		p.expire(ErrClosed)
		return id, false
	}
	m.gates[id] = p
	p.timer = time.AfterFunc(timeout, func() { m.timeout(id) })
	m.mutex.Unlock()

	m.logger.Debug().
		Str("gate_id", id).
		Str("kind", string(kind)).
		Str("connection_id", connectionID).
		Dur("timeout", timeout).
		Msg("Gate opened")
	return id, true
}

func (m *Manager) emit(id, connectionID string, ev protocol.Event) {
	if !m.sender.SendToConnection(connectionID, ev) {
		// The gate stays open; the timer still resolves it
		m.logger.Warn().
			Str("gate_id", id).
			Str("connection_id", connectionID).
			Msg("Gate request could not be delivered")
	}
}

// take removes a pending gate; the caller that gets it owns the resolution
func (m *Manager) take(id string) (*pending, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p, ok := m.gates[id]
	if !ok {
		return nil, false
	}
	m.remove(id, p)
	return p, true
}

// remove must be called with the mutex held
func (m *Manager) remove(id string, p *pending) {
	delete(m.gates, id)
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (m *Manager) userOf(connectionID string) string {
	if m.ownerOf == nil {
		return ""
	}
	userID, _ := m.ownerOf(connectionID)
	return userID
}

func (p *pending) answerableBy(responderID, responderUser string) bool {
	if responderID == p.info.ConnectionID {
		return true
	}
	return p.info.UserID != "" && p.info.UserID == responderUser
}

// resolve completes a gate of kind with a value sent by the responder
// connection. Unknown ids, already resolved ids, gates of the other kind and
// gates owned by another user are ignored and left as they are.
func (m *Manager) resolve(kind Kind, responderID, id string, value any) bool {
	responderUser := m.userOf(responderID)

	m.mutex.Lock()
	p, ok := m.gates[id]
	mismatch := ok && (p.info.Kind != kind || !p.answerableBy(responderID, responderUser))
	if ok && !mismatch {
		m.remove(id, p)
	}
	m.mutex.Unlock()

	if mismatch {
		m.logger.Warn().
			Str("gate_id", id).
			Str("kind", string(kind)).
			Str("gate_kind", string(p.info.Kind)).
			Str("connection_id", responderID).
			Str("gate_connection_id", p.info.ConnectionID).
			Msg("Ignoring response from the wrong kind or owner")
		return false
	}
	if !ok {
		if how, seen := m.resolved.Get(id); seen {
			m.logger.Info().
				Str("gate_id", id).
				Str("resolved_by", how).
				Msg("Ignoring response for already resolved gate")
		} else {
			m.logger.Warn().
				Str("gate_id", id).
				Msg("Ignoring response for unknown gate")
		}
		return false
	}

	p.resolve(value)
	m.resolved.Add(id, "response")

	m.logger.Info().
		Str("gate_id", id).
		Str("kind", string(p.info.Kind)).
		Dur("waited", time.Since(p.info.CreatedAt)).
		Msg("Gate resolved")
	return true
}

// ResolveConfirmation answers a confirmation gate on behalf of responderID.
// It returns false, and changes nothing, unless the gate is a pending
// confirmation the responder may answer.
func (m *Manager) ResolveConfirmation(responderID, id string, approved bool) bool {
	return m.resolve(KindConfirmation, responderID, id, approved)
}

// ResolveForm answers a form gate on behalf of responderID
func (m *Manager) ResolveForm(responderID, id string, data json.RawMessage) bool {
	return m.resolve(KindForm, responderID, id, data)
}

func (m *Manager) timeout(id string) {
	p, ok := m.take(id)
	if !ok {
		return
	}
	p.expire(ErrTimeout)
	m.resolved.Add(id, "timeout")

	m.logger.Info().
		Str("gate_id", id).
		Str("kind", string(p.info.Kind)).
		Str("connection_id", p.info.ConnectionID).
		Msg("Gate timed out")
}

// Pending lists open gates
func (m *Manager) Pending() []Info {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]Info, 0, len(m.gates))
	for _, p := range m.gates {
		out = append(out, p.info)
	}
	return out
}

// Close resolves every open gate with its default value
func (m *Manager) Close() {
	m.mutex.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.gates))
	for id := range m.gates {
		ids = append(ids, id)
	}
	m.mutex.Unlock()

	for _, id := range ids {
		if p, ok := m.take(id); ok {
			p.expire(ErrClosed)
			m.resolved.Add(id, "shutdown")
		}
	}
}

func toRaw(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode form data: %w", err)
		}
		return data, nil
	}
}
