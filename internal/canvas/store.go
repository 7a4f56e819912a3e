package canvas

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"buddy/internal/logger"
	"buddy/internal/protocol"
)

type key struct {
	userID  string
	agentID string
}

// list keeps elements in render order with an id index
type list struct {
	order    []string
	elements map[string]json.RawMessage
}

func newList() *list {
	return &list{elements: make(map[string]json.RawMessage)}
}

// Store holds the canvas of every (user, agent) pair. Agent writes (Upsert)
// and client edits (Patch) go through the same lock, so the last one to
// arrive wins.
type Store struct {
	lists  map[key]*list
	logger zerolog.Logger
	mutex  sync.Mutex
}

// NewStore creates an empty canvas store
func NewStore() *Store {
	return &Store{
		lists:  make(map[key]*list),
		logger: logger.GetLogger("canvas"),
	}
}

// ElementID reads the identity of an element
func ElementID(element json.RawMessage) string {
	return gjson.GetBytes(element, "id").String()
}

// Snapshot returns a copy of the elements in render order
func (s *Store) Snapshot(userID, agentID string) []json.RawMessage {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	l, ok := s.lists[key{userID, agentID}]
	if !ok {
		return []json.RawMessage{}
	}
	out := make([]json.RawMessage, len(l.order))
	for i, id := range l.order {
		out[i] = clone(l.elements[id])
	}
	return out
}

// Upsert appends an element with a new id, or replaces the existing one in
// place keeping its position
func (s *Store) Upsert(userID, agentID string, element json.RawMessage) error {
	if !gjson.ValidBytes(element) || !gjson.ParseBytes(element).IsObject() {
		return fmt.Errorf("canvas element must be a JSON object")
	}
	id := ElementID(element)
	if id == "" {
		return fmt.Errorf("canvas element missing id")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	k := key{userID, agentID}
	l, ok := s.lists[k]
	if !ok {
		l = newList()
		s.lists[k] = l
	}
	if _, exists := l.elements[id]; !exists {
		l.order = append(l.order, id)
	}
	l.elements[id] = clone(element)
	return nil
}

// Patch merges updates into an existing element. Missing ids are a no-op and
// return false. The id field itself cannot be patched.
func (s *Store) Patch(userID, agentID, elementID string, updates map[string]json.RawMessage) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	l, ok := s.lists[key{userID, agentID}]
	if !ok {
		return false
	}
	element, ok := l.elements[elementID]
	if !ok {
		return false
	}

	fields := make([]string, 0, len(updates))
	for field := range updates {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	patched := clone(element)
	for _, field := range fields {
		if field == "id" {
			continue
		}
		value := updates[field]
		if !gjson.ValidBytes(value) {
			s.logger.Warn().
				Str("element_id", elementID).
				Str("field", field).
				Msg("Skipping invalid JSON value in canvas patch")
			continue
		}
		next, err := sjson.SetRawBytes(patched, gjson.Escape(field), value)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("element_id", elementID).
				Str("field", field).
				Msg("Failed to apply canvas patch field")
			continue
		}
		patched = next
	}
	l.elements[elementID] = patched
	return true
}

// Remove deletes one element
func (s *Store) Remove(userID, agentID, elementID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	l, ok := s.lists[key{userID, agentID}]
	if !ok {
		return false
	}
	if _, ok := l.elements[elementID]; !ok {
		return false
	}
	delete(l.elements, elementID)
	for i, id := range l.order {
		if id == elementID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear empties the canvas of one agent
func (s *Store) Clear(userID, agentID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.lists, key{userID, agentID})
}

// ApplyCommand updates the canvas for a command emitted by an agent turn.
// canvas_clear and canvas_remove edit the list; any other command whose
// params carry an id is stored as {id, type:<command>, ...params}.
func (s *Store) ApplyCommand(userID, agentID, command string, params json.RawMessage) {
	switch command {
	case protocol.CommandCanvasClear:
		s.Clear(userID, agentID)
		return
	case protocol.CommandCanvasRemove:
		s.Remove(userID, agentID, ElementID(params))
		return
	case protocol.CommandConfirmAction, protocol.CommandRequestForm:
		return
	}

	if ElementID(params) == "" {
		return
	}
	element := clone(params)
	if !gjson.GetBytes(element, "type").Exists() {
		var err error
		element, err = sjson.SetBytes(element, "type", command)
		if err != nil {
			return
		}
	}
	if err := s.Upsert(userID, agentID, element); err != nil {
		s.logger.Warn().Err(err).
			Str("user_id", userID).
			Str("agent_id", agentID).
			Str("command", command).
			Msg("Ignoring canvas command with invalid element")
	}
}

func clone(raw json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
