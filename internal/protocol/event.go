package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Outbound event types
const (
	TypeProcessing      = "processing"
	TypeCanvasCommand   = "canvas_command"
	TypeSubtitle        = "subtitle"
	TypeAgentSwitch     = "agent_switch"
	TypeCanvasRehydrate = "canvas_rehydrate"
	TypeTTSStart        = "tts_start"
	TypeTTSEnd          = "tts_end"
	TypeTTSFallback     = "tts_fallback"
	TypeAudio           = "audio"
	TypeQueuedSummary   = "queued_summary"
	TypeError           = "error"
)

// Commands opened by the gate manager
const (
	CommandConfirmAction = "confirm_action"
	CommandRequestForm   = "request_form"
	CommandCanvasRemove  = "canvas_remove"
	CommandCanvasClear   = "canvas_clear"
	CommandSendFile      = "send_file"
)

// Event is one message sent to a live connection. Audio events travel as
// binary frames; everything else is a JSON object with a "type" field merged
// into the payload fields.
type Event struct {
	Type    string
	Payload any
	Audio   []byte
}

// IsBinary reports whether the event is a raw audio frame
func (e Event) IsBinary() bool {
	return e.Type == TypeAudio
}

// Encode renders the event as the JSON text frame sent on the wire
func (e Event) Encode() ([]byte, error) {
	if e.IsBinary() {
		return nil, fmt.Errorf("audio events have no JSON encoding")
	}

	var body []byte
	switch p := e.Payload.(type) {
	case nil:
		body = []byte("{}")
	case json.RawMessage:
		body = p
	case []byte:
		body = p
	default:
		var err error
		body, err = json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
		}
	}

	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%s payload must encode to a JSON object", e.Type)
	}

	out, err := sjson.SetBytes(body, "type", e.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to set event type: %w", err)
	}
	return out, nil
}

// DecodeEvent restores an encoded event, keeping the body opaque
func DecodeEvent(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, fmt.Errorf("invalid event JSON")
	}
	t := gjson.GetBytes(data, "type")
	if !t.Exists() || t.String() == "" {
		return Event{}, fmt.Errorf("event missing type field")
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Event{Type: t.String(), Payload: raw}, nil
}

// IsNotification reports whether the event counts toward a queued summary
func IsNotification(e Event) bool {
	return e.Type == TypeCanvasCommand
}

// ProcessingPayload signals the start and end of a turn
type ProcessingPayload struct {
	Status bool `json:"status"`
}

// CanvasCommandPayload carries one UI command emitted by an agent
type CanvasCommandPayload struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// SubtitlePayload carries the spoken text of a turn
type SubtitlePayload struct {
	Text string `json:"text"`
}

// AgentSwitchPayload tells the client which agent is active and what it shows
type AgentSwitchPayload struct {
	Agent  string            `json:"agent"`
	Canvas []json.RawMessage `json:"canvas"`
}

// CanvasRehydratePayload carries a full snapshot on connect
type CanvasRehydratePayload struct {
	Agent    string            `json:"agent,omitempty"`
	Elements []json.RawMessage `json:"elements"`
}

// TTSFallbackPayload explains why audio stopped
type TTSFallbackPayload struct {
	Reason string `json:"reason,omitempty"`
}

// QueuedSummaryPayload summarizes events that arrived while the user was away
type QueuedSummaryPayload struct {
	Count   int    `json:"count"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// ErrorPayload reports a protocol error back to the client
type ErrorPayload struct {
	Message string `json:"message"`
}

func NewProcessing(status bool) Event {
	return Event{Type: TypeProcessing, Payload: ProcessingPayload{Status: status}}
}

func NewCanvasCommand(command string, params json.RawMessage) Event {
	return Event{Type: TypeCanvasCommand, Payload: CanvasCommandPayload{Command: command, Params: params}}
}

func NewSubtitle(text string) Event {
	return Event{Type: TypeSubtitle, Payload: SubtitlePayload{Text: text}}
}

func NewAgentSwitch(agent string, canvas []json.RawMessage) Event {
	if canvas == nil {
		canvas = []json.RawMessage{}
	}
	return Event{Type: TypeAgentSwitch, Payload: AgentSwitchPayload{Agent: agent, Canvas: canvas}}
}

func NewCanvasRehydrate(agent string, elements []json.RawMessage) Event {
	if elements == nil {
		elements = []json.RawMessage{}
	}
	return Event{Type: TypeCanvasRehydrate, Payload: CanvasRehydratePayload{Agent: agent, Elements: elements}}
}

func NewTTSStart() Event { return Event{Type: TypeTTSStart} }

func NewTTSEnd() Event { return Event{Type: TypeTTSEnd} }

func NewTTSFallback(reason string) Event {
	return Event{Type: TypeTTSFallback, Payload: TTSFallbackPayload{Reason: reason}}
}

func NewAudio(frame []byte) Event {
	return Event{Type: TypeAudio, Audio: frame}
}

func NewQueuedSummary(count, total int) Event {
	noun := "tasks"
	if count == 1 {
		noun = "task"
	}
	return Event{Type: TypeQueuedSummary, Payload: QueuedSummaryPayload{
		Count:   count,
		Total:   total,
		Message: fmt.Sprintf("%d %s ran while you were away", count, noun),
	}}
}

func NewError(message string) Event {
	return Event{Type: TypeError, Payload: ErrorPayload{Message: message}}
}
