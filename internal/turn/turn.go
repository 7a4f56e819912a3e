// Package turn splits one completed agent turn into the ordered events a
// client renders: every UI command, then the spoken text, then completion.
package turn

import (
	"encoding/json"
	"strings"

	"buddy/internal/protocol"
)

// Command is one UI command emitted by the agent during a turn
type Command struct {
	Name   string          `json:"command"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Turn is the result of one agent invocation
type Turn struct {
	Commands []Command `json:"commands"`
	Text     string    `json:"text"`
}

// Sink receives the events of a turn in order
type Sink func(ev protocol.Event)

// HasText reports whether the turn carries speakable text
func (t Turn) HasText() bool {
	return strings.TrimSpace(t.Text) != ""
}

// Emit calls sink for every command in emission order, then once for the text
// when present, and finally once with processing{status:false}. The final
// call always happens so a waiting client never stalls.
func Emit(t Turn, sink Sink) {
	for _, cmd := range t.Commands {
		sink(protocol.NewCanvasCommand(cmd.Name, cmd.Params))
	}
	if t.HasText() {
		sink(protocol.NewSubtitle(t.Text))
	}
	sink(Complete())
}

// Complete is the turn-complete signal
func Complete() protocol.Event {
	return protocol.NewProcessing(false)
}
