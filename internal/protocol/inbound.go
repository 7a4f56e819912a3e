package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Inbound event types sent by clients
const (
	TypePrompt              = "prompt"
	TypeConfirmResponse     = "confirm_response"
	TypeFormResponse        = "form_response"
	TypeCanvasElementUpdate = "canvas_element_update"
)

// Prompt asks the agent runtime for a new turn
type Prompt struct {
	Text    string `json:"text"`
	AgentID string `json:"agentId"`
}

// ConfirmResponse answers a confirm_action request
type ConfirmResponse struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// FormResponse answers a request_form request
type FormResponse struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// CanvasElementUpdate is a silent client-side edit of one canvas element
type CanvasElementUpdate struct {
	ID      string                     `json:"id"`
	Updates map[string]json.RawMessage `json:"updates"`
}

// Inbound is a decoded client frame whose body is parsed lazily by type
type Inbound struct {
	Type string
	Raw  []byte
}

// DecodeInbound reads the type of a client frame
func DecodeInbound(data []byte) (Inbound, error) {
	if !gjson.ValidBytes(data) {
		return Inbound{}, fmt.Errorf("invalid JSON frame")
	}
	t := gjson.GetBytes(data, "type").String()
	if t == "" {
		return Inbound{}, fmt.Errorf("frame missing type field")
	}
	return Inbound{Type: t, Raw: data}, nil
}

// Into unmarshals the frame body into v
func (in Inbound) Into(v any) error {
	if err := json.Unmarshal(in.Raw, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", in.Type, err)
	}
	return nil
}
