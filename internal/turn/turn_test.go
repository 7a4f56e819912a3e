package turn

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"buddy/internal/protocol"
)

func collect(t Turn) []protocol.Event {
	var out []protocol.Event
	Emit(t, func(ev protocol.Event) { out = append(out, ev) })
	return out
}

func TestEmitOrdering(t *testing.T) {
	tests := []struct {
		name     string
		commands int
		text     string
		want     []string
	}{
		{"empty turn still completes", 0, "", []string{protocol.TypeProcessing}},
		{"whitespace text is skipped", 0, "  \n\t", []string{protocol.TypeProcessing}},
		{"text only", 0, "Hello", []string{protocol.TypeSubtitle, protocol.TypeProcessing}},
		{"commands only", 2, "", []string{protocol.TypeCanvasCommand, protocol.TypeCanvasCommand, protocol.TypeProcessing}},
		{"commands then text", 3, "Done", []string{
			protocol.TypeCanvasCommand, protocol.TypeCanvasCommand, protocol.TypeCanvasCommand,
			protocol.TypeSubtitle, protocol.TypeProcessing,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turn := Turn{Text: tt.text}
			for i := 0; i < tt.commands; i++ {
				turn.Commands = append(turn.Commands, Command{Name: fmt.Sprintf("cmd%d", i)})
			}

			events := collect(turn)
			types := make([]string, len(events))
			for i, ev := range events {
				types[i] = ev.Type
			}
			assert.Equal(t, tt.want, types)
		})
	}
}

func TestEmitPreservesCommandOrderAndContent(t *testing.T) {
	turn := Turn{
		Commands: []Command{
			{Name: "add_card", Params: json.RawMessage(`{"id":"a"}`)},
			{Name: "add_card", Params: json.RawMessage(`{"id":"b"}`)},
			{Name: "highlight", Params: json.RawMessage(`{"id":"a"}`)},
		},
		Text: "Here you go",
	}

	events := collect(turn)
	require.Len(t, events, 5)

	var ids []string
	for _, ev := range events[:3] {
		data, err := ev.Encode()
		require.NoError(t, err)
		ids = append(ids, gjson.GetBytes(data, "command").String()+":"+gjson.GetBytes(data, "params.id").String())
	}
	assert.Equal(t, []string{"add_card:a", "add_card:b", "highlight:a"}, ids)

	data, err := events[3].Encode()
	require.NoError(t, err)
	assert.Equal(t, "Here you go", gjson.GetBytes(data, "text").String())

	data, err = events[4].Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"processing","status":false}`, string(data))
}
