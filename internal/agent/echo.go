package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"buddy/internal/turn"
)

// Echo is a development runtime. Plain text is spoken back; a few slash
// commands exercise the canvas and gate paths:
//
//	/card <title>     add a card element
//	/confirm <action> ask for confirmation before "running" action
//	/form <title>     collect a one-field form
//	/file <url>       send the file at url to the connection
//	/fail             fail the turn
type Echo struct{}

func (Echo) Run(ctx context.Context, prompt Prompt, hooks Hooks) (turn.Turn, error) {
	text := strings.TrimSpace(prompt.Text)
	verb, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch verb {
	case "/card":
		params, _ := json.Marshal(map[string]any{
			"id":    uuid.New().String(),
			"title": arg,
		})
		return turn.Turn{
			Commands: []turn.Command{{Name: "add_card", Params: params}},
			Text:     fmt.Sprintf("Added %q to the canvas.", arg),
		}, nil

	case "/confirm":
		approved, err := hooks.RequestConfirmation(ctx, arg, fmt.Sprintf("The agent wants to %s", arg))
		if err != nil {
			return turn.Turn{}, fmt.Errorf("confirmation failed: %w", err)
		}
		if !approved {
			return turn.Turn{Text: "Okay, I won't do that."}, nil
		}
		return turn.Turn{Text: fmt.Sprintf("Done: %s.", arg)}, nil

	case "/form":
		form, _ := json.Marshal(map[string]any{
			"title":  arg,
			"fields": []map[string]string{{"name": "answer", "label": arg, "type": "text"}},
		})
		data, err := hooks.RequestForm(ctx, form)
		if err != nil {
			return turn.Turn{Text: "I didn't get an answer in time."}, nil
		}
		var values map[string]any
		if err := json.Unmarshal(data, &values); err != nil {
			return turn.Turn{}, fmt.Errorf("invalid form data: %w", err)
		}
		return turn.Turn{Text: fmt.Sprintf("You answered %v.", values["answer"])}, nil

	case "/file":
		name := path.Base(arg)
		if err := hooks.SendFile(ctx, File{Name: name, URL: arg}); err != nil {
			return turn.Turn{Text: fmt.Sprintf("I couldn't send %s.", name)}, nil
		}
		return turn.Turn{Text: fmt.Sprintf("Sent %s.", name)}, nil

	case "/fail":
		return turn.Turn{}, fmt.Errorf("runtime failure requested")
	}

	return turn.Turn{Text: text}, nil
}
