package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"buddy/internal/agent"
	"buddy/internal/gate"
	"buddy/internal/protocol"
	"buddy/internal/turn"
)

type fakeConn struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *fakeConn) Send(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) snapshot() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func (c *fakeConn) types() []string {
	events := c.snapshot()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// waitFor blocks until an event of type typ that matches is recorded
func (c *fakeConn) waitFor(t *testing.T, typ string, match func(gjson.Result) bool) gjson.Result {
	t.Helper()
	var found gjson.Result
	require.Eventually(t, func() bool {
		for _, ev := range c.snapshot() {
			if ev.Type != typ {
				continue
			}
			body := encoded(t, ev)
			if match == nil || match(body) {
				found = body
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s event", typ)
	return found
}

func encoded(t *testing.T, ev protocol.Event) gjson.Result {
	t.Helper()
	data, err := ev.Encode()
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

func prompt(text, agentID string) []byte {
	data, _ := json.Marshal(map[string]string{"type": protocol.TypePrompt, "text": text, "agentId": agentID})
	return data
}

func processingDone(r gjson.Result) bool { return !r.Get("status").Bool() }

func newTestBroker(t *testing.T, runtime agent.Runtime, opts ...gate.Option) *Broker {
	t.Helper()
	b := NewBroker(BrokerOptions{Runtime: runtime, GateOptions: opts})
	t.Cleanup(func() { b.Close() })
	return b
}

func TestConnectRehydratesCanvas(t *testing.T) {
	b := newTestBroker(t, nil)
	b.canvas.Upsert("u1", "planner", json.RawMessage(`{"id":"c1","type":"add_card"}`))

	conn := &fakeConn{}
	b.Connect(conn, "u1", "planner")

	events := conn.snapshot()
	require.Len(t, events, 1)
	body := encoded(t, events[0])
	assert.Equal(t, protocol.TypeCanvasRehydrate, body.Get("type").String())
	assert.Equal(t, "planner", body.Get("agent").String())
	assert.Equal(t, "c1", body.Get("elements.0.id").String())

	t.Run("no agent query rehydrates the default agent", func(t *testing.T) {
		b.canvas.Upsert("u2", "assistant", json.RawMessage(`{"id":"d1","type":"add_card"}`))

		other := &fakeConn{}
		id := b.Connect(other, "u2", "")

		events := other.snapshot()
		require.Len(t, events, 1)
		body := encoded(t, events[0])
		assert.Equal(t, protocol.TypeCanvasRehydrate, body.Get("type").String())
		assert.Equal(t, "assistant", body.Get("agent").String())
		assert.Equal(t, "d1", body.Get("elements.0.id").String())

		conn, ok := b.registry.Lookup(id)
		require.True(t, ok)
		assert.Equal(t, "assistant", conn.ActiveAgentID)
	})
}

func TestOfflineEventsReplayOnConnect(t *testing.T) {
	b := newTestBroker(t, nil)

	for i := 0; i < 3; i++ {
		params := json.RawMessage(fmt.Sprintf(`{"id":"n%d"}`, i))
		queued, err := b.Deliver("u1", protocol.NewCanvasCommand("notify", params))
		require.NoError(t, err)
		assert.True(t, queued)
	}
	assert.Equal(t, 3, b.Status().QueuedEvents)

	conn := &fakeConn{}
	b.Connect(conn, "u1", "")

	events := conn.snapshot()
	require.Len(t, events, 5)
	assert.Equal(t, protocol.TypeCanvasRehydrate, events[0].Type)
	summary := encoded(t, events[1])
	assert.Equal(t, protocol.TypeQueuedSummary, summary.Get("type").String())
	assert.Equal(t, int64(3), summary.Get("count").Int())
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("n%d", i), encoded(t, events[i+2]).Get("params.id").String())
	}
	assert.Equal(t, 0, b.Status().QueuedEvents)

	t.Run("online users get events live", func(t *testing.T) {
		queued, err := b.Deliver("u1", protocol.NewSubtitle("live"))
		require.NoError(t, err)
		assert.False(t, queued)
		assert.Equal(t, protocol.TypeSubtitle, conn.types()[5])
	})

	t.Run("second connection drains nothing", func(t *testing.T) {
		second := &fakeConn{}
		b.Connect(second, "u1", "")
		assert.Equal(t, []string{protocol.TypeCanvasRehydrate}, second.types())
	})
}

// hookConn runs onSend right after its at-th send
type hookConn struct {
	fakeConn
	at     int
	sends  int
	onSend func()
}

func (c *hookConn) Send(ev protocol.Event) error {
	err := c.fakeConn.Send(ev)
	c.sends++
	if c.sends == c.at {
		c.onSend()
	}
	return err
}

func TestBackgroundEventsDuringReplayKeepOrder(t *testing.T) {
	tests := []struct {
		name string
		at   int
	}{
		{name: "arrives during rehydrate", at: 1},
		{name: "arrives during replay", at: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroker(t, nil)

			queued, err := b.Deliver("u1", protocol.NewSubtitle("first-queued"))
			require.NoError(t, err)
			require.True(t, queued)

			conn := &hookConn{at: tt.at}
			conn.onSend = func() {
				queued, err := b.Deliver("u1", protocol.NewSubtitle("second-live"))
				require.NoError(t, err)
				assert.True(t, queued, "held back until the backlog is replayed")
			}
			b.Connect(conn, "u1", "")

			events := conn.snapshot()
			require.Len(t, events, 3)
			assert.Equal(t, protocol.TypeCanvasRehydrate, events[0].Type)
			assert.Equal(t, "first-queued", encoded(t, events[1]).Get("text").String())
			assert.Equal(t, "second-live", encoded(t, events[2]).Get("text").String())
			assert.Equal(t, 0, b.Status().QueuedEvents)

			queued, err = b.Deliver("u1", protocol.NewSubtitle("after"))
			require.NoError(t, err)
			assert.False(t, queued)
			assert.Len(t, conn.snapshot(), 4)
		})
	}
}

func TestPromptTurnOrdering(t *testing.T) {
	b := newTestBroker(t, agent.Echo{})
	conn := &fakeConn{}
	other := &fakeConn{}
	id := b.Connect(conn, "u1", "assistant")
	b.Connect(other, "u1", "")

	b.HandleInbound(context.Background(), id, prompt("/card Groceries", ""))
	conn.waitFor(t, protocol.TypeProcessing, processingDone)

	assert.Equal(t, []string{
		protocol.TypeCanvasRehydrate,
		protocol.TypeProcessing,
		protocol.TypeCanvasCommand,
		protocol.TypeSubtitle,
		protocol.TypeProcessing,
	}, conn.types())

	// every connection of the user sees the turn
	other.waitFor(t, protocol.TypeProcessing, processingDone)
	assert.Contains(t, other.types(), protocol.TypeCanvasCommand)

	elements := b.canvas.Snapshot("u1", "assistant")
	require.Len(t, elements, 1)
	assert.Equal(t, "Groceries", gjson.GetBytes(elements[0], "title").String())
	assert.Equal(t, "add_card", gjson.GetBytes(elements[0], "type").String())
}

func TestRuntimeFailureFallsBack(t *testing.T) {
	b := newTestBroker(t, agent.RuntimeFunc(func(ctx context.Context, p agent.Prompt, h agent.Hooks) (turn.Turn, error) {
		panic("runtime exploded")
	}))
	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "assistant")

	b.HandleInbound(context.Background(), id, prompt("hello", ""))
	conn.waitFor(t, protocol.TypeProcessing, processingDone)

	subtitle := conn.waitFor(t, protocol.TypeSubtitle, nil)
	assert.Equal(t, FallbackMessage, subtitle.Get("text").String())
}

func TestConfirmationRoundTrip(t *testing.T) {
	b := newTestBroker(t, agent.Echo{})
	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "")

	b.HandleInbound(context.Background(), id, prompt("/confirm delete file", ""))

	request := conn.waitFor(t, protocol.TypeCanvasCommand, func(r gjson.Result) bool {
		return r.Get("command").String() == protocol.CommandConfirmAction
	})
	gateID := request.Get("params.id").String()
	require.NotEmpty(t, gateID)
	assert.Equal(t, "delete file", request.Get("params.command").String())

	response, _ := json.Marshal(map[string]any{"type": protocol.TypeConfirmResponse, "id": gateID, "approved": true})
	b.HandleInbound(context.Background(), id, response)

	subtitle := conn.waitFor(t, protocol.TypeSubtitle, nil)
	assert.Equal(t, "Done: delete file.", subtitle.Get("text").String())
	assert.Equal(t, 0, b.Status().PendingGates)

	// a duplicate response is ignored
	b.HandleInbound(context.Background(), id, response)
}

func TestGateResponsesMustMatchKindAndOwner(t *testing.T) {
	b := newTestBroker(t, agent.Echo{})
	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "")
	stranger := b.Connect(&fakeConn{}, "u2", "")

	b.HandleInbound(context.Background(), id, prompt("/confirm delete file", ""))
	request := conn.waitFor(t, protocol.TypeCanvasCommand, func(r gjson.Result) bool {
		return r.Get("command").String() == protocol.CommandConfirmAction
	})
	gateID := request.Get("params.id").String()

	approve, _ := json.Marshal(map[string]any{"type": protocol.TypeConfirmResponse, "id": gateID, "approved": true})
	asForm, _ := json.Marshal(map[string]any{"type": protocol.TypeFormResponse, "id": gateID, "data": map[string]string{}})

	b.HandleInbound(context.Background(), stranger, approve)
	b.HandleInbound(context.Background(), id, asForm)
	assert.Equal(t, 1, b.Status().PendingGates)

	b.HandleInbound(context.Background(), id, approve)
	subtitle := conn.waitFor(t, protocol.TypeSubtitle, nil)
	assert.Equal(t, "Done: delete file.", subtitle.Get("text").String())
}

func TestConfirmationTimeoutDenies(t *testing.T) {
	b := newTestBroker(t, agent.Echo{}, gate.WithConfirmationTimeout(20*time.Millisecond))
	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "")

	b.HandleInbound(context.Background(), id, prompt("/confirm reboot", ""))

	subtitle := conn.waitFor(t, protocol.TypeSubtitle, nil)
	assert.Equal(t, "Okay, I won't do that.", subtitle.Get("text").String())
}

func TestFormRoundTrip(t *testing.T) {
	b := newTestBroker(t, agent.Echo{})
	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "")

	b.HandleInbound(context.Background(), id, prompt("/form Favourite colour", ""))

	request := conn.waitFor(t, protocol.TypeCanvasCommand, func(r gjson.Result) bool {
		return r.Get("command").String() == protocol.CommandRequestForm
	})
	assert.Equal(t, "Favourite colour", request.Get("params.title").String())

	response, _ := json.Marshal(map[string]any{
		"type": protocol.TypeFormResponse,
		"id":   request.Get("params.id").String(),
		"data": map[string]string{"answer": "green"},
	})
	b.HandleInbound(context.Background(), id, response)

	subtitle := conn.waitFor(t, protocol.TypeSubtitle, nil)
	assert.Equal(t, "You answered green.", subtitle.Get("text").String())
}

func TestSendFileGoesToPromptingConnection(t *testing.T) {
	b := newTestBroker(t, agent.Echo{})
	conn := &fakeConn{}
	other := &fakeConn{}
	id := b.Connect(conn, "u1", "")
	b.Connect(other, "u1", "")

	b.HandleInbound(context.Background(), id, prompt("/file https://files.example/report.pdf", ""))

	file := conn.waitFor(t, protocol.TypeCanvasCommand, func(r gjson.Result) bool {
		return r.Get("command").String() == protocol.CommandSendFile
	})
	assert.Equal(t, "report.pdf", file.Get("params.name").String())
	assert.Equal(t, "https://files.example/report.pdf", file.Get("params.url").String())

	subtitle := other.waitFor(t, protocol.TypeSubtitle, nil)
	assert.Equal(t, "Sent report.pdf.", subtitle.Get("text").String())
	assert.NotContains(t, other.types(), protocol.TypeCanvasCommand)
	assert.Empty(t, b.canvas.Snapshot("u1", "assistant"))
}

func TestCanvasElementUpdateIsSilent(t *testing.T) {
	b := newTestBroker(t, nil)
	b.canvas.Upsert("u1", "assistant", json.RawMessage(`{"id":"todo","checked":false,"label":"milk"}`))

	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "assistant")
	before := len(conn.snapshot())

	update := []byte(`{"type":"canvas_element_update","id":"todo","updates":{"checked":true}}`)
	b.HandleInbound(context.Background(), id, update)

	elements := b.canvas.Snapshot("u1", "assistant")
	require.Len(t, elements, 1)
	assert.True(t, gjson.GetBytes(elements[0], "checked").Bool())
	assert.Equal(t, "milk", gjson.GetBytes(elements[0], "label").String())
	assert.Len(t, conn.snapshot(), before)

	t.Run("unknown element is a no-op", func(t *testing.T) {
		b.HandleInbound(context.Background(), id, []byte(`{"type":"canvas_element_update","id":"nope","updates":{"checked":true}}`))
		assert.Len(t, b.canvas.Snapshot("u1", "assistant"), 1)
		assert.Len(t, conn.snapshot(), before)
	})
}

func TestAgentSwitchKeepsCanvasPerAgent(t *testing.T) {
	b := newTestBroker(t, agent.Echo{})
	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "a")

	b.HandleInbound(context.Background(), id, prompt("/card Alpha", "a"))
	conn.waitFor(t, protocol.TypeProcessing, processingDone)

	b.HandleInbound(context.Background(), id, prompt("hello", "b"))
	switched := conn.waitFor(t, protocol.TypeAgentSwitch, nil)
	assert.Equal(t, "b", switched.Get("agent").String())
	assert.Len(t, switched.Get("canvas").Array(), 0)

	b.HandleInbound(context.Background(), id, prompt("hello again", "a"))
	back := conn.waitFor(t, protocol.TypeAgentSwitch, func(r gjson.Result) bool {
		return r.Get("agent").String() == "a"
	})
	require.Len(t, back.Get("canvas").Array(), 1)
	assert.Equal(t, "Alpha", back.Get("canvas.0.title").String())
}

func TestTurnsForOneUserAreSerialized(t *testing.T) {
	var mu sync.Mutex
	running, maxRunning := 0, 0
	var order []string

	runtime := agent.RuntimeFunc(func(ctx context.Context, p agent.Prompt, h agent.Hooks) (turn.Turn, error) {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		order = append(order, p.Text)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return turn.Turn{Text: p.Text}, nil
	})

	b := newTestBroker(t, runtime)
	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "")

	for i := 0; i < 5; i++ {
		b.HandleInbound(context.Background(), id, prompt(fmt.Sprintf("p%d", i), ""))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5 && running == 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, order)
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	b := newTestBroker(t, nil)
	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "")

	b.HandleInbound(context.Background(), id, []byte(`{"type":"dance"}`))
	b.HandleInbound(context.Background(), id, []byte(`not json`))

	assert.Equal(t, []string{protocol.TypeCanvasRehydrate, protocol.TypeError, protocol.TypeError}, conn.types())

	// responses for gates nobody opened are dropped quietly
	b.HandleInbound(context.Background(), id, []byte(`{"type":"confirm_response","id":"ghost","approved":true}`))
	assert.Len(t, conn.snapshot(), 3)
}

func TestDisconnectMakesUserOffline(t *testing.T) {
	b := newTestBroker(t, nil)
	conn := &fakeConn{}
	id := b.Connect(conn, "u1", "")
	assert.Equal(t, 1, b.Status().Connections)

	b.Disconnect(id)
	assert.Equal(t, Status{}, b.Status())

	queued, err := b.Deliver("u1", protocol.NewSubtitle("later"))
	require.NoError(t, err)
	assert.True(t, queued)
}
