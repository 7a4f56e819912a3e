package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"buddy/internal/agent"
	"buddy/internal/canvas"
	"buddy/internal/gate"
	"buddy/internal/logger"
	"buddy/internal/offline"
	"buddy/internal/protocol"
	"buddy/internal/session"
	"buddy/internal/speech"
	"buddy/internal/turn"
)

// FallbackMessage is shown when the agent runtime fails a turn
const FallbackMessage = "Sorry, something went wrong while working on that. Please try again."

// BrokerOptions wires the broker's collaborators
type BrokerOptions struct {
	Runtime      agent.Runtime
	Store        offline.Store   // defaults to an in-memory store
	Speech       speech.Provider // nil disables spoken replies
	DefaultAgent string
	GateOptions  []gate.Option
}

// Broker ties the registry, dispatcher, gates, canvas store, offline queue
// and speech relay together behind the connection lifecycle
type Broker struct {
	registry     *session.Registry
	dispatcher   *session.Dispatcher
	gates        *gate.Manager
	canvas       *canvas.Store
	queue        *offline.Queue
	deliverer    *offline.Deliverer
	relay        *speech.Relay
	runtime      agent.Runtime
	speak        bool
	defaultAgent string
	logger       zerolog.Logger

	turnMu     sync.Mutex
	turnQueues map[string]*turnQueue
	turns      sync.WaitGroup
}

// turnQueue holds one user's prompts that have not run yet
type turnQueue struct {
	jobs []func()
}

// Status is a point-in-time view of broker state
type Status struct {
	OnlineUsers  int `json:"online_users"`
	Connections  int `json:"connections"`
	PendingGates int `json:"pending_gates"`
	QueuedEvents int `json:"queued_events"`
}

// NewBroker creates a broker
func NewBroker(opts BrokerOptions) *Broker {
	if opts.Runtime == nil {
		opts.Runtime = agent.Echo{}
	}
	if opts.Store == nil {
		opts.Store = offline.NewMemoryStore()
	}
	if opts.DefaultAgent == "" {
		opts.DefaultAgent = "assistant"
	}

	registry := session.NewRegistry()
	dispatcher := session.NewDispatcher(registry)
	queue := offline.NewQueue(opts.Store, registry)
	gateOptions := append([]gate.Option{
		gate.WithOwnerLookup(func(connectionID string) (string, bool) {
			conn, ok := registry.Lookup(connectionID)
			return conn.UserID, ok
		}),
	}, opts.GateOptions...)

	return &Broker{
		registry:     registry,
		dispatcher:   dispatcher,
		gates:        gate.NewManager(dispatcher, gateOptions...),
		canvas:       canvas.NewStore(),
		queue:        queue,
		deliverer:    offline.NewDeliverer(queue, dispatcher),
		relay:        speech.NewRelay(dispatcher, opts.Speech),
		runtime:      opts.Runtime,
		speak:        opts.Speech != nil,
		defaultAgent: opts.DefaultAgent,
		logger:       logger.GetLogger("broker"),
		turnQueues:   make(map[string]*turnQueue),
	}
}

// Connect registers an authenticated connection and brings it up to date:
// canvas rehydration for the requested agent (the default one when none is
// named), then the coalesced summary and replay of everything queued while
// the user was away. Background events arriving meanwhile are held back
// until the replay is done.
func (b *Broker) Connect(conn session.Conn, userID, agentID string) string {
	if agentID == "" {
		agentID = b.defaultAgent
	}

	var connectionID string
	attachment := b.queue.Attach(userID, func() {
		connectionID = b.registry.Register(conn, userID)
		b.registry.SetActiveAgent(connectionID, agentID)
	})

	b.dispatcher.SendToConnection(connectionID,
		protocol.NewCanvasRehydrate(agentID, b.canvas.Snapshot(userID, agentID)))

	replayed, err := attachment.Replay(func(ev protocol.Event) {
		b.dispatcher.SendToConnection(connectionID, ev)
	})
	if err != nil {
		b.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to drain offline queue")
	}

	b.logger.Info().
		Str("user_id", userID).
		Str("connection_id", connectionID).
		Str("agent_id", agentID).
		Int("replayed", replayed).
		Msg("Connection established")

	return connectionID
}

// Disconnect forgets a connection. Its pending gates resolve by timeout.
func (b *Broker) Disconnect(connectionID string) {
	b.registry.Unregister(connectionID)
}

// HandleInbound routes one client frame. connCtx is cancelled when the
// connection closes.
func (b *Broker) HandleInbound(connCtx context.Context, connectionID string, data []byte) {
	in, err := protocol.DecodeInbound(data)
	if err != nil {
		b.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("Dropping malformed frame")
		b.dispatcher.SendToConnection(connectionID, protocol.NewError("malformed event"))
		return
	}

	switch in.Type {
	case protocol.TypeConfirmResponse:
		var resp protocol.ConfirmResponse
		if err := in.Into(&resp); err != nil {
			b.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("Invalid confirm_response")
			return
		}
		b.gates.ResolveConfirmation(connectionID, resp.ID, resp.Approved)

	case protocol.TypeFormResponse:
		var resp protocol.FormResponse
		if err := in.Into(&resp); err != nil {
			b.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("Invalid form_response")
			return
		}
		b.gates.ResolveForm(connectionID, resp.ID, resp.Data)

	case protocol.TypeCanvasElementUpdate:
		var update protocol.CanvasElementUpdate
		if err := in.Into(&update); err != nil {
			b.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("Invalid canvas_element_update")
			return
		}
		b.patchCanvas(connectionID, update)

	case protocol.TypePrompt:
		var prompt protocol.Prompt
		if err := in.Into(&prompt); err != nil {
			b.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("Invalid prompt")
			return
		}
		conn, ok := b.registry.Lookup(connectionID)
		if !ok {
			return
		}
		// The read loop must stay free to deliver gate responses for this turn
		b.enqueueTurn(conn.UserID, func() {
			b.runTurn(connCtx, connectionID, prompt)
		})

	default:
		b.logger.Warn().
			Str("connection_id", connectionID).
			Str("type", in.Type).
			Msg("Unknown inbound event type")
		b.dispatcher.SendToConnection(connectionID, protocol.NewError(fmt.Sprintf("unknown event type: %s", in.Type)))
	}
}

// patchCanvas applies a silent client edit. Nothing is emitted.
func (b *Broker) patchCanvas(connectionID string, update protocol.CanvasElementUpdate) {
	conn, ok := b.registry.Lookup(connectionID)
	if !ok {
		return
	}
	agentID := conn.ActiveAgentID
	if agentID == "" {
		agentID = b.defaultAgent
	}
	if !b.canvas.Patch(conn.UserID, agentID, update.ID, update.Updates) {
		b.logger.Debug().
			Str("connection_id", connectionID).
			Str("element_id", update.ID).
			Msg("Canvas update for unknown element ignored")
	}
}

// enqueueTurn appends job to the user's turn queue, starting a worker when
// none is running. Turns of one user run one at a time in arrival order.
func (b *Broker) enqueueTurn(userID string, job func()) {
	b.turnMu.Lock()
	defer b.turnMu.Unlock()

	q, running := b.turnQueues[userID]
	if !running {
		q = &turnQueue{}
		b.turnQueues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if !running {
		b.turns.Add(1)
		go b.drainTurns(userID, q)
	}
}

func (b *Broker) drainTurns(userID string, q *turnQueue) {
	defer b.turns.Done()
	for {
		b.turnMu.Lock()
		if len(q.jobs) == 0 {
			delete(b.turnQueues, userID)
			b.turnMu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		b.turnMu.Unlock()

		job()
	}
}

// runTurn runs one prompt to completion. connCtx only bounds the spoken reply.
func (b *Broker) runTurn(connCtx context.Context, connectionID string, prompt protocol.Prompt) {
	conn, ok := b.registry.Lookup(connectionID)
	if !ok {
		return
	}
	userID := conn.UserID

	agentID := prompt.AgentID
	if agentID == "" {
		agentID = conn.ActiveAgentID
	}
	if agentID == "" {
		agentID = b.defaultAgent
	}

	previous, ok := b.registry.SetActiveAgent(connectionID, agentID)
	if !ok {
		return
	}
	if previous != agentID {
		b.dispatcher.SendToConnection(connectionID,
			protocol.NewAgentSwitch(agentID, b.canvas.Snapshot(userID, agentID)))
	}

	log := b.logger.With().
		Str("user_id", userID).
		Str("connection_id", connectionID).
		Str("agent_id", agentID).
		Logger()

	b.dispatcher.SendToUser(userID, protocol.NewProcessing(true))

	t, err := b.runAgent(agent.Prompt{
		UserID:       userID,
		AgentID:      agentID,
		ConnectionID: connectionID,
		Text:         prompt.Text,
	})
	if err != nil {
		log.Error().Err(err).Msg("Agent turn failed")
		b.dispatcher.SendToUser(userID, protocol.NewSubtitle(FallbackMessage))
		b.dispatcher.SendToUser(userID, turn.Complete())
		return
	}

	turn.Emit(t, func(ev protocol.Event) {
		if cmd, ok := ev.Payload.(protocol.CanvasCommandPayload); ok {
			b.canvas.ApplyCommand(userID, agentID, cmd.Command, cmd.Params)
		}
		b.dispatcher.SendToUser(userID, ev)
	})

	log.Debug().
		Int("commands", len(t.Commands)).
		Bool("text", t.HasText()).
		Msg("Turn completed")

	if b.speak && t.HasText() {
		b.relay.Speak(connCtx, connectionID, t.Text)
	}
}

// runAgent calls the runtime with gate-backed hooks, converting a panic into
// an error
func (b *Broker) runAgent(prompt agent.Prompt) (t turn.Turn, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent runtime panicked: %v", rec)
		}
	}()

	hooks := agent.Hooks{
		RequestConfirmation: func(ctx context.Context, command, reason string) (bool, error) {
			return b.gates.OpenConfirmation(prompt.ConnectionID, command, reason).Wait(ctx)
		},
		RequestForm: func(ctx context.Context, definition json.RawMessage) (json.RawMessage, error) {
			return b.gates.OpenForm(prompt.ConnectionID, definition).Wait(ctx)
		},
		SendFile: func(ctx context.Context, file agent.File) error {
			params, err := json.Marshal(file)
			if err != nil {
				return fmt.Errorf("failed to encode file: %w", err)
			}
			if !b.dispatcher.SendToConnection(prompt.ConnectionID,
				protocol.NewCanvasCommand(protocol.CommandSendFile, params)) {
				return session.ErrConnectionClosed
			}
			return nil
		},
	}

	return b.runtime.Run(context.Background(), prompt, hooks)
}

// Deliver routes a background-triggered event: live when the user is
// online, otherwise into the offline queue
func (b *Broker) Deliver(userID string, ev protocol.Event) (bool, error) {
	queued, err := b.deliverer.Deliver(userID, ev)
	if err != nil {
		return false, fmt.Errorf("failed to deliver event: %w", err)
	}

	b.logger.Debug().
		Str("user_id", userID).
		Str("event_type", ev.Type).
		Bool("queued", queued).
		Msg("Background event delivered")
	return queued, nil
}

// Status reports current counts
func (b *Broker) Status() Status {
	return Status{
		OnlineUsers:  len(b.registry.OnlineUsers()),
		Connections:  b.registry.Count(),
		PendingGates: len(b.gates.Pending()),
		QueuedEvents: b.queue.Total(),
	}
}

// Close resolves open gates with their defaults, waits for running turns and
// releases the queue store
func (b *Broker) Close() error {
	b.gates.Close()
	b.turns.Wait()
	return b.queue.Close()
}
