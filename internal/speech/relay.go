package speech

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"buddy/internal/logger"
	"buddy/internal/protocol"
)

// ErrNoAudio means the provider had nothing to say
var ErrNoAudio = errors.New("provider returned no audio")

const defaultChunkSize = 4096

// Outcome is the terminal state of a relay
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFallback  Outcome = "fallback"
)

// Provider turns text into an audio byte stream. Closing the stream cancels
// the upstream request.
type Provider interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// Sender is the connection-scoped half of the dispatcher
type Sender interface {
	SendToConnection(connectionID string, ev protocol.Event) bool
	IsLive(connectionID string) bool
}

// Relay forwards provider audio to one connection frame by frame
type Relay struct {
	sender    Sender
	provider  Provider
	chunkSize int
	logger    zerolog.Logger
}

// NewRelay creates a relay. provider may be nil when only Relay is used.
func NewRelay(sender Sender, provider Provider) *Relay {
	return &Relay{
		sender:    sender,
		provider:  provider,
		chunkSize: defaultChunkSize,
		logger:    logger.GetLogger("speech"),
	}
}

// Speak synthesizes text and relays it. Provider failures become a fallback.
func (r *Relay) Speak(ctx context.Context, connectionID, text string) Outcome {
	if r.provider == nil {
		return r.fallback(connectionID, "speech disabled", nil)
	}
	stream, err := r.provider.Synthesize(ctx, text)
	if err != nil {
		return r.fallback(connectionID, "provider error", err)
	}
	return r.Relay(ctx, connectionID, stream)
}

// Relay sends tts_start, the audio frames in arrival order, then tts_end. A
// provider error, a nil stream or the connection going away ends the relay
// with tts_fallback; in the last case the upstream stream is closed instead
// of being read to the end. Relay never panics and never returns an error.
func (r *Relay) Relay(ctx context.Context, connectionID string, stream io.ReadCloser) (outcome Outcome) {
	if stream == nil {
		return r.fallback(connectionID, "no audio", ErrNoAudio)
	}

	ctx, cancel := context.WithCancel(ctx)
	var closeOnce sync.Once
	closeStream := func() {
		closeOnce.Do(func() { stream.Close() })
	}
	defer func() {
		cancel()
		closeStream()
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("connection_id", connectionID).Msg("Recovered from panic in speech relay")
			outcome = r.fallback(connectionID, "relay error", nil)
		}
	}()

	// Unblock a pending Read when the caller gives up
	go func() {
		<-ctx.Done()
		closeStream()
	}()

	if !r.sender.SendToConnection(connectionID, protocol.NewTTSStart()) {
		return r.abandon(connectionID, 0)
	}

	buf := make([]byte, r.chunkSize)
	frames := 0
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if !r.sender.IsLive(connectionID) {
				return r.abandon(connectionID, frames)
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if !r.sender.SendToConnection(connectionID, protocol.NewAudio(frame)) {
				return r.abandon(connectionID, frames)
			}
			frames++
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.fallback(connectionID, "cancelled", ctx.Err())
			}
			return r.fallback(connectionID, "stream error", err)
		}
	}

	r.sender.SendToConnection(connectionID, protocol.NewTTSEnd())
	r.logger.Debug().
		Str("connection_id", connectionID).
		Int("frames", frames).
		Msg("Speech relay completed")
	return OutcomeCompleted
}

// abandon handles a connection that stopped accepting frames
func (r *Relay) abandon(connectionID string, frames int) Outcome {
	r.logger.Info().
		Str("connection_id", connectionID).
		Int("frames", frames).
		Msg("Connection gone, cancelling speech stream")
	return r.fallback(connectionID, "connection closed", nil)
}

func (r *Relay) fallback(connectionID, reason string, err error) Outcome {
	ev := r.logger.Warn().Str("connection_id", connectionID).Str("reason", reason)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("Speech relay fell back to text")

	r.sender.SendToConnection(connectionID, protocol.NewTTSFallback(reason))
	return OutcomeFallback
}
