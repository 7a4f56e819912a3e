package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buddy/internal/protocol"
)

type fakeSender struct {
	mu        sync.Mutex
	events    []protocol.Event
	liveUntil int // frames accepted before the connection "closes"; <0 means forever
}

func (s *fakeSender) SendToConnection(connectionID string, ev protocol.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live() {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *fakeSender) IsLive(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live()
}

func (s *fakeSender) live() bool {
	if s.liveUntil < 0 {
		return true
	}
	frames := 0
	for _, ev := range s.events {
		if ev.IsBinary() {
			frames++
		}
	}
	return frames < s.liveUntil
}

func (s *fakeSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

// trackingStream records whether it was closed and how much was read
type trackingStream struct {
	r      io.Reader
	closed bool
	err    error
	mu     sync.Mutex
}

func (s *trackingStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == io.EOF && s.err != nil {
		return n, s.err
	}
	return n, err
}

func (s *trackingStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *trackingStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newRelay(sender Sender, provider Provider) *Relay {
	r := NewRelay(sender, provider)
	r.chunkSize = 4
	return r
}

func TestRelayCompletes(t *testing.T) {
	sender := &fakeSender{liveUntil: -1}
	stream := &trackingStream{r: bytes.NewReader([]byte("0123456789"))}

	outcome := newRelay(sender, nil).Relay(context.Background(), "c1", stream)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, []string{
		protocol.TypeTTSStart,
		protocol.TypeAudio, protocol.TypeAudio, protocol.TypeAudio,
		protocol.TypeTTSEnd,
	}, sender.types())

	var audio []byte
	for _, ev := range sender.events {
		audio = append(audio, ev.Audio...)
	}
	assert.Equal(t, "0123456789", string(audio))
	assert.True(t, stream.isClosed())
}

func TestRelayStreamErrorFallsBack(t *testing.T) {
	sender := &fakeSender{liveUntil: -1}
	stream := &trackingStream{r: bytes.NewReader([]byte("abcd")), err: errors.New("upstream reset")}

	outcome := newRelay(sender, nil).Relay(context.Background(), "c1", stream)
	assert.Equal(t, OutcomeFallback, outcome)
	types := sender.types()
	assert.Equal(t, protocol.TypeTTSStart, types[0])
	assert.Equal(t, protocol.TypeTTSFallback, types[len(types)-1])
	assert.NotContains(t, types, protocol.TypeTTSEnd)
}

func TestRelayCancelsWhenConnectionCloses(t *testing.T) {
	sender := &fakeSender{liveUntil: 2}
	stream := &trackingStream{r: bytes.NewReader(bytes.Repeat([]byte("x"), 400))}

	outcome := newRelay(sender, nil).Relay(context.Background(), "c1", stream)
	assert.Equal(t, OutcomeFallback, outcome)
	assert.True(t, stream.isClosed())

	frames := 0
	for _, tp := range sender.types() {
		if tp == protocol.TypeAudio {
			frames++
		}
	}
	assert.Equal(t, 2, frames)
}

func TestRelayNilStream(t *testing.T) {
	sender := &fakeSender{liveUntil: -1}
	outcome := newRelay(sender, nil).Relay(context.Background(), "c1", nil)
	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, []string{protocol.TypeTTSFallback}, sender.types())
}

// blockingStream never produces data until closed
type blockingStream struct {
	closed chan struct{}
	once   sync.Once
}

func (b *blockingStream) Read(p []byte) (int, error) {
	<-b.closed
	return 0, errors.New("read on closed stream")
}

func (b *blockingStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestRelayContextCancelUnblocksRead(t *testing.T) {
	sender := &fakeSender{liveUntil: -1}
	stream := &blockingStream{closed: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() { done <- newRelay(sender, nil).Relay(ctx, "c1", stream) }()

	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeFallback, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not return after cancellation")
	}
}

type providerFunc func(ctx context.Context, text string) (io.ReadCloser, error)

func (f providerFunc) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	return f(ctx, text)
}

func TestSpeak(t *testing.T) {
	t.Run("provider failure falls back", func(t *testing.T) {
		sender := &fakeSender{liveUntil: -1}
		provider := providerFunc(func(ctx context.Context, text string) (io.ReadCloser, error) {
			return nil, errors.New("quota exceeded")
		})
		assert.Equal(t, OutcomeFallback, newRelay(sender, provider).Speak(context.Background(), "c1", "hi"))
		assert.Equal(t, []string{protocol.TypeTTSFallback}, sender.types())
	})

	t.Run("no provider falls back", func(t *testing.T) {
		sender := &fakeSender{liveUntil: -1}
		assert.Equal(t, OutcomeFallback, newRelay(sender, nil).Speak(context.Background(), "c1", "hi"))
	})

	t.Run("http provider streams the body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Write([]byte("audio-bytes"))
		}))
		defer server.Close()

		sender := &fakeSender{liveUntil: -1}
		provider := NewHTTPProvider(server.URL, "alloy", time.Second)
		outcome := newRelay(sender, provider).Speak(context.Background(), "c1", "hello")
		require.Equal(t, OutcomeCompleted, outcome)
		types := sender.types()
		assert.Equal(t, protocol.TypeTTSStart, types[0])
		assert.Equal(t, protocol.TypeTTSEnd, types[len(types)-1])
	})

	t.Run("http provider error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := NewHTTPProvider(server.URL, "", time.Second).Synthesize(context.Background(), "hello")
		assert.Error(t, err)
	})

	t.Run("http provider no content", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		_, err := NewHTTPProvider(server.URL, "", time.Second).Synthesize(context.Background(), "hello")
		assert.ErrorIs(t, err, ErrNoAudio)
	})
}
