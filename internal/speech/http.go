package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider posts text to a synthesis endpoint and streams the response
// body back as audio
type HTTPProvider struct {
	endpoint string
	voice    string
	client   *http.Client
}

// NewHTTPProvider creates a provider. headerTimeout bounds the wait for the
// first response bytes; the stream itself is bounded by the caller's context.
func NewHTTPProvider(endpoint, voice string, headerTimeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		voice:    voice,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: headerTimeout,
			},
		},
	}
}

func (p *HTTPProvider) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	body, err := json.Marshal(map[string]string{
		"text":  text,
		"voice": p.voice,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/*")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request failed: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNoContent:
		resp.Body.Close()
		return nil, ErrNoAudio
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("speech provider returned HTTP %d", resp.StatusCode)
	}
}
