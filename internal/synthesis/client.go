package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
)

// Client calls the synthesis sidecar. One request per utterance; the reply
// body is raw audio, duration and content type ride on response headers.
type Client struct {
	httpClient *http.Client
	address    string
	token      string
	backoff    shared.BackoffConfig
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		address:    cfg.Address,
		token:      cfg.Token,
		backoff:    cfg.Backoff,
	}
}

// post performs one synthesis attempt. The retryable flag marks transport
// failures and server errors; anything else is final.
func (c *Client) post(ctx context.Context, body []byte) (*http.Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("synthesis request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, resp.StatusCode >= http.StatusInternalServerError,
			fmt.Errorf("synthesizer returned status %d: %s", resp.StatusCode, string(data))
	}
	return resp, false, nil
}

type synthesizeRequest struct {
	Text     string  `json:"text"`
	VoiceID  string  `json:"voice_id,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float32 `json:"speed,omitempty"`
	Format   string  `json:"format,omitempty"`
}

// maxAttempts bounds retries for transport failures and 5xx responses.
// Client errors are never retried.
const maxAttempts = 3

func (c *Client) Synthesize(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(synthesizeRequest{
		Text:     req.Text,
		VoiceID:  req.VoiceID,
		Language: req.Language,
		Speed:    req.Speed,
		Format:   req.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		var retryable bool
		resp, retryable, err = c.post(ctx, body)
		if err == nil {
			break
		}
		if !retryable || attempt >= maxAttempts-1 {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff.Next(attempt)):
		}
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	durationMs, _ := strconv.ParseInt(resp.Header.Get("X-Audio-Duration-Ms"), 10, 64)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/opus"
	}

	return &Result{
		Audio:       audio,
		DurationMs:  durationMs,
		ContentType: contentType,
	}, nil
}
