package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxDialAttempts bounds the connect retries; sidecar restarts are short,
// anything longer is surfaced to the caller.
const maxDialAttempts = 3

// Client dials the recognition sidecar over websocket. Audio goes out as
// binary frames; events come back as JSON text frames.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg}
}

type startMessage struct {
	Type       string `json:"type"`
	Language   string `json:"language,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Partials   bool   `json:"partials"`
}

type wireEvent struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
	DurationMs int64   `json:"duration_ms"`
	Message    string  `json:"message"`
}

func (c *Client) OpenStream(ctx context.Context, opts StreamOptions, cb Callbacks) (Stream, error) {
	u, err := url.Parse(c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer address: %w", err)
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Timeout}

	var conn *websocket.Conn
	for attempt := 0; ; attempt++ {
		conn, _, err = dialer.DialContext(ctx, u.String(), header)
		if err == nil {
			break
		}
		if attempt >= maxDialAttempts-1 {
			return nil, fmt.Errorf("dial recognizer: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.Backoff.Next(attempt)):
		}
	}

	start := startMessage{
		Type:       "start",
		Language:   opts.Language,
		ModelID:    opts.ModelID,
		SampleRate: opts.SampleRate,
		Partials:   opts.Partials,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send start message: %w", err)
	}

	s := &wsStream{
		conn: conn,
		cb:   cb,
		done: make(chan struct{}),
	}
	go s.readLoop()

	return s, nil
}

type wsStream struct {
	conn    *websocket.Conn
	cb      Callbacks
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsStream) Send(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("stream closed")
	default:
	}

	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *wsStream) readLoop() {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if s.cb.OnError != nil {
				s.cb.OnError(err)
			}
			return
		}

		var evt wireEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			if s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("unmarshal event: %w", err))
			}
			continue
		}

		switch evt.Type {
		case "ready":
			if s.cb.OnReady != nil {
				s.cb.OnReady()
			}
		case "transcript":
			if s.cb.OnEvent != nil {
				s.cb.OnEvent(Event{
					Text:       evt.Text,
					Confidence: evt.Confidence,
					IsFinal:    evt.IsFinal,
					DurationMs: evt.DurationMs,
				})
			}
		case "error":
			if s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("recognizer: %s", evt.Message))
			}
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		err = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
		s.conn.Close()
	})
	return err
}
