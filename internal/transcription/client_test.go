package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

type recognizerServer struct {
	mu      sync.Mutex
	start   startMessage
	auth    string
	audio   [][]byte
	scripts []wireEvent
}

func (s *recognizerServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = r.Header.Get("Authorization")
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var start startMessage
	if err := conn.ReadJSON(&start); err != nil {
		return
	}
	s.mu.Lock()
	s.start = start
	s.mu.Unlock()

	conn.WriteJSON(wireEvent{Type: "ready"})
	for _, evt := range s.scripts {
		conn.WriteJSON(evt)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			s.mu.Lock()
			s.audio = append(s.audio, data)
			s.mu.Unlock()
		}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenStream(t *testing.T) {
	srv := &recognizerServer{
		scripts: []wireEvent{
			{Type: "transcript", Text: "hel", IsFinal: false, Confidence: 0.5},
			{Type: "transcript", Text: "hello", IsFinal: true, Confidence: 0.93, DurationMs: 1400},
		},
	}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()

	var mu sync.Mutex
	var ready bool
	var events []Event

	client := New(Config{Address: wsURL(server), Token: "tok"})
	stream, err := client.OpenStream(context.Background(), StreamOptions{
		Language: "en",
		Partials: true,
	}, Callbacks{
		OnReady: func() {
			mu.Lock()
			ready = true
			mu.Unlock()
		},
		OnEvent: func(evt Event) {
			mu.Lock()
			events = append(events, evt)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	defer stream.Close()

	waitFor(t, "scripted events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ready && len(events) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if events[0].IsFinal || events[0].Text != "hel" {
		t.Errorf("unexpected partial: %+v", events[0])
	}
	if !events[1].IsFinal || events[1].Text != "hello" || events[1].DurationMs != 1400 {
		t.Errorf("unexpected final: %+v", events[1])
	}

	srv.mu.Lock()
	start, auth := srv.start, srv.auth
	srv.mu.Unlock()
	if start.Type != "start" || start.Language != "en" || !start.Partials {
		t.Errorf("start message wrong: %+v", start)
	}
	if auth != "Bearer tok" {
		t.Errorf("auth header wrong: %q", auth)
	}
}

func TestStream_SendsAudio(t *testing.T) {
	srv := &recognizerServer{}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()

	client := New(Config{Address: wsURL(server)})
	stream, err := client.OpenStream(context.Background(), StreamOptions{}, Callbacks{})
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	defer stream.Close()

	if err := stream.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitFor(t, "audio to arrive", func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.audio) == 1
	})
}

func TestStream_ErrorEvent(t *testing.T) {
	srv := &recognizerServer{
		scripts: []wireEvent{{Type: "error", Message: "model overloaded"}},
	}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()

	var mu sync.Mutex
	var errs []error

	client := New(Config{Address: wsURL(server)})
	stream, err := client.OpenStream(context.Background(), StreamOptions{}, Callbacks{
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	defer stream.Close()

	waitFor(t, "error callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(errs[0].Error(), "model overloaded") {
		t.Errorf("unexpected error: %v", errs[0])
	}
}

func TestStream_SendAfterClose(t *testing.T) {
	srv := &recognizerServer{}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()

	client := New(Config{Address: wsURL(server)})
	stream, err := client.OpenStream(context.Background(), StreamOptions{}, Callbacks{})
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := stream.Send([]byte{1}); err == nil {
		t.Error("send after close should fail")
	}
}

func TestOpenStream_DialFailure(t *testing.T) {
	client := New(Config{
		Address: "ws://127.0.0.1:1",
		Timeout: 500 * time.Millisecond,
		Backoff: shared.BackoffConfig{Initial: time.Millisecond},
	})
	if _, err := client.OpenStream(context.Background(), StreamOptions{}, Callbacks{}); err == nil {
		t.Fatal("expected dial failure")
	}
}

func TestOpenStream_RetriesDial(t *testing.T) {
	srv := &recognizerServer{}
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "restarting", http.StatusServiceUnavailable)
			return
		}
		srv.handler(w, r)
	}))
	defer server.Close()

	client := New(Config{
		Address: wsURL(server),
		Backoff: shared.BackoffConfig{Initial: time.Millisecond},
	})
	stream, err := client.OpenStream(context.Background(), StreamOptions{}, Callbacks{})
	if err != nil {
		t.Fatalf("open should survive a transient dial failure: %v", err)
	}
	defer stream.Close()

	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 dial attempts, got %d", got)
	}
}
