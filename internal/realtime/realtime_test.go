package realtime

import (
	"bufio"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestSendToUserDropsOldestWhenConnectionQueueFull(t *testing.T) {
	h := New(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	id, events := h.register("agent-1")
	defer h.unregister("agent-1", id)

	for i := 0; i < connectionQueueSize+10; i++ {
		h.SendToUser("agent-1", "Ping", i)
	}

	if got := len(events); got != connectionQueueSize {
		t.Fatalf("expected channel to be full at capacity %d, got %d", connectionQueueSize, got)
	}
	first := <-events
	if first.Payload != 10 {
		t.Fatalf("expected oldest 10 events to have been dropped, first remaining payload = %v", first.Payload)
	}
}

func TestSendToUserWithNoConnectionsIsNoop(t *testing.T) {
	h := New(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	h.SendToUser("nobody-here", "Ping", "x")
}

func TestHandleSSEStreamsPushedEvents(t *testing.T) {
	h := New(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithUserID(r.Context(), "agent-1")
		h.HandleSSE(w, r.WithContext(ctx))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", resp.Header.Get("Content-Type"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ConnectionCount("agent-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for SSE connection to register")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.SendToUser("agent-1", "ConversationAssigned", map[string]string{"conversationId": "conv-1"})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for i := 0; i < 2; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse frame: %v", err)
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	if lines[0] != "event: ConversationAssigned" {
		t.Fatalf("expected event line, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "data: ") || !strings.Contains(lines[1], "conv-1") {
		t.Fatalf("expected data line containing payload, got %q", lines[1])
	}
}

func TestUserIDFromContextWithoutValueReturnsEmpty(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty user id, got %q", got)
	}
}
