package api

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"taskboard/domain"
)

// readSSE returns the next event on the stream, skipping heartbeats.
func readSSE(t *testing.T, r *bufio.Reader) domain.Event {
	t.Helper()
	var typ, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data == "" {
				continue
			}
			ev := decode[domain.Event](t, []byte(data))
			if ev.Type != typ {
				t.Fatalf("event field %q does not match payload type %q", typ, ev.Type)
			}
			return ev
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStreamSendsSnapshotThenEvents(t *testing.T) {
	s := newTestStack(t, nil, boardUsers...)
	_, body := s.do(t, http.MethodPost, "/tasks", "u1", map[string]any{"title": "Existing"})
	existing := decode[domain.TaskView](t, body)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.srv.URL+"/events?token="+bearerFor(t, "u2"), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	first := readSSE(t, r)
	if first.Type != domain.Snapshot || len(first.Tasks) != 1 || first.Tasks[0].ID != existing.ID {
		t.Fatalf("expected snapshot with one task, got %+v", first)
	}

	_, body = s.do(t, http.MethodPost, "/tasks", "u1", map[string]any{"title": "Live"})
	live := decode[domain.TaskView](t, body)
	ev := readSSE(t, r)
	if ev.Type != domain.TaskCreated || ev.Task == nil || ev.Task.ID != live.ID || ev.Task.Title != "Live" {
		t.Fatalf("unexpected created event: %+v", ev)
	}

	s.do(t, http.MethodDelete, "/tasks/"+existing.ID, "u1", nil)
	ev = readSSE(t, r)
	if ev.Type != domain.TaskDeleted || ev.TaskID != existing.ID || ev.Task != nil {
		t.Fatalf("unexpected deleted event: %+v", ev)
	}
}

func TestEventStreamEndsWhenHubCloses(t *testing.T) {
	s := newTestStack(t, nil, boardUsers...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.srv.URL+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+bearerFor(t, "u1"))
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)
	if ev := readSSE(t, r); ev.Type != domain.Snapshot {
		t.Fatalf("expected snapshot, got %s", ev.Type)
	}

	s.hub.Close()
	for {
		if _, err := r.ReadString('\n'); err != nil {
			break
		}
	}
	if ctx.Err() != nil {
		t.Fatal("stream was not closed by the server")
	}
}

func TestWebSocketSendsSnapshotThenEvents(t *testing.T) {
	s := newTestStack(t, nil, boardUsers...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?token=" + bearerFor(t, "u1")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() domain.Event {
		t.Helper()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageText {
			t.Fatalf("unexpected message type: %v", typ)
		}
		var ev domain.Event
		if err := sonic.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return ev
	}

	if ev := read(); ev.Type != domain.Snapshot || len(ev.Tasks) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", ev)
	}

	_, body := s.do(t, http.MethodPost, "/tasks", "u2", map[string]any{"title": "Over the wire"})
	task := decode[domain.TaskView](t, body)
	ev := read()
	if ev.Type != domain.TaskCreated || ev.Task == nil || ev.Task.ID != task.ID {
		t.Fatalf("unexpected event: %+v", ev)
	}

	s.do(t, http.MethodPost, "/tasks/"+task.ID+"/smart-assign", "u2", nil)
	ev = read()
	if ev.Type != domain.TaskUpdated || ev.Task == nil || ev.Task.AssignedTo != "u1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	s.hub.Close()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Fatalf("expected try-again close, got %v", err)
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	s := newTestStack(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}
