package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skalibog/bgbot/pkg/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
	block  chan struct{}
}

func (s *recordingSink) Notify(_ context.Context, e models.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func sampleEvent() models.Event {
	return models.Event{
		Type:     models.EventStopMoved,
		Severity: models.SeverityInfo,
		Symbol:   "DOGEUSDT",
		Message:  "стоп перенесен в безубыток 0.17",
		Fields:   map[string]float64{"stop": 0.17, "qty": 300},
		Time:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherDeliversToAllSinksAndDrains(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	d := NewDispatcher(16, a, b)

	for i := 0; i < 5; i++ {
		d.Publish(sampleEvent())
	}
	d.Close()

	if a.len() != 5 || b.len() != 5 {
		t.Fatalf("delivered a=%d b=%d, want 5 each", a.len(), b.len())
	}

	// После Close события молча отбрасываются
	d.Publish(sampleEvent())
	if a.len() != 5 {
		t.Fatalf("event delivered after Close")
	}
}

func TestDispatcherPublishNeverBlocks(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(1, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Publish(sampleEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow sink")
	}

	close(sink.block)
	d.Close()
	if n := sink.len(); n == 0 || n > 2 {
		t.Fatalf("delivered %d events, want 1 or 2 with queue size 1", n)
	}
}

func TestFormatEvent(t *testing.T) {
	got := FormatEvent(sampleEvent())
	for _, want := range []string{"stop-moved DOGEUSDT", "безубыток", "qty: 300", "stop: 0.17"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted event %q lacks %q", got, want)
		}
	}
	if strings.Index(got, "qty") > strings.Index(got, "stop:") {
		t.Errorf("fields not sorted: %q", got)
	}
}

func TestDiscordNotifier(t *testing.T) {
	var payload map[string][]map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := sampleEvent()
	e.Severity = models.SeverityCritical
	if err := NewDiscordNotifier(srv.URL).Notify(context.Background(), e); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	embeds := payload["embeds"]
	if len(embeds) != 1 {
		t.Fatalf("embeds = %v", payload)
	}
	if embeds[0]["title"] != "stop-moved DOGEUSDT" {
		t.Errorf("title = %v", embeds[0]["title"])
	}
	if embeds[0]["color"] != float64(0xE74C3C) {
		t.Errorf("color = %v", embeds[0]["color"])
	}
}

func TestDiscordNotifierHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if err := NewDiscordNotifier(srv.URL).Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestTelegramNotifier(t *testing.T) {
	var sent []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bgbot","username":"bgbot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = append(sent, r.Form.Get("chat_id")+"|"+r.Form.Get("text"))
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg, err := newTelegramNotifier("123:abc", srv.URL+"/bot%s/%s", 42, srv.Client())
	if err != nil {
		t.Fatalf("newTelegramNotifier: %v", err)
	}
	if err := tg.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "42|") || !strings.Contains(sent[0], "DOGEUSDT") {
		t.Fatalf("sent = %v", sent)
	}
}

func TestTelegramNotifierRequiresChat(t *testing.T) {
	if _, err := newTelegramNotifier("123:abc", "http://127.0.0.1:1/bot%s/%s", 0, http.DefaultClient); err == nil {
		t.Fatal("expected error without chat id")
	}
}

func TestHubBroadcastsJSON(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != models.EventStopMoved || got.Symbol != "DOGEUSDT" || got.Fields["stop"] != 0.17 {
		t.Fatalf("event = %+v", got)
	}
}

func TestHubHealth(t *testing.T) {
	srv := httptest.NewServer(NewHub().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health = %v", body)
	}
}
