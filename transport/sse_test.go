package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/logging"
)

func echoSession(ctx context.Context, ch Channel) {
	for item := range ch.Recv() {
		if item.Err != nil {
			continue
		}
		ch.Send(ctx, item.Message)
	}
}

// sseServer mounts a router at /sse and /message.
func sseServer(t *testing.T, cfg RouterConfig) (*SessionRouter, *httptest.Server) {
	t.Helper()
	router := NewSessionRouter(cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", router.HandleSSE)
	mux.HandleFunc("/message", router.HandleMessage)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { router.Close() })
	return router, srv
}

func dialSSE(t *testing.T, url string) *SSEClientChannel {
	t.Helper()
	cfg := DefaultSSEConfig()
	cfg.URL = url
	ch := NewSSEClientChannel(cfg)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func postEnvelope(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(data))
}

func waitSessions(t *testing.T, router *SessionRouter, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for router.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d, want %d", router.Len(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSSE_SessionRoundTrip(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.OnSession = echoSession
	router, srv := sseServer(t, cfg)

	ch := dialSSE(t, srv.URL+"/sse")

	endpoint := ch.Endpoint()
	if endpoint == nil {
		t.Fatal("Endpoint = nil after Start")
	}
	if endpoint.Path != "/message" || endpoint.Query().Get("sessionId") == "" {
		t.Errorf("endpoint = %s", endpoint)
	}
	if router.Len() != 1 {
		t.Errorf("sessions = %d, want 1", router.Len())
	}
	if _, ok := router.Lookup(endpoint.Query().Get("sessionId")); !ok {
		t.Error("session not registered")
	}

	want := []string{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, `{"jsonrpc":"2.0","id":2,"method":"ping"}`}
	for _, m := range want {
		if err := ch.Send(context.Background(), Message(m)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for _, w := range want {
		if item := recvItem(t, ch); item.Message.String() != w {
			t.Errorf("item = %+v, want %s", item, w)
		}
	}
}

func TestSSE_ServerSendOrder(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.OnSession = func(ctx context.Context, ch Channel) {
		for _, m := range []string{`{"seq":"A"}`, `{"seq":"B"}`, `{"seq":"C"}`} {
			if err := ch.Send(ctx, Message(m)); err != nil {
				return
			}
		}
	}
	_, srv := sseServer(t, cfg)
	ch := dialSSE(t, srv.URL+"/sse")

	for _, w := range []string{`{"seq":"A"}`, `{"seq":"B"}`, `{"seq":"C"}`} {
		if item := recvItem(t, ch); item.Message.String() != w {
			t.Errorf("item = %+v, want %s", item, w)
		}
	}
}

func TestSSE_UnknownSession(t *testing.T) {
	_, srv := sseServer(t, DefaultRouterConfig())

	for _, url := range []string{srv.URL + "/message?sessionId=unknown", srv.URL + "/message"} {
		status, body := postEnvelope(t, url, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		if status != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", url, status)
		}
		if body != "Session not found" {
			t.Errorf("%s: body = %q", url, body)
		}
	}
}

func TestSSE_MessageMethodNotAllowed(t *testing.T) {
	_, srv := sseServer(t, DefaultRouterConfig())

	resp, err := http.Get(srv.URL + "/message?sessionId=x")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestSSE_InvalidBody(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.MaxBodyBytes = 64
	cfg.OnSession = echoSession
	_, srv := sseServer(t, cfg)
	ch := dialSSE(t, srv.URL+"/sse")
	endpoint := ch.Endpoint().String()

	if status, _ := postEnvelope(t, endpoint, `not json`); status != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d, want 400", status)
	}
	big := `{"pad":"` + strings.Repeat("x", 200) + `"}`
	if status, _ := postEnvelope(t, endpoint, big); status != http.StatusBadRequest {
		t.Errorf("oversized status = %d, want 400", status)
	}
	status, body := postEnvelope(t, endpoint, `{"id":1}`)
	if status != http.StatusAccepted || body != "Accepted" {
		t.Errorf("valid POST = %d %q, want 202 Accepted", status, body)
	}
}

func TestSSE_TeardownRejectsSession(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.OnSession = echoSession
	router, srv := sseServer(t, cfg)

	ch := dialSSE(t, srv.URL+"/sse")
	endpoint := ch.Endpoint().String()

	if status, _ := postEnvelope(t, endpoint, `{"id":1}`); status != http.StatusAccepted {
		t.Fatalf("status while open = %d, want 202", status)
	}

	ch.Close()
	waitSessions(t, router, 0)

	status, body := postEnvelope(t, endpoint, `{"id":2}`)
	if status != http.StatusNotFound || body != "Session not found" {
		t.Errorf("after teardown = %d %q, want 404", status, body)
	}
}

func TestSSE_SubmitRacesSessionClose(t *testing.T) {
	sessions := make(chan Channel, 1)
	cfg := DefaultRouterConfig()
	cfg.OnSession = func(ctx context.Context, ch Channel) { sessions <- ch }
	_, srv := sseServer(t, cfg)

	const posts = 40
	for round := 0; round < 10; round++ {
		client := dialSSE(t, srv.URL+"/sse")
		endpoint := client.Endpoint().String()
		var session Channel
		select {
		case session = <-sessions:
		case <-time.After(2 * time.Second):
			t.Fatal("OnSession not called")
		}

		received := make(map[int]bool)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for item := range session.Recv() {
				var v struct {
					ID int `json:"id"`
				}
				json.Unmarshal(item.Message, &v)
				received[v.ID] = true
			}
		}()

		statuses := make([]int, posts)
		var wg sync.WaitGroup
		for i := 0; i < posts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := http.Post(endpoint, "application/json", strings.NewReader(fmt.Sprintf(`{"id":%d}`, i)))
				if err != nil {
					t.Errorf("POST %d: %v", i, err)
					return
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				statuses[i] = resp.StatusCode
			}()
			if i == posts/2 {
				go session.Close()
			}
		}
		wg.Wait()
		session.Close()

		select {
		case <-drained:
		case <-time.After(3 * time.Second):
			t.Fatal("Recv not closed after session close")
		}
		client.Close()

		for i, status := range statuses {
			switch status {
			case http.StatusAccepted:
				if !received[i] {
					t.Errorf("round %d: id %d accepted but never received", round, i)
				}
			case http.StatusNotFound:
				if received[i] {
					t.Errorf("round %d: id %d rejected but received", round, i)
				}
			case 0:
			default:
				t.Errorf("round %d: id %d status = %d, want 202 or 404", round, i, status)
			}
		}
	}
}

func TestSSE_SessionLogsCarryTraceID(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	buf := &lockedBuffer{}
	logger := logging.New()
	logger.SetOutput(buf)
	logger.SetNoColor(true)

	cfg := DefaultRouterConfig()
	cfg.Logger = logger
	_, srv := sseServer(t, cfg)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if _, err := bufio.NewReader(resp.Body).ReadString('\n'); err != nil {
		t.Fatalf("reading endpoint event: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "session_opened") {
		if time.Now().After(deadline) {
			t.Fatalf("no session_opened log: %q", buf.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(buf.String(), traceID) {
		t.Errorf("session log missing trace id: %q", buf.String())
	}
}

func TestSSE_SessionClose(t *testing.T) {
	sessions := make(chan Channel, 1)
	cfg := DefaultRouterConfig()
	cfg.OnSession = func(ctx context.Context, ch Channel) { sessions <- ch }
	router, srv := sseServer(t, cfg)

	client := dialSSE(t, srv.URL+"/sse")
	endpoint := client.Endpoint().String()

	var session Channel
	select {
	case session = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("OnSession not called")
	}
	if session.Kind() != KindSSESession {
		t.Errorf("kind = %q", session.Kind())
	}
	if err := session.Start(context.Background()); !errors.Is(err, errors.ErrCodeState) {
		t.Errorf("session Start err = %v, want STATE", err)
	}

	session.Close()
	if router.Len() != 0 {
		t.Errorf("sessions = %d after Close, want 0", router.Len())
	}
	if status, _ := postEnvelope(t, endpoint, `{"id":1}`); status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}

	waitDone(t, client)
	if !errors.Is(client.Err(), errors.ErrCodeTransport) {
		t.Errorf("client Err = %v, want TRANSPORT", client.Err())
	}
}

func TestSSE_RouterClose(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.OnSession = echoSession
	router, srv := sseServer(t, cfg)

	clients := []*SSEClientChannel{dialSSE(t, srv.URL+"/sse"), dialSSE(t, srv.URL+"/sse")}
	waitSessions(t, router, 2)

	router.Close()
	if router.Len() != 0 {
		t.Errorf("sessions = %d after Close, want 0", router.Len())
	}
	for _, c := range clients {
		waitDone(t, c)
		if !strings.Contains(c.Err().Error(), "event stream ended") {
			t.Errorf("client Err = %v", c.Err())
		}
	}

	resp, err := http.Get(srv.URL + "/sse")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestSSE_Heartbeat(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	_, srv := sseServer(t, cfg)

	resp, err := http.Get(srv.URL + "/sse")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	lines := make(chan string)
	go func() {
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream ended before heartbeat")
			}
			if line == ": heartbeat" {
				return
			}
		case <-timeout:
			t.Fatal("no heartbeat")
		}
	}
}

// rawSSEServer serves a fixed event stream at /sse and rejects POSTs.
func rawSSEServer(t *testing.T, contentType, events string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, events)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/reject", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSSEClient_HandshakeFailures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer failing.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"non-200", failing.URL + "/sse"},
		{"wrong content type", rawSSEServer(t, "application/json", "").URL + "/sse"},
		{"no endpoint event", rawSSEServer(t, "text/event-stream", ": hello\n\n").URL + "/sse"},
		{"foreign endpoint", rawSSEServer(t, "text/event-stream", "event: endpoint\ndata: http://elsewhere.example/message\n\n").URL + "/sse"},
		{"unreachable", "http://127.0.0.1:1/sse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSSEConfig()
			cfg.URL = tt.url
			cfg.HandshakeTimeout = 300 * time.Millisecond
			ch := NewSSEClientChannel(cfg)

			err := ch.Start(context.Background())
			if !errors.Is(err, errors.ErrCodeConnection) {
				t.Errorf("Start err = %v, want CONNECTION", err)
			}
			waitDone(t, ch)
		})
	}
}

func TestSSEClient_RejectedPostClosesChannel(t *testing.T) {
	srv := rawSSEServer(t, "text/event-stream", "event: endpoint\ndata: /reject?sessionId=x\n\n")
	ch := dialSSE(t, srv.URL+"/sse")

	err := ch.Send(context.Background(), Message(`{"id":1}`))
	if !errors.Is(err, errors.ErrCodeTransport) {
		t.Fatalf("Send err = %v, want TRANSPORT", err)
	}
	waitDone(t, ch)
	if !errors.Is(ch.Err(), errors.ErrCodeTransport) {
		t.Errorf("Err = %v, want TRANSPORT", ch.Err())
	}
}

func TestSSEClient_SendBeforeStart(t *testing.T) {
	ch := NewSSEClientChannel(DefaultSSEConfig())
	if err := ch.Send(context.Background(), Message(`{}`)); !errors.Is(err, errors.ErrCodeState) {
		t.Errorf("Send err = %v, want STATE", err)
	}
	ch.Close()
	ch.Close()
	waitDone(t, ch)
}

func TestSSEClient_MessageEvents(t *testing.T) {
	events := "event: endpoint\ndata: /message?sessionId=abc\n\n" +
		": comment\n\n" +
		"event: message\ndata: {\"id\":1}\n\n" +
		"data: {\"id\":\ndata: 2}\n\n" +
		"event: progress\ndata: {\"ignored\":true}\n\n" +
		"event: message\ndata: not json\n\n"
	srv := rawSSEServer(t, "text/event-stream", events)
	ch := dialSSE(t, srv.URL+"/sse")

	if item := recvItem(t, ch); item.Message.String() != `{"id":1}` {
		t.Errorf("first = %+v", item)
	}
	if item := recvItem(t, ch); item.Message.String() != `{"id":2}` {
		t.Errorf("multi-line = %+v", item)
	}
	if item := recvItem(t, ch); !errors.Is(item.Err, errors.ErrCodeFraming) {
		t.Errorf("invalid = %+v, want FRAMING", item)
	}
}

func TestReadEvents(t *testing.T) {
	input := ": heartbeat\r\n\r\n" +
		"event: endpoint\r\ndata: /message?sessionId=1\r\n\r\n" +
		"id: 7\rdata:first\rdata: second\r\r" +
		"event: empty\n\n" +
		"data: {}\n\n" +
		"data: trailing"

	var got []sseEvent
	err := readEvents(strings.NewReader(input), 1024, func(ev sseEvent) bool {
		got = append(got, ev)
		return true
	})
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}

	want := []sseEvent{
		{Name: "endpoint", Data: "/message?sessionId=1"},
		{ID: "7", Data: "first\nsecond"},
		{Data: "{}"},
	}
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWriteEvent(t *testing.T) {
	var b strings.Builder
	writeEvent(&b, EventMessage, []byte("a\nb"))
	writeComment(&b, "heartbeat")
	want := "event: message\ndata: a\ndata: b\n\n: heartbeat\n\n"
	if b.String() != want {
		t.Errorf("output = %q, want %q", b.String(), want)
	}
}
