package protocol

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/transport"
)

func TestClient_InitializeHandshake(t *testing.T) {
	a, b := channelPair(t)

	notified := make(chan struct{}, 1)
	server := NewServer(ServerConfig{
		Info:         Implementation{Name: "test server", Version: "0.1.0"},
		Capabilities: map[string]interface{}{"logging": map[string]interface{}{}},
	})
	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		if method == MethodInitialized {
			notified <- struct{}{}
		}
		return server.Handle(ctx, method, params)
	})
	go NewEngine(b, EngineConfig{Handler: handler}).Run(context.Background())

	client := NewClient(a, ClientConfig{Info: Implementation{Name: "test client", Version: "0.1.0"}})
	go client.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "test server" {
		t.Errorf("serverInfo = %+v", result.ServerInfo)
	}
	if _, ok := result.Capabilities["logging"]; !ok {
		t.Errorf("capabilities = %v", result.Capabilities)
	}
	if client.Server() != result {
		t.Error("Server() does not return the handshake result")
	}

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("initialized notification not received")
	}

	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestClient_InitializeSendsParams(t *testing.T) {
	ch, in, out := rawPeer(t)
	client := NewClient(ch, ClientConfig{Info: Implementation{Name: "agentwire", Version: "1.2.3"}})
	go client.Run(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := client.Initialize(context.Background())
		errc <- err
	}()

	line, err := out.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var req struct {
		ID     json.RawMessage  `json:"id"`
		Method string           `json:"method"`
		Params InitializeParams `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatalf("bad request %q: %v", line, err)
	}
	if req.Method != MethodInitialize {
		t.Errorf("method = %q", req.Method)
	}
	if req.Params.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q", req.Params.ProtocolVersion)
	}
	if req.Params.ClientInfo.Name != "agentwire" || req.Params.ClientInfo.Version != "1.2.3" {
		t.Errorf("clientInfo = %+v", req.Params.ClientInfo)
	}
	if req.Params.Capabilities == nil {
		t.Error("capabilities missing")
	}

	io.WriteString(in, `{"jsonrpc":"2.0","id":`+string(req.ID)+`,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"s","version":"1"}}}`+"\n")

	line, err = out.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var note Request
	json.Unmarshal([]byte(line), &note)
	if note.Method != MethodInitialized || !note.IsNotification() {
		t.Errorf("second message = %s, want initialized notification", line)
	}
	if err := <-errc; err != nil {
		t.Errorf("Initialize: %v", err)
	}
}

func TestClient_InitializeRejected(t *testing.T) {
	ch, in, out := rawPeer(t)
	client := NewClient(ch, ClientConfig{})
	go client.Run(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := client.Initialize(context.Background())
		errc <- err
	}()

	line, _ := out.ReadString('\n')
	var req Request
	json.Unmarshal([]byte(line), &req)
	io.WriteString(in, `{"jsonrpc":"2.0","id":`+string(req.ID)+`,"error":{"code":-32603,"message":"Internal error"}}`+"\n")

	err := <-errc
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != InternalError {
		t.Errorf("err = %v, want wrapped rpc error", err)
	}
	if client.Server() != nil {
		t.Error("Server() set after failed handshake")
	}
}

func TestServer_Handle(t *testing.T) {
	server := NewServer(ServerConfig{Info: Implementation{Name: "srv", Version: "2"}, Instructions: "be nice"})
	ctx := context.Background()

	res, err := server.Handle(ctx, MethodInitialize, json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}`))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	ir, ok := res.(*InitializeResult)
	if !ok {
		t.Fatalf("result = %T", res)
	}
	if ir.ServerInfo.Name != "srv" || ir.Instructions != "be nice" || ir.Capabilities == nil {
		t.Errorf("result = %+v", ir)
	}

	if _, err := server.Handle(ctx, MethodInitialize, json.RawMessage(`[1,2]`)); err == nil {
		t.Error("bad params accepted")
	} else if rpcErr, ok := err.(*Error); !ok || rpcErr.Code != InvalidParams {
		t.Errorf("err = %v, want invalid params", err)
	}

	res, err = server.Handle(ctx, MethodPing, nil)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if data, _ := json.Marshal(res); string(data) != `{}` {
		t.Errorf("ping result = %s, want {}", data)
	}

	if _, err := server.Handle(ctx, MethodInitialized, nil); err != nil {
		t.Errorf("initialized: %v", err)
	}
	if _, err := server.Handle(ctx, "tools/list", nil); err == nil {
		t.Error("unknown method accepted")
	}
}

func TestServer_Serve(t *testing.T) {
	aRead, bWrite := io.Pipe()
	bRead, aWrite := io.Pipe()
	a := transport.NewStreamChannel(aRead, aWrite, transport.DefaultStreamConfig())
	b := transport.NewStreamChannel(bRead, bWrite, transport.DefaultStreamConfig())
	a.Start(context.Background())
	b.Start(context.Background())
	defer b.Close()
	defer bWrite.Close()
	server := NewServer(ServerConfig{Info: Implementation{Name: "srv", Version: "1"}})

	served := make(chan error, 1)
	go func() { served <- server.Serve(context.Background(), b) }()

	client := NewClient(a, ClientConfig{})
	go client.Run(context.Background())
	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Hang up: the server sees its input end.
	client.Close()
	aWrite.Close()
	select {
	case err := <-served:
		if !errors.Is(err, errors.ErrCodeTransport) {
			t.Errorf("Serve err = %v, want TRANSPORT", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after client closed")
	}
}
