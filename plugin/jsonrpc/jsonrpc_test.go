package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, method string, params json.RawMessage) (any, error) {
		switch method {
		case "echo":
			var p map[string]any
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, InvalidParams(err)
			}
			return p, nil
		case "fail":
			return nil, errors.New("handler exploded")
		case "nothing":
			return nil, nil
		default:
			return nil, MethodNotFound(method)
		}
	})
}

func TestDispatch_ErrorCodes(t *testing.T) {
	tests := []struct {
		method string
		params string
		code   int
	}{
		{"unknown.method", `{}`, CodeMethodNotFound},
		{"echo", `[1,2`, CodeInvalidParams},
		{"fail", `{}`, CodeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			req := &Message{JSONRPC: Version, Method: tt.method, Params: json.RawMessage(tt.params), ID: json.RawMessage("7")}
			resp := Dispatch(context.Background(), echoHandler(), req)
			if resp.Error == nil {
				t.Fatalf("expected error, got result %s", resp.Result)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("code = %d, want %d", resp.Error.Code, tt.code)
			}
			if string(resp.ID) != "7" {
				t.Errorf("id = %s, want 7", resp.ID)
			}
		})
	}
}

func TestDispatch_Success(t *testing.T) {
	req, _ := NewRequest(1, "echo", map[string]any{"k": "v"})
	resp := Dispatch(context.Background(), echoHandler(), req)
	var out map[string]string
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out["k"] != "v" {
		t.Errorf("result = %v", out)
	}

	req, _ = NewRequest(2, "nothing", nil)
	resp = Dispatch(context.Background(), echoHandler(), req)
	if string(resp.Result) != "{}" {
		t.Errorf("nil result should encode as {}, got %s", resp.Result)
	}
}

func TestDispatch_InvalidRequest(t *testing.T) {
	resp := Dispatch(context.Background(), echoHandler(), &Message{Method: "echo"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected -32600, got %+v", resp.Error)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req, _ := NewRequest(42, "storage.get", map[string]string{"key": "a"})
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if got.Method != "storage.get" || string(got.ID) != "42" {
			t.Errorf("frame %d = %+v", i, got)
		}
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestFrame_Oversized(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(buf); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestConn_Bidirectional(t *testing.T) {
	hostR, pluginW := io.Pipe()
	pluginR, hostW := io.Pipe()

	host := NewConn(hostR, hostW, echoHandler())
	var pluginSide *Conn
	pluginSide = NewConn(pluginR, pluginW, HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if method != "acquire_credential" {
			return nil, MethodNotFound(method)
		}
		// Call back into the host while serving the host's request.
		var echoed map[string]string
		if err := pluginSide.Call(ctx, "echo", map[string]string{"from": "plugin"}, &echoed); err != nil {
			return nil, err
		}
		return map[string]string{"id": "cred-1", "echo": echoed["from"]}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = host.Serve(ctx) }()
	go func() { _ = pluginSide.Serve(ctx) }()

	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	var out map[string]string
	if err := host.Call(callCtx, "acquire_credential", map[string]string{"model": "m"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["id"] != "cred-1" || out["echo"] != "plugin" {
		t.Errorf("result = %v", out)
	}

	err := host.Call(callCtx, "nope", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound {
		t.Errorf("expected -32601, got %v", err)
	}

	_ = pluginW.Close()
	select {
	case <-host.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("host conn should close when the peer closes")
	}
	if err := host.Call(context.Background(), "echo", nil, nil); err == nil {
		t.Error("Call on a closed conn should fail")
	}
}
