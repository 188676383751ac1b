package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"energy_market/internal/domain"

	"github.com/gorilla/websocket"
)

// fakeNode answers JSON-RPC requests with handle's result, or stays silent when it returns nil.
func fakeNode(t *testing.T, handle func(req rpcRequest) *rpcResponse) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req rpcRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				return
			}
			resp := handle(req)
			if resp == nil {
				continue
			}
			resp.JSONRPC = "2.0"
			resp.ID = req.ID
			b, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectClient(t *testing.T, url string, timeout time.Duration) *Client {
	t.Helper()
	c := NewClient(url, timeout, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(c.Disconnect)

	deadline := time.Now().Add(2 * time.Second)
	for !c.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not connect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c
}

func result(v any) *rpcResponse {
	b, _ := json.Marshal(v)
	return &rpcResponse{Result: b}
}

func TestClient_SendAndConfirm(t *testing.T) {
	keys := make(chan string, 1)
	url := fakeNode(t, func(req rpcRequest) *rpcResponse {
		switch req.Method {
		case methodSend:
			params := req.Params.(map[string]any)
			key, _ := params["idempotency_key"].(string)
			keys <- key
			return result(sendResult{Signature: "sig-1"})
		case methodStatus:
			return result(statusResult{Status: "confirmed"})
		}
		return &rpcResponse{Error: &rpcError{Code: -32601, Message: "method not found"}}
	})
	c := connectClient(t, url, time.Second)
	ctx := context.Background()

	ref, err := c.BuildAndSend(ctx, tradeInstructions("trade-1"), []string{"platform"})
	if err != nil {
		t.Fatalf("BuildAndSend failed: %v", err)
	}
	if ref != "sig-1" {
		t.Errorf("Expected sig-1, got %s", ref)
	}
	if key := <-keys; key != "trade-1" {
		t.Errorf("Expected idempotency key trade-1 on the wire, got %q", key)
	}

	st, err := c.GetConfirmationStatus(ctx, ref)
	if err != nil {
		t.Fatalf("GetConfirmationStatus failed: %v", err)
	}
	if st != domain.ConfirmationConfirmed {
		t.Errorf("Expected CONFIRMED, got %s", st)
	}
}

func TestClient_RPCErrorIsLedgerError(t *testing.T) {
	url := fakeNode(t, func(req rpcRequest) *rpcResponse {
		return &rpcResponse{Error: &rpcError{Code: 4001, Message: "blockhash expired"}}
	})
	c := connectClient(t, url, time.Second)

	_, err := c.BuildAndSend(context.Background(), tradeInstructions("trade-1"), nil)
	var le *domain.LedgerError
	if !errors.As(err, &le) {
		t.Fatalf("Expected LedgerError, got %v", err)
	}
	if le.Code != 4001 || !domain.IsRetriable(err) {
		t.Errorf("Expected retriable code 4001, got %+v", le)
	}
}

func TestClient_TimeoutIsRetriable(t *testing.T) {
	url := fakeNode(t, func(req rpcRequest) *rpcResponse { return nil })
	c := connectClient(t, url, 50*time.Millisecond)

	_, err := c.GetConfirmationStatus(context.Background(), "sig-1")
	var ne *domain.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("Expected NetworkError, got %v", err)
	}
	if !ne.IsRetriable() {
		t.Error("Expected timeout to be retriable")
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", time.Second, nil)
	_, err := c.BuildAndSend(context.Background(), tradeInstructions("trade-1"), nil)
	if !domain.IsRetriable(err) {
		t.Errorf("Expected retriable error, got %v", err)
	}
}

func TestClient_StatusMapping(t *testing.T) {
	states := map[string]domain.ConfirmationStatus{
		"processed": domain.ConfirmationPending,
		"finalized": domain.ConfirmationConfirmed,
		"failed":    domain.ConfirmationFailed,
	}
	for wire, want := range states {
		t.Run(wire, func(t *testing.T) {
			url := fakeNode(t, func(req rpcRequest) *rpcResponse { return result(statusResult{Status: wire}) })
			c := connectClient(t, url, time.Second)
			got, err := c.GetConfirmationStatus(context.Background(), "sig")
			if err != nil || got != want {
				t.Errorf("Expected %s, got %s (%v)", want, got, err)
			}
		})
	}
}
