package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"energy_market/internal/domain"
	"energy_market/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	maxRetries   = 10
	baseDelay    = 1 * time.Second
	maxDelay     = 60 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second

	methodSend   = "sendTransfer"
	methodStatus = "getTransactionStatus"
)

var errNotConnected = errors.New("ledger not connected")

var _ domain.Ledger = (*Client)(nil)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type sendParams struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Transfers      []domain.Transfer `json:"transfers"`
	Signers        []string          `json:"signers"`
}

type sendResult struct {
	Signature string `json:"signature"`
}

type statusParams struct {
	Signature string `json:"signature"`
}

type statusResult struct {
	Status string `json:"status"` // pending, confirmed, failed
}

// Client talks JSON-RPC to a ledger node over a persistent WebSocket.
// Responses are correlated to requests by id; a dropped connection fails every
// in-flight call with a retriable NetworkError and the connection loop redials.
type Client struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool

	nextID  atomic.Uint64
	pendMu  sync.Mutex
	pending map[uint64]chan rpcResponse

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a ledger client. Call Connect before use.
func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     url,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "ledger")),
		pending: make(map[uint64]chan rpcResponse),
	}
}

// Connect starts the WebSocket connection with automatic reconnection
func (c *Client) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.connectionLoop(ctx)

	return nil
}

// connectionLoop handles connection and reconnection with exponential backoff
func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Ledger panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Ledger connection loop stopped")
			return
		default:
		}

		if err := c.dial(ctx); err != nil {
			c.logger.Warn("Ledger connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := infra.CalculateBackoff(retryCount, baseDelay, maxDelay)
			retryCount++
			if retryCount > maxRetries {
				c.logger.Error("Ledger max retries exceeded, resetting counter")
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		c.readLoop(ctx)
	}
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("Ledger WebSocket connected", slog.String("url", c.url))
	return nil
}

// readLoop dispatches responses until the connection drops.
func (c *Client) readLoop(ctx context.Context) {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx)

	for {
		select {
		case <-ctx.Done():
			c.closeConnection(ctx.Err())
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Ledger WebSocket read error", slog.Any("error", err))
			}
			c.closeConnection(err)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			c.logger.Debug("Ledger message parse error", slog.Any("error", err))
			continue
		}

		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// threadSafeWrite sends a message to the WebSocket connection in a thread-safe manner
func (c *Client) threadSafeWrite(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return conn.WriteMessage(messageType, data)
}

// closeConnection closes the socket and fails in-flight calls.
func (c *Client) closeConnection(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()

	if cause == nil {
		cause = errNotConnected
	}
	c.pendMu.Lock()
	for id, ch := range c.pending {
		ch <- rpcResponse{ID: id, Error: &rpcError{Code: -1, Message: "connection lost: " + cause.Error()}}
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConnection(nil)
	c.wg.Wait()
	c.logger.Info("Ledger WebSocket disconnected")
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// call sends one request and waits for its response. Transport failures, lost connections
// and timeouts become retriable NetworkErrors; errors reported by the node become LedgerErrors.
func (c *Client) call(ctx context.Context, op, method string, params, result any) error {
	if !c.IsConnected() {
		return domain.NewNetworkError(op, errNotConnected)
	}

	id := c.nextID.Add(1)
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return domain.NewFatalNetworkError(op, fmt.Errorf("marshal request: %w", err))
	}

	ch := make(chan rpcResponse, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.threadSafeWrite(websocket.TextMessage, payload); err != nil {
		return domain.NewNetworkError(op, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			if resp.Error.Code == -1 {
				return domain.NewNetworkError(op, errors.New(resp.Error.Message))
			}
			return &domain.LedgerError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return &domain.LedgerError{Code: -32700, Message: "malformed result: " + err.Error()}
			}
		}
		return nil
	case <-timer.C:
		return domain.NewNetworkError(op, fmt.Errorf("no response within %v", c.timeout))
	case <-ctx.Done():
		return domain.NewNetworkError(op, ctx.Err())
	}
}

// BuildAndSend submits a signed transfer transaction and returns its signature.
func (c *Client) BuildAndSend(ctx context.Context, ins domain.Instructions, signers []string) (domain.TxRef, error) {
	var res sendResult
	err := c.call(ctx, "send", methodSend, sendParams{
		IdempotencyKey: ins.IdempotencyKey,
		Transfers:      ins.Transfers,
		Signers:        signers,
	}, &res)
	if err == nil && res.Signature == "" {
		err = &domain.LedgerError{Code: -32603, Message: "empty signature"}
	}
	if err != nil {
		return "", err
	}
	return domain.TxRef(res.Signature), nil
}

// GetConfirmationStatus reports the finality of a submitted transaction.
func (c *Client) GetConfirmationStatus(ctx context.Context, ref domain.TxRef) (domain.ConfirmationStatus, error) {
	var res statusResult
	err := c.call(ctx, "status", methodStatus, statusParams{Signature: string(ref)}, &res)
	if err != nil {
		return "", err
	}
	switch res.Status {
	case "confirmed", "finalized":
		return domain.ConfirmationConfirmed, nil
	case "failed":
		return domain.ConfirmationFailed, nil
	default:
		return domain.ConfirmationPending, nil
	}
}
