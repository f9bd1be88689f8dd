package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	emitTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// ErrClientClosed is returned from Emit and Notify after Close.
var ErrClientClosed = errors.New("signaling: client closed")

// Handler consumes the params of one server-pushed event. Handlers run
// on the read loop goroutine, so inbound events are delivered in wire
// order; a handler that blocks stalls the whole inbound stream.
type Handler func(params json.RawMessage)

// inboundMessage is the subset of a JSON-RPC frame the client reads
// back. A frame with a method is a server push; one without is the ack
// for a pending request id.
type inboundMessage struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *inboundError   `json:"error"`
}

type inboundError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *inboundError) Err() error {
	return fmt.Errorf("signaling: server error %d: %s", e.Code, e.Message)
}

// Client is a signaling socket client. Emits are framed as JSON-RPC
// requests and matched to their acks by id; server pushes are
// dispatched to handlers registered with Handle.
type Client struct {
	log    *zap.Logger
	url    string
	header map[string][]string
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	pendingMu sync.Mutex
	pending   map[uint64]chan inboundMessage

	ctx    context.Context
	cancel context.CancelFunc
	closed sync.Once
}

// NewClient prepares a client for the given websocket URL. Dial must be
// called before any Emit or Notify. An authToken, when non-empty, is
// sent as a bearer Authorization header on the handshake.
func NewClient(url, authToken string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	header := map[string][]string{}
	if authToken != "" {
		header["Authorization"] = []string{"Bearer " + authToken}
	}
	return &Client{
		log:      zap.L().Named("signaling"),
		url:      url,
		header:   header,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]chan inboundMessage),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers fn for a server-pushed event. Registration after
// Dial is allowed but racy against in-flight events, so register all
// handlers first.
func (c *Client) Handle(event string, fn Handler) {
	c.handlerMu.Lock()
	c.handlers[event] = fn
	c.handlerMu.Unlock()
}

// Dial connects to the signaling server and starts the read loop. The
// read loop reconnects on failure until Close is called.
func (c *Client) Dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", c.url, err)
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.log.Info("connected to signaling server", zap.String("url", c.url))

	go c.readLoop(conn)
	return nil
}

// Emit sends an event and waits for the server's acknowledgement,
// returning the raw result payload.
func (c *Client) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signaling: marshal %s params: %w", event, err)
	}
	params := json.RawMessage(raw)

	id := uint64(uuid.New().ID())
	req := jsonrpc2.Request{
		Method: event,
		Params: &params,
		ID:     jsonrpc2.ID{Num: id},
	}

	ack := make(chan inboundMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ack
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(&req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(emitTimeout)
	defer timer.Stop()
	select {
	case msg := <-ack:
		if msg.Error != nil {
			return nil, msg.Error.Err()
		}
		return msg.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("signaling: %s: no ack within %s", event, emitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	}
}

// Notify sends an event without waiting for an acknowledgement.
func (c *Client) Notify(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s params: %w", event, err)
	}
	params := json.RawMessage(raw)
	req := jsonrpc2.Request{
		Method: event,
		Params: &params,
		Notif:  true,
	}
	return c.write(&req)
}

// Close tears down the connection and fails all pending emits.
func (c *Client) Close() error {
	c.closed.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.writeMu.Unlock()
		c.failPending(ErrClientClosed)
	})
	return nil
}

func (c *Client) write(req *jsonrpc2.Request) error {
	if c.ctx.Err() != nil {
		return ErrClientClosed
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("signaling: marshal request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("signaling: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write %s: %w", req.Method, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("signaling connection lost", zap.Error(err))
			c.failPending(fmt.Errorf("signaling: connection lost: %w", err))
			conn = c.reconnect()
			if conn == nil {
				return
			}
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed signaling frame", zap.Error(err))
			continue
		}

		if msg.Method != "" {
			c.dispatch(msg.Method, msg.Params)
			continue
		}

		c.pendingMu.Lock()
		ack, ok := c.pending[msg.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.log.Debug("ack for unknown request id", zap.Uint64("id", msg.ID))
			continue
		}
		ack <- msg
	}
}

func (c *Client) dispatch(event string, params json.RawMessage) {
	c.handlerMu.RLock()
	fn, ok := c.handlers[event]
	c.handlerMu.RUnlock()
	if !ok {
		c.log.Debug("no handler for event", zap.String("event", event))
		return
	}
	fn(params)
}

// reconnect redials until it succeeds or the client is closed.
func (c *Client) reconnect() *websocket.Conn {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = 30 * time.Second

	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = c.dialer.DialContext(c.ctx, c.url, c.header)
		return err
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn("signaling reconnect failed",
			zap.Error(err), zap.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, c.ctx), notify); err != nil {
		return nil
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.log.Info("reconnected to signaling server", zap.String("url", c.url))
	return conn
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ack := range c.pending {
		select {
		case ack <- inboundMessage{ID: id, Error: &inboundError{Code: -1, Message: err.Error()}}:
		default:
		}
		delete(c.pending, id)
	}
}
