package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/boundlessdigital/live-lambda/internal/metrics"
	"github.com/boundlessdigital/live-lambda/internal/signing"
)

const (
	realtimePath = "/event/realtime"

	// protocolSubprotocol identifies the event-channel protocol family
	// during WebSocket negotiation.
	protocolSubprotocol = "aws-appsync-event-ws"

	defaultConnectionTimeout = 300 * time.Second
	keepAliveGrace           = 5 * time.Second
	writeTimeout             = 10 * time.Second
	maxMessageSize           = 512 * 1024
)

// DataHandler receives data events for a live subscription.
type DataHandler func(event json.RawMessage)

// operation is one pending subscribe/publish/unsubscribe exchange,
// keyed by its id in the client's operation table. Subscriptions stay
// in the table past their ack; unsubAck is set only while an
// unsubscribe for the id is in flight.
type operation struct {
	id       string
	kind     MessageType
	ack      chan error
	unsubAck chan error
	onData   DataHandler
}

// connectAttempt is the future shared by concurrent Connect callers.
type connectAttempt struct {
	done chan struct{}
	err  error
	once sync.Once
}

func (a *connectAttempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Config holds the relay endpoints a Client talks to.
type Config struct {
	// HTTPHost is the relay's HTTP endpoint host, the signing target.
	HTTPHost string

	// RealtimeHost is the relay's WebSocket endpoint host.
	RealtimeHost string

	// OnDisconnect, when set, is invoked whenever an established or
	// in-flight session ends for any reason other than Disconnect.
	OnDisconnect func(err error)
}

// Client owns one WebSocket session to the relay and multiplexes
// subscribe/publish/unsubscribe operations over it. A Client is safe
// for concurrent use; the operation table and connection handle are
// owned exclusively by one instance.
type Client struct {
	cfg    Config
	signer *signing.Signer

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	attempt     *connectAttempt
	operations  map[string]*operation
	timeout     time.Duration
	keepAlive   *time.Timer
	readDone    chan struct{}
	closeReason error

	writeMu sync.Mutex

	// wsScheme is "wss" in production; tests override it to reach a
	// plaintext local relay.
	wsScheme string
}

// NewClient creates a disconnected client. Connect is called lazily by
// the first operation.
func NewClient(cfg Config, signer *signing.Signer) *Client {
	return &Client{
		cfg:        cfg,
		signer:     signer,
		state:      StateDisconnected,
		operations: make(map[string]*operation),
		timeout:    defaultConnectionTimeout,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the WebSocket session and suspends until the
// relay acknowledges it. Idempotent: while a session is connecting or
// open, callers share the outcome of the existing attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		attempt := c.attempt
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	attempt := &connectAttempt{done: make(chan struct{})}
	c.attempt = attempt
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx, attempt); err != nil {
		c.mu.Lock()
		if c.attempt == attempt {
			c.state = StateDisconnected
			c.attempt = nil
		}
		c.mu.Unlock()
		attempt.finish(err)
		return err
	}

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "connect canceled")
		}
		return ctx.Err()
	}
}

// dial signs the handshake, opens the socket and sends connection_init.
// The session is established only once the read loop sees
// connection_ack.
func (c *Client) dial(ctx context.Context, attempt *connectAttempt) error {
	headers, err := c.signer.SignEventRequest(ctx, c.cfg.HTTPHost, nil)
	if err != nil {
		return err
	}

	authProto, err := signing.AuthSubprotocol(headers)
	if err != nil {
		return err
	}

	scheme := c.wsScheme
	if scheme == "" {
		scheme = "wss"
	}
	wsURL := scheme + "://" + c.cfg.RealtimeHost + realtimePath
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{authProto, protocolSubprotocol},
	})
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	if err := c.write(ctx, conn, &Message{Type: MessageTypeConnectionInit}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return fmt.Errorf("sending connection_init: %w", err)
	}

	readDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.readDone = readDone
	c.mu.Unlock()

	go c.readLoop(conn, attempt, readDone)

	log.Debug().Str("url", wsURL).Msg("Relay socket opened")
	return nil
}

// readLoop is the only reader of the socket. Every inbound frame, of
// any type, resets the keep-alive timer before dispatch.
func (c *Client) readLoop(conn *websocket.Conn, attempt *connectAttempt, readDone chan struct{}) {
	defer close(readDone)

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.teardown(conn, attempt, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}

		c.touchKeepAlive()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Dropping unparseable relay frame")
			continue
		}

		c.dispatch(&msg, attempt)
	}
}

// dispatch routes one inbound frame by its type discriminant.
func (c *Client) dispatch(msg *Message, attempt *connectAttempt) {
	switch msg.Type {
	case MessageTypeConnectionAck:
		timeout := defaultConnectionTimeout
		if msg.ConnectionTimeoutMs > 0 {
			timeout = time.Duration(msg.ConnectionTimeoutMs) * time.Millisecond
		}
		c.mu.Lock()
		c.timeout = timeout
		c.state = StateOpen
		c.attempt = nil
		c.keepAlive = time.AfterFunc(timeout+keepAliveGrace, c.keepAliveExpired)
		c.mu.Unlock()
		attempt.finish(nil)
		metrics.SetRelayConnected(true)
		log.Debug().Dur("connection_timeout", timeout).Msg("Relay session established")

	case MessageTypeKeepAlive:
		// Timer was already reset on receipt.

	case MessageTypeSubscribeSuccess:
		c.completeOperation(msg.ID, nil, false)

	case MessageTypePublishSuccess:
		c.completeOperation(msg.ID, nil, true)

	case MessageTypeUnsubscribeSuccess:
		c.completeUnsubscribe(msg.ID, nil)

	case MessageTypeData:
		c.mu.Lock()
		op := c.operations[msg.ID]
		c.mu.Unlock()
		if op == nil || op.onData == nil {
			log.Debug().Str("id", msg.ID).Msg("Data for unknown subscription")
			return
		}
		op.onData(msg.Event)

	case MessageTypeSubscribeError, MessageTypePublishError:
		c.completeOperation(msg.ID, &OperationError{Kind: msg.Type, ID: msg.ID, Errors: msg.Errors}, true)

	case MessageTypeUnsubscribeError:
		c.completeUnsubscribe(msg.ID, &OperationError{Kind: msg.Type, ID: msg.ID, Errors: msg.Errors})

	case MessageTypeBroadcastError:
		log.Warn().Str("id", msg.ID).Interface("errors", msg.Errors).Msg("Relay broadcast error")

	default:
		log.Warn().Str("type", string(msg.Type)).Msg("Ignoring unknown relay message type")
	}
}

// completeOperation resolves the pending ack for id. Subscriptions
// survive their ack (remove=false); everything else is removed from
// the table on its terminal event.
func (c *Client) completeOperation(id string, result error, remove bool) {
	c.mu.Lock()
	op := c.operations[id]
	if op == nil {
		c.mu.Unlock()
		log.Debug().Str("id", id).Msg("Ack for unknown operation")
		return
	}
	if remove || result != nil {
		delete(c.operations, id)
	}
	c.mu.Unlock()

	outcome := "success"
	if result != nil {
		outcome = "error"
	}
	metrics.RecordRelayOperation(string(op.kind), outcome)

	select {
	case op.ack <- result:
	default:
	}
}

func (c *Client) completeUnsubscribe(id string, result error) {
	c.mu.Lock()
	op := c.operations[id]
	var ch chan error
	if op != nil {
		ch = op.unsubAck
		op.unsubAck = nil
		if result == nil {
			delete(c.operations, id)
		}
	}
	c.mu.Unlock()

	if ch == nil {
		log.Debug().Str("id", id).Msg("Unsubscribe ack for unknown operation")
		return
	}
	outcome := "success"
	if result != nil {
		outcome = "error"
	}
	metrics.RecordRelayOperation(string(MessageTypeUnsubscribe), outcome)
	select {
	case ch <- result:
	default:
	}
}

// Subscribe registers onData for a channel and suspends until the relay
// acknowledges the subscription. It returns the operation id used to
// unsubscribe later. Connects first if no session is open.
func (c *Client) Subscribe(ctx context.Context, channel string, onData DataHandler) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(subscribeBody{Channel: channel})
	if err != nil {
		return "", fmt.Errorf("encoding subscribe body: %w", err)
	}
	auth, err := c.signer.SignEventRequest(ctx, c.cfg.HTTPHost, body)
	if err != nil {
		return "", err
	}

	op := &operation{
		id:     uuid.NewString(),
		kind:   MessageTypeSubscribe,
		ack:    make(chan error, 1),
		onData: onData,
	}
	conn, err := c.register(op)
	if err != nil {
		return "", err
	}

	msg := &Message{Type: MessageTypeSubscribe, ID: op.id, Channel: channel, Authorization: auth}
	if err := c.write(ctx, conn, msg); err != nil {
		c.remove(op.id)
		return "", fmt.Errorf("sending subscribe: %w", err)
	}

	select {
	case err := <-op.ack:
		if err != nil {
			return "", err
		}
		log.Debug().Str("id", op.id).Str("channel", channel).Msg("Subscribed")
		return op.id, nil
	case <-ctx.Done():
		c.remove(op.id)
		return "", ctx.Err()
	}
}

// Publish sends events to a channel and suspends until the relay
// acknowledges the publish. Each event is JSON-stringified individually
// per the wire protocol. Connects first if no session is open.
func (c *Client) Publish(ctx context.Context, channel string, events []any) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	stringified := make([]string, 0, len(events))
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
		stringified = append(stringified, string(raw))
	}

	body, err := json.Marshal(publishBody{Channel: channel, Events: stringified})
	if err != nil {
		return fmt.Errorf("encoding publish body: %w", err)
	}
	auth, err := c.signer.SignEventRequest(ctx, c.cfg.HTTPHost, body)
	if err != nil {
		return err
	}

	op := &operation{
		id:   uuid.NewString(),
		kind: MessageTypePublish,
		ack:  make(chan error, 1),
	}
	conn, err := c.register(op)
	if err != nil {
		return err
	}

	msg := &Message{Type: MessageTypePublish, ID: op.id, Channel: channel, Events: stringified, Authorization: auth}
	if err := c.write(ctx, conn, msg); err != nil {
		c.remove(op.id)
		return fmt.Errorf("sending publish: %w", err)
	}

	select {
	case err := <-op.ack:
		return err
	case <-ctx.Done():
		c.remove(op.id)
		return ctx.Err()
	}
}

// Unsubscribe tears down the subscription registered under id. Calling
// it for an unknown id, or with no live connection, is a successful
// no-op.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	c.mu.Lock()
	op := c.operations[id]
	conn := c.conn
	open := c.state == StateOpen
	if op == nil || !open || conn == nil {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	op.unsubAck = ch
	c.mu.Unlock()

	msg := &Message{Type: MessageTypeUnsubscribe, ID: id}
	if err := c.write(ctx, conn, msg); err != nil {
		return fmt.Errorf("sending unsubscribe: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the session gracefully: an open connection is
// closed with a normal status and waited on, an in-flight connect is
// aborted, and a dead client resolves immediately.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	conn := c.conn
	attempt := c.attempt
	readDone := c.readDone
	c.mu.Unlock()

	switch state {
	case StateOpen:
		// Flip to closed first so teardown treats this as deliberate
		// and skips the disconnect callback.
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		select {
		case <-readDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil

	case StateConnecting:
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
		}
		if attempt != nil {
			attempt.finish(ErrConnectionClosed)
		}
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateClosed
		}
		c.mu.Unlock()
		return nil

	default:
		return nil
	}
}

// register adds an operation to the table, failing if the session died
// between Connect and now.
func (c *Client) register(op *operation) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.conn == nil {
		return nil, ErrNotConnected
	}
	c.operations[op.id] = op
	return c.conn, nil
}

func (c *Client) remove(id string) {
	c.mu.Lock()
	delete(c.operations, id)
	c.mu.Unlock()
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *Client) touchKeepAlive() {
	c.mu.Lock()
	if c.keepAlive != nil {
		c.keepAlive.Reset(c.timeout + keepAliveGrace)
	}
	c.mu.Unlock()
}

// keepAliveExpired closes the socket after a silent interval; teardown
// then runs through the same path as an external close.
func (c *Client) keepAliveExpired() {
	c.mu.Lock()
	conn := c.conn
	c.closeReason = ErrKeepAliveTimeout
	c.mu.Unlock()

	if conn == nil {
		return
	}
	log.Warn().Msg("Relay keep-alive timeout, closing connection")
	conn.Close(websocket.StatusNormalClosure, "Keep-alive timeout")
}

// teardown rejects every pending operation with a connection-closed
// error and resets the client so a later Connect starts clean.
func (c *Client) teardown(conn *websocket.Conn, attempt *connectAttempt, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer session already replaced this one.
		c.mu.Unlock()
		return
	}
	if c.closeReason != nil {
		cause = c.closeReason
		c.closeReason = nil
	}
	c.conn = nil
	closed := c.state == StateClosed
	if !closed {
		c.state = StateDisconnected
	}
	if c.keepAlive != nil {
		c.keepAlive.Stop()
		c.keepAlive = nil
	}
	if c.attempt == attempt {
		c.attempt = nil
	}
	pending := c.operations
	c.operations = make(map[string]*operation)
	c.mu.Unlock()

	metrics.SetRelayConnected(false)
	attempt.finish(cause)

	if !closed && c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(cause)
	}

	for _, op := range pending {
		select {
		case op.ack <- fmt.Errorf("%w: %v", ErrConnectionClosed, cause):
		default:
		}
		if op.unsubAck != nil {
			select {
			case op.unsubAck <- fmt.Errorf("%w: %v", ErrConnectionClosed, cause):
			default:
			}
		}
	}

	if len(pending) > 0 {
		log.Debug().Int("rejected", len(pending)).Msg("Relay connection torn down")
	}
}

// pendingCount reports the size of the operation table.
func (c *Client) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.operations)
}
