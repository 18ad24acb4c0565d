package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/observability"
)

// ErrClientClosed is returned by operations on a closed WSClientImpl.
var ErrClientClosed = errors.New("websocket client closed")

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// RequestTimeout bounds the wait for a subscribe/unsubscribe reply.
	RequestTimeout time.Duration
	// Commitment for account notifications.
	Commitment domain.Commitment
	// Logger receives connection lifecycle events.
	Logger zerolog.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		RequestTimeout:    30 * time.Second,
		Commitment:        domain.CommitmentOptimistic,
		Logger:            zerolog.Nop(),
	}
}

// accountWatch is one active Watch call. serverID changes across reconnects
// and is meaningful only while bound is set.
type accountWatch struct {
	localID  uint64
	pubkey   string
	handler  func([]byte)
	serverID int64
	bound    bool
}

// wsReply is the result or error of a request awaiting its response.
type wsReply struct {
	result json.RawMessage
	err    *RPCError
	// hookErr is the error returned by the request's onReply hook.
	hookErr error
}

// pendingRequest waits for one reply. onReply, when set, runs on the read
// loop before the next frame is read.
type pendingRequest struct {
	ch      chan wsReply
	onReply func(json.RawMessage) error
}

// WSClientImpl implements WSClient using gorilla/websocket and accountSubscribe.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig
	log      zerolog.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64
	watchID   atomic.Uint64

	// watches by local ID; byServer maps the node's subscription ID to the watch.
	watches  map[uint64]*accountWatch
	byServer map[int64]*accountWatch
	watchMu  sync.RWMutex

	// pending maps request ID to the request waiting for its reply.
	pending   map[uint64]pendingRequest
	pendingMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

var _ WSClient = (*WSClientImpl)(nil)

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClientImpl, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if !cfg.Commitment.IsValid() {
		cfg.Commitment = domain.CommitmentOptimistic
	}

	c := &WSClientImpl{
		endpoint: endpoint,
		config:   cfg,
		log:      cfg.Logger.With().Str("endpoint", endpoint).Logger(),
		watches:  make(map[uint64]*accountWatch),
		byServer: make(map[int64]*accountWatch),
		pending:  make(map[uint64]pendingRequest),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

func (c *WSClientImpl) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("websocket dial: %w", err)}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// Watch subscribes to account changes for pubkey. handler runs on the read
// loop and receives the decoded account bytes, or nil when the account closes.
// The watch is bound to its subscription ID as the reply is read, so a
// notification that follows the reply is never missed.
// The returned cancel sends accountUnsubscribe and is safe to call repeatedly.
func (c *WSClientImpl) Watch(ctx context.Context, pubkey string, handler func([]byte)) (func(), error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	w := &accountWatch{
		localID: c.watchID.Add(1),
		pubkey:  pubkey,
		handler: handler,
	}
	c.watchMu.Lock()
	c.watches[w.localID] = w
	c.watchMu.Unlock()

	if err := c.subscribe(ctx, w); err != nil {
		c.unwatch(w.localID)
		return nil, err
	}

	c.log.Debug().Str("pubkey", pubkey).Msg("account subscribed")

	var once sync.Once
	return func() {
		once.Do(func() { c.unwatch(w.localID) })
	}, nil
}

func (c *WSClientImpl) unwatch(localID uint64) {
	c.watchMu.Lock()
	w, ok := c.watches[localID]
	var bound bool
	var serverID int64
	if ok {
		delete(c.watches, localID)
		bound, serverID = w.bound, w.serverID
		if bound {
			delete(c.byServer, serverID)
		}
	}
	c.watchMu.Unlock()

	if !bound || c.closed.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	if _, err := c.request(ctx, "accountUnsubscribe", []interface{}{serverID}, nil); err != nil {
		c.log.Debug().Err(err).Str("pubkey", w.pubkey).Msg("account unsubscribe failed")
	}
}

// subscribe sends accountSubscribe for w and binds w to the node's
// subscription ID on the read loop.
func (c *WSClientImpl) subscribe(ctx context.Context, w *accountWatch) error {
	params := []interface{}{
		w.pubkey,
		map[string]string{
			"encoding":   "base64",
			"commitment": c.config.Commitment.RPC(),
		},
	}

	_, err := c.request(ctx, "accountSubscribe", params, func(result json.RawMessage) error {
		var subID int64
		if err := json.Unmarshal(result, &subID); err != nil {
			return fmt.Errorf("parse subscription id: %w", err)
		}
		c.bind(w, subID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("accountSubscribe %s: %w", w.pubkey, err)
	}
	return nil
}

// bind routes notifications for serverID to w while w is active.
func (c *WSClientImpl) bind(w *accountWatch, serverID int64) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if _, active := c.watches[w.localID]; !active {
		return
	}
	if w.bound {
		delete(c.byServer, w.serverID)
	}
	w.serverID = serverID
	w.bound = true
	c.byServer[serverID] = w
}

// request writes a JSON-RPC request and waits for the matching reply.
// onReply may be nil.
func (c *WSClientImpl) request(ctx context.Context, method string, params []interface{}, onReply func(json.RawMessage) error) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	reqID := c.requestID.Add(1)
	replyCh := make(chan wsReply, 1)

	c.pendingMu.Lock()
	c.pending[reqID] = pendingRequest{ch: replyCh, onReply: onReply}
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return nil, &TransportError{Err: errors.New("not connected")}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("write %s: %w", method, err)}
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrClientClosed
		}
		if reply.err != nil {
			return nil, reply.err
		}
		if reply.hookErr != nil {
			return nil, reply.hookErr
		}
		return reply.result, nil
	case <-timer.C:
		return nil, &TransportError{Err: fmt.Errorf("%s: no reply after %s", method, c.config.RequestTimeout)}
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the WebSocket connection.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.watchMu.Lock()
	c.watches = make(map[uint64]*accountWatch)
	c.byServer = make(map[int64]*accountWatch)
	c.watchMu.Unlock()

	c.wg.Wait()
	return nil
}

// readLoop reads messages from WebSocket and dispatches to watchers.
func (c *WSClientImpl) readLoop() {
	defer c.wg.Done()

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.log.Warn().Err(err).Msg("websocket read failed, reconnecting")
			if !c.reconnecting.Swap(true) {
				c.wg.Add(1)
				go c.reconnect(conn)
			}
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		c.handleMessage(message)
	}
}

// reconnect redials with exponential backoff until it succeeds or the client
// closes, then resubscribes every active watch.
func (c *WSClientImpl) reconnect(stale *websocket.Conn) {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	c.connMu.Lock()
	if c.conn == stale {
		c.conn = nil
	}
	c.connMu.Unlock()
	stale.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectDelay
	b.MaxInterval = c.config.MaxReconnectDelay
	b.MaxElapsedTime = 0

	dial := func() error {
		dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
		defer dialCancel()
		return c.connect(dialCtx)
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("websocket reconnect failed")
	}

	if err := backoff.RetryNotify(dial, backoff.WithContext(b, ctx), notify); err != nil {
		return
	}

	observability.RecordWSReconnect()
	c.log.Info().Msg("websocket reconnected")

	// The read loop must be running to receive subscribe replies.
	go c.resubscribeAll()
}

// resubscribeAll re-issues accountSubscribe for every watch after reconnect.
func (c *WSClientImpl) resubscribeAll() {
	c.watchMu.RLock()
	watches := make([]*accountWatch, 0, len(c.watches))
	for _, w := range c.watches {
		watches = append(watches, w)
	}
	c.watchMu.RUnlock()

	for _, w := range watches {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		err := c.subscribe(ctx, w)
		cancel()
		if err != nil {
			c.log.Error().Err(err).Str("pubkey", w.pubkey).Msg("resubscribe failed")
		}
	}
}

// handleMessage routes a frame to a pending request or a watch handler.
func (c *WSClientImpl) handleMessage(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.log.Debug().Err(err).Msg("unparseable websocket frame")
		return
	}

	if env.Method == "accountNotification" && env.Params != nil {
		c.handleAccountNotification(env.Params)
		return
	}

	if env.ID == 0 {
		return
	}

	c.pendingMu.Lock()
	req, ok := c.pending[env.ID]
	c.pendingMu.Unlock()
	if !ok {
		if env.Error != nil {
			c.log.Warn().Int("code", env.Error.Code).Str("msg", env.Error.Message).Msg("unmatched error response")
		}
		return
	}

	reply := wsReply{result: env.Result, err: env.Error}
	if reply.err == nil && req.onReply != nil {
		reply.hookErr = req.onReply(env.Result)
	}

	select {
	case req.ch <- reply:
	default:
	}
}

func (c *WSClientImpl) handleAccountNotification(params *wsNotificationParams) {
	c.watchMu.RLock()
	w, ok := c.byServer[params.Subscription]
	c.watchMu.RUnlock()
	if !ok {
		return
	}

	var data []byte
	if params.Result.Value != nil {
		decoded, err := decodeAccountData(params.Result.Value.Data)
		if err != nil {
			c.log.Warn().Err(err).Str("pubkey", w.pubkey).Msg("bad account notification")
			return
		}
		data = decoded
	}

	w.handler(data)
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClientImpl) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// A dead connection surfaces on the read loop.
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// wsEnvelope covers both replies (ID set) and notifications (Method set).
type wsEnvelope struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      uint64                `json:"id"`
	Result  json.RawMessage       `json:"result,omitempty"`
	Error   *RPCError             `json:"error,omitempty"`
	Method  string                `json:"method,omitempty"`
	Params  *wsNotificationParams `json:"params,omitempty"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context rpcContext           `json:"context"`
	Value   *getAccountInfoValue `json:"value"`
}
