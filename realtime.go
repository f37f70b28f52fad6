package duochat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// RelayEnvelope is the wire format for everything a relay sends.
type RelayEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RelayCommand is a client-to-relay command.
type RelayCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// PathPayload names the document a subscribe/unsubscribe refers to.
type PathPayload struct {
	Path string `json:"path"`
}

// DocumentPayload carries a document for a patch command or a snapshot event.
type DocumentPayload struct {
	Path string   `json:"path"`
	Data Document `json:"data"`
}

// AckPayload answers a patch command.
type AckPayload struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

const (
	cmdSubscribe   = "subscribe"
	cmdUnsubscribe = "unsubscribe"
	cmdPatch       = "patch"
	cmdPing        = "ping"

	evtConnected = "connected"
	evtSnapshot  = "snapshot"
	evtAck       = "ack"
	evtPong      = "pong"
	evtError     = "error"
)

// ============================================================================
// Configuration
// ============================================================================

// WSMirrorConfig configures a WSMirror.
type WSMirrorConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *WSMirrorConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *WSMirrorConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSMirror
// ============================================================================

type wsSub struct {
	path string
	fn   func(Document)
}

// WSMirror is a Mirror reached through a relay over WebSocket. It
// heartbeats the connection, reconnects with backoff, and re-subscribes
// every live subscription after a reconnect.
type WSMirror struct {
	url              string
	config           *WSMirrorConfig
	log              *zap.Logger
	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	counter          int
	subs             map[*wsSub]struct{}
	last             map[string]Document
	pending          map[string]chan AckPayload
	pendingMu        sync.Mutex

	onConnected    []func()
	onDisconnected []func(reason string)
}

// NewWSMirror creates a client for the relay at url (http(s) or ws(s)).
func NewWSMirror(url string, config *WSMirrorConfig) *WSMirror {
	if config == nil {
		config = &WSMirrorConfig{}
	}
	config.defaults()
	return &WSMirror{
		url:     url,
		config:  config,
		log:     config.Logger,
		state:   StateDisconnected,
		recon:   newReconnector(config),
		subs:    make(map[*wsSub]struct{}),
		last:    make(map[string]Document),
		pending: make(map[string]chan AckPayload),
	}
}

// OnConnected registers a handler run after every (re)connect.
func (ws *WSMirror) OnConnected(h func()) {
	ws.mu.Lock()
	ws.onConnected = append(ws.onConnected, h)
	ws.mu.Unlock()
}

// OnDisconnected registers a handler run when the connection drops.
func (ws *WSMirror) OnDisconnected(h func(reason string)) {
	ws.mu.Lock()
	ws.onDisconnected = append(ws.onDisconnected, h)
	ws.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSMirror) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the relay. ctx bounds the dial only; the connection lives
// until Disconnect.
func (ws *WSMirror) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, relayURL(ws.url), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(-1)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read hello: %w", err)
	}
	var env RelayEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != evtConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", evtConnected, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	subs := make([]*wsSub, 0, len(ws.subs))
	for s := range ws.subs {
		subs = append(subs, s)
	}
	handlers := append([]func(){}, ws.onConnected...)
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.log.Debug("relay_connected", zap.String("url", ws.url))

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	for _, path := range uniquePaths(subs) {
		if err := ws.send(connCtx, &RelayCommand{Type: cmdSubscribe, Payload: PathPayload{Path: path}}); err != nil {
			ws.log.Warn("relay_resubscribe_failed", zap.String("path", path), zap.Error(err))
		}
	}
	for _, h := range handlers {
		go h()
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *WSMirror) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPending()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (ws *WSMirror) Subscribe(ctx context.Context, path string, fn func(Document)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub := &wsSub{path: path, fn: fn}
	ws.mu.Lock()
	first := true
	for s := range ws.subs {
		if s.path == path {
			first = false
			break
		}
	}
	ws.subs[sub] = struct{}{}
	connected := ws.state == StateConnected
	cached, haveCached := ws.last[path]
	ws.mu.Unlock()

	if !first && haveCached {
		func() {
			defer func() { recover() }()
			fn(copyDocument(cached))
		}()
	}

	if connected && first {
		if err := ws.send(ctx, &RelayCommand{Type: cmdSubscribe, Payload: PathPayload{Path: path}}); err != nil {
			ws.mu.Lock()
			delete(ws.subs, sub)
			ws.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", path, err)
		}
	}

	go func() {
		<-ctx.Done()
		ws.mu.Lock()
		delete(ws.subs, sub)
		last := true
		for s := range ws.subs {
			if s.path == path {
				last = false
				break
			}
		}
		ws.mu.Unlock()
		if last {
			ws.mu.Lock()
			delete(ws.last, path)
			ws.mu.Unlock()
			_ = ws.send(context.Background(), &RelayCommand{Type: cmdUnsubscribe, Payload: PathPayload{Path: path}})
		}
	}()
	return nil
}

func (ws *WSMirror) Patch(ctx context.Context, path string, fields Document) error {
	ack, err := ws.request(ctx, cmdPatch, DocumentPayload{Path: path, Data: fields})
	if err != nil {
		return fmt.Errorf("patch %s: %w", path, err)
	}
	if ack.Error != "" {
		return fmt.Errorf("patch %s: %w", path, &RelayError{Message: ack.Error})
	}
	return nil
}

// Ping sends a ping and waits for the pong.
func (ws *WSMirror) Ping(ctx context.Context) error {
	_, err := ws.request(ctx, cmdPing, nil)
	return err
}

func (ws *WSMirror) request(ctx context.Context, typ string, payload interface{}) (AckPayload, error) {
	ws.mu.Lock()
	ws.counter++
	requestID := fmt.Sprintf("%s-%d", typ, ws.counter)
	ws.mu.Unlock()
	if typ == cmdPing {
		payload = PongPayload{RequestID: requestID}
	}

	ch := make(chan AckPayload, 1)
	ws.pendingMu.Lock()
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()
	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pending, requestID)
		ws.pendingMu.Unlock()
	}

	if err := ws.send(ctx, &RelayCommand{Type: typ, Payload: payload, RequestID: requestID}); err != nil {
		drop()
		return AckPayload{}, err
	}

	timer := time.NewTimer(ws.config.RequestTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return AckPayload{}, ErrNotConnected
		}
		return ack, nil
	case <-timer.C:
		drop()
		return AckPayload{}, fmt.Errorf("%s timeout", typ)
	case <-ctx.Done():
		drop()
		return AckPayload{}, ctx.Err()
	}
}

func (ws *WSMirror) send(ctx context.Context, cmd *RelayCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSMirror) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			handlers := append([]func(string){}, ws.onDisconnected...)
			ws.mu.Unlock()
			if intentional {
				return
			}
			ws.clearPending()
			ws.log.Warn("relay_disconnected", zap.String("url", ws.url), zap.Error(err))
			for _, h := range handlers {
				go h(err.Error())
			}

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RelayEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case evtSnapshot:
			var p DocumentPayload
			if json.Unmarshal(env.Payload, &p) != nil {
				ws.log.Warn("relay_snapshot_malformed")
				continue
			}
			ws.deliver(p.Path, p.Data)
		case evtAck, evtPong:
			var p AckPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.resolve(p)
			}
		case evtError:
			var p RelayError
			if json.Unmarshal(env.Payload, &p) == nil {
				ws.log.Warn("relay_error", zap.String("message", p.Message))
			}
		}
	}
}

func (ws *WSMirror) deliver(path string, doc Document) {
	if doc == nil {
		doc = Document{}
	}
	ws.mu.Lock()
	var fns []func(Document)
	for s := range ws.subs {
		if s.path == path {
			fns = append(fns, s.fn)
		}
	}
	if len(fns) > 0 {
		ws.last[path] = doc
	}
	ws.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in subscriber callbacks
			fn(copyDocument(doc))
		}()
	}
}

func (ws *WSMirror) resolve(p AckPayload) {
	ws.pendingMu.Lock()
	ch, ok := ws.pending[p.RequestID]
	if ok {
		delete(ws.pending, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (ws *WSMirror) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed, force close so readLoop reconnects
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSMirror) scheduleReconnect() {
	delay := ws.recon.nextDelay()
	ws.setState(StateReconnecting)
	ws.log.Info("relay_reconnecting", zap.Int("attempt", ws.recon.attempt), zap.Duration("delay", delay))

	time.Sleep(delay)

	ws.mu.Lock()
	intentional := ws.intentionalClose
	ws.mu.Unlock()
	if intentional {
		return
	}
	ws.setState(StateDisconnected)

	ctx, cancel := context.WithTimeout(context.Background(), ws.config.RequestTimeout)
	err := ws.Connect(ctx)
	cancel()
	if err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect()
		} else {
			ws.setState(StateDisconnected)
		}
	}
}

func (ws *WSMirror) setState(s ConnState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSMirror) clearPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}

func relayURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u
}

func uniquePaths(subs []*wsSub) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range subs {
		if !seen[s.path] {
			seen[s.path] = true
			out = append(out, s.path)
		}
	}
	return out
}
