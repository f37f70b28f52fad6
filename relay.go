package duochat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Relay serves a Mirror to WSMirror clients over WebSocket. It forwards
// patches verbatim and streams snapshots of every subscribed path; it has no
// merge logic of its own.
type Relay struct {
	mirror  Mirror
	log     *zap.Logger
	metrics *Metrics
	accept  *websocket.AcceptOptions
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the relay's logger.
func WithRelayLogger(log *zap.Logger) RelayOption {
	return func(r *Relay) { r.log = log }
}

// WithRelayMetrics records connection and command counts.
func WithRelayMetrics(m *Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// WithOriginPatterns allows cross-origin websocket handshakes from the given
// host patterns.
func WithOriginPatterns(patterns ...string) RelayOption {
	return func(r *Relay) { r.accept.OriginPatterns = patterns }
}

// NewRelay creates a relay in front of m.
func NewRelay(m Mirror, opts ...RelayOption) *Relay {
	r := &Relay{
		mirror: m,
		log:    zap.NewNop(),
		accept: &websocket.AcceptOptions{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type relayConn struct {
	relay *Relay
	conn  *websocket.Conn
	log   *zap.Logger

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, r.accept)
	if err != nil {
		r.log.Warn("relay_accept_failed", zap.String("remote", req.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(-1)
	defer conn.Close(websocket.StatusInternalError, "")

	r.metrics.connOpened()
	defer r.metrics.connClosed()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	c := &relayConn{
		relay: r,
		conn:  conn,
		log:   r.log.With(zap.String("remote", req.RemoteAddr)),
		subs:  make(map[string]context.CancelFunc),
	}
	c.log.Debug("relay_client_connected")

	if err := c.write(ctx, evtConnected, struct{}{}); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.log.Debug("relay_client_closed")
			} else if ctx.Err() == nil {
				c.log.Debug("relay_read_failed", zap.Error(err))
			}
			return
		}
		c.handle(ctx, data)
	}
}

type inboundCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

func (c *relayConn) handle(ctx context.Context, data []byte) {
	var cmd inboundCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.fail(ctx, "malformed command")
		return
	}
	c.relay.metrics.command(cmd.Type)

	switch cmd.Type {
	case cmdSubscribe:
		var p PathPayload
		if json.Unmarshal(cmd.Payload, &p) != nil || p.Path == "" {
			c.fail(ctx, "subscribe requires a path")
			return
		}
		c.subscribe(ctx, p.Path)

	case cmdUnsubscribe:
		var p PathPayload
		if json.Unmarshal(cmd.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		if cancel, ok := c.subs[p.Path]; ok {
			cancel()
			delete(c.subs, p.Path)
		}
		c.mu.Unlock()

	case cmdPatch:
		var p DocumentPayload
		ack := AckPayload{RequestID: cmd.RequestID}
		if json.Unmarshal(cmd.Payload, &p) != nil || p.Path == "" {
			ack.Error = "patch requires a path and data"
		} else if err := c.relay.mirror.Patch(ctx, p.Path, p.Data); err != nil {
			c.log.Warn("relay_patch_failed", zap.String("path", p.Path), zap.Error(err))
			ack.Error = err.Error()
		}
		_ = c.write(ctx, evtAck, ack)

	case cmdPing:
		_ = c.write(ctx, evtPong, PongPayload{RequestID: cmd.RequestID})

	default:
		c.fail(ctx, "unknown command: "+cmd.Type)
	}
}

func (c *relayConn) subscribe(ctx context.Context, path string) {
	c.mu.Lock()
	if _, ok := c.subs[path]; ok {
		c.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.subs[path] = cancel
	c.mu.Unlock()

	err := c.relay.mirror.Subscribe(subCtx, path, func(doc Document) {
		if err := c.write(subCtx, evtSnapshot, DocumentPayload{Path: path, Data: doc}); err != nil && subCtx.Err() == nil {
			c.log.Debug("relay_snapshot_write_failed", zap.String("path", path), zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		c.mu.Lock()
		delete(c.subs, path)
		c.mu.Unlock()
		c.log.Warn("relay_subscribe_failed", zap.String("path", path), zap.Error(err))
		c.fail(ctx, "subscribe failed: "+err.Error())
	}
}

func (c *relayConn) fail(ctx context.Context, msg string) {
	_ = c.write(ctx, evtError, RelayError{Message: msg})
}

func (c *relayConn) write(ctx context.Context, typ string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(RelayEnvelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}
