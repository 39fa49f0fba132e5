// Package websocket provides a websocket transport for relay using
// github.com/gorilla/websocket. One socket serves a single connection: a
// write loop runs response cycles back to back, encoding each envelope as
// one text frame, while a read loop accepts published messages from the
// client and keeps the connection alive with ping/pong.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/telemetry"
)

// Default timings and limits for Options zero values.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultReadTimeout  = 90 * time.Second
	DefaultReadLimit    = int64(64 << 10)
)

// Options configures the websocket transport.
type Options struct {
	// WriteTimeout bounds each frame write so a stalled peer cannot block
	// the write loop.
	WriteTimeout time.Duration

	// PingInterval is how often the server pings; ReadTimeout is how long
	// the socket may go without any client traffic (pongs included)
	// before it is considered dead.
	PingInterval time.Duration
	ReadTimeout  time.Duration

	// ReadLimit caps the size of a single client frame in bytes.
	ReadLimit int64

	// EchoToSource includes a connection's own published messages in its
	// responses. Off by default.
	EchoToSource bool

	// CheckOrigin is passed to the upgrader. nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// Transport serves websocket clients for one hub.
type Transport struct {
	hub      *relay.Hub
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
}

var _ relay.Transport = &Transport{}

// publishFrame is what a client sends to publish a message: a delivery key
// and an already-JSON payload, carried through to subscribers verbatim.
type publishFrame struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// New creates a websocket transport. A nil logger disables logging.
func New(hub *relay.Hub, opts Options, log *zap.Logger) *Transport {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Transport{
		hub:  hub,
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// Name identifies the transport in routes, logs, and metrics.
func (t *Transport) Name() string { return "websocket" }

// ServeHTTP upgrades the request and serves cycles until either side closes.
// The id and cursor query parameters resume an existing connection; with no
// id a new connection is minted.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	cursor := r.URL.Query().Get("cursor")

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn, created := t.hub.Connect(id)
	if created && cursor != "" {
		conn.RequestGroupReset()
	}

	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		defer cancel()
		t.readLoop(ctx, conn, ws)
	}()

	t.writeLoop(ctx, conn, ws, cursor)
	cancel()
	ws.Close()
	conn.Close()
}

// writeLoop runs response cycles back to back. Each envelope becomes one
// text frame; an encode or write failure tears the socket down, since a
// partially written frame cannot be recovered.
func (t *Transport) writeLoop(ctx context.Context, conn *relay.Connection, ws *websocket.Conn, cursor string) {
	pinger := time.NewTicker(t.opts.PingInterval)
	defer pinger.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pinger.C:
				deadline := time.Now().Add(t.opts.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	opts := relay.ReceiveOptions{Cursor: cursor}
	if !t.opts.EchoToSource {
		opts.Exclude = relay.ExcludeSource(conn.ID())
	}

	for {
		env, err := t.hub.Receive(ctx, conn, opts)
		if err != nil {
			if !errors.Is(err, relay.ErrConnectionClosed) && !errors.Is(err, context.Canceled) {
				t.log.Warn("receive cycle failed",
					zap.String("connection", conn.ID()),
					zap.Error(err))
			}
			return
		}
		// The first cycle consumed the resume cursor; the hub tracks it
		// from here on.
		opts.Cursor = ""

		if err := t.writeEnvelope(ws, env); err != nil {
			t.log.Warn("envelope write failed",
				zap.String("connection", conn.ID()),
				zap.Error(err))
			return
		}
		if env.Disconnect {
			deadline := time.Now().Add(t.opts.WriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnected"), deadline)
			return
		}
	}
}

func (t *Transport) writeEnvelope(ws *websocket.Conn, env *relay.ResponseEnvelope) error {
	if err := ws.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)); err != nil {
		return err
	}
	w, err := ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	start := time.Now()
	encodeErr := relay.EncodeResponse(env, w)
	telemetry.EncodeDuration.Observe(time.Since(start).Seconds())
	if encodeErr != nil {
		w.Close()
		return encodeErr
	}
	if err := w.Close(); err != nil {
		return err
	}

	delivered := env.MessageCount()
	telemetry.MessagesDelivered.Add(float64(delivered))
	telemetry.MessagesDropped.Add(float64(env.TotalCount - delivered))
	return nil
}

// readLoop accepts publish frames from the client until the socket dies.
// Pongs refresh the read deadline.
func (t *Transport) readLoop(ctx context.Context, conn *relay.Connection, ws *websocket.Conn) {
	ws.SetReadLimit(t.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))

		var frame publishFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.log.Warn("dropping malformed client frame",
				zap.String("connection", conn.ID()),
				zap.Error(err))
			continue
		}
		if frame.Key == "" || !json.Valid(frame.Payload) {
			continue
		}

		err = t.hub.PublishMessage(ctx, &relay.Message{
			Key:     frame.Key,
			Source:  conn.ID(),
			Payload: relay.RawPayload(frame.Payload),
		})
		if err != nil {
			t.log.Warn("client publish failed",
				zap.String("connection", conn.ID()),
				zap.Error(err))
		}
	}
}
