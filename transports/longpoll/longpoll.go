// Package longpoll provides an HTTP long-polling transport for relay. Each
// poll request runs one response cycle: it blocks until the hub has
// something for the connection or the poll timeout elapses, then writes the
// encoded envelope and completes. The client carries its cursor from
// response to response.
package longpoll

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/telemetry"
)

// Default timings for Options zero values.
const (
	DefaultPollTimeout    = 25 * time.Second
	DefaultReconnectDelay = 0
)

// Options configures the long-polling transport.
type Options struct {
	// PollTimeout bounds how long one poll request may block waiting for
	// messages before returning a timed-out response.
	PollTimeout time.Duration

	// ReconnectDelay, when positive, is emitted on every envelope as the
	// suggested client retry delay.
	ReconnectDelay time.Duration

	// EchoToSource includes a connection's own published messages in its
	// responses. Off by default.
	EchoToSource bool
}

// Transport serves long-polling clients for one hub.
type Transport struct {
	hub  *relay.Hub
	opts Options
	log  *zap.Logger
}

var _ relay.Transport = &Transport{}

// New creates a long-polling transport. A nil logger disables logging.
func New(hub *relay.Hub, opts Options, log *zap.Logger) *Transport {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{hub: hub, opts: opts, log: log}
}

// Name identifies the transport in routes, logs, and metrics.
func (t *Transport) Name() string { return "longpoll" }

// ServeHTTP serves one poll cycle. Negotiate is mounted separately.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.Poll(w, r)
}

// Negotiate mints a connection and returns its ID and starting cursor. The
// client passes both to its first poll.
func (t *Transport) Negotiate(w http.ResponseWriter, r *http.Request) {
	conn, _ := t.hub.Connect("")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"connectionId": conn.ID(),
		"cursor":       conn.Cursor(),
	}); err != nil {
		t.log.Warn("negotiate write failed",
			zap.String("connection", conn.ID()),
			zap.Error(err))
	}
}

// Poll runs one response cycle for the connection named by the id query
// parameter, using the cursor query parameter as the client's position.
func (t *Transport) Poll(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}
	cursor := r.URL.Query().Get("cursor")

	conn, created := t.hub.Connect(id)
	if created && cursor != "" {
		// The client resumed against a hub that has no state for it;
		// its group set is stale and must be replaced.
		conn.RequestGroupReset()
	}

	ctx, cancel := context.WithTimeout(r.Context(), t.opts.PollTimeout)
	defer cancel()

	opts := relay.ReceiveOptions{
		Cursor:        cursor,
		LongPollDelay: t.opts.ReconnectDelay,
	}
	if !t.opts.EchoToSource {
		opts.Exclude = relay.ExcludeSource(id)
	}

	env, err := t.hub.Receive(ctx, conn, opts)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrConnectionClosed):
			http.Error(w, "connection closed", http.StatusGone)
		case errors.Is(err, context.Canceled):
			// Client went away mid-poll; there is nobody to write to.
		default:
			t.log.Warn("poll cycle failed",
				zap.String("connection", id),
				zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	start := time.Now()
	encodeErr := relay.EncodeResponse(env, w)
	telemetry.EncodeDuration.Observe(time.Since(start).Seconds())
	if encodeErr != nil {
		// The response is partially written and unrecoverable; the
		// client re-polls with its previous cursor.
		t.log.Warn("response encode failed",
			zap.String("connection", id),
			zap.Error(encodeErr))
		return
	}

	delivered := env.MessageCount()
	telemetry.MessagesDelivered.Add(float64(delivered))
	telemetry.MessagesDropped.Add(float64(env.TotalCount - delivered))
}
