package relay

import "net/http"

// Transport serves response cycles to clients over a concrete wire.
// Implementations are HTTP handlers so they mount on any router: ServeHTTP
// accepts a client, runs cycles with Hub.Receive, and writes encoded
// envelopes. Implementations live in the transports subpackages.
type Transport interface {
	http.Handler

	// Name identifies the transport in routes, logs, and metrics.
	Name() string
}
