package connectivity

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/coder/websocket"
)

const (
	// TransportWebsocket is reported while the probe socket is open.
	TransportWebsocket = "websocket"

	// probeReconnectMin is the first delay after a lost or failed probe.
	probeReconnectMin = 2 * time.Second

	// probeReconnectMax caps the reconnect backoff.
	probeReconnectMax = 2 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

// ProbeFeed holds a websocket open to a probe URL. Being connected means
// online; losing the socket or failing to dial means offline. It
// reconnects with jittered exponential backoff.
type ProbeFeed struct {
	hub

	url    string
	logger *slog.Logger
	online *bool

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewProbeFeed returns a feed probing url (ws:// or wss://). Call Run to
// start probing.
func NewProbeFeed(url string, logger *slog.Logger) *ProbeFeed {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProbeFeed{
		url:        url,
		logger:     logger,
		minBackoff: probeReconnectMin,
		maxBackoff: probeReconnectMax,
	}
}

// Run probes until ctx is cancelled.
func (p *ProbeFeed) Run(ctx context.Context) error {
	backoff := p.minBackoff

	for {
		conn, _, err := websocket.Dial(ctx, p.url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
		if err == nil {
			backoff = p.minBackoff
			p.set(true)
			err = p.hold(ctx, conn)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.set(false)

		p.logger.Debug("connectivity probe down",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(0)
		if d := int64(backoff) / jitterDivisor; d > 0 {
			jitter = time.Duration(rand.Int64N(d)) //nolint:gosec // G404: math/rand is fine for reconnect jitter
		}

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*reconnectBackoffMultiplier, p.maxBackoff)
	}
}

// hold reads and discards frames until the socket fails, so pings and
// close frames are processed.
func (p *ProbeFeed) hold(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

// set publishes only on transitions.
func (p *ProbeFeed) set(online bool) {
	if p.online != nil && *p.online == online {
		return
	}

	p.online = &online

	transport := TransportNone
	if online {
		transport = TransportWebsocket
	}

	p.logger.Info("connectivity changed", slog.String("transport", transport))
	p.publish(Event{Transport: transport})
}
