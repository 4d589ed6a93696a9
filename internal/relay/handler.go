package relay

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/protocol"
	"github.com/lexiqai/voice-relay/internal/session"
)

var errBinaryFrame = fmt.Errorf("%w: binary frames are not supported", protocol.ErrInvalidMessage)

// Options are the per-connection transport limits
type Options struct {
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration // zero disables keepalive pings
}

// OptionsFromConfig extracts the transport limits from the service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		WriteTimeout:    cfg.WriteTimeout(),
		PingInterval:    cfg.PingInterval(),
	}
}

// Handler upgrades client connections and runs one session per connection
type Handler struct {
	opts     Options
	deps     session.Deps
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket endpoint
func NewHandler(opts Options, deps session.Deps, logger zerolog.Logger) *Handler {
	return &Handler{
		opts:   opts,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Browser and native clients connect from arbitrary origins
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

type frame struct {
	messageType int
	data        []byte
	err         error
}

// ServeHTTP handles one client connection until it closes
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	id := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(h.logger, id)
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Client connected")

	if h.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.opts.MaxMessageBytes)
	}
	pongWait := 2 * h.opts.PingInterval
	if h.opts.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	client := newClientConn(conn, h.opts.WriteTimeout)
	sess := session.New(id, h.deps, client, logger)

	frames := make(chan frame)
	done := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		return readFrames(conn, frames, done)
	})
	g.Go(func() error {
		defer close(done)
		defer client.CloseTransport()
		defer sess.Teardown()
		return h.loop(sess, client, frames, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Debug().Err(err).Msg("Connection ended")
	}
	logger.Info().Msg("Client disconnected")
}

// readFrames forwards every inbound frame to the loop. The last frame carries the read error.
func readFrames(conn *websocket.Conn, frames chan<- frame, done <-chan struct{}) error {
	for {
		messageType, data, err := conn.ReadMessage()
		select {
		case frames <- frame{messageType: messageType, data: data, err: err}:
		case <-done:
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

// loop is the only goroutine that touches the session or writes to the socket
func (h *Handler) loop(sess *session.Session, client *clientConn, frames <-chan frame, logger zerolog.Logger) error {
	var pings <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case f := <-frames:
			if f.err != nil {
				if isUnexpectedClose(f.err) {
					logger.Warn().Err(f.err).Msg("WebSocket read error")
					sess.Fail(f.err)
					return f.err
				}
				return nil
			}
			h.handleFrame(sess, f)

			if sess.State() == session.Closed {
				return nil
			}

		case <-sess.Pending():
			sess.Dispatch()

		case <-pings:
			if err := client.ping(); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

func (h *Handler) handleFrame(sess *session.Session, f frame) {
	if f.messageType != websocket.TextMessage {
		sess.Reject(errBinaryFrame)
		return
	}

	msg, err := protocol.Decode(f.data)
	if err != nil {
		sess.Reject(err)
		return
	}
	sess.Handle(msg)
}

// isUnexpectedClose reports read errors other than an orderly client close
func isUnexpectedClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
	}
	return !errors.Is(err, errTransportClosed)
}
