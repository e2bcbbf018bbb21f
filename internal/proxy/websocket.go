package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browser-orchestrator/internal/events"
	"github.com/shehryarbajwa/browser-orchestrator/internal/logging"
	"github.com/shehryarbajwa/browser-orchestrator/internal/metrics"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	eventBuffer  = 256
	dialDevTools = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server serves the lifecycle event stream and a DevTools passthrough.
type Server struct {
	bus      *events.Bus
	devtools browser.DevToolsEndpoint
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewServer creates a proxy server. devtools and m may be nil.
func NewServer(bus *events.Bus, devtools browser.DevToolsEndpoint, m *metrics.Metrics, log *zap.Logger) *Server {
	return &Server{
		bus:      bus,
		devtools: devtools,
		metrics:  m,
		log:      logging.OrNop(log).Named("proxy"),
	}
}

func (s *Server) track(stream string, delta float64) {
	if s.metrics != nil {
		s.metrics.WSConnections.WithLabelValues(stream).Add(delta)
	}
}

// HandleEvents streams every published event to the client as JSON until
// the client disconnects. Slow clients lose events rather than stalling
// publishers.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	s.track("events", 1)
	defer s.track("events", -1)

	sub := events.NewChannelSubscriber(eventBuffer)
	unsubscribe := s.bus.Subscribe(sub)
	defer unsubscribe()

	s.log.Info("event stream client connected", zap.String("remote", r.RemoteAddr))

	// Reads only serve to notice the client going away and to handle pongs.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("event write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			if n := sub.Dropped(); n > 0 {
				s.log.Warn("event stream client dropped events", zap.Uint64("dropped", n))
			}
			s.log.Info("event stream client disconnected", zap.String("remote", r.RemoteAddr))
			return
		}
	}
}

// HandleDevTools proxies a raw CDP websocket to the browser the backend is
// connected to.
func (s *Server) HandleDevTools(w http.ResponseWriter, r *http.Request) {
	if s.devtools == nil || s.devtools.ControlURL() == "" {
		http.Error(w, "backend exposes no devtools endpoint", http.StatusServiceUnavailable)
		return
	}
	chromeURL := s.devtools.ControlURL()

	ctx, cancel := context.WithTimeout(r.Context(), dialDevTools)
	defer cancel()
	chromeConn, _, err := websocket.DefaultDialer.DialContext(ctx, chromeURL, nil)
	if err != nil {
		s.log.Error("failed to connect to chrome", zap.Error(err))
		http.Error(w, "failed to connect to chrome", http.StatusBadGateway)
		return
	}
	defer chromeConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	s.track("devtools", 1)
	defer s.track("devtools", -1)
	s.log.Info("devtools client connected", zap.String("remote", r.RemoteAddr))

	errChan := make(chan error, 2)
	go func() {
		errChan <- s.proxyMessages(clientConn, chromeConn, "client→chrome")
	}()
	go func() {
		errChan <- s.proxyMessages(chromeConn, clientConn, "chrome→client")
	}()

	err = <-errChan
	var closeErr *websocket.CloseError
	if err != nil && !errors.As(err, &closeErr) {
		s.log.Debug("devtools proxy stopped", zap.Error(err))
	}
	s.log.Info("devtools client disconnected", zap.String("remote", r.RemoteAddr))
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket error", zap.String("direction", direction), zap.Error(err))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			s.log.Warn("failed to write message", zap.String("direction", direction), zap.Error(err))
			return err
		}
	}
}
