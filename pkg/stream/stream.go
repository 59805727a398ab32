package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/btobd/pkg/events"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Server denotes a WebSocket server streaming bus events to its clients as JSON
type Server struct {
	bus      *events.Bus
	upgrader websocket.Upgrader

	clients map[*client]struct{}
	srv     *http.Server

	logger logging.Logger

	sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	sub  *events.Subscription
}

// New instantiates a new event stream server on the given bus, executing functional
// options, if any
func New(bus *events.Bus, options ...func(*Server)) *Server {
	s := &Server{
		bus:     bus,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: &logging.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(s)
	}

	return s
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = logger
	}
}

// Handler returns the HTTP handler serving the event stream on /events
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Run serves the event stream on the given address until the context is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.logger.Warnf("failed to shut down event stream: %s", err)
		}
		s.closeAll()
	}()

	s.logger.Infof("streaming events on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.clients)
}

////////////////////////////////////////////////////////////////////////////////

// handleEvents upgrades the connection and streams all events, optionally filtered by
// a comma-separated list of kinds (e.g. /events?types=connected,disconnected)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("failed to upgrade connection: %s", err)
		return
	}

	var kinds []events.Kind
	if types := r.URL.Query().Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				kinds = append(kinds, events.Kind(t))
			}
		}
	}

	c := &client{
		conn: conn,
		sub:  s.bus.Subscribe(kinds...),
	}

	s.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.Unlock()
	s.logger.Debugf("client %s connected (%d total)", r.RemoteAddr, n)

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	defer s.remove(c)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warnf("failed to marshal event `%s`: %s", ev.Kind, err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop discards incoming messages and terminates the subscription once the client
// goes away
func (s *Server) readLoop(c *client) {
	defer c.sub.Cancel()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) remove(c *client) {
	c.sub.Cancel()
	_ = c.conn.Close()

	s.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.Unlock()

	s.logger.Debugf("client disconnected (%d total)", n)
}

func (s *Server) closeAll() {
	s.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.RUnlock()

	for _, c := range clients {
		c.sub.Cancel()
	}
}
