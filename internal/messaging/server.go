package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"possum/internal/detector"
	"possum/internal/logging"
	"possum/internal/metrics"
	"possum/internal/registry"
)

const (
	maxMessageSize = 4096
	sendBuffer     = 32
	writeWait      = 5 * time.Second
)

// Controller is the detector side the server acts on.
type Controller interface {
	Statuses() []registry.Status
	Learning() bool
	SetLearning(on bool)
}

// Options configures a Server.
type Options struct {
	// AllowedOrigins lists accepted browser origins. Empty accepts
	// same-origin requests and clients that send no Origin header.
	AllowedOrigins []string

	Logger  *logging.Logger
	Metrics *metrics.DaemonMetrics
}

// Server speaks the host protocol to websocket clients.
type Server struct {
	ctrl      Controller
	validator *Validator
	logger    *logging.Logger
	metrics   *metrics.DaemonMetrics
	upgrader  websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	closed    bool
	wg        sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewServer creates a server acting on ctrl.
func NewServer(ctrl Controller, opts Options) (*Server, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	s := &Server{
		ctrl:      ctrl,
		validator: v,
		logger:    opts.Logger.WithComponent("messaging"),
		metrics:   opts.Metrics,
		clients:   make(map[*client]struct{}),
	}
	if len(opts.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			allowed[o] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && allowed[u.Host]
		}
	}
	return s, nil
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.wg.Add(2)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.ClientsConnected.Set(float64(n))
	}
	s.logger.Info("client connected", "remote", r.RemoteAddr, "clients", n)

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.Debug("write failed", "error", err)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.drop(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("client read failed", "error", err)
			}
			return
		}
		if out := s.Handle(raw); out != nil {
			s.enqueue(c, out)
		}
	}
}

func (s *Server) drop(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	c.close()
	if s.metrics != nil {
		s.metrics.ClientsConnected.Set(float64(n))
	}
	s.logger.Info("client disconnected", "clients", n)
}

// enqueue drops the message when the client is not keeping up.
func (s *Server) enqueue(c *client, msg []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		s.logger.Warn("client send buffer full, dropping message")
	}
}

// Handle processes one inbound message and returns the reply, if any.
// toggleLearning has no direct reply; the new state is broadcast.
func (s *Server) Handle(raw []byte) []byte {
	if s.metrics != nil {
		s.metrics.MessagesTotal.Inc()
	}
	env, err := s.validator.Decode(raw)
	if err != nil {
		s.logger.Warn("rejected message", "error", err)
		out, _ := reply(Error, "", ErrorPayload{Message: err.Error()})
		return out
	}

	switch env.MsgType {
	case RequestDetectors:
		out, err := reply(Detectors, env.RequestID, s.snapshot())
		if err != nil {
			s.logger.Error("encode detectors", "error", err)
			return nil
		}
		return out
	case Learning:
		var p LearningPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			out, _ := reply(Error, env.RequestID, ErrorPayload{Message: err.Error()})
			return out
		}
		s.logger.Info("learning toggled", "learning", p.Learning, "request_id", env.RequestID)
		s.ctrl.SetLearning(p.Learning)
		s.PushStatus()
		return nil
	}
	return nil
}

func (s *Server) snapshot() DetectorsPayload {
	return DetectorsPayload{
		Learning:  s.ctrl.Learning(),
		Detectors: s.ctrl.Statuses(),
	}
}

// PushStatus sends detectorsStatus to every client.
func (s *Server) PushStatus() {
	out, err := reply(DetectorsStatus, "", s.snapshot())
	if err != nil {
		s.logger.Error("encode detectors status", "error", err)
		return
	}
	s.Broadcast(out)
}

// DetectorStatusChanged implements detector.StatusListener.
func (s *Server) DetectorStatusChanged(detector.Type) {
	s.PushStatus()
}

// Broadcast sends msg to every client.
func (s *Server) Broadcast(msg []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.logger.Warn("client send buffer full, dropping message")
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Shutdown disconnects every client and waits for their goroutines or
// for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
		c.conn.SetReadDeadline(time.Now())
	}
	s.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
