// Package server exposes a session to many clients over WebSocket. Every
// text message is one statement; every reply is one JSON object.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"calcjit/internal/jit"
	"calcjit/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Reply answers one statement.
type Reply struct {
	Kind  string `json:"kind"`
	Name  string `json:"name,omitempty"`
	Value int32  `json:"value"`
	Error string `json:"error,omitempty"`
}

type Config struct {
	Addr   string
	Logger *logrus.Logger
}

// client is one connected WebSocket peer
type client struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	c.conn.Close()
}

// Server runs statements from WebSocket clients against a shared session.
type Server struct {
	cfg      Config
	session  *session.Session
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func New(s *session.Session, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}
	return &Server{
		cfg:     cfg,
		session: s,
		log:     cfg.Logger.WithField("component", "server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*client),
	}
}

// Handler serves the WebSocket endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// Clients lists the ids of connected clients.
func (s *Server) Clients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Run listens on cfg.Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes
// every client and shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.WithField("addr", ln.Addr().String()).Info("listening")
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("upgrade failed")
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}
	log := s.log.WithField("client", c.id)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	log.Info("client connected")

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.close()
		log.Info("client disconnected")
	}()

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("read failed")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		reply := s.exec(r.Context(), string(msg))
		c.mu.Lock()
		err = conn.WriteJSON(reply)
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Debug("write failed")
			return
		}
	}
}

func (s *Server) exec(ctx context.Context, line string) Reply {
	res, err := s.session.ExecContext(ctx, line)
	reply := Reply{Kind: res.Kind.String(), Name: res.Name, Value: res.Value}
	switch {
	case err == nil:
	case errors.Is(err, jit.ErrBuiltinRedefinition):
		reply.Error = fmt.Sprintf("Can't replace built-in function %s!", res.Name)
	default:
		reply.Error = err.Error()
	}
	return reply
}
