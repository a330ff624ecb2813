// Package server exposes the relay over a line protocol on TCP and over
// WebSocket and JSON HTTP endpoints.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/auth"
	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/ratelimit"
	"chatrelay/relay"
)

// UserStore is the profile store behind registration and lookups.
type UserStore interface {
	CreateUser(ctx context.Context, login, password string) error
	UpsertProfile(ctx context.Context, login, password string, fields map[string]any) (*models.User, error)
	GetUser(ctx context.Context, login string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UserExists(ctx context.Context, login string) (bool, error)
}

type Config struct {
	TCPAddr      string
	HTTPAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

type Option func(*Server)

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithLimiter throttles sends per user. A nil limiter allows everything.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHealth mounts h on GET /health.
func WithHealth(h http.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

type Server struct {
	engine         *relay.Engine
	users          UserStore
	auth           *auth.Service
	limiter        *ratelimit.Limiter
	health         http.Handler
	metricsHandler http.Handler
	config         Config
	log            *slog.Logger
	upgrader       websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	conns    map[string]*Conn
	listener net.Listener
	httpSrv  *http.Server
	closing  bool
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func New(engine *relay.Engine, users UserStore, authSvc *auth.Service, config Config, opts ...Option) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine: engine,
		users:  users,
		auth:   authSvc,
		config: config,
		log:    slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*Conn),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "server")
	return s
}

// ListenAndServe starts every configured listener and blocks until they
// stop. It returns the first listener error.
func (s *Server) ListenAndServe() error {
	errCh := make(chan error, 2)
	running := 0

	if s.config.TCPAddr != "" {
		l, err := net.Listen("tcp", s.config.TCPAddr)
		if err != nil {
			return err
		}
		running++
		go func() { errCh <- s.ServeTCP(l) }()
	}
	if s.config.HTTPAddr != "" {
		l, err := net.Listen("tcp", s.config.HTTPAddr)
		if err != nil {
			s.Shutdown("error", time.Time{})
			return err
		}
		running++
		go func() { errCh <- s.ServeWeb(l) }()
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
			s.Shutdown("error", time.Time{})
		}
	}
	return first
}

// ServeTCP accepts line protocol clients on l until Shutdown.
func (s *Server) ServeTCP(l net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Info("tcp listener started", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

// ServeWeb serves the HTTP and WebSocket endpoints on l until Shutdown.
func (s *Server) ServeWeb(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.httpSrv = srv
	s.mu.Unlock()

	s.log.Info("http listener started", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

// track registers c for stats and shutdown. It fails once shutdown started.
func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleConnection(nc net.Conn) {
	remoteAddr := nc.RemoteAddr().String()
	c := newConn(transportTCP, remoteAddr, nc, s.config.SendBuffer, encodeLine)
	if !s.track(c) {
		nc.Close()
		return
	}
	defer s.untrack(c)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	log := c.logger(s.log)
	log.Debug("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLines(nc, c, log)
	}()

	graceful := s.serveLines(ctx, nc, c, log)

	s.engine.Disconnect(ctx, c)
	if graceful {
		// let the writer flush the final frame
		select {
		case <-writerDone:
		case <-time.After(s.config.WriteTimeout):
		}
	}
	c.Close()
	<-writerDone

	if login := c.Login(); login != "" {
		log.Info("client disconnected", "user", login, "duration", time.Since(c.connectedAt))
	} else {
		log.Debug("client disconnected")
	}
}

// serveLines runs the read loop. It reports whether a closing frame was
// queued, in which case the writer closes the connection itself.
func (s *Server) serveLines(ctx context.Context, nc net.Conn, c *Conn, log *slog.Logger) (graceful bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in connection handler", "panic", fmt.Sprint(r))
			graceful = false
		}
	}()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 4096), protocol.MaxLineLength)
	for {
		nc.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		if !scanner.Scan() {
			err := scanner.Err()
			var netErr net.Error
			switch {
			case err == nil:
			case errors.Is(err, bufio.ErrTooLong):
				log.Warn("line too long, closing", "user", c.Login(), "limit", protocol.MaxLineLength)
				return c.enqueue(outbound{
					data:  []byte(protocol.Format("fail", errInvalidPacket.Message)),
					close: true,
				}) == nil
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Info("client timed out", "user", c.Login())
				return c.Push(models.Shutdown{Reason: "timeout"}) == nil
			case !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe):
				log.Debug("read failed", "error", err)
			}
			return false
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		// credentials stay out of the log
		if !strings.HasPrefix(line, "auth|") && !strings.HasPrefix(line, "reg|") {
			log.Debug("received", "line", line)
		}

		pkt, err := protocol.ParsePacket(line)
		if err != nil {
			s.fail(c, "", errInvalidPacket)
			continue
		}
		if s.handlePacket(ctx, c, pkt) {
			return true
		}
	}
}

func (s *Server) writeLines(nc net.Conn, c *Conn, log *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case o := <-c.send:
			nc.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if _, err := nc.Write(o.data); err != nil {
				log.Debug("write failed", "error", err)
				c.Close()
				return
			}
			if o.close {
				c.Close()
				return
			}
		}
	}
}

// encodeLine renders an event pushed by the relay as a protocol line.
func encodeLine(ev models.Event) ([]byte, error) {
	switch e := ev.(type) {
	case models.MessageDelivered:
		return []byte(protocol.Format("msg", e.SenderID, e.Text, e.SentAt.UTC().Format(time.RFC3339))), nil
	case models.PresenceChanged:
		if e.Online {
			return []byte(protocol.Format("on", e.UserID)), nil
		}
		return []byte(protocol.Format("off", e.UserID)), nil
	case models.Shutdown:
		fields := []string{}
		if e.Reason != "" {
			fields = append(fields, e.Reason)
		}
		if !e.Until.IsZero() {
			fields = append(fields, e.Until.UTC().Format(time.RFC3339))
		}
		return []byte(protocol.Format("bye", fields...)), nil
	default:
		return nil, fmt.Errorf("unknown event %T", ev)
	}
}

// Shutdown tells every client why the server is going away, gives them
// WriteTimeout to receive it, then closes what is left. until is the
// expected end of maintenance and may be zero. Later calls wait for the
// first one to finish.
func (s *Server) Shutdown(reason string, until time.Time) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.closing = true
	listener := s.listener
	httpSrv := s.httpSrv
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.log.Info("shutting down", "reason", reason, "connections", len(conns))

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		if err := c.Push(models.Shutdown{Reason: reason, Until: until}); err != nil {
			c.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.WriteTimeout):
		s.mu.RLock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.RUnlock()
		<-done
	}

	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown", "error", err)
		}
	}
	s.cancel()
	close(s.stopped)
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	s.mu.RLock()
	connections := len(s.conns)
	s.mu.RUnlock()

	sessions := s.engine.Sessions()
	users := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		users = append(users, sess.User)
	}

	return "sessions=" + strconv.Itoa(len(sessions)) +
		",connections=" + strconv.Itoa(connections) +
		",users=" + strings.Join(users, ";")
}
