package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/groutine"
	"github.com/valyala/bytebufferpool"
)

// MaxLineSize bounds one request line.
const MaxLineSize = 64 * 1024

// ErrServerRunning is returned by Listen when another server owns the socket.
var ErrServerRunning = errors.New("another server is listening on the socket")

// SubscribedResult acknowledges a subscribe request.
type SubscribedResult struct {
	Subscribed bool `json:"subscribed"`
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Path   string
	Logger *logrus.Logger
}

// Server serves bridge requests and notification streams on a Unix socket.
type Server struct {
	path    string
	handler *Handler
	hub     *Hub
	logger  *logrus.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates a server for handler and hub. It does not listen until Listen.
func NewServer(handler *Handler, hub *Hub, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	path := opts.Path
	if path == "" {
		path = DefaultSocketPath()
	}
	return &Server{
		path:    path,
		handler: handler,
		hub:     hub,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Listen binds the socket. A stale socket file left by a dead server is replaced.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		if conn, err := net.DialTimeout("unix", s.path, time.Second); err == nil {
			conn.Close()
			return fmt.Errorf("%w: %s", ErrServerRunning, s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
		}
	}

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.WithField("socket", s.path).Info("Bridge listening")
	return nil
}

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("server is not listening")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		groutine.Go(ctx, "bridge-conn", func(ctx context.Context) {
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		})
	}
}

// track registers conn with the handler wait group; untrack releases it.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
	s.wg.Done()
}

// Close stops accepting, drops every connection, waits for handlers and removes the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if l == nil {
		s.wg.Wait()
		return nil
	}

	err := l.Close()
	s.wg.Wait()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		s.logger.WithError(rmErr).Warn("Failed to remove socket")
	}
	return err
}

// lineWriter serializes JSON lines onto one connection.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) write(v any) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return err
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := lw.w.Write(buf.B)
	return err
}

// serveConn reads request lines until the peer hangs up. Requests run concurrently and
// answer in completion order; the connection's context is cancelled on hang-up, which
// abandons any scan the peer is still waiting for.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)

	log := s.logger.WithField("goroutine", groutine.GetName(ctx))
	log.Debug("Bridge client connected")
	defer log.Debug("Bridge client disconnected")

	out := &lineWriter{w: conn}
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := out.write(Response{Error: invalidRequest("malformed request: %v", err)}); werr != nil {
				return
			}
			continue
		}

		if req.Method == MethodSubscribe {
			groutine.GoWait(ctx, &wg, "bridge-stream", func(ctx context.Context) {
				s.stream(ctx, out, req)
			})
			continue
		}

		groutine.GoWait(ctx, &wg, "bridge-request", func(ctx context.Context) {
			resp := s.handler.Handle(ctx, req)
			if err := out.write(resp); err != nil {
				log.WithError(err).Debug("Failed to write response")
			}
		})
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).Debug("Bridge connection read failed")
	}
}

// stream forwards notifications to the connection until it goes away. A subscriber
// evicted for falling behind gets a final error response for its subscribe request.
func (s *Server) stream(ctx context.Context, out *lineWriter, req Request) {
	sub, ok := s.hub.Subscribe()
	if !ok {
		_ = out.write(Response{ID: req.ID, Error: &RemoteError{Code: CodeInternal, Message: "server is shutting down"}})
		return
	}
	defer sub.Cancel()

	ack, _ := json.Marshal(SubscribedResult{Subscribed: true})
	if err := out.write(Response{ID: req.ID, Result: ack}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					_ = out.write(Response{ID: req.ID, Error: &RemoteError{Code: CodeSlowConsumer, Message: err.Error()}})
				}
				return
			}
			if err := out.write(ev); err != nil {
				return
			}
		}
	}
}
