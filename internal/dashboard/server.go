// Package dashboard serves a live WebSocket feed of sync activity.
//
// A Feed observes a sync worker and keeps its totals and latest events. The
// Server exposes the feed over HTTP:
//
//	GET /ws      stats snapshot, recent events, then live events
//	GET /stats   current totals
//	GET /events  recent events, oldest first
//	GET /health  liveness and client count
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Config holds server configuration
type Config struct {
	// Port to listen on (0 picks a free port)
	Port int

	// WriteTimeout bounds a single write to a client
	WriteTimeout time.Duration

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		WriteTimeout: 5 * time.Second,
		Logger:       log.Default(),
	}
}

// Server publishes a Feed over HTTP and WebSocket.
type Server struct {
	feed   *Feed
	config *Config

	listener net.Listener
	http     *http.Server

	// cancelled by Stop; every client pump watches it
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	pumps   sync.WaitGroup
}

// NewServer creates a server for feed.
func NewServer(feed *Feed, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if feed == nil {
		feed = NewFeed(0, config.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{feed: feed, config: config, ctx: ctx, cancel: cancel}
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveClient)
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, s.feed.Stats())
	})
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, s.feed.Recent())
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, map[string]any{"status": "ok", "clients": s.feed.Subscribers()})
	})
	mux.HandleFunc("GET /{$}", s.serveIndex)

	// No WriteTimeout: WebSocket handlers live as long as their client.
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		s.config.Logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.pumps.Wait()

	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down dashboard: %w", err)
	}
	s.config.Logger.Println("Dashboard stopped")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.config.Port)
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.feed.Subscribers()
}

// serveClient upgrades the request and pumps the client's outbox until the
// client leaves, falls too far behind, or the server stops.
func (s *Server) serveClient(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.pumps.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	sub := s.feed.subscribe()
	defer s.feed.unsubscribe(sub)
	s.config.Logger.Printf("Client %s connected (total: %d)", r.RemoteAddr, s.feed.Subscribers())

	// Clients never send; CloseRead cancels ctx once the client hangs up.
	ctx := conn.CloseRead(s.ctx)
	status, reason := s.pump(ctx, conn, sub)
	_ = conn.Close(status, reason)
	s.config.Logger.Printf("Client %s disconnected: %s", r.RemoteAddr, reason)
}

// track registers a client pump unless the server is stopping.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.pumps.Add(1)
	return true
}

func (s *Server) pump(ctx context.Context, conn *websocket.Conn, sub *subscriber) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				return websocket.StatusGoingAway, "server shutting down"
			}
			return websocket.StatusNormalClosure, "client left"
		case msg, ok := <-sub.out:
			if !ok {
				return websocket.StatusPolicyViolation, "too far behind"
			}
			wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.config.Logger.Printf("Failed to write to client: %v", err)
				return websocket.StatusInternalError, "write failed"
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.config.Logger.Printf("Failed to write response: %v", err)
	}
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>p4sync</title></head>
<body>
<h1>p4sync worker</h1>
<ul>
<li>Live feed: <code>ws://%s/ws</code></li>
<li><a href="/stats">Totals</a></li>
<li><a href="/events">Recent events</a></li>
</ul>
</body>
</html>`, r.Host)
}
