// Package relay provides a development collaboration server speaking the
// same channel protocol as production rooms.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grovetools/collab/config"
	"github.com/grovetools/collab/pkg/adaptor"
	"github.com/grovetools/collab/version"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SocketPath is where clients open the websocket.
const SocketPath = "/socket/websocket"

// Options configures a Server.
type Options struct {
	Config config.RelayConfig
	Clock  clockwork.Clock
	Logger *logrus.Entry
}

// RunningConfig is exposed via /api/config so clients can verify what the
// relay is serving.
type RunningConfig struct {
	Version     string    `json:"version"`
	Addr        string    `json:"addr"`
	Persistent  bool      `json:"persistent"`
	AuthEnabled bool      `json:"auth_enabled"`
	CanEdit     bool      `json:"can_edit"`
	CanRun      bool      `json:"can_run"`
	Adaptors    int       `json:"adaptors"`
	StartedAt   time.Time `json:"started_at"`
}

// RoomInfo describes one open room.
type RoomInfo struct {
	Topic       string `json:"topic"`
	Members     int    `json:"members"`
	LockVersion *int   `json:"lock_version"`
}

// Server manages the relay's rooms and websocket connections.
type Server struct {
	clock     clockwork.Clock
	logger    *logrus.Entry
	snapshots *SnapshotStore
	metrics   *metrics
	upgrader  websocket.Upgrader
	startedAt time.Time

	server *http.Server
	closed bool

	// cfg and auth change on Reload.
	cfgMu sync.RWMutex
	cfg   config.RelayConfig
	auth  *Authenticator

	mu      sync.Mutex
	rooms   map[string]*room
	clients map[*client]struct{}
}

// New creates a Server and opens its snapshot store.
func New(opts Options) (*Server, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	snapshots, err := OpenSnapshots(opts.Config.DBPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:       opts.Config,
		clock:     opts.Clock,
		logger:    opts.Logger,
		auth:      NewAuthenticator(opts.Config.JWTSecret),
		snapshots: snapshots,
		metrics:   newMetrics(),
		upgrader: websocket.Upgrader{
			// The relay is a local development tool.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: opts.Clock.Now(),
		rooms:     make(map[string]*room),
		clients:   make(map[*client]struct{}),
	}, nil
}

// Reload applies a new relay configuration. Permissions, adaptors and the
// join secret take effect for subsequent requests; the listen address and
// database path only change on restart.
func (s *Server) Reload(cfg config.RelayConfig) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if cfg.Addr != s.cfg.Addr || cfg.DBPath != s.cfg.DBPath {
		s.logger.Warn("Relay address and database changes need a restart")
	}
	cfg.Addr = s.cfg.Addr
	cfg.DBPath = s.cfg.DBPath
	s.cfg = cfg
	s.auth = NewAuthenticator(cfg.JWTSecret)
	s.logger.Info("Relay configuration reloaded")
}

func (s *Server) config() (config.RelayConfig, *Authenticator) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg, s.auth
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/config", s.handleGetConfig)
	mux.HandleFunc("/api/rooms", s.handleGetRooms)
	mux.HandleFunc(SocketPath, s.handleSocket)

	return mux
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve serves on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return l.Close()
	}
	s.server = &http.Server{Handler: s.Handler()}
	srv := s.server
	s.mu.Unlock()

	s.logger.WithField("addr", l.Addr().String()).Info("Relay listening")
	if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, drops open sockets and closes the
// snapshot store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down relay...")

	s.mu.Lock()
	s.closed = true
	srv := s.server
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	// Hijacked websocket connections are not closed by http.Server.
	for _, c := range clients {
		_ = c.ws.Close()
	}
	if cerr := s.snapshots.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &client{
		id:          id,
		ws:          ws,
		server:      s,
		logger:      s.logger.WithField("client", id),
		socketToken: r.URL.Query().Get("token"),
		rooms:       make(map[string]*room),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.connections.Inc()

	c.logger.WithField("remote", r.RemoteAddr).Debug("Client connected")
	go c.serve()
}

func (s *Server) forget(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		s.metrics.connections.Dec()
		c.logger.Debug("Client disconnected")
	}
}

// room returns the open room for topic, loading it on first use.
func (s *Server) room(ctx context.Context, topic string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[topic]; ok {
		return r, nil
	}
	r, err := openRoom(ctx, s, topic)
	if err != nil {
		return nil, err
	}
	s.rooms[topic] = r
	s.metrics.rooms.Set(float64(len(s.rooms)))
	return r, nil
}

// Rooms lists the open rooms sorted by topic.
func (s *Server) Rooms() []RoomInfo {
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		info := RoomInfo{Topic: r.topic, Members: len(r.members), LockVersion: r.saved}
		r.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// adaptors builds the adaptor catalogue from configuration.
func (s *Server) adaptors() adaptor.Payload {
	cfg, _ := s.config()
	out := adaptor.Payload{Adaptors: []adaptor.Adaptor{}}
	for _, a := range cfg.Adaptors {
		entry := adaptor.Adaptor{Name: a.Name, Versions: []adaptor.Version{}}
		for _, v := range a.Versions {
			entry.Versions = append(entry.Versions, adaptor.Version{Version: v})
		}
		if len(a.Versions) > 0 {
			entry.Latest = a.Versions[0]
		}
		out.Adaptors = append(out.Adaptors, entry)
	}
	return out
}

func (s *Server) runningConfig() RunningConfig {
	cfg, auth := s.config()
	return RunningConfig{
		Version:     version.GetInfo().Short(),
		Addr:        cfg.Addr,
		Persistent:  cfg.DBPath != "",
		AuthEnabled: auth.Enabled(),
		CanEdit:     boolOr(cfg.CanEdit, true),
		CanRun:      boolOr(cfg.CanRun, true),
		Adaptors:    len(cfg.Adaptors),
		StartedAt:   s.startedAt,
	}
}

// handleGetConfig returns the running configuration as JSON.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.runningConfig())
}

// handleGetRooms returns every open room as JSON.
func (s *Server) handleGetRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Rooms())
}
