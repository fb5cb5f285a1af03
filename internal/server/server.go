// Package server is a development chat backend: a STOMP broker on the
// WebSocket endpoint plus the history and auth REST endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/omochice/roomchat/internal/backend"
	"github.com/omochice/roomchat/pkg/protocol"
)

// ErrServerStopped is returned by Start once Stop has been called.
var ErrServerStopped = errors.New("server stopped")

const shutdownTimeout = 5 * time.Second

// Server represents the chat backend.
type Server struct {
	address      string
	endpointPath string
	logger       *slog.Logger
	history      *History
	users        *Users
	broker       *Broker
	bcryptCost   int

	mu       sync.RWMutex
	listener net.Listener
	http     *http.Server

	quit     chan struct{}
	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEndpointPath sets the WebSocket path. The default is /ws.
func WithEndpointPath(path string) Option {
	return func(s *Server) {
		s.endpointPath = path
	}
}

// WithHistory seeds the message history.
func WithHistory(msgs ...protocol.ChatMessage) Option {
	return func(s *Server) {
		s.history = NewHistory(msgs...)
	}
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Server) {
		s.bcryptCost = cost
	}
}

// New creates a new Server listening on address once started.
func New(address string, opts ...Option) *Server {
	s := &Server{
		address:      address,
		endpointPath: protocol.EndpointPath,
		logger:       slog.Default(),
		history:      NewHistory(),
		quit:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.users = NewUsers(s.bcryptCost)
	s.broker = NewBroker(s.history, s.logger)
	return s
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.endpointPath, s.broker)
	mux.HandleFunc("GET "+backend.HistoryPath, s.handleHistory)
	mux.HandleFunc("POST "+backend.RegisterPath, s.handleRegister)
	mux.HandleFunc("POST "+backend.LoginPath, s.handleLogin)
	return mux
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("server started", "addr", listener.Addr().String(), "endpoint", s.endpointPath)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to serve: %w", err)
	case <-s.quit:
		return ErrServerStopped
	}
}

// Stop shuts the server down and drops every STOMP session.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		s.mu.RLock()
		srv := s.http
		s.mu.RUnlock()
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				s.logger.Warn("failed to shut down http server", "error", err)
			}
		}
		s.broker.Close()
	})
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected STOMP sessions.
func (s *Server) ClientCount() int {
	return s.broker.ClientCount()
}

// History returns the persisted messages, oldest first.
func (s *Server) History() []protocol.ChatMessage {
	return s.history.All()
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.history.All())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	if err := s.users.Register(creds.Username, creds.Password); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			http.Error(w, "Username is already taken!", http.StatusBadRequest)
			return
		}
		s.logger.Error("failed to register user", "username", creds.Username, "error", err)
		http.Error(w, "Registration failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("user registered", "username", creds.Username)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("User registered successfully!"))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	if err := s.users.Authenticate(creds.Username, creds.Password); err != nil {
		http.Error(w, "Invalid credentials!", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, backend.LoginResult{
		Username: creds.Username,
		Message:  "Login successful!",
	})
}

func (s *Server) decodeCredentials(w http.ResponseWriter, r *http.Request) (protocol.Credentials, bool) {
	var creds protocol.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&creds); err != nil {
		http.Error(w, "Malformed request", http.StatusBadRequest)
		return creds, false
	}
	if err := creds.Validate(); err != nil {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return creds, false
	}
	return creds, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to write response", "error", err)
	}
}
