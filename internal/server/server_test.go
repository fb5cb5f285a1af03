package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/roomchat/internal/backend"
	"github.com/omochice/roomchat/internal/server"
	"github.com/omochice/roomchat/pkg/protocol"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, opts ...server.Option) (*server.Server, *httptest.Server) {
	t.Helper()
	opts = append([]server.Option{server.WithLogger(quiet), server.WithBcryptCost(bcrypt.MinCost)}, opts...)
	srv := server.New(":0", opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return srv, ts
}

func TestServer_Start(t *testing.T) {
	srv := server.New("127.0.0.1:0", server.WithLogger(quiet))

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	deadline := time.Now().Add(time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("Server address is empty")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + srv.Addr() + backend.HistoryPath)
	if err != nil {
		t.Fatalf("Failed to reach server: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET %s status = %d, want 200", backend.HistoryPath, resp.StatusCode)
	}

	srv.Stop()

	select {
	case err := <-errChan:
		if !errors.Is(err, server.ErrServerStopped) {
			t.Errorf("Server.Start() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Server did not stop in time")
	}
}

func TestServer_HistoryEndpoint(t *testing.T) {
	seed := []protocol.ChatMessage{
		{Sender: "alice", Content: "one", Timestamp: "2024-01-01T10:00:00"},
		{Sender: "bob", Content: "two", Timestamp: "2024-01-01T10:00:01"},
	}
	_, ts := newTestServer(t, server.WithHistory(seed...))

	got, err := backend.New(ts.URL).FetchHistory(context.Background())
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if len(got) != 2 || got[0] != seed[0] || got[1] != seed[1] {
		t.Errorf("FetchHistory() = %v, want %v", got, seed)
	}
}

func TestServer_EmptyHistoryIsArray(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + backend.HistoryPath)
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("history body %q is not an array: %v", body, err)
	}
	if len(raw) != 0 {
		t.Errorf("history length = %d, want 0", len(raw))
	}
}

func TestServer_RegisterAndLogin(t *testing.T) {
	_, ts := newTestServer(t)
	api := backend.New(ts.URL)
	ctx := context.Background()
	creds := protocol.Credentials{Username: "alice", Password: "s3cret"}

	if err := api.Register(ctx, creds); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := api.Register(ctx, creds)
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("duplicate Register() error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "Username is already taken!" {
		t.Errorf("duplicate Register() = %d %q", apiErr.StatusCode, apiErr.Message)
	}

	_, err = api.Login(ctx, protocol.Credentials{Username: "alice", Password: "wrong"})
	if !errors.As(err, &apiErr) {
		t.Fatalf("Login() with wrong password error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Invalid credentials!" {
		t.Errorf("Login() with wrong password = %d %q", apiErr.StatusCode, apiErr.Message)
	}

	_, err = api.Login(ctx, protocol.Credentials{Username: "nobody", Password: "x"})
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Login() for unknown user error = %v", err)
	}

	result, err := api.Login(ctx, creds)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.Username != "alice" || result.Message != "Login successful!" {
		t.Errorf("Login() = %+v", result)
	}
}

func TestServer_RegisterRejectsMalformedBody(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+backend.RegisterPath, "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("POST register: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
