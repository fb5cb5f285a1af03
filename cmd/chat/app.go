package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mama165/sdk-go/logs"

	"github.com/omochice/roomchat/internal/backend"
	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/config"
	"github.com/omochice/roomchat/internal/session"
	"github.com/omochice/roomchat/internal/store"
	"github.com/omochice/roomchat/internal/stream"
	"github.com/omochice/roomchat/internal/transport/stomp"
	"github.com/omochice/roomchat/pkg/protocol"
)

const stopTimeout = 5 * time.Second

// app holds everything a chat command needs.
type app struct {
	cfg   config.Config
	log   *slog.Logger
	api   *backend.Client
	store *store.Store
	ctrl  *session.Controller
	out   io.Writer
}

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	cfg = cfg.Resolve(ctx, &http.Client{Timeout: cfg.DialTimeout}, log)

	endpoint, err := stomp.EndpointURL(cfg.BaseURL, cfg.WSPath)
	if err != nil {
		return nil, err
	}
	dialer, err := stomp.NewDialer(endpoint,
		stomp.WithTimeout(cfg.DialTimeout),
		stomp.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StorePath, log)
	if err != nil {
		return nil, err
	}

	api := backend.New(cfg.BaseURL, backend.WithLogger(log))
	ctrl := session.NewController(api, dialer,
		session.WithLogger(log),
		session.WithManagerOptions(
			client.WithPolicy(cfg.ReconnectPolicy()),
			client.WithDialTimeout(cfg.DialTimeout),
		),
	)

	log.Debug("client configured", "base_url", cfg.BaseURL, "endpoint", dialer.URL())
	return &app{
		cfg:   cfg,
		log:   log,
		api:   api,
		store: st,
		ctrl:  ctrl,
		out:   out,
	}, nil
}

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := a.ctrl.Stop(ctx)
	if closeErr := a.store.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (a *app) register(ctx context.Context, creds protocol.Credentials) error {
	if err := a.api.Register(ctx, creds); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "registered %s, now run: chat login %s <password>\n", creds.Username, creds.Username)
	return nil
}

func (a *app) login(ctx context.Context, creds protocol.Credentials, in io.Reader) error {
	result, err := a.api.Login(ctx, creds)
	if err != nil {
		return err
	}
	if err := a.store.SaveUsername(result.Username); err != nil {
		return err
	}
	if result.Message != "" {
		fmt.Fprintln(a.out, result.Message)
	}
	return a.chat(ctx, result.Username, in)
}

func (a *app) logout() error {
	if err := a.store.ClearUsername(); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

// resume joins the room as the saved user.
func (a *app) resume(ctx context.Context, in io.Reader) error {
	username, err := a.store.LoadUsername()
	if errors.Is(err, store.ErrNotFound) {
		return errors.New("not logged in, run: chat login <username> <password>")
	}
	if err != nil {
		return err
	}
	a.log.Debug("resuming saved login", "username", username)
	return a.chat(ctx, username, in)
}

func (a *app) chat(ctx context.Context, username string, in io.Reader) error {
	s, err := a.ctrl.Start(ctx, username)
	if err != nil {
		return err
	}

	r := newREPL(a.out, s)
	r.printTimeline(0)
	s.OnMessage(func(e stream.Entry) { r.printMessage(e.Message) })
	s.OnState(r.printState)
	r.printf("joined as %s, type /help for commands\n", username)

	err = r.run(ctx, in)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if stopErr := a.ctrl.Stop(stopCtx); stopErr != nil {
		a.log.Warn("failed to stop session", "error", stopErr)
	}

	if errors.Is(err, errLogout) {
		return a.logout()
	}
	return err
}
