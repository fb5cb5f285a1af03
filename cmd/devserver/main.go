package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/omochice/roomchat/internal/config"
	"github.com/omochice/roomchat/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:          "devserver",
		Short:        "Run a local chat backend with the STOMP endpoint and REST API",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				addr = cfg.ListenAddr
			}
			return run(addr, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on (defaults to CHAT_LISTEN_ADDR)")
	return cmd
}

func run(addr string, cfg config.Config) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)
	srv := server.New(addr,
		server.WithLogger(log),
		server.WithEndpointPath(cfg.WSPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, server.ErrServerStopped) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		srv.Stop()
		<-errChan
	}
	log.Info("server stopped")
	return nil
}
