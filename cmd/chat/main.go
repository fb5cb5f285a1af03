package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omochice/roomchat/pkg/protocol"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var a *app

	root := &cobra.Command{
		Use:   "chat",
		Short: "Join the public chat room from the terminal",
		Long: `chat connects to the room as the saved user. Use "chat login" the first
time, after which the login is remembered until "chat logout".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			a, err = newApp(cmd.Context(), cmd.OutOrStdout())
			return err
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a == nil {
				return nil
			}
			return a.close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.resume(cmd.Context(), cmd.InOrStdin())
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "register <username> <password>",
			Short: "Create an account",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.register(cmd.Context(), protocol.Credentials{Username: args[0], Password: args[1]})
			},
		},
		&cobra.Command{
			Use:   "login <username> <password>",
			Short: "Log in, remember the login and join the room",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.login(cmd.Context(), protocol.Credentials{Username: args[0], Password: args[1]}, cmd.InOrStdin())
			},
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Forget the saved login",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return a.logout()
			},
		},
	)
	return root
}
