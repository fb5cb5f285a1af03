package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/mattn/go-shellwords"
	"github.com/olekukonko/tablewriter"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/presence"
	"github.com/omochice/roomchat/pkg/protocol"
)

var (
	errQuit   = errors.New("quit")
	errLogout = errors.New("logout")
)

// chatSession is the part of session.Session the REPL drives.
type chatSession interface {
	Username() string
	State() client.ConnectionState
	Timeline() []protocol.ChatMessage
	Presence() []string
	Send(ctx context.Context, content string) error
}

type repl struct {
	session chatSession

	mu  sync.Mutex
	out io.Writer
}

func newREPL(out io.Writer, s chatSession) *repl {
	return &repl{session: s, out: out}
}

// run reads lines from in until EOF, /quit, /logout or ctx is done.
// It returns errLogout when the user asked to log out.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := r.handle(ctx, line)
			switch {
			case errors.Is(err, errQuit):
				return nil
			case err != nil:
				return err
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := r.session.Send(ctx, line); err != nil {
			r.errorf("message not sent: %v", err)
		}
		return nil
	}

	args, err := shellwords.Parse(line)
	if err != nil {
		r.errorf("cannot parse command: %v", err)
		return nil
	}
	switch args[0] {
	case "/who":
		r.printPresence()
	case "/state":
		r.printf("%s\n", r.session.State())
	case "/history":
		n := 0
		if len(args) > 1 {
			if n, err = strconv.Atoi(args[1]); err != nil || n < 0 {
				r.errorf("usage: /history [count]")
				return nil
			}
		}
		r.printTimeline(n)
	case "/logout":
		return errLogout
	case "/quit", "/exit":
		return errQuit
	case "/help":
		r.printf("%s\n", strings.Join([]string{
			"/who            list online users",
			"/state          show the connection state",
			"/history [n]    reprint the last n messages",
			"/logout         forget the saved login and quit",
			"/quit           leave the chat",
		}, "\n"))
	default:
		r.errorf("unknown command %s, try /help", args[0])
	}
	return nil
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) errorf(format string, args ...any) {
	r.printf("%s\n", color.FgRed.Sprintf(format, args...))
}

// printMessage renders one timeline message.
func (r *repl) printMessage(msg protocol.ChatMessage) {
	ev, err := presence.Classify(msg)
	if err != nil {
		ev = presence.Event{}
	}
	switch ev.Kind {
	case presence.Join:
		r.printf("%s\n", color.FgGray.Sprintf("* %s joined", ev.User))
		return
	case presence.Leave:
		r.printf("%s\n", color.FgGray.Sprintf("* %s left", ev.User))
		return
	case presence.Roster:
		r.printf("%s\n", color.FgGray.Sprintf("* online: %s", strings.Join(ev.Members, ", ")))
		return
	}

	sender := color.FgGreen.Render(msg.Sender)
	if msg.Sender == r.session.Username() {
		sender = color.New(color.FgCyan, color.OpBold).Render(msg.Sender)
	}
	r.printf("%s %s: %s\n", color.FgGray.Render(clock(msg.Timestamp)), sender, msg.Content)
}

func (r *repl) printTimeline(n int) {
	msgs := r.session.Timeline()
	if n > 0 && n < len(msgs) {
		msgs = msgs[len(msgs)-n:]
	}
	for _, msg := range msgs {
		r.printMessage(msg)
	}
}

func (r *repl) printPresence() {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"User", "Status"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	for _, user := range r.session.Presence() {
		status := "online"
		if user == r.session.Username() {
			status = "you"
		}
		table.Append([]string{user, status})
	}
	table.Render()
}

func (r *repl) printState(change client.StateChange) {
	line := fmt.Sprintf("* connection %s", strings.ToLower(change.To.String()))
	if change.Err != nil {
		line += fmt.Sprintf(" (%v)", change.Err)
	}
	if change.To == client.Failed {
		r.printf("%s\n", color.FgRed.Render(line))
		return
	}
	r.printf("%s\n", color.FgYellow.Render(line))
}

// clock shortens a server timestamp to HH:MM. Fractional seconds are ignored.
func clock(ts string) string {
	if len(ts) > len(protocol.TimestampLayout) {
		ts = ts[:len(protocol.TimestampLayout)]
	}
	t, err := time.ParseInLocation(protocol.TimestampLayout, ts, time.Local)
	if err != nil {
		return "--:--"
	}
	return t.Format("15:04")
}
