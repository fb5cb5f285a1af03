package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/pkg/protocol"
)

type fakeSession struct {
	sent     []string
	sendErr  error
	timeline []protocol.ChatMessage
	online   []string
}

func (f *fakeSession) Username() string                 { return "alice" }
func (f *fakeSession) State() client.ConnectionState    { return client.Connected }
func (f *fakeSession) Timeline() []protocol.ChatMessage { return f.timeline }
func (f *fakeSession) Presence() []string               { return f.online }

func (f *fakeSession) Send(_ context.Context, content string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, content)
	return nil
}

func TestREPL_SendsPlainLines(t *testing.T) {
	var out bytes.Buffer
	s := &fakeSession{}
	r := newREPL(&out, s)

	err := r.run(context.Background(), strings.NewReader("hello\n\n  /quit  \nnot sent\n"))

	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, s.sent)
}

func TestREPL_Logout(t *testing.T) {
	r := newREPL(&bytes.Buffer{}, &fakeSession{})

	err := r.run(context.Background(), strings.NewReader("/logout\n"))

	require.ErrorIs(t, err, errLogout)
}

func TestREPL_EOFEndsQuietly(t *testing.T) {
	r := newREPL(&bytes.Buffer{}, &fakeSession{})
	require.NoError(t, r.run(context.Background(), strings.NewReader("")))
}

func TestREPL_Commands(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "state", line: "/state", want: "CONNECTED"},
		{name: "who", line: "/who", want: "bob"},
		{name: "help", line: "/help", want: "/history [n]"},
		{name: "unknown", line: "/dance", want: "unknown command /dance"},
		{name: "bad history count", line: "/history x", want: "usage: /history"},
		{name: "unbalanced quotes", line: `/who "`, want: "cannot parse command"},
		{name: "history", line: "/history 1", want: "second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			s := &fakeSession{
				online: []string{"alice", "bob"},
				timeline: []protocol.ChatMessage{
					{Sender: "bob", Content: "first"},
					{Sender: "bob", Content: "second"},
				},
			}
			r := newREPL(&out, s)

			require.NoError(t, r.handle(context.Background(), tt.line))
			require.Contains(t, out.String(), tt.want)
		})
	}
}

func TestREPL_HistoryLimit(t *testing.T) {
	var out bytes.Buffer
	s := &fakeSession{timeline: []protocol.ChatMessage{
		{Sender: "bob", Content: "first"},
		{Sender: "bob", Content: "second"},
	}}
	r := newREPL(&out, s)

	require.NoError(t, r.handle(context.Background(), "/history 1"))
	require.NotContains(t, out.String(), "first")
}

func TestREPL_SendFailureIsReported(t *testing.T) {
	var out bytes.Buffer
	r := newREPL(&out, &fakeSession{sendErr: client.ErrNotConnected})

	require.NoError(t, r.handle(context.Background(), "hi"))
	require.Contains(t, out.String(), "message not sent")
	require.Contains(t, out.String(), client.ErrNotConnected.Error())
}

func TestREPL_PrintMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.ChatMessage
		want []string
	}{
		{
			name: "join",
			msg:  protocol.NewChatMessage("bob", protocol.ContentJoined),
			want: []string{"* bob joined"},
		},
		{
			name: "leave",
			msg:  protocol.NewChatMessage("bob", protocol.ContentLeft),
			want: []string{"* bob left"},
		},
		{
			name: "chat",
			msg:  protocol.ChatMessage{Sender: "bob", Content: "hi", Timestamp: "2024-05-01T09:07:33.123456"},
			want: []string{"09:07", "bob", ": hi"},
		},
		{
			name: "no timestamp",
			msg:  protocol.NewChatMessage("alice", "hey"),
			want: []string{"--:--", "alice", ": hey"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			newREPL(&out, &fakeSession{}).printMessage(tt.msg)
			for _, want := range tt.want {
				require.Contains(t, out.String(), want)
			}
		})
	}
}

func TestREPL_PrintState(t *testing.T) {
	var out bytes.Buffer
	r := newREPL(&out, &fakeSession{})

	r.printState(client.StateChange{From: client.Connected, To: client.Connecting, Err: errors.New("eof")})

	require.Contains(t, out.String(), "connection connecting (eof)")
}
