package stomp_test

import (
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/roomchat/internal/transport/stomp"
)

func TestMarshal_SendFrame(t *testing.T) {
	data, err := stomp.Marshal(stomp.NewSend("/app/chat.sendMessage", []byte(`{"a":1}`)))
	require.NoError(t, err)

	f, err := stomp.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, frame.SEND, f.Command)
	assert.Equal(t, "/app/chat.sendMessage", f.Header.Get(frame.Destination))
	assert.Equal(t, "7", f.Header.Get(frame.ContentLength))
	assert.Equal(t, `{"a":1}`, string(f.Body))
}

func TestUnmarshal_HeartBeat(t *testing.T) {
	f, err := stomp.Unmarshal([]byte("\n"))
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestUnmarshal_Malformed(t *testing.T) {
	_, err := stomp.Unmarshal([]byte("garbage without terminator"))
	assert.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "http", base: "http://localhost:8080", path: "/ws", want: "ws://localhost:8080/ws"},
		{name: "https with trailing slash", base: "https://chat.example.com/", path: "/ws", want: "wss://chat.example.com/ws"},
		{name: "sockjs path", base: "http://localhost:8080", path: "ws/websocket", want: "ws://localhost:8080/ws/websocket"},
		{name: "base path kept", base: "http://host/chat", path: "/ws", want: "ws://host/chat/ws"},
		{name: "bad scheme", base: "ftp://host", path: "/ws", wantErr: true},
		{name: "no host", base: "http://", path: "/ws", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stomp.EndpointURL(tt.base, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
