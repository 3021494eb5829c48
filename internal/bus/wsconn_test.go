package bus

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisd/internal/reactor"
	"github.com/xfeldman/aegisd/internal/wire"
)

func TestWebSocketTransportNegotiatesConnect(t *testing.T) {
	b := New(Config{Log: zerolog.Nop()})
	r := reactor.New(b, zerolog.Nop())
	b.SetReactor(r)
	go r.Run()
	t.Cleanup(r.Stop)

	srv := httptest.NewServer(b.WebSocketHandler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, connectFrame().Encode()))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	p := wire.NewParser()
	for p.Pending() == 0 {
		_, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, p.Feed(msg))
	}
	frame := p.Pop()
	require.Equal(t, wire.CommandConnected, frame.Command)
}
