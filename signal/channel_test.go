package signal

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/realtime-bridge/shared"
)

func dialTestChannel(t *testing.T, c *Channel) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := Parse(data)
	require.NoError(t, err)
	return msg
}

func TestChannelWelcomeAssignsClientID(t *testing.T) {
	c, err := NewChannel(shared.NewNopLogger())
	require.NoError(t, err)

	conn := dialTestChannel(t, c)
	welcome := readMessage(t, conn)
	assert.Equal(t, MessageTypeWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.ClientID)
	assert.True(t, c.Connected(welcome.ClientID))
}

func TestChannelDispatchesBySubscribedType(t *testing.T) {
	c, err := NewChannel(shared.NewNopLogger())
	require.NoError(t, err)

	got := make(chan *Message, 1)
	require.NoError(t, c.Subscribe(MessageTypeOffer, func(clientID string, msg *Message) {
		got <- msg
	}))
	assert.ErrorIs(t, c.Subscribe(MessageTypeOffer, func(string, *Message) {}), shared.ErrHandlerAlreadySet)

	conn := dialTestChannel(t, c)
	readMessage(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","sdp":"v=0"}`)))
	select {
	case msg := <-got:
		assert.Equal(t, "v=0", msg.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("offer was not dispatched")
	}
}

func TestChannelMalformedInputGetsOneErrorReply(t *testing.T) {
	c, err := NewChannel(shared.NewNopLogger())
	require.NoError(t, err)

	conn := dialTestChannel(t, c)
	readMessage(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, reply.Type)
	assert.NotEmpty(t, reply.Error)

	// Channel stays up: a well-formed but unsubscribed message still gets
	// an error reply over the same socket.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join"}`)))
	reply = readMessage(t, conn)
	assert.Equal(t, MessageTypeError, reply.Type)
}

func TestChannelDisconnectRemovesClientAndNotifies(t *testing.T) {
	c, err := NewChannel(shared.NewNopLogger())
	require.NoError(t, err)

	gone := make(chan string, 1)
	c.OnDisconnect(func(clientID string) { gone <- clientID })

	conn := dialTestChannel(t, c)
	welcome := readMessage(t, conn)
	require.NoError(t, conn.Close())

	select {
	case id := <-gone:
		assert.Equal(t, welcome.ClientID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not reported")
	}
	assert.False(t, c.Connected(welcome.ClientID))
	assert.False(t, c.Send(welcome.ClientID, NewError("late")))
}

func TestChannelBroadcastExcludes(t *testing.T) {
	c, err := NewChannel(shared.NewNopLogger())
	require.NoError(t, err)

	first := dialTestChannel(t, c)
	firstWelcome := readMessage(t, first)
	second := dialTestChannel(t, c)
	readMessage(t, second)

	c.Broadcast(&Message{Type: MessageTypeLeave}, firstWelcome.ClientID)

	got := readMessage(t, second)
	assert.Equal(t, MessageTypeLeave, got.Type)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = first.ReadMessage()
	assert.Error(t, err, "excluded client must not receive the broadcast")
}
