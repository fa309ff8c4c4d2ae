package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/protocol"
	"github.com/go-go-golems/switchboard/pkg/transports/broker"
	"github.com/go-go-golems/switchboard/pkg/transports/ws"
)

// wsRecorder stands in for the websocket transport.
type wsRecorder struct {
	*protocol.Node

	mu       sync.Mutex
	messages []protocol.Payload
	notify   chan struct{}
}

func newWSRecorder() *wsRecorder {
	return &wsRecorder{
		Node:   protocol.NewNode(ws.ProtocolID),
		notify: make(chan struct{}, 16),
	}
}

func (r *wsRecorder) Deliver(_ context.Context, cmd string, p protocol.Payload) (any, error) {
	r.mu.Lock()
	q := p.Clone()
	q["cmd"] = cmd
	r.messages = append(r.messages, q)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil, nil
}

func (r *wsRecorder) recorded() []protocol.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Payload(nil), r.messages...)
}

type chatFixture struct {
	d    *protocol.Dispatcher
	chat *Node
	mq   *broker.Adapter
	ws   *wsRecorder
}

func newChatFixture(t *testing.T, opts ...Option) *chatFixture {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})

	d := protocol.NewDispatcher(protocol.WithSessionID("session"))
	sock := newWSRecorder()
	mq := broker.New(broker.GoChannelConnector(ps))
	chat := NewNode(mq, nil, opts...)

	d.AddChild(sock)
	d.AddChild(mq)
	d.AddChild(chat)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background()) })

	return &chatFixture{d: d, chat: chat, mq: mq, ws: sock}
}

func (f *chatFixture) connect(t *testing.T) {
	t.Helper()
	_, err := f.d.Dispatch(context.Background(), ws.ProtocolID, "connect", protocol.Payload{})
	require.NoError(t, err)
}

func (f *chatFixture) waitForChat(t *testing.T) protocol.Payload {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, m := range f.ws.recorded() {
			if m["cmd"] == "append_chat" {
				return m
			}
		}
		select {
		case <-f.ws.notify:
		case <-deadline:
			t.Fatal("no append_chat arrived")
		}
	}
}

func TestConnectJoinsDefaultChannels(t *testing.T) {
	f := newChatFixture(t)
	f.connect(t)

	require.ElementsMatch(t, []string{BroadcastTopic, PublicChannel}, f.mq.Topics())
	require.Equal(t, PublicChannel, f.chat.ActiveChannel())
}

func TestChatLineRoundTripsThroughBroker(t *testing.T) {
	f := newChatFixture(t)
	f.connect(t)

	_, err := f.d.Dispatch(context.Background(), ws.ProtocolID, "chat_input", protocol.Payload{
		"content": "hello room",
	})
	require.NoError(t, err)

	m := f.waitForChat(t)
	require.Equal(t, "hello room", m["content"])
	require.Equal(t, f.chat.Username(), m["author"])
	require.Equal(t, PublicChannel, m["channel"])
}

func TestHushedLineStaysLocal(t *testing.T) {
	f := newChatFixture(t)
	f.connect(t)

	_, err := f.d.Dispatch(context.Background(), ws.ProtocolID, "chat_input", protocol.Payload{
		"content": "!cmd only for me",
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	for _, m := range f.ws.recorded() {
		require.NotEqual(t, "append_chat", m["cmd"])
	}
}

func TestBlankLineIgnored(t *testing.T) {
	f := newChatFixture(t)
	f.connect(t)

	_, err := f.d.Dispatch(context.Background(), ws.ProtocolID, "chat_input", protocol.Payload{
		"content": "   ",
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.ws.recorded())
}

func TestDisconnectRetiresSessionAfterGrace(t *testing.T) {
	var mu sync.Mutex
	closed := 0
	f := newChatFixture(t, WithCloseGrace(20*time.Millisecond))
	f.chat.close = func() {
		mu.Lock()
		closed++
		mu.Unlock()
	}
	f.connect(t)

	_, err := f.d.Dispatch(context.Background(), ws.ProtocolID, "disconnect", protocol.Payload{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectCancelsRetirement(t *testing.T) {
	var mu sync.Mutex
	closed := 0
	f := newChatFixture(t, WithCloseGrace(30*time.Millisecond))
	f.chat.close = func() {
		mu.Lock()
		closed++
		mu.Unlock()
	}
	f.connect(t)

	_, err := f.d.Dispatch(context.Background(), ws.ProtocolID, "disconnect", protocol.Payload{})
	require.NoError(t, err)
	f.connect(t)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, closed, "a reconnect within the grace window must keep the session")
}

func TestGuestNameShape(t *testing.T) {
	name := guestName()
	require.Regexp(t, `^guest_[0-9a-f]{8}$`, name)
	require.NotEqual(t, name, guestName())
}

func TestUsernameOverride(t *testing.T) {
	f := newChatFixture(t, WithUsername("alice"))
	f.connect(t)

	_, err := f.d.Dispatch(context.Background(), ws.ProtocolID, "chat_input", protocol.Payload{
		"content": "hi",
	})
	require.NoError(t, err)
	require.Equal(t, "alice", f.waitForChat(t)["author"])
}
