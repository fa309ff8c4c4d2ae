package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/protocol"
)

// recordingBroker is a publisher/subscriber double that records call order
// and fans published messages out to subscribers in-process.
type recordingBroker struct {
	mu        sync.Mutex
	calls     []string
	published []map[string]any
	subs      map[string][]chan *message.Message
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{subs: map[string][]chan *message.Message{}}
}

func (b *recordingBroker) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "subscribe:"+topic)
	ch := make(chan *message.Message, 64)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch, nil
}

func (b *recordingBroker) Publish(topic string, msgs ...*message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range msgs {
		var env map[string]any
		_ = json.Unmarshal(msg.Payload, &env)
		cmd, _ := env["cmd"].(string)
		b.calls = append(b.calls, "publish:"+topic+":"+cmd)
		b.published = append(b.published, env)
		for _, ch := range b.subs[topic] {
			ch <- message.NewMessage(watermill.NewUUID(), msg.Payload)
		}
	}
	return nil
}

func (b *recordingBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = map[string][]chan *message.Message{}
	return nil
}

func (b *recordingBroker) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func connectorFor(b *recordingBroker) Connector {
	return func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		return b, b, nil
	}
}

func newBrokerTree(t *testing.T, c Connector, opts ...Option) (*protocol.Dispatcher, *Adapter) {
	t.Helper()
	d := protocol.NewDispatcher()
	a := New(c, opts...)
	d.AddChild(a)
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d, a
}

func TestOfflineSendsFlushedFIFO(t *testing.T) {
	b := newRecordingBroker()
	_, a := newBrokerTree(t, connectorFor(b))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := a.Deliver(ctx, "chat", protocol.Payload{KeyChannel: "room", "seq": i})
		require.NoError(t, err)
	}
	require.False(t, a.Connected())
	require.Empty(t, b.callLog(), "nothing may reach the broker before connect")

	require.NoError(t, a.Start(ctx))
	require.True(t, a.Connected())

	calls := b.callLog()
	require.Len(t, calls, 5)
	for _, call := range calls {
		require.Equal(t, "publish:room:chat", call)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.published, 5)
	for i, env := range b.published {
		require.Equal(t, float64(i), env["seq"], "buffered sends must flush in enqueue order")
	}
}

func TestSubscriptionsReplayBeforeBufferedSends(t *testing.T) {
	b := newRecordingBroker()
	_, a := newBrokerTree(t, connectorFor(b))

	ctx := context.Background()
	require.NoError(t, a.Subscribe(ctx, "room"))
	_, err := a.Deliver(ctx, "chat", protocol.Payload{KeyChannel: "room", "content": "hi"})
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))

	calls := b.callLog()
	require.GreaterOrEqual(t, len(calls), 2)
	require.Equal(t, "subscribe:room", calls[0], "subscriptions must be live before buffered sends flush")
	require.Equal(t, "publish:room:chat", calls[1])
}

func TestInboundMessagesDispatchWithChannelID(t *testing.T) {
	b := newRecordingBroker()
	d, a := newBrokerTree(t, connectorFor(b))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Subscribe(ctx, "room"))

	type seen struct {
		channel string
		content string
	}
	got := make(chan seen, 1)
	d.Base().Register(ProtocolID, "chat", func(ctx context.Context, p protocol.Payload) (any, error) {
		got <- seen{channel: p.String(KeyChannelID), content: p.String("content")}
		return nil, nil
	})

	_, err := d.Send(ctx, ProtocolID, "chat", protocol.Payload{KeyChannel: "room", "content": "hello"})
	require.NoError(t, err)

	select {
	case s := <-got:
		require.Equal(t, "room", s.channel)
		require.Equal(t, "hello", s.content)
	case <-time.After(5 * time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestUnsubscribeControlMessageStopsListener(t *testing.T) {
	b := newRecordingBroker()
	_, a := newBrokerTree(t, connectorFor(b))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Subscribe(ctx, "room"))
	require.Equal(t, []string{"room"}, a.Topics())

	require.NoError(t, a.Unsubscribe(ctx, "room"))

	require.Eventually(t, func() bool {
		return len(a.Topics()) == 0
	}, 5*time.Second, 10*time.Millisecond, "listener must exit on its own control message")
}

func TestForeignUnsubscribeIsIgnored(t *testing.T) {
	b := newRecordingBroker()
	_, a := newBrokerTree(t, connectorFor(b))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Subscribe(ctx, "room"))

	// Control message from some other subscriber on the same topic.
	body, err := json.Marshal(map[string]any{"cmd": "unsubscribe", KeySenderID: "someone-else"})
	require.NoError(t, err)
	require.NoError(t, b.Publish("room", message.NewMessage(watermill.NewUUID(), body)))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"room"}, a.Topics(), "foreign unsubscribe must not stop our listener")
}

func TestConnectFailureDegradesToBuffering(t *testing.T) {
	failing := func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		return nil, nil, errors.New("broker unreachable")
	}
	_, a := newBrokerTree(t, failing)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx), "connection failure must not crash start")
	require.False(t, a.Connected())

	_, err := a.Deliver(ctx, "chat", protocol.Payload{KeyChannel: "room", "content": "later"})
	require.NoError(t, err)
	require.NoError(t, a.Subscribe(ctx, "room"))
}
