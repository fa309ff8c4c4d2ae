package command

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/protocol"
)

// chatRecorder stands in for the websocket transport and records every
// append_chat it is asked to deliver.
type chatRecorder struct {
	*protocol.Node

	mu       sync.Mutex
	messages []string
}

func newChatRecorder() *chatRecorder {
	return &chatRecorder{Node: protocol.NewNode("ws")}
}

func (c *chatRecorder) Deliver(_ context.Context, cmd string, p protocol.Payload) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, fmt.Sprintf("%s:%s", cmd, p.String("content")))
	return nil, nil
}

func (c *chatRecorder) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func newCommandTree(t *testing.T) (*protocol.Dispatcher, *Adapter, *chatRecorder) {
	t.Helper()
	d := protocol.NewDispatcher(protocol.WithSessionID("session"))
	t.Cleanup(func() { d.Stop(context.Background()) })

	ws := newChatRecorder()
	a := New()
	d.AddChild(ws)
	d.AddChild(a)
	require.NoError(t, d.Start(context.Background()))
	return d, a, ws
}

func TestChatInputRunsInlineCommand(t *testing.T) {
	d, a, ws := newCommandTree(t)
	a.Register(ProtocolID, "greet", func(_ context.Context, p protocol.Payload) (any, error) {
		return "hello " + p.String("name"), nil
	})

	_, err := d.Dispatch(context.Background(), "ws", "chat_input", protocol.Payload{
		"content": "please run [cmd:greet(name='bob')] now",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"append_chat:hello bob"}, ws.recorded())
}

func TestChatInputEchoesParseError(t *testing.T) {
	d, _, ws := newCommandTree(t)

	_, err := d.Dispatch(context.Background(), "ws", "chat_input", protocol.Payload{
		"content": "[cmd:greet(name=)]",
	})
	require.NoError(t, err)

	msgs := ws.recorded()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "error:")
	require.Contains(t, msgs[0], "missing value")
}

func TestChatInputReportsUnknownCommand(t *testing.T) {
	d, _, ws := newCommandTree(t)

	_, err := d.Dispatch(context.Background(), "ws", "chat_input", protocol.Payload{
		"content": "[cmd:nope()]",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"append_chat:error: nope() command not found"}, ws.recorded())
}

func TestBareCommandDispatchesPassthrough(t *testing.T) {
	d, a, ws := newCommandTree(t)
	a.Register(ProtocolID, "ping", func(context.Context, protocol.Payload) (any, error) {
		return "pong", nil
	})

	_, err := d.Dispatch(context.Background(), "ws", "chat_input", protocol.Payload{
		"content": "[cmd:ping]",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"append_chat:pong"}, ws.recorded())
}

func TestPlainChatMessageIsUntouched(t *testing.T) {
	d, _, ws := newCommandTree(t)

	_, err := d.Dispatch(context.Background(), "ws", "chat_input", protocol.Payload{
		"content": "just chatting",
	})
	require.NoError(t, err)
	require.Empty(t, ws.recorded())
}
