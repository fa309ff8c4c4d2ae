package chat

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/switchboard/pkg/protocol"
	"github.com/go-go-golems/switchboard/pkg/transports/broker"
	"github.com/go-go-golems/switchboard/pkg/transports/ws"
)

const (
	// BroadcastTopic reaches every session on the deployment.
	BroadcastTopic = "broadcast"
	// PublicChannel is the default chat room every session joins.
	PublicChannel = "chat.public"

	// closeGrace is how long a session lingers after its last websocket
	// drops before it is torn down. Long enough for a page reload.
	closeGrace = 60 * time.Second
)

// Node holds the chat behavior of one session: joining channels on connect,
// relaying chat lines between the websocket and the message broker, and
// retiring the session when the browser stays away.
type Node struct {
	*protocol.Node

	username string
	channel  string
	mq       *broker.Adapter
	close    func()

	grace time.Duration

	mu        sync.Mutex
	connected bool
	closeSeq  int
}

type Option func(*Node)

// WithUsername overrides the generated guest name.
func WithUsername(name string) Option {
	return func(n *Node) { n.username = name }
}

// WithCloseGrace overrides the retirement delay, for tests.
func WithCloseGrace(d time.Duration) Option {
	return func(n *Node) { n.grace = d }
}

// NewNode wires the chat handlers. mq is the session's broker adapter; close
// retires the whole session and may be nil.
func NewNode(mq *broker.Adapter, close func(), opts ...Option) *Node {
	n := &Node{
		Node:     protocol.NewNode("chat"),
		username: guestName(),
		channel:  PublicChannel,
		mq:       mq,
		close:    close,
		grace:    closeGrace,
	}
	for _, o := range opts {
		o(n)
	}
	n.Register(ws.ProtocolID, "connect", n.onConnect)
	n.Register(ws.ProtocolID, "disconnect", n.onDisconnect)
	n.Register(ws.ProtocolID, "chat_input", n.onChatInput)
	n.Register(broker.ProtocolID, "chat", n.onBrokerChat)
	return n
}

// Username returns the session's display name.
func (n *Node) Username() string { return n.username }

// ActiveChannel returns the channel chat lines currently publish to.
func (n *Node) ActiveChannel() string { return n.channel }

func (n *Node) onConnect(ctx context.Context, _ protocol.Payload) (any, error) {
	n.mu.Lock()
	n.connected = true
	n.closeSeq++
	n.mu.Unlock()
	for _, topic := range []string{BroadcastTopic, n.channel} {
		if err := n.mq.Subscribe(ctx, topic); err != nil {
			n.Logger().Warn().Err(err).Str("topic", topic).Msg("could not join channel")
		}
	}
	return nil, nil
}

// onDisconnect arms the retirement timer. A reconnect before it fires bumps
// closeSeq, which the timer checks so a revived session is left alone.
func (n *Node) onDisconnect(_ context.Context, _ protocol.Payload) (any, error) {
	n.mu.Lock()
	n.connected = false
	n.closeSeq++
	seq := n.closeSeq
	n.mu.Unlock()
	err := n.Go("retire", func(ctx context.Context) error {
		timer := time.NewTimer(n.grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		n.mu.Lock()
		stale := n.closeSeq != seq || n.connected
		n.mu.Unlock()
		if stale {
			return nil
		}
		n.Logger().Info().Str("username", n.username).Msg("session idle past grace, retiring")
		if n.close != nil {
			n.close()
		}
		return nil
	})
	if err != nil {
		n.Logger().Debug().Err(err).Msg("node closing, retirement timer not armed")
	}
	return nil, nil
}

// onChatInput publishes a chat line to the active channel. Lines starting
// with "!" are hushed: they stay local so command output does not echo to
// the room. Inline [cmd:...] blocks are handled by the command transport at
// an earlier priority.
func (n *Node) onChatInput(ctx context.Context, p protocol.Payload) (any, error) {
	content := p.String("content")
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	if strings.HasPrefix(content, "!") {
		return nil, nil
	}
	_, err := n.Send(ctx, broker.ProtocolID, "chat", protocol.Payload{
		broker.KeyChannel: n.channel,
		"author":          n.username,
		"content":         content,
	})
	return nil, err
}

// onBrokerChat forwards a chat line arriving from any channel to the client.
func (n *Node) onBrokerChat(ctx context.Context, p protocol.Payload) (any, error) {
	_, err := n.Send(ctx, ws.ProtocolID, "append_chat", protocol.Payload{
		"author":  p.String("author"),
		"content": p.String("content"),
		"channel": p.String(broker.KeyChannelID),
	})
	return nil, err
}

// guestName mints a display name like guest_1a2b3c4d.
func guestName() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("guest_%08x", time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("guest_%08x", binary.BigEndian.Uint32(b[:]))
}
