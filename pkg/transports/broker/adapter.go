// Package broker is the pub/sub transport adapter. It speaks watermill's
// publisher/subscriber contract, so the same adapter runs against the
// in-process gochannel backend or Redis Streams. Topics are exact routing
// keys (channel ids); subscriptions and sends issued while disconnected are
// buffered and replayed once the broker is reachable: subscriptions first,
// then sends in FIFO order.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/protocol"
	"github.com/go-go-golems/switchboard/pkg/transports/offline"
)

const (
	// ProtocolID is the routing id this adapter answers to.
	ProtocolID = "mq"

	// KeyChannel selects the routing key of an outbound message.
	KeyChannel = "channel"
	// KeyChannelID carries the topic an inbound message arrived on.
	KeyChannelID = "channel_id"
	// KeySenderID identifies the adapter that published a control message.
	KeySenderID = "sender_id"

	cmdUnsubscribe = "unsubscribe"
)

// Connector establishes the broker connection. It runs once in Start; a
// failure leaves the adapter disconnected and buffering.
type Connector func(ctx context.Context) (message.Publisher, message.Subscriber, error)

// GoChannelConnector wraps a process-wide gochannel pubsub. The backend is
// shared between sessions, so adapters using it must not close it; pair this
// with WithSharedBackend.
func GoChannelConnector(ps *gochannel.GoChannel) Connector {
	return func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		return ps, ps, nil
	}
}

// Adapter is the broker protocol node for one session.
type Adapter struct {
	*protocol.Node

	connect  Connector
	senderID string
	shared   bool

	mu          sync.Mutex
	connected   bool
	pub         message.Publisher
	sub         message.Subscriber
	topics      map[string]struct{}
	pendingSubs []string
	pendingSend *offline.Queue
}

// Option configures the adapter.
type Option func(*Adapter)

// WithSharedBackend marks the publisher/subscriber as shared with other
// adapters; Stop will not close them.
func WithSharedBackend() Option {
	return func(a *Adapter) { a.shared = true }
}

// New builds a broker adapter. The connection is established by Start.
func New(connect Connector, opts ...Option) *Adapter {
	a := &Adapter{
		Node:        protocol.NewNode(ProtocolID),
		connect:     connect,
		senderID:    uuid.NewString(),
		topics:      map[string]struct{}{},
		pendingSend: offline.NewQueue(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connected reports whether the broker connection is up.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Topics returns the currently subscribed routing keys.
func (a *Adapter) Topics() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.topics))
	for t := range a.topics {
		out = append(out, t)
	}
	return out
}

// Start connects to the broker, replays buffered subscriptions, then flushes
// buffered sends in FIFO order. Subscriptions go first so buffered sends that
// provoke responses on those same topics are not missed. A connection failure
// degrades gracefully: the adapter stays disconnected and keeps buffering.
func (a *Adapter) Start(ctx context.Context) error {
	pub, sub, err := a.connect(ctx)
	if err != nil {
		log.Error().Err(err).Str("component", "mq").Msg("broker connection failed")
		a.notify(ctx, fmt.Sprintf("We got an unexpected error.\n\nBroker connection failed: %v", err))
		return a.Node.Start(ctx)
	}

	a.mu.Lock()
	a.pub = pub
	a.sub = sub
	a.connected = true
	pending := a.pendingSubs
	a.pendingSubs = nil
	a.mu.Unlock()
	log.Info().Str("component", "mq").Msg("connected to broker")

	for _, topic := range pending {
		if err := a.Subscribe(ctx, topic); err != nil {
			log.Warn().Err(err).Str("component", "mq").Str("topic", topic).Msg("pending subscription replay failed")
		}
	}
	for _, env := range a.pendingSend.Drain() {
		if _, err := a.Deliver(ctx, env.Cmd, env.Payload); err != nil {
			log.Warn().Err(err).Str("component", "mq").Str("cmd", env.Cmd).Msg("pending send replay failed")
		}
	}

	return a.Node.Start(ctx)
}

// Subscribe binds this adapter to a routing key and runs one listener task
// for it. While disconnected the request is buffered for replay.
func (a *Adapter) Subscribe(ctx context.Context, topic string) error {
	a.mu.Lock()
	if !a.connected {
		a.pendingSubs = append(a.pendingSubs, topic)
		a.mu.Unlock()
		log.Debug().Str("component", "mq").Str("topic", topic).Msg("not connected, buffering subscription")
		return nil
	}
	if _, ok := a.topics[topic]; ok {
		a.mu.Unlock()
		return nil
	}
	sub := a.sub
	a.topics[topic] = struct{}{}
	a.mu.Unlock()

	// Subscribe on the node's task context so Stop tears the stream down even
	// if the unsubscribe control message never arrives.
	ch, err := sub.Subscribe(a.TaskContext(), topic)
	if err != nil {
		a.mu.Lock()
		delete(a.topics, topic)
		a.mu.Unlock()
		return errors.Wrapf(err, "subscribe %q", topic)
	}
	log.Info().Str("component", "mq").Str("topic", topic).Msg("subscribed")

	return a.Go("listen:"+topic, func(taskCtx context.Context) error {
		a.listen(taskCtx, topic, ch)
		return nil
	})
}

// listen consumes one topic until the subscription channel closes or this
// adapter's own unsubscribe control message arrives. Exiting on the control
// message rather than a direct task cancel avoids racing in-flight delivery.
func (a *Adapter) listen(ctx context.Context, topic string, ch <-chan *message.Message) {
	for msg := range ch {
		var env map[string]any
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			log.Warn().Err(err).Str("component", "mq").Str("topic", topic).Msg("malformed broker message")
			msg.Ack()
			continue
		}
		cmd, _ := env["cmd"].(string)
		if cmd == cmdUnsubscribe {
			sender, _ := env[KeySenderID].(string)
			msg.Ack()
			if sender == a.senderID {
				break
			}
			continue
		}
		delete(env, "cmd")
		p := protocol.Payload(env)
		p[KeyChannelID] = topic
		if _, err := a.Dispatch(ctx, ProtocolID, cmd, p); err != nil {
			log.Error().Err(err).Str("component", "mq").Str("topic", topic).Str("cmd", cmd).Msg("inbound dispatch failed")
		}
		msg.Ack()
	}

	a.mu.Lock()
	delete(a.topics, topic)
	a.mu.Unlock()
	log.Info().Str("component", "mq").Str("topic", topic).Msg("unsubscribed")
}

// Unsubscribe publishes a self-addressed control message so the topic's
// listener recognises its own cancellation request and exits cleanly.
func (a *Adapter) Unsubscribe(ctx context.Context, topic string) error {
	_, err := a.Deliver(ctx, cmdUnsubscribe, protocol.Payload{
		KeyChannel:  topic,
		KeySenderID: a.senderID,
	})
	return err
}

// UnsubscribeAll unsubscribes from every topic.
func (a *Adapter) UnsubscribeAll(ctx context.Context) {
	for _, topic := range a.Topics() {
		if err := a.Unsubscribe(ctx, topic); err != nil {
			log.Warn().Err(err).Str("component", "mq").Str("topic", topic).Msg("unsubscribe failed")
		}
	}
}

// Deliver publishes a command with the payload's channel field as routing
// key. While disconnected the envelope is buffered; publish failures requeue
// it and surface a notice on the session's chat output.
func (a *Adapter) Deliver(ctx context.Context, cmd string, p protocol.Payload) (any, error) {
	if p == nil {
		p = protocol.Payload{}
	}
	topic := p.String(KeyChannel)
	if topic == "" {
		return nil, errors.Errorf("mq delivery of %q requires a channel", cmd)
	}

	a.mu.Lock()
	connected := a.connected
	pub := a.pub
	a.mu.Unlock()

	if !connected {
		log.Debug().Str("component", "mq").Str("cmd", cmd).Str("topic", topic).Msg("not connected, buffering send")
		a.pendingSend.Push(cmd, p)
		return nil, nil
	}

	env := p.Clone()
	delete(env, KeyChannel)
	env["cmd"] = cmd
	body, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "encode broker envelope for %q", cmd)
	}

	if err := pub.Publish(topic, message.NewMessage(watermill.NewUUID(), body)); err != nil {
		log.Error().Err(err).Str("component", "mq").Str("topic", topic).Msg("publish failed, requeueing")
		a.pendingSend.Push(cmd, p)
		a.notify(ctx, fmt.Sprintf("Message broker send failed: %v", err))
	}
	return nil, nil
}

// Stop unsubscribes everything, closes the connection unless it is shared,
// and stops the node.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.Closed() {
		return a.Node.Stop(ctx)
	}

	a.UnsubscribeAll(ctx)

	a.mu.Lock()
	pub, sub := a.pub, a.sub
	wasConnected := a.connected
	a.connected = false
	a.pub, a.sub = nil, nil
	a.mu.Unlock()

	if wasConnected && !a.shared {
		if sub != nil {
			_ = sub.Close()
		}
		if pub != nil {
			_ = pub.Close()
		}
	}

	return a.Node.Stop(ctx)
}

// notify surfaces a transport fault on the session's user-facing channel, if
// one exists.
func (a *Adapter) notify(ctx context.Context, content string) {
	if _, err := a.Send(ctx, "ws", "append_chat", protocol.Payload{"author": "info", "content": content}); err != nil {
		log.Debug().Err(err).Str("component", "mq").Msg("no user-facing channel for broker notice")
	}
}
