package chat

import (
	"context"

	"github.com/go-go-golems/switchboard/pkg/httpd"
	"github.com/go-go-golems/switchboard/pkg/protocol"
	"github.com/go-go-golems/switchboard/pkg/transports/broker"
	"github.com/go-go-golems/switchboard/pkg/transports/command"
	"github.com/go-go-golems/switchboard/pkg/transports/ws"
)

// Wiring bundles what every session tree needs beyond its own state.
type Wiring struct {
	// Connect builds the session's broker link.
	Connect broker.Connector
	// SharedBackend marks the broker backend as process-shared, so session
	// teardown leaves it running.
	SharedBackend bool
	// Config backs the dispatcher's Get/Set surface. Optional.
	Config protocol.Config
	// Orphans tracks stopped nodes. Optional.
	Orphans *protocol.OrphanTracker
	// Metrics instruments dispatches. Optional.
	Metrics *protocol.Metrics
}

// SessionFactory returns the factory the HTTP session manager uses to spawn
// one dispatcher tree per browser session: websocket, broker, and inline
// command transports plus the chat node.
func SessionFactory(w Wiring) httpd.SessionFactory {
	return func(_ context.Context, sessionID string, close func()) (*httpd.Session, error) {
		opts := []protocol.DispatcherOption{protocol.WithSessionID(sessionID)}
		if w.Config != nil {
			opts = append(opts, protocol.WithConfig(w.Config))
		}
		if w.Orphans != nil {
			opts = append(opts, protocol.WithOrphanTracker(w.Orphans))
		}
		if w.Metrics != nil {
			opts = append(opts, protocol.WithMetrics(w.Metrics))
		}
		d := protocol.NewDispatcher(opts...)

		sock := ws.New()
		var brokerOpts []broker.Option
		if w.SharedBackend {
			brokerOpts = append(brokerOpts, broker.WithSharedBackend())
		}
		mq := broker.New(w.Connect, brokerOpts...)

		d.AddChild(sock)
		d.AddChild(mq)
		d.AddChild(command.New())
		d.AddChild(NewNode(mq, close))

		return &httpd.Session{ID: sessionID, Dispatcher: d, WS: sock}, nil
	}
}
