package command

import (
	"context"
	"fmt"

	"github.com/go-go-golems/switchboard/pkg/protocol"
)

// ProtocolID is the protocol identifier commands dispatch under.
const ProtocolID = "cmd"

// Adapter scans inbound chat messages for inline [cmd:...] blocks, parses
// them, and dispatches each call as a command on the "cmd" protocol. Results
// and parse failures alike are echoed back into the chat as info messages;
// a malformed command never propagates as a handler error.
type Adapter struct {
	*protocol.Node
}

func New() *Adapter {
	a := &Adapter{Node: protocol.NewNode(ProtocolID)}
	// Runs ahead of the chat relay so commands are intercepted before the
	// message would be forwarded anywhere else.
	a.Register("ws", "chat_input", a.onChatInput, protocol.WithPriority(1))
	return a
}

func (a *Adapter) onChatInput(ctx context.Context, p protocol.Payload) (any, error) {
	content := p.String("content")
	for _, call := range ExtractCalls(content) {
		result, err := a.Send(ctx, ProtocolID, call, nil)
		var text string
		switch {
		case err != nil:
			text = fmt.Sprintf("error: %v", err)
		case result == nil:
			text = fmt.Sprintf("error: %s command not found", call)
		default:
			text = fmt.Sprint(result)
		}
		if _, err := a.Send(ctx, "ws", "append_chat", protocol.Payload{
			"author":  "info",
			"content": text,
		}); err != nil {
			a.Logger().Warn().Err(err).Str("call", call).Msg("could not echo command result")
		}
	}
	return nil, nil
}

// Deliver treats the command verb as a call expression. A bare name
// dispatches as-is with the incoming payload; a parenthesized call dispatches
// under the parsed name with the parsed arguments merged over the payload.
// Parse failures come back as a textual error result.
func (a *Adapter) Deliver(ctx context.Context, cmd string, p protocol.Payload) (any, error) {
	call, err := ParseCall(cmd)
	if err != nil {
		a.Logger().Warn().Err(err).Msg("rejected inline command")
		return fmt.Sprintf("error: %v", err), nil
	}
	if call.Bare() {
		return a.Node.Deliver(ctx, call.Name, p)
	}
	merged := p.Clone()
	merged.Merge(call.Args)
	return a.Dispatch(ctx, ProtocolID, call.Name, merged)
}
