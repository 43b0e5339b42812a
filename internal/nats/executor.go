package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/graphmesh/event-worker/internal/core"
)

// ExecClient calls the external job-execution capability over NATS
// request/reply.
type ExecClient struct {
	nc      *nats.Conn
	subject string
}

// NewExecClient builds an executor client on an existing connection.
func NewExecClient(nc *nats.Conn, subject string) *ExecClient {
	return &ExecClient{nc: nc, subject: subject}
}

// execRequest is the wire request sent to the execution service.
type execRequest struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// execReply mirrors the execution service's response shape.
type execReply struct {
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Execute sends the event to the execution service and decodes its
// reply. Transport failures are reported as network errors so the caller
// retries them.
func (c *ExecClient) Execute(ctx context.Context, event *core.Event) (*core.ExecResult, error) {
	req := execRequest{EventID: event.ID, Type: event.Type, Payload: event.Payload}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, core.NewInvalidEventError(event.ID, fmt.Sprintf("encoding request: %v", err))
	}

	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewWorkerError(core.CodeNetworkError,
			fmt.Sprintf("exec request for event %s: %v", event.ID, err))
	}

	var reply execReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, core.NewWorkerError(core.CodeProcessingError,
			fmt.Sprintf("decoding exec reply for event %s: %v", event.ID, err))
	}

	return &core.ExecResult{
		Result:       reply.Result,
		Error:        reply.Error,
		ErrorMessage: reply.ErrorMessage,
	}, nil
}
