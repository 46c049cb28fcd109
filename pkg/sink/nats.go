package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/orchestrator/pkg/agent"
)

// Headers set on published results.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderResultID  = "X-Result-ID"
	HeaderSuccess   = "X-Success"
)

// NATSSink publishes each result as JSON on a subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

func NewNATSSink(conn *nats.Conn, subject string) (*NATSSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats sink requires a connection")
	}
	if subject == "" {
		return nil, fmt.Errorf("nats sink requires a subject")
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Save publishes r and waits for the server to acknowledge the flush.
func (s *NATSSink) Save(ctx context.Context, r agent.OrchestrationResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = data
	msg.Header.Set(HeaderRequestID, r.RequestID)
	msg.Header.Set(HeaderResultID, r.ID)
	msg.Header.Set(HeaderSuccess, fmt.Sprintf("%t", r.Success))
	if err := s.conn.PublishMsg(msg); err != nil {
		return err
	}
	return s.conn.FlushWithContext(ctx)
}
