package events

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn used by NATSEmitter.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSEmitter publishes events to a NATS subject so that other fuzzing
// processes and dashboards can follow a campaign. Publish errors are counted
// and otherwise dropped.
type NATSEmitter struct {
	pub      Publisher
	conn     *nats.Conn
	subject  string
	campaign string
	dropped  atomic.Uint64
}

// DialNATS connects to url and returns an emitter publishing on subject.
func DialNATS(url, subject, campaign string) (*NATSEmitter, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	conn, err := nats.Connect(url,
		nats.Name("sessfuzz"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	e := NewNATSEmitter(conn, subject, campaign)
	e.conn = conn
	return e, nil
}

// NewNATSEmitter creates an emitter publishing through pub.
func NewNATSEmitter(pub Publisher, subject, campaign string) *NATSEmitter {
	return &NATSEmitter{pub: pub, subject: subject, campaign: campaign}
}

// Subject returns the subject events are published on.
func (n *NATSEmitter) Subject() string {
	return n.subject
}

// Dropped returns the number of events that could not be published.
func (n *NATSEmitter) Dropped() uint64 {
	return n.dropped.Load()
}

// Emit publishes the event envelope as JSON.
func (n *NATSEmitter) Emit(eventType EventType, data interface{}) {
	payload, err := json.Marshal(newEnvelope(n.campaign, eventType, data))
	if err != nil {
		n.dropped.Add(1)
		return
	}
	if err := n.pub.Publish(n.subject, payload); err != nil {
		n.dropped.Add(1)
	}
}

// Close flushes pending messages and closes the connection if the emitter
// owns one.
func (n *NATSEmitter) Close() error {
	if n.conn == nil {
		return nil
	}
	defer n.conn.Close()
	if err := n.conn.FlushTimeout(2 * time.Second); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

var _ Publisher = (*nats.Conn)(nil)
