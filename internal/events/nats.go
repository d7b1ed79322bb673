package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event on "<prefix>.<entity>.<action>".
type NATSSink struct {
	conn   natsPublisher
	nc     *nats.Conn
	prefix string
}

// DialNATS connects to url and returns a sink publishing under prefix.
func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("escrowd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: nc, nc: nc, prefix: prefix}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(e Event) string {
	return s.prefix + "." + e.Entity + "." + e.Action
}

func (s *NATSSink) Publish(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(e), payload)
}

// Healthy reports whether the connection is up.
func (s *NATSSink) Healthy() bool {
	return s.nc == nil || s.nc.IsConnected()
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
