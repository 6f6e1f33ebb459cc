package sinks

import (
	"context"

	"github.com/nats-io/nats.go"
)

const orderingKeyHeader = "Ordering-Key"

// NATSPublisher publishes records as NATS messages. Topic names map directly
// to subjects; attributes and the ordering key travel as headers.
type NATSPublisher struct {
	conn *nats.Conn
}

// ConnectNATS dials the NATS server and wraps the connection as a Publisher.
func ConnectNATS(url string, opts ...nats.Option) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn}, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, topic, orderingKey string, payload []byte, attrs map[string]string) error {
	msg := nats.NewMsg(topic)
	msg.Data = payload
	msg.Header.Set(orderingKeyHeader, orderingKey)
	for key, value := range attrs {
		msg.Header.Set(key, value)
	}
	return p.conn.PublishMsg(msg)
}

// Close flushes pending publishes and drops the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Flush(); err != nil {
		p.conn.Close()
		return err
	}
	p.conn.Close()
	return nil
}
