// Package eventbus carries events and frames over NATS
package eventbus

import (
	"context"
	"log"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes events to NATS, through JetStream when a stream
// captures the subjects and as core NATS otherwise
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewPublisher checks for the event stream. The stream is provisioned by the
// platform; a missing stream downgrades to core NATS publishing.
func NewPublisher(ctx context.Context, conn *Conn, streamName string) *Publisher {
	p := &Publisher{nc: conn.nc}

	if _, err := conn.js.Stream(ctx, streamName); err != nil {
		log.Printf("[EventBus] Stream %s unavailable (%v), publishing without JetStream acks", streamName, err)
		return p
	}

	p.js = conn.js
	log.Printf("[EventBus] Publishing to JetStream stream %s", streamName)
	return p
}

// Publish sends payload with headers on subject
func (p *Publisher) Publish(ctx context.Context, subject string, headers map[string]string, payload []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if p.js != nil {
		_, err := p.js.PublishMsg(ctx, msg)
		return err
	}
	return p.nc.PublishMsg(msg)
}

// UsesJetStream reports whether publishes are acknowledged by a stream
func (p *Publisher) UsesJetStream() bool {
	return p.js != nil
}
