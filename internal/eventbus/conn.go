package eventbus

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn is the process-wide NATS connection and its JetStream context
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials NATS. The initial connect is not retried so a bad URL fails
// startup; once connected, reconnects are automatic. onStatus may be nil.
func Connect(natsURL, name string, onStatus func(connected bool)) (*Conn, error) {
	if onStatus == nil {
		onStatus = func(bool) {}
	}

	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[EventBus] Disconnected from NATS: %v", err)
			onStatus(false)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[EventBus] Reconnected to NATS at %s", c.ConnectedUrl())
			onStatus(true)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Printf("[EventBus] Connected to NATS at %s", natsURL)
	onStatus(true)

	return &Conn{nc: nc, js: js}, nil
}

// JetStream returns the JetStream context
func (c *Conn) JetStream() jetstream.JetStream {
	return c.js
}

// IsConnected returns true if connected to NATS
func (c *Conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains pending messages and closes the connection
func (c *Conn) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		log.Printf("[EventBus] Drain failed, closing: %v", err)
		c.nc.Close()
	}
	log.Println("[EventBus] Disconnected from NATS")
}
