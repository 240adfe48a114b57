package eventbus

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/nats-io/nats.go"
)

// FrameHandler receives decoded frames for one entity
type FrameHandler func(entityID string, frame models.Frame)

// Subscriber takes model output frames from {root}.{entity_id}
type Subscriber struct {
	nc           *nats.Conn
	root         string
	handler      FrameHandler
	subscription *nats.Subscription
}

func NewSubscriber(conn *Conn, root string, handler FrameHandler) *Subscriber {
	return &Subscriber{nc: conn.nc, root: root, handler: handler}
}

// Start begins listening for frames
func (s *Subscriber) Start() error {
	subject := s.root + ".*"

	sub, err := s.nc.Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.subscription = sub

	log.Printf("[EventBus] Subscribed to '%s'", subject)
	return nil
}

func (s *Subscriber) handleFrame(msg *nats.Msg) {
	entityID, frame, err := DecodeFrame(s.root, msg.Subject, msg.Data)
	if err != nil {
		log.Printf("[EventBus] Discarding frame on %s: %v", msg.Subject, err)
		return
	}
	s.handler(entityID, frame)
}

// DecodeFrame parses a frame message. The entity is taken from the subject;
// a missing frame timestamp is set to the receive time.
func DecodeFrame(root, subject string, data []byte) (string, models.Frame, error) {
	entityID, ok := strings.CutPrefix(subject, root+".")
	if !ok || entityID == "" || strings.Contains(entityID, ".") {
		return "", models.Frame{}, fmt.Errorf("unexpected subject %q", subject)
	}

	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", models.Frame{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}

	if frame.EntityID != "" && frame.EntityID != entityID {
		return "", models.Frame{}, fmt.Errorf("frame for %s published on %s", frame.EntityID, subject)
	}
	frame.EntityID = entityID

	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	return entityID, frame, nil
}

func (s *Subscriber) Close() {
	if s.subscription != nil {
		if err := s.subscription.Unsubscribe(); err != nil {
			log.Printf("[EventBus] Unsubscribe failed: %v", err)
		}
	}
}
