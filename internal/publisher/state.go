package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/constellation-overwatch/overwatch-isr/internal/statestore"
)

// mergeState applies one cycle to the entity record with compare-and-set.
// When every attempt loses the race the latest read is merged and written
// unconditionally.
func (p *StatePublisher) mergeState(ctx context.Context, entityID string, upserts []models.DetectionEvent,
	removals []string, summary *models.ThreatSummary, analytics models.Analytics) error {

	for attempt := 1; attempt <= p.cfg.MergeAttempts; attempt++ {
		current, exists, err := p.readState(ctx, entityID)
		if err != nil {
			return err
		}

		record, err := mergeRecord(current.Value, entityID, p.cfg.DeviceID, p.now(), upserts, removals, summary, analytics)
		if err != nil {
			return err
		}

		err = p.withRetry(ctx, entityID, "kv write", func(ctx context.Context) error {
			var werr error
			if exists {
				_, werr = p.store.Update(ctx, entityID, record, current.Revision)
			} else {
				_, werr = p.store.Create(ctx, entityID, record)
			}
			return werr
		})
		if err == nil {
			p.metrics.IncKVMerges(entityID)
			return nil
		}
		if !errors.Is(err, statestore.ErrConflict) {
			return err
		}

		log.Printf("[Publisher] Revision conflict on %s (attempt %d/%d)", entityID, attempt, p.cfg.MergeAttempts)
	}

	p.metrics.IncKVConflicts(entityID)
	log.Printf("[Publisher] WARNING: %s still conflicting after %d attempts, writing unconditionally", entityID, p.cfg.MergeAttempts)

	current, _, err := p.readState(ctx, entityID)
	if err != nil {
		return err
	}

	record, err := mergeRecord(current.Value, entityID, p.cfg.DeviceID, p.now(), upserts, removals, summary, analytics)
	if err != nil {
		return err
	}

	err = p.withRetry(ctx, entityID, "kv put", func(ctx context.Context) error {
		_, perr := p.store.Put(ctx, entityID, record)
		return perr
	})
	if err != nil {
		return err
	}

	p.metrics.IncKVMerges(entityID)
	return nil
}

func (p *StatePublisher) readState(ctx context.Context, entityID string) (statestore.Entry, bool, error) {
	var entry statestore.Entry
	err := p.withRetry(ctx, entityID, "kv read", func(ctx context.Context) error {
		var gerr error
		entry, gerr = p.store.Get(ctx, entityID)
		return gerr
	})

	switch {
	case err == nil:
		return entry, true, nil
	case errors.Is(err, statestore.ErrNotFound):
		return statestore.Entry{}, false, nil
	default:
		return statestore.Entry{}, false, err
	}
}

// mergeRecord applies upserts, removals, the threat summary and analytics to
// the stored record. Top-level fields this service does not own are kept.
func mergeRecord(current []byte, entityID, deviceID string, at time.Time, upserts []models.DetectionEvent,
	removals []string, summary *models.ThreatSummary, analytics models.Analytics) ([]byte, error) {

	doc := make(map[string]json.RawMessage)
	if len(current) > 0 {
		if err := json.Unmarshal(current, &doc); err != nil {
			log.Printf("[Publisher] Replacing unreadable state record for %s: %v", entityID, err)
			doc = make(map[string]json.RawMessage)
		}
	}

	detections := make(map[string]json.RawMessage)
	if raw, ok := doc["detections"]; ok {
		if err := json.Unmarshal(raw, &detections); err != nil || detections == nil {
			detections = make(map[string]json.RawMessage)
		}
	}

	for _, ev := range upserts {
		b, err := json.Marshal(ev.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("failed to encode snapshot for %s: %w", ev.TrackID, err)
		}
		detections[ev.TrackID] = b
	}
	for _, id := range removals {
		delete(detections, id)
	}

	fields := map[string]any{
		"timestamp":  models.FormatTimestamp(at),
		"entity_id":  entityID,
		"device_id":  deviceID,
		"detections": detections,
		"analytics":  analytics,
	}
	if summary != nil {
		fields["threat"] = summary
	}

	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", k, err)
		}
		doc[k] = b
	}

	return json.Marshal(doc)
}

func encodeEvent(event models.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", event.EventType, err)
	}
	return payload, nil
}
