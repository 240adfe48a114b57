package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/config"
	"github.com/constellation-overwatch/overwatch-isr/internal/engine"
	"github.com/constellation-overwatch/overwatch-isr/internal/eventbus"
	"github.com/constellation-overwatch/overwatch-isr/internal/health"
	"github.com/constellation-overwatch/overwatch-isr/internal/metrics"
	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/constellation-overwatch/overwatch-isr/internal/publisher"
	"github.com/constellation-overwatch/overwatch-isr/internal/statestore"
	"github.com/constellation-overwatch/overwatch-isr/internal/system"
	"github.com/constellation-overwatch/overwatch-isr/internal/threat"
	"github.com/constellation-overwatch/overwatch-isr/internal/tracking"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const serviceName = "overwatch-isr"

// Orchestrator manages the tracking service lifecycle.
//
// Lifecycle:
//  1. Start() - connects NATS (required), opens the state store, builds one
//     session per configured entity and starts the health server
//  2. Run() - runs every session and feeds them frames from the bus
//  3. Stop() - closes the subscription, health server, store and connection
//
// The orchestrator degrades rather than fails when the configured state store
// is unavailable: it falls back to the in-process store and logs a warning.
type Orchestrator struct {
	config *config.Config

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	conn       *eventbus.Conn
	bus        *eventbus.Publisher
	subscriber *eventbus.Subscriber
	store      statestore.Store
	publisher  *publisher.StatePublisher

	classifier  *threat.Classifier
	fingerprint models.DeviceFingerprint
	sessions    map[string]*engine.Session

	health *health.Server
}

// NewOrchestrator creates a new Orchestrator instance with the provided configuration.
// The orchestrator is not started until Start() is called.
func NewOrchestrator(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		config:   cfg,
		sessions: make(map[string]*engine.Session),
	}
}

// Start initializes all service connections. It must be called before Run().
func (o *Orchestrator) Start(ctx context.Context) error {
	log.Printf("Starting tracking orchestrator (mode %s, %d entities)...", o.config.DetectionMode, len(o.config.EntityIDs))

	if err := o.initializeMetrics(); err != nil {
		return err
	}

	conn, err := eventbus.Connect(o.config.NatsURL, serviceName, o.metrics.SetBusConnected)
	if err != nil {
		return err
	}
	o.conn = conn
	o.bus = eventbus.NewPublisher(ctx, conn, o.config.StreamName)

	o.store = newStateStore(ctx, o.config, conn.JetStream())

	o.fingerprint = system.Fingerprint(ctx, o.config.OrganizationID, o.config.Version, o.config.Profile)
	log.Printf("Device %s (%s, %s)", o.fingerprint.DeviceID, o.fingerprint.Hostname, o.fingerprint.MACAddress)

	o.publisher = publisher.New(o.bus, o.store, o.metrics, publisher.Config{
		OrganizationID:  o.config.OrganizationID,
		DeviceID:        o.fingerprint.DeviceID,
		SubjectRoot:     o.config.SubjectRoot,
		PublishTimeout:  o.config.PublishTimeout,
		PublishAttempts: o.config.PublishAttempts,
		MergeAttempts:   o.config.MergeAttempts,
	})

	o.classifier = threat.NewClassifier(o.config.CustomThreats...)
	o.initializeSessions()

	o.subscriber = eventbus.NewSubscriber(conn, o.config.FrameSubjectRoot, o.dispatch)

	o.health = health.NewServer(o.config.HealthPort, serviceName, o.registry, o.status)
	if err := o.health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	log.Printf("Tracking orchestrator started successfully")
	return nil
}

func (o *Orchestrator) initializeMetrics() error {
	o.registry = prometheus.NewRegistry()
	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m, err := metrics.New(o.registry)
	if err != nil {
		return err
	}
	o.metrics = m
	return nil
}

func (o *Orchestrator) initializeSessions() {
	tcfg := trackingConfig(o.config)

	for _, entityID := range o.config.EntityIDs {
		fp := o.fingerprint
		o.sessions[entityID] = engine.NewSession(engine.SessionConfig{
			EntityID:    entityID,
			Tracking:    tcfg,
			FrameBuffer: o.config.FrameBuffer,
			Fingerprint: &fp,
		}, o.classifier, o.publisher, o.metrics)

		log.Printf("  - Session %s: min_frames=%d expiry=%v movement=%.2f confidence=%.2f",
			entityID, tcfg.MinFrames, tcfg.Expiry, tcfg.Thresholds.MovementThreshold, tcfg.Thresholds.ConfidenceThreshold)
	}
}

// trackingConfig applies the configured thresholds to the model profile
func trackingConfig(cfg *config.Config) tracking.Config {
	tcfg := tracking.ConfigFromProfile(cfg.Profile, cfg.TrackExpiry)
	tcfg.Thresholds.MovementThreshold = cfg.Thresholds.Movement
	tcfg.Thresholds.ConfidenceThreshold = cfg.Thresholds.Confidence
	return tcfg
}

// newStateStore opens the configured backend, falling back to memory
func newStateStore(ctx context.Context, cfg *config.Config, js jetstream.JetStream) statestore.Store {
	switch cfg.KV.Backend {
	case config.BackendNATS:
		if js == nil {
			log.Printf("Warning: JetStream unavailable, using in-memory state store")
			return statestore.NewMemoryStore()
		}
		store, err := statestore.NewNATSKVStore(ctx, js, statestore.KVConfig{
			Bucket: cfg.KV.Bucket,
			TTL:    cfg.KV.TTL,
		})
		if err != nil {
			log.Printf("Warning: JetStream KV unavailable, using in-memory state store: %v", err)
			return statestore.NewMemoryStore()
		}
		return store

	case config.BackendRedis:
		store, err := statestore.NewRedisStore(ctx, statestore.RedisConfig{
			Address:  cfg.KV.RedisAddress,
			Password: cfg.KV.RedisPassword,
			DB:       cfg.KV.RedisDB,
			Prefix:   cfg.KV.Bucket,
			TTL:      cfg.KV.TTL,
		})
		if err != nil {
			log.Printf("Warning: Redis unavailable, using in-memory state store: %v", err)
			return statestore.NewMemoryStore()
		}
		return store

	default:
		return statestore.NewMemoryStore()
	}
}

// Run runs all sessions until ctx is cancelled. Each session publishes its
// shutdown event before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range o.sessions {
		s := s
		g.Go(func() error {
			return s.Run(gctx)
		})
	}

	if err := o.subscriber.Start(); err != nil {
		// cancels the sessions
		g.Go(func() error { return err })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatch routes a frame to its entity session
func (o *Orchestrator) dispatch(entityID string, frame models.Frame) {
	s, ok := o.sessions[entityID]
	if !ok {
		log.Printf("Warning: frame for unconfigured entity %s ignored", entityID)
		return
	}
	s.Submit(frame)
}

func (o *Orchestrator) status() health.Status {
	st := health.Status{
		BusConnected: o.conn != nil && o.conn.IsConnected(),
	}
	if o.store != nil {
		st.StateStore = o.store.Name()
	}

	for _, entityID := range o.config.EntityIDs {
		s, ok := o.sessions[entityID]
		if !ok {
			continue
		}
		stats := s.Stats()
		st.Sessions = append(st.Sessions, health.SessionStatus{
			EntityID:        stats.EntityID,
			ActiveTracks:    stats.ActiveTracks,
			FramesProcessed: stats.FramesProcessed,
			FramesDropped:   stats.FramesDropped,
		})
	}
	return st
}

// Stop gracefully closes all connections and resources
func (o *Orchestrator) Stop() error {
	log.Printf("Stopping tracking orchestrator...")

	if o.subscriber != nil {
		o.subscriber.Close()
	}

	var errs []error

	if o.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.health.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
		cancel()
	}

	if o.store != nil {
		if err := o.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state store: %w", err))
		}
	}

	if o.conn != nil {
		o.conn.Close()
	}

	log.Printf("Tracking orchestrator stopped")
	return errors.Join(errs...)
}
