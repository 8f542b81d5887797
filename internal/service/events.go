package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/assess-pipeline/internal/models"
	"github.com/noah-isme/assess-pipeline/internal/observability"
)

const eventBufferSize = 16

// Lifecycle event types.
const (
	EventSubmissionCreated    = "created"
	EventAnalysisStarted      = "analysis_started"
	EventAnalysisCompleted    = "analyzed"
	EventAnalysisFailed       = "failed"
	EventSubmissionRetried    = "retried"
	EventSubmissionOverridden = "overridden"
)

// SubmissionEvent describes one committed lifecycle transition.
type SubmissionEvent struct {
	Type         string                 `json:"type"`
	SubmissionID string                 `json:"submission_id"`
	AssignmentID string                 `json:"assignment_id"`
	StudentID    string                 `json:"student_id"`
	State        models.SubmissionState `json:"state"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// EventPublisher announces lifecycle transitions.
type EventPublisher interface {
	Publish(ctx context.Context, event SubmissionEvent)
}

// EventBus fans lifecycle events out to local subscribers and, when configured, to Redis and NATS.
// Remote events are consumed from a single transport: Redis when configured, otherwise NATS.
type EventBus interface {
	EventPublisher
	Subscribe(submissionID string) (<-chan SubmissionEvent, func())
	SubscribeAll() (<-chan SubmissionEvent, func())
	Start(ctx context.Context)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, SubmissionEvent) {}

type eventEnvelope struct {
	Source string          `json:"source"`
	Event  SubmissionEvent `json:"event"`
}

type eventBus struct {
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	logger      zerolog.Logger
	broker      *eventBroker
	nodeID      string
}

type eventBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan SubmissionEvent]struct{}
}

const allSubmissions = "*"

// NewEventBus constructs an event bus. redisClient and natsConn are optional.
func NewEventBus(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) EventBus {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":submissions"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".submissions"
	}

	return &eventBus{
		redis:       redisClient,
		redisStream: stream,
		nats:        natsConn,
		natsSubject: subject,
		logger:      logger.With().Str("component", "event_bus").Logger(),
		broker: &eventBroker{
			subscribers: make(map[string]map[chan SubmissionEvent]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

// NATSSubject returns the subject events of the given type are published on.
func (b *eventBus) NATSSubject(eventType string) string {
	if b.natsSubject == "" {
		return ""
	}
	return b.natsSubject + "." + eventType
}

// Event transports.
const (
	transportRedis = "redis"
	transportNATS  = "nats"
)

// fanInTransport names the transport remote events are consumed from. Events are published on
// every configured transport, so consuming more than one would deliver each remote event twice.
func (b *eventBus) fanInTransport() string {
	switch {
	case b.redis != nil && b.redisStream != "":
		return transportRedis
	case b.nats != nil && b.natsSubject != "":
		return transportNATS
	default:
		return ""
	}
}

func (b *eventBus) Start(ctx context.Context) {
	switch b.fanInTransport() {
	case transportRedis:
		go b.consumeRedis(ctx)
	case transportNATS:
		b.consumeNATS(ctx)
	}
}

func (b *eventBus) Publish(ctx context.Context, event SubmissionEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.broker.broadcast(event)
	if err := b.forward(ctx, event); err != nil {
		b.logger.Warn().Err(err).Str("submission_id", event.SubmissionID).Msg("failed to forward submission event")
	}
	observability.EventsPublished().WithLabelValues(event.Type).Inc()
}

func (b *eventBus) Subscribe(submissionID string) (<-chan SubmissionEvent, func()) {
	return b.subscribe(submissionID)
}

func (b *eventBus) SubscribeAll() (<-chan SubmissionEvent, func()) {
	return b.subscribe(allSubmissions)
}

func (b *eventBus) subscribe(key string) (<-chan SubmissionEvent, func()) {
	channel := make(chan SubmissionEvent, eventBufferSize)
	b.broker.subscribe(key, channel)
	observability.StreamClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.broker.unsubscribe(key, channel)
			observability.StreamClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (b *eventBus) forward(ctx context.Context, event SubmissionEvent) error {
	payload, err := json.Marshal(eventEnvelope{Source: b.nodeID, Event: event})
	if err != nil {
		return err
	}

	if b.redis != nil && b.redisStream != "" {
		if err := b.redis.Publish(ctx, b.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.NATSSubject(event.Type), payload); err != nil {
			return err
		}
	}

	return nil
}

func (b *eventBus) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			b.logger.Error().Err(err).Msg("submission event redis subscription closed")
			return
		}
		b.handleRemote([]byte(msg.Payload))
	}
}

func (b *eventBus) consumeNATS(ctx context.Context) {
	sub, err := b.nats.Subscribe(b.natsSubject+".>", func(msg *nats.Msg) {
		b.handleRemote(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats submission subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain submission nats subscription")
		}
	}()
}

// handleRemote delivers events from other nodes to local subscribers. Own events were already delivered.
func (b *eventBus) handleRemote(payload []byte) {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		b.logger.Warn().Err(err).Msg("invalid submission event payload")
		return
	}

	if envelope.Source == b.nodeID {
		return
	}

	b.broker.broadcast(envelope.Event)
}

func (br *eventBroker) subscribe(key string, ch chan SubmissionEvent) {
	br.mu.Lock()
	defer br.mu.Unlock()

	if _, exists := br.subscribers[key]; !exists {
		br.subscribers[key] = make(map[chan SubmissionEvent]struct{})
	}
	br.subscribers[key][ch] = struct{}{}
}

func (br *eventBroker) unsubscribe(key string, ch chan SubmissionEvent) {
	br.mu.Lock()
	defer br.mu.Unlock()

	if subscribers, ok := br.subscribers[key]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(br.subscribers, key)
		}
	}
}

func (br *eventBroker) broadcast(event SubmissionEvent) {
	br.mu.RLock()
	defer br.mu.RUnlock()

	for _, key := range []string{event.SubmissionID, allSubmissions} {
		for ch := range br.subscribers[key] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}
