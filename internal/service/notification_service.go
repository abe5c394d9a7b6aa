package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/observability"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

// Workflow event types.
const (
	EventSubmissionCreated         = "submission.created"
	EventSubmissionSubmitted       = "submission.submitted"
	EventSubmissionInReview        = "submission.in_review"
	EventSubmissionApproved        = "submission.approved"
	EventSubmissionRejected        = "submission.rejected"
	EventSubmissionReworkRequested = "submission.rework_requested"
	EventSubmissionResubmitted     = "submission.resubmitted"
	EventSubmissionReassigned      = "submission.reassigned"
	EventSubmissionOverridden      = "submission.overridden"
	EventSubmissionSLABreached     = "submission.sla_breached"
	EventQueueBacklogAlert         = "queue.backlog_alert"
)

// Event priorities surfaced to the UI.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

const streamBufferSize = 32

// Event is one workflow notification before persistence.
type Event struct {
	ID           string
	Type         string
	SubmissionID *uint
	StudentID    *uint
	ReviewerID   *uint
	Department   string
	Status       string
	Priority     string
	Message      string
	Payload      map[string]interface{}
	OccurredAt   time.Time
}

// EventPublisher accepts events without blocking the caller.
type EventPublisher interface {
	Emit(event Event)
}

// SubscribeOptions narrows a live stream.
type SubscribeOptions struct {
	Department string
	Transport  string
}

// DispatcherConfig tunes the asynchronous delivery pipeline.
type DispatcherConfig struct {
	Channel        string
	Buffer         int
	Workers        int
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// NotificationService dispatches workflow events to pollers, live streams and peer nodes.
type NotificationService interface {
	EventPublisher
	Start(ctx context.Context)
	Stop()
	List(ctx context.Context, actor Actor, query dto.NotificationListQuery) (dto.NotificationListResponse, error)
	Subscribe(actor Actor, opts SubscribeOptions) (<-chan dto.NotificationEventResponse, func())
}

type notificationService struct {
	repo         repository.NotificationRepository
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	validator    *validator.Validate
	cfg          DispatcherConfig
	queue        chan Event
	broker       *notificationBroker
	nodeID       string
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

type remoteEnvelope struct {
	Source string                        `json:"source"`
	Event  dto.NotificationEventResponse `json:"event"`
	SentAt time.Time                     `json:"sent_at"`
}

type notificationBroker struct {
	mu          sync.RWMutex
	subscribers map[chan dto.NotificationEventResponse]repository.NotificationAudience
}

// NewNotificationService constructs the dispatcher. redisClient and natsConn are optional.
func NewNotificationService(repo repository.NotificationRepository, redisClient *redis.Client, natsConn *nats.Conn, validate *validator.Validate, cfg DispatcherConfig, logger zerolog.Logger) NotificationService {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}

	channel, subject := "", ""
	if cfg.Channel != "" {
		channel = cfg.Channel + ":notifications"
		subject = strings.ReplaceAll(cfg.Channel, ":", ".") + ".notifications"
	}

	return &notificationService{
		repo:         repo,
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		validator:    validate,
		cfg:          cfg,
		queue:        make(chan Event, cfg.Buffer),
		broker: &notificationBroker{
			subscribers: make(map[chan dto.NotificationEventResponse]repository.NotificationAudience),
		},
		nodeID: uuid.NewString(),
		logger: logger.With().Str("component", "notification_service").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/sar-go-api/internal/service/notification"),
		now:    time.Now,
	}
}

func (s *notificationService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)

		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.work(ctx)
		}

		if s.redis != nil && s.redisChannel != "" {
			s.wg.Add(1)
			go s.consumeRedis(ctx)
		}
		if s.nats != nil && s.natsSubject != "" {
			s.consumeNATS(ctx)
		}
	})
}

func (s *notificationService) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *notificationService) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if event.Priority == "" {
		event.Priority = PriorityLow
	}

	select {
	case s.queue <- event:
		observability.Notifications().WithLabelValues(event.Type, "queued").Inc()
	default:
		observability.Notifications().WithLabelValues(event.Type, "dropped").Inc()
		s.logger.Warn().Str("event_id", event.ID).Str("type", event.Type).Msg("notification queue full, dropping event")
	}
}

func (s *notificationService) List(ctx context.Context, actor Actor, query dto.NotificationListQuery) (dto.NotificationListResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.NotificationListResponse{}, validationError(err)
	}

	filter := repository.NotificationFilter{
		Audience: audienceFor(actor, query.Department),
		After:    query.After,
		Limit:    query.Limit,
	}
	for _, item := range strings.Split(query.Types, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			filter.Types = append(filter.Types, trimmed)
		}
	}

	events, err := s.repo.List(ctx, filter)
	if err != nil {
		return dto.NotificationListResponse{}, storageFailure("list notifications", err)
	}

	response := dto.NotificationListResponse{
		Items:      make([]dto.NotificationEventResponse, 0, len(events)),
		NextCursor: query.After,
	}
	for _, event := range events {
		response.Items = append(response.Items, dto.NewNotificationEventResponse(event))
		response.NextCursor = event.Sequence
	}
	return response, nil
}

func (s *notificationService) Subscribe(actor Actor, opts SubscribeOptions) (<-chan dto.NotificationEventResponse, func()) {
	channel := make(chan dto.NotificationEventResponse, streamBufferSize)
	transport := opts.Transport
	if transport == "" {
		transport = "sse"
	}

	s.broker.subscribe(channel, audienceFor(actor, opts.Department))
	observability.StreamClientsActive().WithLabelValues(transport).Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(channel)
			observability.StreamClientsActive().WithLabelValues(transport).Dec()
		})
	}

	return channel, cleanup
}

func (s *notificationService) work(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case event := <-s.queue:
			s.deliver(ctx, event)
		}
	}
}

// drain flushes whatever is still buffered at shutdown with a short deadline.
func (s *notificationService) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		select {
		case event := <-s.queue:
			s.deliver(ctx, event)
		default:
			return
		}
	}
}

func (s *notificationService) deliver(ctx context.Context, event Event) {
	ctx, span := s.tracer.Start(ctx, "notifications.deliver", trace.WithAttributes(
		attribute.String("notification.event_id", event.ID),
		attribute.String("notification.type", event.Type),
	))
	defer span.End()

	model := models.NotificationEvent{
		EventID:      event.ID,
		Type:         event.Type,
		SubmissionID: event.SubmissionID,
		StudentID:    event.StudentID,
		ReviewerID:   event.ReviewerID,
		Department:   event.Department,
		Status:       event.Status,
		Priority:     event.Priority,
		Message:      event.Message,
		Payload:      datatypes.JSONMap(event.Payload),
		OccurredAt:   event.OccurredAt,
	}

	inserted := false
	err := s.retry(ctx, func() error {
		var createErr error
		inserted, createErr = s.repo.Create(ctx, &model)
		return createErr
	})
	if err != nil {
		observability.Notifications().WithLabelValues(event.Type, "dropped").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		s.logger.Error().Err(err).Str("event_id", event.ID).Str("type", event.Type).Msg("notification dropped after retries")
		return
	}
	if !inserted {
		observability.Notifications().WithLabelValues(event.Type, "duplicate").Inc()
		return
	}

	response := dto.NewNotificationEventResponse(model)
	s.broker.broadcast(response)

	if err := s.retry(ctx, func() error { return s.publish(ctx, response) }); err != nil {
		span.RecordError(err)
		s.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to publish notification to peers")
	}

	observability.Notifications().WithLabelValues(event.Type, "delivered").Inc()
}

func (s *notificationService) publish(ctx context.Context, event dto.NotificationEventResponse) error {
	if (s.redis == nil || s.redisChannel == "") && (s.nats == nil || s.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(remoteEnvelope{Source: s.nodeID, Event: event, SentAt: s.now().UTC()})
	if err != nil {
		return backoff.Permanent(err)
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *notificationService) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryBaseDelay
	policy.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.RetryAttempts-1)), ctx))
}

func (s *notificationService) consumeRedis(ctx context.Context) {
	defer s.wg.Done()

	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("notification redis subscription closed")
			return
		}
		s.handleRemote([]byte(msg.Payload))
	}
}

func (s *notificationService) consumeNATS(ctx context.Context) {
	// Every node needs every event for its own stream clients, so this is a plain
	// subscription rather than a queue group.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleRemote(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats notifications subject")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain notification nats subscription")
		}
	}()
}

func (s *notificationService) handleRemote(payload []byte) {
	var envelope remoteEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid notification envelope")
		return
	}

	if envelope.Source == s.nodeID {
		return
	}

	observability.Notifications().WithLabelValues(envelope.Event.Type, "remote").Inc()
	s.broker.broadcast(envelope.Event)
}

func (b *notificationBroker) subscribe(ch chan dto.NotificationEventResponse, audience repository.NotificationAudience) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[ch] = audience
}

func (b *notificationBroker) unsubscribe(ch chan dto.NotificationEventResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *notificationBroker) broadcast(event dto.NotificationEventResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, audience := range b.subscribers {
		if !audienceMatches(audience, event) {
			continue
		}
		select {
		case ch <- event:
		default:
			observability.Notifications().WithLabelValues(event.Type, "slow_consumer").Inc()
		}
	}
}

func audienceFor(actor Actor, department string) repository.NotificationAudience {
	audience := repository.NotificationAudience{UserID: actor.ID, Department: actor.Department}
	switch actor.Role {
	case RoleAdmin:
		audience.Role = repository.AudienceAdmin
		audience.Department = strings.TrimSpace(department)
	case RoleFaculty:
		audience.Role = repository.AudienceFaculty
	default:
		audience.Role = repository.AudienceStudent
	}
	return audience
}

// audienceMatches mirrors the SQL filter in the notification repository.
func audienceMatches(audience repository.NotificationAudience, event dto.NotificationEventResponse) bool {
	switch audience.Role {
	case repository.AudienceAdmin:
		return audience.Department == "" || event.Department == audience.Department
	case repository.AudienceFaculty:
		if event.ReviewerID != nil && *event.ReviewerID == audience.UserID {
			return true
		}
		return audience.Department != "" && event.Department == audience.Department
	default:
		return event.StudentID != nil && *event.StudentID == audience.UserID
	}
}

func submissionEvent(eventType string, submission models.Submission, priority, message string) Event {
	id := submission.ID
	student := submission.StudentID
	event := Event{
		Type:         eventType,
		SubmissionID: &id,
		StudentID:    &student,
		Department:   submission.Program,
		Status:       string(submission.Status),
		Priority:     priority,
		Message:      message,
		Payload: map[string]interface{}{
			"title":    submission.Title,
			"category": submission.Category,
			"version":  submission.Version,
		},
	}
	if submission.AssignedReviewerID != nil {
		reviewer := *submission.AssignedReviewerID
		event.ReviewerID = &reviewer
	}
	return event
}

func statusEventType(status models.SubmissionStatus) string {
	return fmt.Sprintf("submission.%s", status)
}
