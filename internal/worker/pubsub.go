package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/internal/queue"
)

// PubSubHandler consumes send requests from the send subscription.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	deliveryJob      *DeliveryJob
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	DeliveryJob      *DeliveryJob
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Configure receive settings.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 10
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		deliveryJob:      cfg.DeliveryJob,
		logger:           cfg.Logger,
	}, nil
}

// Start begins processing Pub/Sub messages.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	startTime := time.Now()

	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	logger.Debug().Msg("received send request")

	var req queue.SendRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		// A garbled message never becomes deliverable; drop it.
		logger.Error().Err(err).Msg("failed to parse send request")
		msg.Ack()
		return
	}

	result, err := h.deliveryJob.Run(ctx, req)
	if err != nil {
		// Registry unavailable: retry the whole message.
		logger.Error().Err(err).Msg("delivery fan-out failed")
		msg.Nack()
		return
	}

	if result.Retriable() {
		// The queue is the retry mechanism: Nack and let it redeliver.
		logger.Warn().
			Int("transient", result.Transient).
			Int("delivered", result.Delivered).
			Msg("transient delivery failures, requesting redelivery")
		msg.Nack()
		return
	}

	logger.Info().
		Int("targets", result.Targets).
		Int("delivered", result.Delivered).
		Int("removed", result.Removed).
		Dur("duration", time.Since(startTime)).
		Msg("send request processed")

	msg.Ack()
}
