package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
	pkgerrors "github.com/rckrdmrd/glit-backend-sub000/pkg/errors"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
)

const (
	notificationIntakeConsumer = "notification-intake"

	// EventNotificationRequested is published by other services that want a user notified.
	EventNotificationRequested = "notification.requested"
)

type sender interface {
	SendToUser(ctx context.Context, input SendInput) (*NotificationDTO, error)
	SendToUsers(ctx context.Context, userIDs []uuid.UUID, input SendInput) (int64, error)
	BroadcastToAll(ctx context.Context, input SendInput) (int64, error)
}

type subscriber interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

type processedTracker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	Delete(ctx context.Context, consumer, eventID string) error
}

// Consumer turns notification.requested events into persisted, pushed notifications.
type Consumer struct {
	sender       sender
	subscription subscriber
	idempotency  processedTracker
	logg         *logger.Logger
}

// NewConsumer builds the intake consumer.
func NewConsumer(svc sender, subscription subscriber, tracker processedTracker, logg *logger.Logger) (*Consumer, error) {
	if svc == nil {
		return nil, fmt.Errorf("notifications service required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("notification subscription required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		sender:       svc,
		subscription: subscription,
		idempotency:  tracker,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

type intakeEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

type notificationRequestedPayload struct {
	UserIDs   []uuid.UUID    `json:"userIds"`
	Broadcast bool           `json:"broadcast"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != "" && eventType != EventNotificationRequested {
		c.logg.Info(logCtx, "skipping unrelated event")
		return processResult{ack: true}
	}

	var envelope intakeEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}
	eventID := strings.TrimSpace(envelope.EventID)
	if eventID == "" {
		c.logg.Warn(logCtx, "event id missing; dropping")
		return processResult{ack: true}
	}
	logCtx = c.logg.WithField(logCtx, "event_id", eventID)

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, notificationIntakeConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	var payload notificationRequestedPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		c.logg.Error(logCtx, "failed to parse payload", err)
		return processResult{ack: true}
	}

	if err := c.handlePayload(ctx, payload, logCtx); err != nil {
		switch {
		case pkgerrors.IsCode(err, pkgerrors.CodeValidation):
			c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "invalid notification request dropped")
			return processResult{ack: true}
		case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
			// Redelivery cannot make an unknown recipient appear.
			c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "notification request for unknown recipient dropped")
			return processResult{ack: true}
		}
		c.logg.Error(logCtx, "notification handling failed", err)
		if delErr := c.idempotency.Delete(ctx, notificationIntakeConsumer, eventID); delErr != nil {
			c.logg.Error(logCtx, "failed to release idempotency key", delErr)
		}
		return processResult{nack: true}
	}
	return processResult{ack: true}
}

func (c *Consumer) handlePayload(ctx context.Context, payload notificationRequestedPayload, logCtx context.Context) error {
	notificationType, err := enums.ParseNotificationType(payload.Type)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid notification type")
	}
	input := SendInput{
		Type:    notificationType,
		Title:   payload.Title,
		Message: payload.Message,
		Data:    payload.Data,
	}

	switch {
	case payload.Broadcast:
		count, err := c.sender.BroadcastToAll(ctx, input)
		if err != nil {
			return err
		}
		c.logg.Info(c.logg.WithField(logCtx, "recipients", count), "broadcast notification delivered")
	case len(payload.UserIDs) == 1:
		input.UserID = payload.UserIDs[0]
		if _, err := c.sender.SendToUser(ctx, input); err != nil {
			return err
		}
		c.logg.Info(c.logg.WithField(logCtx, "user_id", input.UserID.String()), "notification delivered")
	case len(payload.UserIDs) > 1:
		count, err := c.sender.SendToUsers(ctx, payload.UserIDs, input)
		if err != nil {
			return err
		}
		c.logg.Info(c.logg.WithField(logCtx, "recipients", count), "notifications delivered")
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, "userIds or broadcast required")
	}
	return nil
}
