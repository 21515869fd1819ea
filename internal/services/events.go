package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jjudge-oj/usermanagement/internal/mq"
	"github.com/sirupsen/logrus"
)

// User lifecycle event types.
const (
	EventUserRegistered     = "user.registered"
	EventUserUpdated        = "user.updated"
	EventUserDeleted        = "user.deleted"
	EventUserAvatarUploaded = "user.avatar_uploaded"
)

// EventPublisher sends a payload to a broker channel.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// UserEvent is the JSON payload published for account changes.
type UserEvent struct {
	Type   string    `json:"type"`
	UserID string    `json:"userId"`
	Email  string    `json:"email,omitempty"`
	At     time.Time `json:"at"`
}

type eventSink struct {
	publisher EventPublisher
	channel   string
	log       logrus.FieldLogger
}

// emit publishes best-effort; a broker outage never fails the request.
func (s eventSink) emit(ctx context.Context, eventType, userID, email string) {
	if s.publisher == nil || s.channel == "" {
		return
	}
	data, err := json.Marshal(UserEvent{Type: eventType, UserID: userID, Email: email, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.channel, data, map[string]string{
		"type":                  eventType,
		mq.OrderingKeyAttribute: userID,
	}); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"event":   eventType,
			"user_id": userID,
		}).Warn("failed to publish user event")
	}
}
