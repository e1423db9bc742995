package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/model"
)

// DefaultSubjectPrefix is used when no prefix is configured
const DefaultSubjectPrefix = "trainpool"

// NATSNotifier publishes task events and alerts to JetStream.
//
// Subjects:
//
//	<prefix>.events.<kind>   task events, kind is progress|checkpoint|completed|failed
//	<prefix>.alerts.<type>   performance alerts
type NATSNotifier struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	prefix string
}

// NewNATSNotifier creates a notifier and makes sure its stream exists
func NewNATSNotifier(js nats.JetStreamContext, prefix string, logger *zap.Logger) (*NATSNotifier, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	n := &NATSNotifier{
		js:     js,
		logger: logger.Named("nats-notifier"),
		prefix: prefix,
	}
	if err := n.ensureStream(); err != nil {
		return nil, err
	}
	return n, nil
}

// StreamName returns the JetStream stream receiving the notifier's messages
func (n *NATSNotifier) StreamName() string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(n.prefix))
}

// EventSubject returns the subject an event kind is published on
func (n *NATSNotifier) EventSubject(kind EventKind) string {
	return n.prefix + ".events." + string(kind)
}

// AlertSubject returns the subject an alert type is published on
func (n *NATSNotifier) AlertSubject(alertType model.AlertType) string {
	return n.prefix + ".alerts." + string(alertType)
}

func (n *NATSNotifier) ensureStream() error {
	name := n.StreamName()
	stream, err := n.js.StreamInfo(name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream != nil {
		return nil
	}

	_, err = n.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{n.prefix + ".>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	n.logger.Info("Stream created", zap.String("stream", name))
	return nil
}

// Notify implements Notifier
func (n *NATSNotifier) Notify(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := n.js.Publish(n.EventSubject(event.Kind), data, nats.Context(ctx)); err != nil {
		n.logger.Error("Failed to publish event",
			zap.String("task_id", event.TaskID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	n.logger.Debug("Event published",
		zap.String("task_id", event.TaskID),
		zap.String("kind", string(event.Kind)))
	return nil
}

// Send publishes a performance alert
func (n *NATSNotifier) Send(alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if _, err := n.js.Publish(n.AlertSubject(alert.Type), data); err != nil {
		n.logger.Error("Failed to publish alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	n.logger.Info("Alert published",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))
	return nil
}
