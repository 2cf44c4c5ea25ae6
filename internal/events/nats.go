package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

const (
	// StreamName is the JetStream stream approval events are stored in
	StreamName = "APPROVAL_EVENTS"
	// StreamSubjects matches every approval topic
	StreamSubjects = "approval.>"
)

// NATSForwarder republishes bus events to JetStream so other services can consume them
type NATSForwarder struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *logrus.Entry
}

// NewNATSForwarder connects to NATS and prepares a JetStream context
func NewNATSForwarder(natsURL, clientName string, logger *logrus.Logger) (*NATSForwarder, error) {
	if logger == nil {
		logger = logrus.New()
	}
	log := logger.WithField("component", "nats-forwarder")

	nc, err := nats.Connect(natsURL,
		nats.Name(clientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectBufSize(8*1024*1024),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("Reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("Disconnected from NATS")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSForwarder{nc: nc, js: js, logger: log}, nil
}

// EnsureStream creates or updates the approval events stream
func (f *NATSForwarder) EnsureStream(ctx context.Context) error {
	_, err := f.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{StreamSubjects},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure %s stream: %w", StreamName, err)
	}
	return nil
}

// Handle is a bus Handler that forwards the event to JetStream
func (f *NATSForwarder) Handle(ctx context.Context, event Event) {
	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	data, err := encodeEvent(event)
	if err != nil {
		f.logger.WithError(err).WithField("topic", event.Topic).Error("Failed to encode approval event")
		return
	}

	if _, err := f.js.Publish(pubCtx, event.Topic, data, jetstream.WithMsgID(event.ID)); err != nil {
		f.logger.WithFields(logrus.Fields{
			"topic":     event.Topic,
			"requestID": event.RequestID,
		}).WithError(err).Error("Failed to publish approval event")
		return
	}

	f.logger.WithFields(logrus.Fields{
		"topic":     event.Topic,
		"requestID": event.RequestID,
	}).Debug("Approval event forwarded")
}

// Close drains and closes the NATS connection
func (f *NATSForwarder) Close() {
	if f.nc != nil {
		if err := f.nc.Drain(); err != nil {
			f.nc.Close()
		}
	}
}

func encodeEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}
