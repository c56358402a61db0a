package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"ispcore/internal/config"
)

// NATSSink publishes events to a JetStream stream.
type NATSSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

var _ Sink = (*NATSSink)(nil)

// ConnectNATS establishes a connection to NATS and ensures the stream exists.
func ConnectNATS(ctx context.Context, cfg config.NATSConfig, logger *zap.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("ispcore"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	logger.Info("nats connected", zap.String("url", cfg.URL), zap.String("stream", cfg.Stream))
	return &NATSSink{nc: nc, js: js, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, ev.TenantID, ev.Type)
}

// Publish implements Sink. The event ID doubles as the JetStream message ID,
// so a republished event is deduplicated by the stream.
func (s *NATSSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.Subject(ev)
	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID.String())); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (s *NATSSink) Close() {
	s.nc.Close()
}
