package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of a NATS connection used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes records as JSON to <subject>.<kind>.
type NATSSink struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// DialNATS connects to the NATS server and returns a sink publishing under
// subject.
func DialNATS(url, subject string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("settlementd"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("settlementd/events: nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("settlementd/events: nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	sink := NewNATSSink(conn, subject, logger)
	sink.conn = conn
	return sink, nil
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, subject string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = "settlementd.events"
	}
	return &NATSSink{pub: pub, subject: subject, logger: logger}
}

// Emit implements Sink. Publish failures are logged and dropped.
func (s *NATSSink) Emit(rec Record) {
	if s == nil || s.pub == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("settlementd/events: encode record", "kind", rec.Kind, "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(rec.Kind), payload); err != nil {
		s.logger.Warn("settlementd/events: publish record", "kind", rec.Kind, "error", err)
	}
}

// Subject returns the NATS subject used for kind.
func (s *NATSSink) Subject(kind Kind) string {
	return s.subject + "." + string(kind)
}

// Close drains the underlying connection when the sink owns it.
func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
