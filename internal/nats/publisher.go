package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"shape-sync/internal/models"
)

// Publisher announces applied batches on a NATS subject
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

// NewPublisher creates a new NATS publisher
func NewPublisher(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)

	return NewPublisherWithConn(conn, subject, logger), nil
}

// NewPublisherWithConn wraps an existing connection
func NewPublisherWithConn(conn *nats.Conn, subject string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}
}

// Notify publishes the summary of a committed batch. Subject is
// "<subject>.<collection>" so consumers can filter per mirrored table.
func (p *Publisher) Notify(ctx context.Context, applied *models.AppliedBatch) error {
	data, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("failed to marshal applied batch: %w", err)
	}

	subject := p.subject + "." + applied.Collection
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published applied batch %s to %s", applied.ID, subject)
	return nil
}

// Close drains pending publishes and closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
}

// GetConn returns the underlying NATS connection
func (p *Publisher) GetConn() *nats.Conn {
	return p.conn
}
