package processor

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"

	"shape-sync/internal/models"
	"shape-sync/internal/store"
)

// Notifier receives a summary of every committed batch
type Notifier interface {
	Notify(ctx context.Context, applied *models.AppliedBatch) error
}

// Processor applies change batches for one shape to one store collection
type Processor struct {
	store       store.Client
	table       string
	collection  string
	transformer *Transformer
	notifier    Notifier
	logger      *logrus.Entry
}

// Option configures a Processor
type Option func(*Processor)

// WithTransformer rewrites insert/update values before they are written
func WithTransformer(t *Transformer) Option {
	return func(p *Processor) {
		p.transformer = t
	}
}

// WithNotifier publishes a summary after each successful commit
func WithNotifier(n Notifier) Option {
	return func(p *Processor) {
		p.notifier = n
	}
}

// NewProcessor creates a processor writing the shape for table into collection
func NewProcessor(client store.Client, table, collection string, logger *logrus.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:      client,
		table:      table,
		collection: collection,
		logger: logger.WithFields(logrus.Fields{
			"table":      table,
			"collection": collection,
		}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleBatch applies batch as a single transaction. Events are applied in order;
// events whose action is not insert, update or delete are skipped. A data event
// without a key aborts the batch with a MalformedEventError before anything is
// committed. A failed commit is returned as an ApplyError and is not retried.
func (p *Processor) HandleBatch(ctx context.Context, batch models.ChangeBatch) error {
	tx := p.store.Begin(p.collection)
	applied := &models.AppliedBatch{
		ID:         ksuid.New().String(),
		Table:      p.table,
		Collection: p.collection,
	}

	for i := range batch {
		event := &batch[i]
		action := event.Action()

		switch action {
		case models.ActionDelete:
			if !event.HasKey {
				tx.Discard()
				return &MalformedEventError{Index: i, Action: action, Reason: "missing key"}
			}
			tx.Delete(event.Key)
			applied.Deleted = append(applied.Deleted, event.Key)

		case models.ActionInsert, models.ActionUpdate:
			if !event.HasKey {
				tx.Discard()
				return &MalformedEventError{Index: i, Action: action, Reason: "missing key"}
			}
			value, err := p.transform(event)
			if errors.Is(err, ErrEventRejected) {
				p.logger.Debugf("Event %s rejected by transformer", event.Key)
				applied.Ignored++
				continue
			}
			if err != nil {
				tx.Discard()
				return &TransformError{Index: i, Key: event.Key, Err: err}
			}
			data, err := value.MarshalValue()
			if err != nil {
				tx.Discard()
				return &MalformedEventError{Index: i, Action: action, Reason: "cannot encode value", Err: err}
			}
			tx.Upsert(event.Key, data)
			applied.Upserted = append(applied.Upserted, event.Key)

		default:
			if event.IsControl() {
				p.logger.Debugf("Skipping control message %q", event.Control())
			} else {
				p.logger.Debugf("Skipping event with action %q", action)
			}
			applied.Ignored++
		}
	}

	size := tx.Len()
	if err := tx.Commit(ctx); err != nil {
		return &ApplyError{Collection: p.collection, Size: size, Err: err}
	}
	applied.Timestamp = time.Now().Unix()

	p.logger.Infof("Applied batch %s (%d upserts, %d deletes, %d ignored)",
		applied.ID, len(applied.Upserted), len(applied.Deleted), applied.Ignored)

	if p.notifier != nil && size > 0 {
		applied.Upserted = lo.Uniq(applied.Upserted)
		applied.Deleted = lo.Uniq(applied.Deleted)
		if err := p.notifier.Notify(ctx, applied); err != nil {
			p.logger.Warnf("Failed to publish applied batch %s: %v", applied.ID, err)
		}
	}
	return nil
}

// transform returns the event whose value is written, leaving the delivered event untouched
func (p *Processor) transform(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	if p.transformer == nil {
		return event, nil
	}
	value, err := p.transformer.Transform(p.table, event)
	if err != nil {
		return nil, err
	}
	return &models.ChangeEvent{Value: value}, nil
}
