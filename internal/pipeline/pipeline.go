package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"shape-sync/internal/config"
	"shape-sync/internal/models"
	"shape-sync/internal/processor"
	"shape-sync/internal/shape"
)

// State of a pipeline's subscription
type State int32

const (
	StateIdle State = iota
	StateAwaitingBatch
	StateApplying
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBatch:
		return "awaiting-batch"
	case StateApplying:
		return "applying"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Source delivers batches for one shape
type Source interface {
	Subscribe(ctx context.Context, handler shape.Handler) (*shape.Subscription, error)
	Shape() shape.Shape
}

// BatchHandler applies one batch
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch models.ChangeBatch) error
}

// Policy decides what happens after a batch fails to apply
type Policy struct {
	OnFault         string
	ResubscribeWait time.Duration
}

// Pipeline connects one shape stream to one processor. Batches are applied one
// at a time in stream order.
type Pipeline struct {
	source  Source
	handler BatchHandler
	policy  Policy
	logger  *logrus.Entry
	state   atomic.Int32
	faults  atomic.Int64
}

// New creates an idle pipeline
func New(source Source, handler BatchHandler, policy Policy, logger *logrus.Logger) *Pipeline {
	if policy.OnFault == "" {
		policy.OnFault = config.OnFaultStop
	}
	return &Pipeline{
		source:  source,
		handler: handler,
		policy:  policy,
		logger:  logger.WithField("shape", source.Shape().String()),
	}
}

// State returns the current state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Faults returns how many times the subscription has faulted
func (p *Pipeline) Faults() int64 {
	return p.faults.Load()
}

func (p *Pipeline) setState(s State) {
	if old := State(p.state.Swap(int32(s))); old != s {
		p.logger.Debugf("State %s -> %s", old, s)
	}
}

func (p *Pipeline) handle(ctx context.Context, batch models.ChangeBatch) error {
	p.setState(StateApplying)
	if err := p.handler.HandleBatch(ctx, batch); err != nil {
		return err
	}
	p.setState(StateAwaitingBatch)
	return nil
}

// Run subscribes and applies batches until ctx is cancelled, a snapshot-only
// stream completes, or a fault the policy does not recover from occurs.
// Cancellation is not an error.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		p.setState(StateAwaitingBatch)
		sub, err := p.source.Subscribe(ctx, p.handle)
		if err != nil {
			p.setState(StateFaulted)
			return err
		}

		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			p.setState(StateClosed)
			return nil
		case <-sub.Done():
		}

		err = sub.Err()
		if err == nil {
			p.setState(StateClosed)
			return nil
		}

		p.setState(StateFaulted)
		p.faults.Add(1)
		if !p.recoverable(err) {
			p.logger.Errorf("Pipeline faulted: %v", err)
			return err
		}

		p.logger.Warnf("Pipeline faulted, resubscribing in %s: %v", p.policy.ResubscribeWait, err)
		select {
		case <-ctx.Done():
			p.setState(StateClosed)
			return nil
		case <-time.After(p.policy.ResubscribeWait):
		}
	}
}

// recoverable reports whether the policy allows resubscribing after err.
// Configuration and protocol errors repeat on redelivery, so they always stop.
func (p *Pipeline) recoverable(err error) bool {
	if p.policy.OnFault != config.OnFaultResubscribe {
		return false
	}
	var cfgErr *shape.ConfigurationError
	var malformed *processor.MalformedEventError
	return !errors.As(err, &cfgErr) && !errors.As(err, &malformed)
}

// RunAll runs pipelines concurrently. The first unrecovered fault cancels the rest.
func RunAll(ctx context.Context, pipelines ...*Pipeline) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		p := p
		g.Go(func() error {
			return p.Run(gctx)
		})
	}
	return g.Wait()
}
