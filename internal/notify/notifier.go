// Package notify delivers fire-and-forget domain events to the
// notification/audit collaborator. Delivery failures are logged and dropped;
// they never roll back the transaction that produced the event.
package notify

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	EventBatchCreated          = "batch_created"
	EventBatchRetriesExhausted = "batch_retries_exhausted"
	EventDonorPayoutSettled    = "donor_payout_settled"
	EventOrgPayoutTransferred  = "organization_payout_transferred"
	EventCommissionAccrued     = "commission_accrued"
)

// Event is one domain occurrence worth telling the outside world about.
type Event struct {
	ID         string
	Type       string
	OrgID      snowflake.ID
	UserID     snowflake.ID
	OccurredAt time.Time
	Payload    map[string]any
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Notifier fans events out to the sink from a bounded queue.
type Notifier struct {
	log   *zap.Logger
	sink  Sink
	queue chan Event
	done  chan struct{}
}

type Params struct {
	fx.In

	Log  *zap.Logger
	Sink Sink `optional:"true"`
}

const queueDepth = 1024

func New(p Params) *Notifier {
	sink := p.Sink
	if sink == nil {
		sink = loggingSink{log: p.Log.Named("notify.sink")}
	}
	return &Notifier{
		log:   p.Log.Named("notify"),
		sink:  sink,
		queue: make(chan Event, queueDepth),
		done:  make(chan struct{}),
	}
}

// Emit enqueues an event without blocking the caller. A full queue drops the
// event with a warning rather than slowing the ledger down.
func (n *Notifier) Emit(_ context.Context, ev Event) {
	if n == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case n.queue <- ev:
	default:
		n.log.Warn("notification queue full, dropping event",
			zap.String("type", ev.Type),
			zap.String("event_id", ev.ID),
		)
	}
}

func (n *Notifier) run() {
	for ev := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.sink.Deliver(ctx, ev); err != nil {
			n.log.Warn("notification delivery failed",
				zap.String("type", ev.Type),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
		cancel()
	}
	close(n.done)
}

type loggingSink struct {
	log *zap.Logger
}

func (s loggingSink) Deliver(_ context.Context, ev Event) error {
	s.log.Info("domain event",
		zap.String("type", ev.Type),
		zap.String("event_id", ev.ID),
		zap.String("org_id", ev.OrgID.String()),
		zap.Any("payload", ev.Payload),
	)
	return nil
}

func registerHooks(lc fx.Lifecycle, n *Notifier) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go n.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(n.queue)
			select {
			case <-n.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

var Module = fx.Module("notify",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)
