// Package billing reports committed usage to Stripe as billing meter
// events. Reporting is best-effort: metering must never block or fail the
// audio pipeline, so events are queued and posted by a background worker.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/billing/meterevent"

	"github.com/voicegate/voicegate/pkg/core/budget"
)

const queueSize = 256

type usageEvent struct {
	userID string
	dim    budget.Dimension
	amount float64
	at     time.Time
}

// StripeReporter implements budget.Reporter.
type StripeReporter struct {
	logger *slog.Logger

	// meter event name per dimension; unmapped dimensions are skipped.
	meters map[budget.Dimension]string

	queue chan usageEvent
	done  chan struct{}
	once  sync.Once
}

// NewStripeReporter configures the global Stripe key and starts the
// posting worker. meters maps budget dimensions to meter event names.
func NewStripeReporter(apiKey string, meters map[budget.Dimension]string, logger *slog.Logger) *StripeReporter {
	stripe.Key = apiKey
	r := &StripeReporter{
		logger: logger,
		meters: meters,
		queue:  make(chan usageEvent, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// RecordUsage queues one usage event. Drops on a full queue rather than
// stalling the caller.
func (r *StripeReporter) RecordUsage(_ context.Context, userID string, dim budget.Dimension, amount float64) {
	if _, ok := r.meters[dim]; !ok {
		return
	}
	ev := usageEvent{userID: userID, dim: dim, amount: amount, at: time.Now()}
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("billing queue full, dropping usage event",
			"user_id", userID, "dimension", string(dim), "amount", amount)
	}
}

// Close stops the worker after draining queued events.
func (r *StripeReporter) Close() {
	r.once.Do(func() { close(r.queue) })
	<-r.done
}

func (r *StripeReporter) run() {
	defer close(r.done)
	for ev := range r.queue {
		if err := r.post(ev); err != nil {
			r.logger.Error("post meter event failed",
				"user_id", ev.userID, "dimension", string(ev.dim), "error", err)
		}
	}
}

func (r *StripeReporter) post(ev usageEvent) error {
	params := &stripe.BillingMeterEventParams{
		EventName: stripe.String(r.meters[ev.dim]),
		Timestamp: stripe.Int64(ev.at.Unix()),
		Payload: map[string]string{
			"stripe_customer_id": ev.userID,
			"value":              fmt.Sprintf("%g", ev.amount),
		},
	}
	_, err := meterevent.New(params)
	return err
}
