package billing

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/notification"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const tracerName = "smallbiznis-licensing/services/billing"

// HandlerFunc applies one billing event. A returned error makes the transport
// redeliver the whole event.
type HandlerFunc func(ctx context.Context, evt Event) error

type Processor struct {
	db            *gorm.DB
	licenses      *license.Service
	subscriptions SubscriptionStore
	notifier      notification.Notifier
	node          *snowflake.Node
	clock         quartz.Clock
	tracer        trace.Tracer
	graceDays     int

	handlers map[string]HandlerFunc
}

type ProcessorParams struct {
	fx.In

	DB            *gorm.DB
	Config        *config.Config
	Node          *snowflake.Node
	Licenses      *license.Service
	Subscriptions SubscriptionStore
	Notifier      notification.Notifier `optional:"true"`
	Clock         quartz.Clock          `optional:"true"`
}

func NewProcessor(p ProcessorParams) *Processor {
	clock := p.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	graceDays := p.Config.Licensing.GraceDays
	if graceDays <= 0 {
		graceDays = DefaultGraceDays
	}

	proc := &Processor{
		db:            p.DB,
		licenses:      p.Licenses,
		subscriptions: p.Subscriptions,
		notifier:      p.Notifier,
		node:          p.Node,
		clock:         clock,
		tracer:        otel.Tracer(tracerName),
		graceDays:     graceDays,
	}

	proc.handlers = map[string]HandlerFunc{
		EventCheckoutCompleted:       proc.handleCheckoutCompleted,
		EventInvoicePaymentSucceeded: proc.handleInvoicePaid,
		EventInvoicePaid:             proc.handleInvoicePaid,
		EventInvoicePaymentFailed:    proc.handleInvoicePaymentFailed,
		EventSubscriptionUpdated:     proc.handleSubscriptionUpdated,
		EventSubscriptionDeleted:     proc.handleSubscriptionDeleted,
	}

	return proc
}

// Handle registers or replaces the handler for an event type.
func (p *Processor) Handle(eventType string, h HandlerFunc) {
	p.handlers[eventType] = h
}

// Process dispatches evt. Unknown event types are ignored.
func (p *Processor) Process(ctx context.Context, evt Event) error {
	zapLog := zap.L().With(zap.String("event_id", evt.ID), zap.String("event_type", evt.Type))

	handler, ok := p.handlers[evt.Type]
	if !ok {
		zapLog.Info("ignoring unhandled billing event")
		eventsTotal.WithLabelValues("unhandled", outcomeIgnored).Inc()
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "billing.Process", trace.WithAttributes(
		attribute.String("event_id", evt.ID),
		attribute.String("event_type", evt.Type),
	))
	defer span.End()

	if err := handler(ctx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handle billing event")
		zapLog.Error("failed to process billing event", zap.Error(err))
		eventsTotal.WithLabelValues(evt.Type, outcomeFailed).Inc()
		return err
	}

	eventsTotal.WithLabelValues(evt.Type, outcomeProcessed).Inc()
	zapLog.Info("billing event processed")
	return nil
}

func (p *Processor) now() time.Time {
	return p.clock.Now().UTC()
}

// inTx runs fn with license and subscription stores sharing one transaction.
func (p *Processor) inTx(ctx context.Context, fn func(licenses *license.Service, subscriptions SubscriptionStore) error) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(p.licenses.WithTrx(tx), p.subscriptions.WithTrx(tx))
	})
}

// notifyAll fans notifications out. Failures are logged and counted but never
// fail the event, whose state change is already committed.
func (p *Processor) notifyAll(ctx context.Context, ns []notification.Notification) {
	if p.notifier == nil || len(ns) == 0 {
		return
	}

	var (
		g      errgroup.Group
		failed atomic.Int64
	)
	g.SetLimit(4)
	for _, n := range ns {
		g.Go(func() error {
			if err := p.notifier.Notify(ctx, n); err != nil {
				failed.Add(1)
				notificationsTotal.WithLabelValues(string(n.Template), outcomeFailed).Inc()
				return fmt.Errorf("%s for license %s: %w", n.Template, n.LicenseID, err)
			}
			notificationsTotal.WithLabelValues(string(n.Template), outcomeSent).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		zap.L().Warn("failed to send notifications",
			zap.Int64("failed", failed.Load()),
			zap.Int("total", len(ns)),
			zap.Error(err),
		)
	}
}
