package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/metrics"
	"github.com/pixlift/pixlift/internal/service"
	"github.com/pixlift/pixlift/internal/store"
)

// Processor applies verified webhook events to the ledger and subscription
// records. Every grant carries an external ref, so processing the same
// delivery twice is a logged no-op rather than a double credit.
type Processor struct {
	store   store.Store
	ledger  service.LedgerService
	catalog *Catalog
	logger  *slog.Logger
}

// NewProcessor creates a webhook event processor.
func NewProcessor(s store.Store, ledger service.LedgerService, catalog *Catalog, logger *slog.Logger) *Processor {
	return &Processor{
		store:   s,
		ledger:  ledger,
		catalog: catalog,
		logger:  logger,
	}
}

// External ref formats. Orders dedupe on the order ID; subscription grants
// dedupe on the subscription ID plus the period they pay for, so each billing
// period is credited once no matter how deliveries are retried or duplicated
// across event types.
func orderRef(orderID string) string {
	return "ls_order/" + orderID
}

func renewalRef(subscriptionID string, periodEnd time.Time) string {
	if periodEnd.IsZero() {
		// Event carried no renews_at. A stable placeholder keeps redeliveries
		// deduplicating; the next dated event opens a new period.
		return "ls_sub/" + subscriptionID + "/unknown-period"
	}
	return fmt.Sprintf("ls_sub/%s/%s", subscriptionID, periodEnd.UTC().Format(time.RFC3339))
}

// Process applies one event. A nil return means the delivery is settled and
// must be acknowledged; that includes replays and events we deliberately
// ignore. An error means processing genuinely failed and the delivery should
// be retried.
func (p *Processor) Process(ctx context.Context, event Event) error {
	var err error
	switch e := event.(type) {
	case OrderCreated:
		err = p.processOrder(ctx, e)
	case SubscriptionStarted:
		err = p.processSubscriptionStarted(ctx, e)
	case SubscriptionPaymentSucceeded:
		err = p.processPayment(ctx, e)
	case SubscriptionEnded:
		err = p.processSubscriptionEnded(ctx, e)
	case Unrecognized:
		p.logger.Debug("ignoring unrecognized webhook event", "event", e.Name)
		metrics.WebhookEvents.WithLabelValues(e.Name, metrics.OutcomeIgnored).Inc()
		return nil
	default:
		return domain.Errorf(domain.EINTERNAL, "billing.process", "unhandled event type %T", event)
	}

	if err != nil {
		metrics.WebhookEvents.WithLabelValues(event.EventName(), metrics.OutcomeError).Inc()
	}
	return err
}

func (p *Processor) processOrder(ctx context.Context, e OrderCreated) error {
	const op = "billing.order_created"
	logger := p.logger.With("event", e.EventName(), "order_id", e.OrderID, "user_id", e.UserID)

	pkg, ok := p.catalog.PackageByVariant(e.VariantID)
	if !ok {
		// An order for something that isn't a credit package (or a variant
		// from another environment). Acknowledge and move on.
		logger.Warn("order variant not in catalog", "variant_id", e.VariantID)
		metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeIgnored).Inc()
		return nil
	}

	_, err := p.ledger.Credit(ctx, e.UserID, pkg.Credits, domain.ReasonPurchase, store.CreditMeta{
		ExternalRef: orderRef(e.OrderID),
	})
	if errors.Is(err, store.ErrAlreadyApplied) {
		logger.Info("order already credited, replay acknowledged")
		metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeReplay).Inc()
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound(op, "user", e.UserID.String())
	}
	if err != nil {
		return err
	}

	logger.Info("purchase credited", "package", pkg.Key, "credits", pkg.Credits)
	metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeApplied).Inc()
	return nil
}

func (p *Processor) processSubscriptionStarted(ctx context.Context, e SubscriptionStarted) error {
	const op = "billing.subscription_started"
	logger := p.logger.With("event", e.EventName(), "subscription_id", e.SubscriptionID, "user_id", e.UserID)

	plan, ok := p.catalog.PlanByVariant(e.VariantID)
	if !ok {
		logger.Warn("subscription variant not in catalog", "variant_id", e.VariantID)
		metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeIgnored).Inc()
		return nil
	}

	sub := &domain.Subscription{
		UserID:           e.UserID,
		Plan:             plan.Key,
		ExternalID:       e.SubscriptionID,
		MonthlyCredits:   plan.MonthlyCredits,
		CurrentPeriodEnd: e.RenewsAt,
	}
	if err := p.store.UpsertActiveSubscription(ctx, sub); err != nil {
		return domain.Internal(err, op, "failed to upsert subscription")
	}

	_, err := p.ledger.Credit(ctx, e.UserID, plan.MonthlyCredits, domain.ReasonSubscriptionRenewal, store.CreditMeta{
		ExternalRef: renewalRef(e.SubscriptionID, e.RenewsAt),
	})
	if errors.Is(err, store.ErrAlreadyApplied) {
		logger.Info("period already credited, replay acknowledged")
		metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeReplay).Inc()
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound(op, "user", e.UserID.String())
	}
	if err != nil {
		return err
	}

	logger.Info("subscription activated", "plan", plan.Key, "credits", plan.MonthlyCredits)
	metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeApplied).Inc()
	return nil
}

func (p *Processor) processPayment(ctx context.Context, e SubscriptionPaymentSucceeded) error {
	const op = "billing.subscription_payment"
	logger := p.logger.With("event", e.EventName(), "subscription_id", e.SubscriptionID)

	sub, err := p.store.SubscriptionByExternalID(ctx, e.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		// A charge for a subscription we never saw created. Acknowledge,
		// don't guess at a grant.
		logger.Warn("payment for unknown subscription")
		metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeIgnored).Inc()
		return nil
	}
	if err != nil {
		return domain.Internal(err, op, "failed to load subscription")
	}

	if err := p.store.RenewSubscription(ctx, e.SubscriptionID, e.RenewsAt, time.Now().UTC()); err != nil {
		return domain.Internal(err, op, "failed to record renewal")
	}

	_, err = p.ledger.Credit(ctx, sub.UserID, sub.MonthlyCredits, domain.ReasonSubscriptionRenewal, store.CreditMeta{
		ExternalRef: renewalRef(e.SubscriptionID, e.RenewsAt),
	})
	if errors.Is(err, store.ErrAlreadyApplied) {
		logger.Info("period already credited, replay acknowledged")
		metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeReplay).Inc()
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("renewal credited", "user_id", sub.UserID, "credits", sub.MonthlyCredits)
	metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeApplied).Inc()
	return nil
}

func (p *Processor) processSubscriptionEnded(ctx context.Context, e SubscriptionEnded) error {
	const op = "billing.subscription_ended"

	if err := p.store.CancelSubscription(ctx, e.SubscriptionID); err != nil {
		return domain.Internal(err, op, "failed to cancel subscription")
	}

	// Already-granted credits are kept; cancellation only stops future grants.
	p.logger.Info("subscription ended", "event", e.EventName(), "subscription_id", e.SubscriptionID)
	metrics.WebhookEvents.WithLabelValues(e.EventName(), metrics.OutcomeApplied).Inc()
	return nil
}
