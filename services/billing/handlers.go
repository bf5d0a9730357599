package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/notification"

	"go.uber.org/zap"
)

func decode[T any](evt Event) (*T, error) {
	var v T
	if len(evt.Data) == 0 {
		return nil, invalidPayload(evt.Type, errors.New("empty data"))
	}
	if err := json.Unmarshal(evt.Data, &v); err != nil {
		return nil, invalidPayload(evt.Type, err)
	}
	return &v, nil
}

func licenseNotice(t notification.Template, l *license.License, eventID string, data map[string]string) notification.Notification {
	if data == nil {
		data = map[string]string{}
	}
	data["tier"] = string(l.Tier)
	data["expires_at"] = l.Expiry().String()
	return notification.Notification{
		Template:   t,
		To:         l.CustomerEmail,
		LicenseID:  l.ID,
		LicenseKey: l.LicenseKey,
		EventID:    eventID,
		Data:       data,
	}
}

type signedLicense struct {
	license *license.License
	version *license.LicenseFileVersion
}

// publish uploads committed file versions and queues their notifications.
func (p *Processor) publish(ctx context.Context, template notification.Template, eventID string, signed []signedLicense) {
	notices := make([]notification.Notification, 0, len(signed))
	for _, s := range signed {
		p.licenses.Publish(ctx, s.version)
		notices = append(notices, licenseNotice(template, s.license, eventID, map[string]string{
			"version": strconv.Itoa(s.version.Version),
		}))
	}
	p.notifyAll(ctx, notices)
}

func checkoutExpiry(c *CheckoutCompleted) license.Expiry {
	switch {
	case c.ExpiresAt != nil:
		return license.At(c.ExpiresAt.UTC())
	case c.Mode == CheckoutModeSubscription && c.PeriodEnd != nil:
		return license.At(c.PeriodEnd.UTC())
	default:
		return license.Never()
	}
}

// handleCheckoutCompleted issues the license for a new purchase and its first
// signed file. The checkout session id is the idempotency key and is stored on
// the license, so one-time purchases without a payment reference are found
// again on redelivery.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, evt Event) error {
	c, err := decode[CheckoutCompleted](evt)
	if err != nil {
		return err
	}
	if c.CustomerEmail == "" || !c.Tier.Valid() {
		return invalidPayload(evt.Type, fmt.Errorf("customer email and a known tier are required"))
	}
	if c.Mode == CheckoutModeSubscription && c.SubscriptionID == "" {
		return invalidPayload(evt.Type, fmt.Errorf("subscription checkout without subscription id"))
	}

	guardKey := c.SessionID
	if guardKey == "" {
		guardKey = evt.ID
	}
	if guardKey == "" {
		return invalidPayload(evt.Type, errors.New("checkout without session or event id"))
	}
	refs := license.ProviderRefs{
		CustomerID:        c.CustomerID,
		PaymentID:         c.PaymentID,
		SubscriptionID:    c.SubscriptionID,
		CheckoutSessionID: guardKey,
	}

	var signed []signedLicense
	err = p.inTx(ctx, func(licenses *license.Service, subscriptions SubscriptionStore) error {
		signed = nil

		l, err := licenses.FindByProviderRef(ctx, refs)
		if err != nil {
			return err
		}
		if l != nil {
			processed, err := licenses.AlreadyProcessed(ctx, l.ID, guardKey)
			if err != nil {
				return err
			}
			if processed {
				zap.L().Info("checkout already processed", zap.String("license_id", l.ID), zap.String("guard_key", guardKey))
				return nil
			}
		}

		if c.Mode == CheckoutModeSubscription {
			if err := p.upsertCheckoutSubscription(ctx, subscriptions, c); err != nil {
				return err
			}
		}

		if l == nil {
			res, err := licenses.Issue(ctx, license.IssueParams{
				Tier:          c.Tier,
				CustomerEmail: c.CustomerEmail,
				Expiry:        checkoutExpiry(c),
				WorkspaceID:   c.WorkspaceID,
				ProviderRefs:  refs,
				MaxInstances:  c.MaxInstances,
			})
			if err != nil {
				return err
			}
			if l, err = licenses.FindByID(ctx, res.LicenseID); err != nil {
				return err
			}
		}

		v, err := licenses.IssueSignedFile(ctx, l, nil)
		if err != nil {
			return err
		}
		if err := licenses.RecordFileVersion(ctx, v, guardKey); err != nil {
			return err
		}

		signed = append(signed, signedLicense{license: l, version: v})
		return nil
	})
	if errors.Is(err, license.ErrAlreadyProcessed) {
		zap.L().Info("checkout processed by a concurrent delivery", zap.String("guard_key", guardKey))
		return nil
	}
	if err != nil {
		return err
	}

	p.publish(ctx, notification.TemplateLicenseIssued, evt.ID, signed)
	return nil
}

// upsertCheckoutSubscription creates the mirror or refreshes its customer
// fields. An existing mirror keeps its status, which only payment and provider
// status events move, and its period end never moves backwards.
func (p *Processor) upsertCheckoutSubscription(ctx context.Context, subscriptions SubscriptionStore, c *CheckoutCompleted) error {
	sub, err := subscriptions.FindByProviderID(ctx, c.SubscriptionID)
	if err != nil {
		return persistence("failed to load subscription", err)
	}

	now := p.now()
	if sub == nil {
		sub = &Subscription{
			ID:                     p.node.Generate().String(),
			ProviderSubscriptionID: c.SubscriptionID,
			UserID:                 c.UserID,
			CustomerID:             c.CustomerID,
			CustomerEmail:          c.CustomerEmail,
			Tier:                   c.Tier,
			Status:                 StatusActive,
			CurrentPeriodEnd:       utcPtr(c.PeriodEnd),
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := subscriptions.Create(ctx, sub); err != nil {
			return persistence("failed to create subscription", err)
		}
		return nil
	}

	sub.UserID = c.UserID
	sub.CustomerID = c.CustomerID
	sub.CustomerEmail = c.CustomerEmail
	sub.Tier = c.Tier
	if c.PeriodEnd != nil {
		sub.CurrentPeriodEnd = laterOf(sub.CurrentPeriodEnd, c.PeriodEnd.UTC())
	}
	if err := subscriptions.Update(ctx, sub); err != nil {
		return persistence("failed to update subscription", err)
	}
	return nil
}

// handleInvoicePaid renews every license of the subscription to the paid
// period end. The invoice id is the idempotency key. Nothing is written,
// the subscription mirror included, once every license carries a file version
// for the invoice.
func (p *Processor) handleInvoicePaid(ctx context.Context, evt Event) error {
	inv, err := decode[Invoice](evt)
	if err != nil {
		return err
	}
	if inv.SubscriptionID == "" {
		zap.L().Info("ignoring invoice without subscription", zap.String("event_id", evt.ID))
		return nil
	}
	if inv.PeriodEnd.IsZero() {
		return invalidPayload(evt.Type, errors.New("period_end is required"))
	}

	guardKey := inv.InvoiceID
	if guardKey == "" {
		guardKey = evt.ID
	}
	if guardKey == "" {
		return invalidPayload(evt.Type, errors.New("invoice without invoice or event id"))
	}
	periodEnd := inv.PeriodEnd.UTC()

	// The first invoice is covered by the checkout that created the license.
	if inv.BillingReason == BillingReasonSubscriptionCreate {
		return p.inTx(ctx, func(_ *license.Service, subscriptions SubscriptionStore) error {
			sub, err := subscriptions.FindByProviderID(ctx, inv.SubscriptionID)
			if err != nil {
				return persistence("failed to load subscription", err)
			}
			if sub == nil || !extends(sub.CurrentPeriodEnd, periodEnd) {
				return nil
			}
			sub.CurrentPeriodEnd = &periodEnd
			if err := subscriptions.Update(ctx, sub); err != nil {
				return persistence("failed to update subscription", err)
			}
			return nil
		})
	}

	var signed []signedLicense
	err = p.inTx(ctx, func(licenses *license.Service, subscriptions SubscriptionStore) error {
		signed = nil

		sub, err := subscriptions.FindByProviderID(ctx, inv.SubscriptionID)
		if err != nil {
			return persistence("failed to load subscription", err)
		}
		if sub == nil {
			return notFound(fmt.Sprintf("subscription %s not found", inv.SubscriptionID))
		}
		if sub.Status == StatusCanceled {
			zap.L().Warn("ignoring payment for canceled subscription",
				zap.String("subscription_id", inv.SubscriptionID),
				zap.String("invoice_id", inv.InvoiceID),
			)
			return nil
		}

		ls, err := licenses.FindBySubscription(ctx, inv.SubscriptionID)
		if err != nil {
			return err
		}
		if len(ls) == 0 {
			return notFound(fmt.Sprintf("no license for subscription %s", inv.SubscriptionID))
		}

		pending := make([]*license.License, 0, len(ls))
		for _, l := range ls {
			processed, err := licenses.AlreadyProcessed(ctx, l.ID, guardKey)
			if err != nil {
				return err
			}
			if processed {
				zap.L().Info("invoice already applied", zap.String("license_id", l.ID), zap.String("invoice_id", guardKey))
				continue
			}
			pending = append(pending, l)
		}
		if len(pending) == 0 {
			return nil
		}

		changed := false
		if sub.Status != StatusActive && CanTransition(sub.Status, StatusActive) {
			sub.Status = StatusActive
			changed = true
		}
		if extends(sub.CurrentPeriodEnd, periodEnd) {
			sub.CurrentPeriodEnd = &periodEnd
			changed = true
		}
		if changed {
			if err := subscriptions.Update(ctx, sub); err != nil {
				return persistence("failed to update subscription", err)
			}
		}

		for _, l := range pending {
			// Out of order invoices never shorten a license.
			expiry := periodEnd
			if l.ExpiresAt != nil && l.ExpiresAt.After(expiry) {
				expiry = l.ExpiresAt.UTC()
			}
			if _, err := licenses.Renew(ctx, l.ID, license.At(expiry)); err != nil {
				return err
			}
			if _, err := licenses.Reactivate(ctx, l.ID); err != nil {
				return err
			}

			renewed, err := licenses.FindByID(ctx, l.ID)
			if err != nil {
				return err
			}
			v, err := licenses.IssueSignedFile(ctx, renewed, nil)
			if err != nil {
				return err
			}
			if err := licenses.RecordFileVersion(ctx, v, guardKey); err != nil {
				return err
			}
			signed = append(signed, signedLicense{license: renewed, version: v})
		}
		return nil
	})
	if errors.Is(err, license.ErrAlreadyProcessed) {
		zap.L().Info("invoice processed by a concurrent delivery", zap.String("invoice_id", guardKey))
		return nil
	}
	if err != nil {
		return err
	}

	p.publish(ctx, notification.TemplateRenewalConfirmation, evt.ID, signed)
	return nil
}

// handleInvoicePaymentFailed applies the grace policy: inside the grace period
// the customer is warned, after it every linked license is deactivated.
func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, evt Event) error {
	inv, err := decode[Invoice](evt)
	if err != nil {
		return err
	}
	if inv.SubscriptionID == "" {
		zap.L().Info("ignoring invoice without subscription", zap.String("event_id", evt.ID))
		return nil
	}

	sub, err := p.subscriptions.FindByProviderID(ctx, inv.SubscriptionID)
	if err != nil {
		return persistence("failed to load subscription", err)
	}
	if sub == nil {
		return notFound(fmt.Sprintf("subscription %s not found", inv.SubscriptionID))
	}
	if sub.Status == StatusCanceled {
		zap.L().Info("ignoring payment failure for canceled subscription", zap.String("subscription_id", inv.SubscriptionID))
		return nil
	}

	periodEnd := inv.PeriodStart.UTC()
	if sub.CurrentPeriodEnd != nil {
		periodEnd = sub.CurrentPeriodEnd.UTC()
	}
	if periodEnd.IsZero() {
		return invalidPayload(evt.Type, errors.New("no billing period to apply grace to"))
	}

	now := p.now()
	deadline := GraceDeadline(periodEnd, p.graceDays)
	withinGrace := IsWithinGracePeriod(periodEnd, now, p.graceDays)

	zapLog := zap.L().With(
		zap.String("subscription_id", inv.SubscriptionID),
		zap.Time("period_end", periodEnd),
		zap.Time("grace_deadline", deadline),
		zap.Bool("within_grace", withinGrace),
	)

	var notices []notification.Notification
	err = p.inTx(ctx, func(licenses *license.Service, subscriptions SubscriptionStore) error {
		notices = nil

		if sub.Status != StatusPastDue && CanTransition(sub.Status, StatusPastDue) {
			sub.Status = StatusPastDue
			if err := subscriptions.Update(ctx, sub); err != nil {
				return persistence("failed to update subscription", err)
			}
		}

		ls, err := licenses.FindBySubscription(ctx, inv.SubscriptionID)
		if err != nil {
			return err
		}

		for _, l := range ls {
			if withinGrace {
				if l.IsActive {
					notices = append(notices, licenseNotice(notification.TemplateGracePeriodWarning, l, evt.ID, map[string]string{
						"grace_deadline": deadline.Format(time.RFC3339),
					}))
				}
				continue
			}

			changed, err := licenses.Deactivate(ctx, l.ID)
			if err != nil {
				return err
			}
			if changed {
				notices = append(notices, licenseNotice(notification.TemplateLicenseExpired, l, evt.ID, nil))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if withinGrace {
		zapLog.Info("payment failed within grace period")
	} else {
		zapLog.Warn("grace period exhausted, licenses deactivated", zap.Int("deactivated", len(notices)))
	}
	p.notifyAll(ctx, notices)
	return nil
}

// handleSubscriptionUpdated mirrors provider status and period end. Cancellation
// only happens through the deletion event.
func (p *Processor) handleSubscriptionUpdated(ctx context.Context, evt Event) error {
	ch, err := decode[SubscriptionChange](evt)
	if err != nil {
		return err
	}
	if ch.SubscriptionID == "" {
		return invalidPayload(evt.Type, errors.New("subscription_id is required"))
	}

	target, known := ProviderStatus(ch.Status)
	if !known {
		zap.L().Warn("unknown provider subscription status", zap.String("status", ch.Status))
	}

	sub, err := p.subscriptions.FindByProviderID(ctx, ch.SubscriptionID)
	if err != nil {
		return persistence("failed to load subscription", err)
	}

	if sub == nil {
		if !known || target == StatusCanceled {
			return nil
		}
		now := p.now()
		sub = &Subscription{
			ID:                     p.node.Generate().String(),
			ProviderSubscriptionID: ch.SubscriptionID,
			CustomerID:             ch.CustomerID,
			Status:                 target,
			CurrentPeriodEnd:       utcPtr(ch.CurrentPeriodEnd),
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := p.subscriptions.Create(ctx, sub); err != nil {
			return persistence("failed to create subscription", err)
		}
		return nil
	}

	changed := false
	if known && target != StatusCanceled && target != sub.Status {
		if CanTransition(sub.Status, target) {
			sub.Status = target
			changed = true
		} else {
			zap.L().Warn("rejected subscription transition",
				zap.String("subscription_id", ch.SubscriptionID),
				zap.String("from", string(sub.Status)),
				zap.String("to", string(target)),
			)
		}
	}
	if ch.CurrentPeriodEnd != nil && !sameTime(sub.CurrentPeriodEnd, ch.CurrentPeriodEnd) {
		sub.CurrentPeriodEnd = utcPtr(ch.CurrentPeriodEnd)
		changed = true
	}
	if !changed {
		return nil
	}
	if err := p.subscriptions.Update(ctx, sub); err != nil {
		return persistence("failed to update subscription", err)
	}
	return nil
}

// handleSubscriptionDeleted cancels the subscription and deactivates its licenses.
func (p *Processor) handleSubscriptionDeleted(ctx context.Context, evt Event) error {
	ch, err := decode[SubscriptionChange](evt)
	if err != nil {
		return err
	}
	if ch.SubscriptionID == "" {
		return invalidPayload(evt.Type, errors.New("subscription_id is required"))
	}

	now := p.now()
	var notices []notification.Notification
	err = p.inTx(ctx, func(licenses *license.Service, subscriptions SubscriptionStore) error {
		notices = nil

		sub, err := subscriptions.FindByProviderID(ctx, ch.SubscriptionID)
		if err != nil {
			return persistence("failed to load subscription", err)
		}
		if sub != nil && sub.Status != StatusCanceled {
			sub.Status = StatusCanceled
			sub.CanceledAt = utcPtr(ch.CanceledAt)
			if sub.CanceledAt == nil {
				sub.CanceledAt = &now
			}
			if err := subscriptions.Update(ctx, sub); err != nil {
				return persistence("failed to update subscription", err)
			}
		}

		ls, err := licenses.FindBySubscription(ctx, ch.SubscriptionID)
		if err != nil {
			return err
		}
		for _, l := range ls {
			changed, err := licenses.Deactivate(ctx, l.ID)
			if err != nil {
				return err
			}
			if changed {
				notices = append(notices, licenseNotice(notification.TemplateSubscriptionCanceled, l, evt.ID, nil))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.notifyAll(ctx, notices)
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// extends reports whether end lies after the current period end.
func extends(current *time.Time, end time.Time) bool {
	return current == nil || end.After(*current)
}

func laterOf(current *time.Time, end time.Time) *time.Time {
	if extends(current, end) {
		return &end
	}
	return current
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
