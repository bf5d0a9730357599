package billing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/notification"
	"smallbiznis-licensing/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/hibiken/asynq"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		var err error
		if testKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return testKey
}

var (
	start     = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	periodEnd = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	nextEnd   = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
)

type testEnv struct {
	db       *gorm.DB
	clock    *quartz.Mock
	licenses *license.Service
	subs     SubscriptionStore
	proc     *Processor
}

func newTestEnv(t *testing.T, notifier notification.Notifier) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t, &license.License{}, &license.LicenseFileVersion{}, &Subscription{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	clock.Set(start)

	policy, err := license.NewFeaturePolicy(nil)
	require.NoError(t, err)

	cfg := config.Default()
	svc := license.NewService(license.ServiceParams{
		DB:       db,
		Config:   cfg,
		Node:     node,
		Store:    license.NewGormStore(db),
		Keys:     license.NewKeyCustodian(signingKey(), nil),
		Features: policy,
		Clock:    clock,
	})
	subs := NewSubscriptionStore(db)

	proc := NewProcessor(ProcessorParams{
		DB:            db,
		Config:        cfg,
		Node:          node,
		Licenses:      svc,
		Subscriptions: subs,
		Notifier:      notifier,
		Clock:         clock,
	})

	return &testEnv{db: db, clock: clock, licenses: svc, subs: subs, proc: proc}
}

type recorder struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (r *recorder) templates() []notification.Template {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notification.Template, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Template)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

func recordingNotifier(t *testing.T) (*notification.MockNotifier, *recorder) {
	ctrl := gomock.NewController(t)
	m := notification.NewMockNotifier(ctrl)
	rec := &recorder{}
	m.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, n notification.Notification) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.sent = append(rec.sent, n)
		return nil
	}).AnyTimes()
	return m, rec
}

func newEvent(t *testing.T, id, typ string, data any) Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Event{ID: id, Type: typ, Created: start, Data: raw}
}

func checkoutEvent(t *testing.T, id, subscriptionID string) Event {
	end := periodEnd
	return newEvent(t, id, EventCheckoutCompleted, CheckoutCompleted{
		SessionID:      "cs_" + id,
		Mode:           CheckoutModeSubscription,
		CustomerID:     "cus_1",
		CustomerEmail:  "customer@example.com",
		UserID:         "user_1",
		SubscriptionID: subscriptionID,
		Tier:           license.TierStartup,
		PeriodEnd:      &end,
	})
}

func invoiceEvent(t *testing.T, eventID, typ, invoiceID string, from, to time.Time) Event {
	return newEvent(t, eventID, typ, Invoice{
		InvoiceID:      invoiceID,
		SubscriptionID: "sub_1",
		CustomerID:     "cus_1",
		BillingReason:  "subscription_cycle",
		AmountPaid:     4900,
		Currency:       "usd",
		PeriodStart:    from,
		PeriodEnd:      to,
	})
}

func (e *testEnv) onlyLicense(t *testing.T) *license.License {
	t.Helper()
	ls, err := e.licenses.FindBySubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Len(t, ls, 1)
	return ls[0]
}

func (e *testEnv) fileVersions(t *testing.T, eventID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&license.LicenseFileVersion{}).Where("event_id = ?", eventID).Count(&n).Error)
	return n
}

func (e *testEnv) subscription(t *testing.T) *Subscription {
	t.Helper()
	sub, err := e.subs.FindByProviderID(context.Background(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func TestProcessIgnoresUnknownEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.proc.Process(context.Background(), Event{ID: "evt_1", Type: "charge.dispute.created", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
}

func TestProcessPropagatesHandlerError(t *testing.T) {
	env := newTestEnv(t, nil)
	boom := errors.New("database is locked")
	env.proc.Handle("test.failing", func(ctx context.Context, evt Event) error { return boom })

	err := env.proc.Process(context.Background(), Event{ID: "evt_1", Type: "test.failing"})
	require.ErrorIs(t, err, boom)
}

func TestCheckoutIssuesLicense(t *testing.T) {
	notifier, rec := recordingNotifier(t)
	env := newTestEnv(t, notifier)
	ctx := context.Background()

	evt := checkoutEvent(t, "evt_checkout", "sub_1")
	require.NoError(t, env.proc.Process(ctx, evt))

	l := env.onlyLicense(t)
	require.Regexp(t, `^PREFIX-STR-[A-F0-9]{32}-[A-F0-9]{8}$`, l.LicenseKey)
	require.Equal(t, 1, l.CurrentVersion)
	require.True(t, l.ExpiresAt.Equal(periodEnd))
	require.Equal(t, "cus_1", l.ProviderCustomerID)
	require.Equal(t, int64(1), env.fileVersions(t, "cs_evt_checkout"))

	sub := env.subscription(t)
	require.Equal(t, StatusActive, sub.Status)
	require.Equal(t, "user_1", sub.UserID)

	require.Equal(t, []notification.Template{notification.TemplateLicenseIssued}, rec.templates())
	require.Equal(t, "customer@example.com", rec.sent[0].To)
	require.Equal(t, l.LicenseKey, rec.sent[0].LicenseKey)

	// redelivery
	require.NoError(t, env.proc.Process(ctx, evt))
	env.onlyLicense(t)
	require.Equal(t, int64(1), env.fileVersions(t, "cs_evt_checkout"))
	require.Len(t, rec.templates(), 1)
}

func TestCheckoutOneTimePurchaseIsPerpetual(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	evt := newEvent(t, "evt_pay", EventCheckoutCompleted, CheckoutCompleted{
		SessionID:     "cs_pay",
		Mode:          CheckoutModePayment,
		CustomerID:    "cus_9",
		CustomerEmail: "buyer@example.com",
		PaymentID:     "pi_1",
		Tier:          license.TierEnterprise,
	})
	require.NoError(t, env.proc.Process(ctx, evt))

	l, err := env.licenses.FindByProviderRef(ctx, license.ProviderRefs{PaymentID: "pi_1"})
	require.NoError(t, err)
	require.NotNil(t, l)
	require.Nil(t, l.ExpiresAt)
	require.Nil(t, l.MaxInstances)

	got := env.licenses.Validate(ctx, l.LicenseKey)
	require.True(t, got.Valid)
}

func TestCheckoutRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.proc.Process(context.Background(), newEvent(t, "evt_bad", EventCheckoutCompleted, CheckoutCompleted{
		Mode:          CheckoutModePayment,
		CustomerEmail: "buyer@example.com",
		Tier:          "GOLD",
	}))
	require.ErrorIs(t, err, ErrInvalidPayload)

	err = env.proc.Process(context.Background(), Event{ID: "evt_bad2", Type: EventCheckoutCompleted, Data: json.RawMessage(`[`)})
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestInvoiceReplayRenewsOnce(t *testing.T) {
	notifier, rec := recordingNotifier(t)
	env := newTestEnv(t, notifier)
	ctx := context.Background()

	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))
	issued := env.onlyLicense(t)
	rec.reset()

	env.clock.Set(periodEnd.Add(time.Hour))
	first := invoiceEvent(t, "evt_a", EventInvoicePaymentSucceeded, "in_123", periodEnd, nextEnd)
	require.NoError(t, env.proc.Process(ctx, first))

	l := env.onlyLicense(t)
	require.Equal(t, issued.CurrentVersion+1, l.CurrentVersion)
	require.True(t, l.ExpiresAt.Equal(nextEnd))
	require.Equal(t, int64(1), env.fileVersions(t, "in_123"))
	require.Equal(t, []notification.Template{notification.TemplateRenewalConfirmation}, rec.templates())
	require.Equal(t, "2", rec.sent[0].Data["version"])

	// the provider sends both invoice.paid and invoice.payment_succeeded for one invoice
	second := invoiceEvent(t, "evt_b", EventInvoicePaid, "in_123", periodEnd, nextEnd)
	require.NoError(t, env.proc.Process(ctx, second))
	require.NoError(t, env.proc.Process(ctx, first))

	replayed := env.onlyLicense(t)
	require.Equal(t, l.CurrentVersion, replayed.CurrentVersion)
	require.True(t, replayed.UpdatedAt.Equal(l.UpdatedAt))
	require.Equal(t, int64(1), env.fileVersions(t, "in_123"))
	require.Len(t, rec.templates(), 1)

	file, ok := env.licenses.VerifyFile(mustFileVersion(t, env, l.ID, "in_123").Document)
	require.True(t, ok)
	require.True(t, file.Expiry().ExpiredAt(nextEnd.Add(time.Second)))
}

func mustFileVersion(t *testing.T, env *testEnv, licenseID, eventID string) *license.LicenseFileVersion {
	t.Helper()
	var v license.LicenseFileVersion
	require.NoError(t, env.db.Where("license_id = ? AND event_id = ?", licenseID, eventID).Take(&v).Error)
	return &v
}

func TestInvoiceRenewalsIncrementVersion(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))

	from := periodEnd
	for i := 1; i <= 3; i++ {
		to := from.AddDate(0, 1, 0)
		env.clock.Set(from.Add(time.Hour))
		evt := invoiceEvent(t, fmt.Sprintf("evt_%d", i), EventInvoicePaid, fmt.Sprintf("in_%d", i), from, to)
		require.NoError(t, env.proc.Process(ctx, evt))
		from = to
	}

	l := env.onlyLicense(t)
	require.Equal(t, 4, l.CurrentVersion)
	require.True(t, l.ExpiresAt.Equal(from))
}

func TestInvoiceOutOfOrderDoesNotShortenLicense(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))

	later := nextEnd.AddDate(0, 1, 0)
	env.clock.Set(nextEnd.Add(time.Hour))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_2", EventInvoicePaid, "in_2", nextEnd, later)))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_1", EventInvoicePaid, "in_1", periodEnd, nextEnd)))

	l := env.onlyLicense(t)
	require.Equal(t, 3, l.CurrentVersion)
	require.True(t, l.ExpiresAt.Equal(later))
}

func TestInvoiceSubscriptionCreateSkipsRenewal(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))

	evt := newEvent(t, "evt_first", EventInvoicePaid, Invoice{
		InvoiceID:      "in_first",
		SubscriptionID: "sub_1",
		BillingReason:  BillingReasonSubscriptionCreate,
		PeriodStart:    start,
		PeriodEnd:      periodEnd,
	})
	require.NoError(t, env.proc.Process(ctx, evt))

	require.Equal(t, 1, env.onlyLicense(t).CurrentVersion)
	require.Equal(t, int64(0), env.fileVersions(t, "in_first"))
}

func TestInvoiceForUnknownSubscriptionIsRetried(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.proc.Process(context.Background(), invoiceEvent(t, "evt_1", EventInvoicePaid, "in_1", periodEnd, nextEnd))
	require.ErrorIs(t, err, license.ErrNotFound)

	err = env.proc.Process(context.Background(), invoiceEvent(t, "evt_2", EventInvoicePaymentFailed, "in_2", periodEnd, nextEnd))
	require.ErrorIs(t, err, license.ErrNotFound)
}

func TestPaymentFailedWithinGrace(t *testing.T) {
	notifier, rec := recordingNotifier(t)
	env := newTestEnv(t, notifier)
	ctx := context.Background()
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))
	rec.reset()

	env.clock.Set(periodEnd.AddDate(0, 0, 5))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_fail", EventInvoicePaymentFailed, "in_fail", periodEnd, nextEnd)))

	require.Equal(t, StatusPastDue, env.subscription(t).Status)
	l := env.onlyLicense(t)
	require.True(t, l.IsActive)
	require.Equal(t, []notification.Template{notification.TemplateGracePeriodWarning}, rec.templates())
	require.Equal(t, "2025-07-15T00:00:00Z", rec.sent[0].Data["grace_deadline"])

	// the deadline itself is still inside the grace period
	env.clock.Set(periodEnd.AddDate(0, 0, DefaultGraceDays))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_fail_2", EventInvoicePaymentFailed, "in_fail", periodEnd, nextEnd)))
	require.True(t, env.onlyLicense(t).IsActive)
}

func TestPaymentFailedAfterGraceDeactivates(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := notification.NewMockNotifier(ctrl)
	env := newTestEnv(t, notifier)
	ctx := context.Background()

	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, n notification.Notification) error {
		require.Equal(t, notification.TemplateLicenseIssued, n.Template)
		return nil
	}).Times(1)
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))
	key := env.onlyLicense(t).LicenseKey

	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, n notification.Notification) error {
		require.Equal(t, notification.TemplateLicenseExpired, n.Template)
		require.Equal(t, "customer@example.com", n.To)
		return nil
	}).Times(1)

	env.clock.Set(periodEnd.AddDate(0, 0, 20))
	evt := invoiceEvent(t, "evt_fail", EventInvoicePaymentFailed, "in_fail", periodEnd, nextEnd)
	require.NoError(t, env.proc.Process(ctx, evt))

	require.False(t, env.onlyLicense(t).IsActive)
	require.Equal(t, StatusPastDue, env.subscription(t).Status)

	got := env.licenses.Validate(ctx, key)
	require.False(t, got.Valid)
	require.Equal(t, license.ReasonInactive, got.Reason)

	// redelivery finds nothing left to deactivate and sends nothing
	require.NoError(t, env.proc.Process(ctx, evt))
}

func TestPaymentRecoveryReactivates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))

	env.clock.Set(periodEnd.AddDate(0, 0, 20))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_fail", EventInvoicePaymentFailed, "in_late", periodEnd, nextEnd)))
	require.False(t, env.onlyLicense(t).IsActive)

	env.clock.Set(periodEnd.AddDate(0, 0, 21))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_paid", EventInvoicePaid, "in_late", periodEnd, nextEnd)))

	l := env.onlyLicense(t)
	require.True(t, l.IsActive)
	require.Nil(t, l.DeactivatedAt)
	require.Equal(t, StatusActive, env.subscription(t).Status)
	require.True(t, env.licenses.Validate(ctx, l.LicenseKey).Valid)
}

func TestSubscriptionUpdated(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))

	update := func(id, status string, end *time.Time) {
		require.NoError(t, env.proc.Process(ctx, newEvent(t, id, EventSubscriptionUpdated, SubscriptionChange{
			SubscriptionID:   "sub_1",
			CustomerID:       "cus_1",
			Status:           status,
			CurrentPeriodEnd: end,
		})))
	}

	update("evt_1", "past_due", nil)
	require.Equal(t, StatusPastDue, env.subscription(t).Status)

	end := nextEnd
	update("evt_2", "active", &end)
	sub := env.subscription(t)
	require.Equal(t, StatusActive, sub.Status)
	require.True(t, sub.CurrentPeriodEnd.Equal(nextEnd))

	// cancellation arrives only through the deletion event
	update("evt_3", "canceled", nil)
	require.Equal(t, StatusActive, env.subscription(t).Status)
	require.True(t, env.onlyLicense(t).IsActive)

	// unknown subscriptions are mirrored when the update arrives first
	require.NoError(t, env.proc.Process(ctx, newEvent(t, "evt_4", EventSubscriptionUpdated, SubscriptionChange{
		SubscriptionID: "sub_2",
		Status:         "trialing",
	})))
	sub2, err := env.subs.FindByProviderID(ctx, "sub_2")
	require.NoError(t, err)
	require.Equal(t, StatusActive, sub2.Status)
}

func TestSubscriptionDeleted(t *testing.T) {
	notifier, rec := recordingNotifier(t)
	env := newTestEnv(t, notifier)
	ctx := context.Background()
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))
	rec.reset()

	evt := newEvent(t, "evt_del", EventSubscriptionDeleted, SubscriptionChange{SubscriptionID: "sub_1", Status: "canceled"})
	require.NoError(t, env.proc.Process(ctx, evt))

	sub := env.subscription(t)
	require.Equal(t, StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	require.False(t, env.onlyLicense(t).IsActive)
	require.Equal(t, []notification.Template{notification.TemplateSubscriptionCanceled}, rec.templates())

	require.NoError(t, env.proc.Process(ctx, evt))
	require.Len(t, rec.templates(), 1)

	// canceled is terminal
	end := nextEnd
	require.NoError(t, env.proc.Process(ctx, newEvent(t, "evt_upd", EventSubscriptionUpdated, SubscriptionChange{
		SubscriptionID:   "sub_1",
		Status:           "active",
		CurrentPeriodEnd: &end,
	})))
	require.Equal(t, StatusCanceled, env.subscription(t).Status)

	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_paid", EventInvoicePaid, "in_after", periodEnd, nextEnd)))
	require.False(t, env.onlyLicense(t).IsActive)
}

func TestNotifierFailureDoesNotFailEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := notification.NewMockNotifier(ctrl)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("redis down")).Times(1)

	env := newTestEnv(t, notifier)
	require.NoError(t, env.proc.Process(context.Background(), checkoutEvent(t, "evt_checkout", "sub_1")))
	require.Equal(t, int64(1), env.fileVersions(t, "cs_evt_checkout"))
}

func TestSigningUnavailableFailsEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	policy, err := license.NewFeaturePolicy(nil)
	require.NoError(t, err)

	verifyOnly := license.NewService(license.ServiceParams{
		DB:       env.db,
		Config:   config.Default(),
		Node:     node,
		Store:    license.NewGormStore(env.db),
		Keys:     license.NewKeyCustodian(nil, &signingKey().PublicKey),
		Features: policy,
		Clock:    env.clock,
	})
	env.proc.licenses = verifyOnly

	err = env.proc.Process(context.Background(), checkoutEvent(t, "evt_checkout", "sub_1"))
	require.ErrorIs(t, err, license.ErrConfiguration)

	// the transaction rolled back, a later delivery starts clean
	ls, err := verifyOnly.FindBySubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Empty(t, ls)
	sub, err := env.subs.FindByProviderID(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Nil(t, sub)
}

func TestHandleEventTask(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	task, err := NewEventTask(checkoutEvent(t, "evt_checkout", "sub_1"))
	require.NoError(t, err)
	require.NoError(t, env.proc.HandleEventTask(ctx, task))
	env.onlyLicense(t)

	bad, err := NewEventTask(Event{ID: "evt_bad", Type: EventCheckoutCompleted, Data: json.RawMessage(`{"mode":"payment"}`)})
	require.NoError(t, err)
	require.ErrorIs(t, env.proc.HandleEventTask(ctx, bad), asynq.SkipRetry)

	retry, err := NewEventTask(newEvent(t, "evt_retry", EventInvoicePaid, Invoice{
		InvoiceID:      "in_9",
		SubscriptionID: "sub_missing",
		PeriodStart:    periodEnd,
		PeriodEnd:      nextEnd,
	}))
	require.NoError(t, err)
	err = env.proc.HandleEventTask(ctx, retry)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func (e *testEnv) licenseCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&license.License{}).Count(&n).Error)
	return n
}

func TestCheckoutWithoutPaymentRefRedelivered(t *testing.T) {
	notifier, rec := recordingNotifier(t)
	env := newTestEnv(t, notifier)
	ctx := context.Background()

	withSession := newEvent(t, "evt_pay", EventCheckoutCompleted, CheckoutCompleted{
		SessionID:     "cs_pay",
		Mode:          CheckoutModePayment,
		CustomerID:    "cus_9",
		CustomerEmail: "buyer@example.com",
		Tier:          license.TierBusiness,
	})
	// no session id either: the event id keys the purchase
	withoutSession := newEvent(t, "evt_pay_2", EventCheckoutCompleted, CheckoutCompleted{
		Mode:          CheckoutModePayment,
		CustomerEmail: "buyer@example.com",
		Tier:          license.TierBusiness,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, env.proc.Process(ctx, withSession))
		require.NoError(t, env.proc.Process(ctx, withoutSession))
	}

	require.Equal(t, int64(2), env.licenseCount(t))
	require.Equal(t, int64(1), env.fileVersions(t, "cs_pay"))
	require.Equal(t, int64(1), env.fileVersions(t, "evt_pay_2"))
	require.Len(t, rec.templates(), 2)

	l, err := env.licenses.FindByProviderRef(ctx, license.ProviderRefs{CheckoutSessionID: "cs_pay"})
	require.NoError(t, err)
	require.NotNil(t, l)
	require.Equal(t, 1, l.CurrentVersion)
}

func TestCheckoutReplayAfterRenewalKeepsPeriod(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	checkout := checkoutEvent(t, "evt_checkout", "sub_1")
	require.NoError(t, env.proc.Process(ctx, checkout))

	env.clock.Set(periodEnd.Add(time.Hour))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_paid", EventInvoicePaid, "in_2", periodEnd, nextEnd)))

	// a late redelivery of the checkout carries the first period end
	require.NoError(t, env.proc.Process(ctx, checkout))
	sub := env.subscription(t)
	require.Equal(t, StatusActive, sub.Status)
	require.True(t, sub.CurrentPeriodEnd.Equal(nextEnd))

	// one day past the renewed period is inside its grace window
	env.clock.Set(nextEnd.AddDate(0, 0, 1))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_fail", EventInvoicePaymentFailed, "in_3", nextEnd, nextEnd.AddDate(0, 1, 0))))

	l := env.onlyLicense(t)
	require.True(t, l.IsActive)
	require.Equal(t, 2, l.CurrentVersion)
	require.Equal(t, StatusPastDue, env.subscription(t).Status)

	// replaying the checkout does not clear past_due
	require.NoError(t, env.proc.Process(ctx, checkout))
	require.Equal(t, StatusPastDue, env.subscription(t).Status)
	require.Equal(t, int64(1), env.fileVersions(t, "cs_evt_checkout"))
}

func TestInvoiceReplayAfterFailureKeepsPastDue(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))

	env.clock.Set(periodEnd.Add(time.Hour))
	paid := invoiceEvent(t, "evt_paid", EventInvoicePaid, "in_2", periodEnd, nextEnd)
	require.NoError(t, env.proc.Process(ctx, paid))
	renewed := env.onlyLicense(t)

	env.clock.Set(nextEnd.AddDate(0, 0, 1))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_fail", EventInvoicePaymentFailed, "in_3", nextEnd, nextEnd.AddDate(0, 1, 0))))
	require.Equal(t, StatusPastDue, env.subscription(t).Status)

	require.NoError(t, env.proc.Process(ctx, paid))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_paid_alias", EventInvoicePaymentSucceeded, "in_2", periodEnd, nextEnd)))

	sub := env.subscription(t)
	require.Equal(t, StatusPastDue, sub.Status)
	require.True(t, sub.CurrentPeriodEnd.Equal(nextEnd))

	l := env.onlyLicense(t)
	require.Equal(t, renewed.CurrentVersion, l.CurrentVersion)
	require.True(t, l.UpdatedAt.Equal(renewed.UpdatedAt))
	require.Equal(t, int64(1), env.fileVersions(t, "in_2"))
}

func TestLateSubscriptionCreateInvoiceKeepsPeriod(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.proc.Process(ctx, checkoutEvent(t, "evt_checkout", "sub_1")))

	env.clock.Set(periodEnd.Add(time.Hour))
	require.NoError(t, env.proc.Process(ctx, invoiceEvent(t, "evt_paid", EventInvoicePaid, "in_2", periodEnd, nextEnd)))

	require.NoError(t, env.proc.Process(ctx, newEvent(t, "evt_first", EventInvoicePaid, Invoice{
		InvoiceID:      "in_first",
		SubscriptionID: "sub_1",
		BillingReason:  BillingReasonSubscriptionCreate,
		PeriodStart:    start,
		PeriodEnd:      periodEnd,
	})))

	require.True(t, env.subscription(t).CurrentPeriodEnd.Equal(nextEnd))
	require.Equal(t, 2, env.onlyLicense(t).CurrentVersion)
}

func TestNotifyAllReportsFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := notification.NewMockNotifier(ctrl)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, n notification.Notification) error {
		if n.LicenseID == "ok" {
			return nil
		}
		return errors.New("smtp unavailable")
	}).Times(3)

	core, logs := observer.New(zap.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	failedBefore := promtest.ToFloat64(notificationsTotal.WithLabelValues(string(notification.TemplateLicenseExpired), outcomeFailed))

	env := newTestEnv(t, notifier)
	env.proc.notifyAll(context.Background(), []notification.Notification{
		{Template: notification.TemplateLicenseExpired, LicenseID: "ok"},
		{Template: notification.TemplateLicenseExpired, LicenseID: "a"},
		{Template: notification.TemplateLicenseExpired, LicenseID: "b"},
	})

	entries := logs.FilterMessage("failed to send notifications").All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(2), entries[0].ContextMap()["failed"])
	require.Equal(t, int64(3), entries[0].ContextMap()["total"])
	require.Contains(t, entries[0].ContextMap()["error"], "smtp unavailable")

	failedAfter := promtest.ToFloat64(notificationsTotal.WithLabelValues(string(notification.TemplateLicenseExpired), outcomeFailed))
	require.Equal(t, float64(2), failedAfter-failedBefore)
}
