package billing

import (
	"encoding/json"
	"time"

	"smallbiznis-licensing/services/license"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription mirrors the payment provider's subscription.
type Subscription struct {
	ID                     string       `gorm:"column:id;primaryKey"`
	ProviderSubscriptionID string       `gorm:"column:provider_subscription_id;uniqueIndex;not null"`
	UserID                 string       `gorm:"column:user_id;index"`
	CustomerID             string       `gorm:"column:customer_id;index"`
	CustomerEmail          string       `gorm:"column:customer_email"`
	Tier                   license.Tier `gorm:"column:tier;type:varchar(20)"`
	Status                 Status       `gorm:"column:status;type:varchar(20);not null"`
	CurrentPeriodEnd       *time.Time   `gorm:"column:current_period_end"`
	CanceledAt             *time.Time   `gorm:"column:canceled_at"`
	CreatedAt              time.Time    `gorm:"column:created_at"`
	UpdatedAt              time.Time    `gorm:"column:updated_at"`
}

const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
)

// Event is an authenticated billing event. Envelope signatures are checked
// before an event is enqueued.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created time.Time       `json:"created"`
	Data    json.RawMessage `json:"data"`
}

const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"
)

type CheckoutCompleted struct {
	SessionID      string       `json:"session_id"`
	Mode           string       `json:"mode"`
	CustomerID     string       `json:"customer_id"`
	CustomerEmail  string       `json:"customer_email"`
	UserID         string       `json:"user_id,omitempty"`
	SubscriptionID string       `json:"subscription_id,omitempty"`
	PaymentID      string       `json:"payment_intent_id,omitempty"`
	Tier           license.Tier `json:"tier"`
	WorkspaceID    *string      `json:"workspace_id,omitempty"`
	MaxInstances   *int         `json:"max_instances,omitempty"`
	PeriodEnd      *time.Time   `json:"current_period_end,omitempty"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
}

const BillingReasonSubscriptionCreate = "subscription_create"

type Invoice struct {
	InvoiceID      string    `json:"invoice_id"`
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id"`
	BillingReason  string    `json:"billing_reason,omitempty"`
	AmountPaid     int64     `json:"amount_paid"`
	AmountDue      int64     `json:"amount_due"`
	Currency       string    `json:"currency,omitempty"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	AttemptCount   int       `json:"attempt_count,omitempty"`
}

type SubscriptionChange struct {
	SubscriptionID   string     `json:"subscription_id"`
	CustomerID       string     `json:"customer_id"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CanceledAt       *time.Time `json:"canceled_at,omitempty"`
}

// ProviderStatus maps a provider subscription status onto the mirror states.
func ProviderStatus(s string) (Status, bool) {
	switch s {
	case "active", "trialing":
		return StatusActive, true
	case "past_due", "unpaid", "incomplete":
		return StatusPastDue, true
	case "canceled", "incomplete_expired":
		return StatusCanceled, true
	}
	return "", false
}
