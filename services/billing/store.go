package billing

import (
	"context"
	"time"

	"smallbiznis-licensing/pkg/db/option"
	"smallbiznis-licensing/pkg/repository"

	"gorm.io/gorm"
)

// SubscriptionStore persists the subscription mirror. FindByProviderID returns
// (nil, nil) when the subscription is unknown.
type SubscriptionStore interface {
	WithTrx(tx *gorm.DB) SubscriptionStore
	FindByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	Create(ctx context.Context, s *Subscription) error
	Update(ctx context.Context, s *Subscription) error
}

type gormSubscriptionStore struct {
	subscriptions repository.Repository[Subscription]
}

func NewSubscriptionStore(db *gorm.DB) SubscriptionStore {
	return &gormSubscriptionStore{subscriptions: repository.ProvideStore[Subscription](db)}
}

func (s *gormSubscriptionStore) WithTrx(tx *gorm.DB) SubscriptionStore {
	return &gormSubscriptionStore{subscriptions: s.subscriptions.WithTrx(tx)}
}

func (s *gormSubscriptionStore) FindByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, nil
	}
	return s.subscriptions.FindOne(ctx, nil, option.ApplyOperator(option.Condition{
		Field: "provider_subscription_id",
		Value: providerSubscriptionID,
	}))
}

func (s *gormSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	return s.subscriptions.Create(ctx, sub)
}

func (s *gormSubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now()
	return s.subscriptions.Update(ctx, sub.ID, map[string]any{
		"user_id":            sub.UserID,
		"customer_id":        sub.CustomerID,
		"customer_email":     sub.CustomerEmail,
		"tier":               sub.Tier,
		"status":             sub.Status,
		"current_period_end": sub.CurrentPeriodEnd,
		"canceled_at":        sub.CanceledAt,
		"updated_at":         sub.UpdatedAt,
	})
}
