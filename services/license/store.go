package license

import (
	"context"
	"errors"
	"time"

	"smallbiznis-licensing/pkg/db/option"
	"smallbiznis-licensing/pkg/repository"

	"gorm.io/gorm"
)

// Store persists licenses and their signed file versions. Find methods return
// (nil, nil) when nothing matches, including for empty identifiers.
// CreateLicense returns ErrAlreadyProcessed when the checkout session already
// issued a license, CreateLicenseFileVersion when the (license, event) pair
// already exists.
//
// License mutations touch only the columns they own so concurrent writers
// never revert each other.
type Store interface {
	CreateLicense(ctx context.Context, l *License) error
	FindLicenseByKey(ctx context.Context, key string) (*License, error)
	FindLicenseByID(ctx context.Context, id string) (*License, error)
	FindLicenseByProviderRef(ctx context.Context, refs ProviderRefs) (*License, error)
	FindLicensesBySubscription(ctx context.Context, subscriptionID string) ([]*License, error)
	// RenewLicense sets expires_at and bumps current_version if the row is
	// still at expectedVersion. It reports whether the row was updated.
	RenewLicense(ctx context.Context, id string, expectedVersion int, expiresAt *time.Time, at time.Time) (bool, error)
	// SetLicenseActive flips is_active and reports whether the row changed.
	SetLicenseActive(ctx context.Context, id string, active bool, at time.Time) (bool, error)
	TouchLicenseValidated(ctx context.Context, id string, at time.Time) error

	FindLicenseFileVersion(ctx context.Context, licenseID, eventID string) (*LicenseFileVersion, error)
	CreateLicenseFileVersion(ctx context.Context, v *LicenseFileVersion) error
	DeleteLicenseFileVersions(ctx context.Context, olderThan time.Time) (int64, error)

	// WithTrx binds the store to an outer transaction.
	WithTrx(tx *gorm.DB) Store
	// Transaction runs fn with a store bound to a single transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type gormStore struct {
	db       *gorm.DB
	licenses repository.Repository[License]
	versions repository.Repository[LicenseFileVersion]
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{
		db:       db,
		licenses: repository.ProvideStore[License](db),
		versions: repository.ProvideStore[LicenseFileVersion](db),
	}
}

func (s *gormStore) CreateLicense(ctx context.Context, l *License) error {
	if err := s.licenses.Create(ctx, l); err != nil {
		if l.CheckoutSessionID != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}

func eq(field string, value any) option.QueryOption {
	return option.ApplyOperator(option.Condition{Field: field, Operator: option.EQ, Value: value})
}

var oldestFirst = option.WithSortBy(option.QuerySortBy{
	SortBy:  "created_at",
	OrderBy: "asc",
})

func (s *gormStore) FindLicenseByKey(ctx context.Context, key string) (*License, error) {
	if key == "" {
		return nil, nil
	}
	return s.licenses.FindOne(ctx, nil, eq("license_key", key))
}

func (s *gormStore) FindLicenseByID(ctx context.Context, id string) (*License, error) {
	if id == "" {
		return nil, nil
	}
	return s.licenses.FindOne(ctx, nil, eq("id", id))
}

// FindLicenseByProviderRef matches the checkout session first, then the
// subscription, then the one-time payment.
func (s *gormStore) FindLicenseByProviderRef(ctx context.Context, refs ProviderRefs) (*License, error) {
	if refs.CheckoutSessionID != "" {
		l, err := s.licenses.FindOne(ctx, nil, eq("checkout_session_id", refs.CheckoutSessionID))
		if err != nil || l != nil {
			return l, err
		}
	}
	if refs.SubscriptionID != "" {
		return s.licenses.FindOne(ctx, nil, eq("provider_subscription_id", refs.SubscriptionID), oldestFirst)
	}
	if refs.PaymentID != "" {
		return s.licenses.FindOne(ctx, nil, eq("provider_payment_id", refs.PaymentID), oldestFirst)
	}
	return nil, nil
}

func (s *gormStore) FindLicensesBySubscription(ctx context.Context, subscriptionID string) ([]*License, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return s.licenses.Find(ctx, nil, eq("provider_subscription_id", subscriptionID), oldestFirst)
}

func (s *gormStore) RenewLicense(ctx context.Context, id string, expectedVersion int, expiresAt *time.Time, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&License{}).
		Where("id = ? AND current_version = ?", id, expectedVersion).
		Updates(map[string]any{
			"expires_at":      expiresAt,
			"current_version": gorm.Expr("current_version + 1"),
			"updated_at":      at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) SetLicenseActive(ctx context.Context, id string, active bool, at time.Time) (bool, error) {
	var deactivatedAt *time.Time
	if !active {
		deactivatedAt = &at
	}
	res := s.db.WithContext(ctx).Model(&License{}).
		Where("id = ? AND is_active = ?", id, !active).
		Updates(map[string]any{
			"is_active":      active,
			"deactivated_at": deactivatedAt,
			"updated_at":     at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) TouchLicenseValidated(ctx context.Context, id string, at time.Time) error {
	return s.licenses.Update(ctx, id, map[string]any{"last_validated_at": at})
}

func (s *gormStore) FindLicenseFileVersion(ctx context.Context, licenseID, eventID string) (*LicenseFileVersion, error) {
	if licenseID == "" || eventID == "" {
		return nil, nil
	}
	return s.versions.FindOne(ctx, nil, eq("license_id", licenseID), eq("event_id", eventID))
}

func (s *gormStore) CreateLicenseFileVersion(ctx context.Context, v *LicenseFileVersion) error {
	if err := s.versions.Create(ctx, v); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}

func (s *gormStore) DeleteLicenseFileVersions(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.versions.Delete(ctx, nil, option.ApplyOperator(option.Condition{
		Field:    "deletes_at",
		Operator: option.LT,
		Value:    olderThan,
	}))
}

func (s *gormStore) WithTrx(tx *gorm.DB) Store {
	if tx == nil {
		return s
	}
	return &gormStore{
		db:       tx,
		licenses: s.licenses.WithTrx(tx),
		versions: s.versions.WithTrx(tx),
	}
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTrx(tx))
	})
}
