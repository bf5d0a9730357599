package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const tracerName = "smallbiznis-licensing/services/license"

type Service struct {
	grpc_health_v1.UnimplementedHealthServer

	db        *gorm.DB
	store     Store
	node      *snowflake.Node
	keys      *KeyCustodian
	signer    *Signer
	features  *FeaturePolicy
	artifacts ArtifactStore
	clock     quartz.Clock
	tracer    trace.Tracer

	keyPrefix string
	retention time.Duration
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB `optional:"true"`
	Config    *config.Config
	Node      *snowflake.Node
	Store     Store
	Keys      *KeyCustodian
	Features  *FeaturePolicy
	Artifacts ArtifactStore `optional:"true"`
	Clock     quartz.Clock  `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	clock := p.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &Service{
		db:        p.DB,
		store:     p.Store,
		node:      p.Node,
		keys:      p.Keys,
		signer:    NewSigner(),
		features:  p.Features,
		artifacts: p.Artifacts,
		clock:     clock,
		tracer:    otel.Tracer(tracerName),
		keyPrefix: p.Config.Licensing.KeyPrefix,
		retention: time.Duration(p.Config.Licensing.RetentionDays) * 24 * time.Hour,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// Transaction runs fn against a copy of the service whose store is bound to one
// transaction; all writes made through it commit or roll back together.
func (s *Service) Transaction(ctx context.Context, fn func(svc *Service) error) error {
	return s.store.Transaction(ctx, func(tx Store) error {
		c := *s
		c.store = tx
		return fn(&c)
	})
}

// WithTrx returns a copy of the service bound to an outer transaction, so
// license writes can commit together with other stores sharing tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	c := *s
	c.store = s.store.WithTrx(tx)
	return &c
}

// Issue creates an active license at version 1 and returns its key.
func (s *Service) Issue(ctx context.Context, p IssueParams) (*IssueResult, error) {
	ctx, span := s.tracer.Start(ctx, "license.Issue", trace.WithAttributes(
		attribute.String("tier", string(p.Tier)),
	))
	defer span.End()

	email := strings.TrimSpace(p.CustomerEmail)
	if email == "" {
		return nil, errutil.ValidationFailed("customer email is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "customer_email", Message: "required"}))
	}
	if !p.Tier.Valid() {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown tier %q", p.Tier), nil,
			errutil.WithDetails(errutil.Detail{Field: "tier", Message: "unknown"}))
	}

	key, err := GenerateKey(s.keyPrefix, p.Tier, email)
	if err != nil {
		return nil, errutil.Internal("failed to generate license key", err)
	}

	maxInstances := p.MaxInstances
	if maxInstances == nil {
		maxInstances = DefaultMaxInstances(p.Tier)
	}

	now := s.now()
	l := &License{
		ID:                     s.node.Generate().String(),
		LicenseKey:             key,
		Tier:                   p.Tier,
		CustomerEmail:          email,
		WorkspaceID:            p.WorkspaceID,
		ExpiresAt:              p.Expiry.Ptr(),
		IsActive:               true,
		CurrentVersion:         1,
		MaxInstances:           maxInstances,
		InstanceID:             p.InstanceID,
		ProviderCustomerID:     p.ProviderRefs.CustomerID,
		ProviderPaymentID:      p.ProviderRefs.PaymentID,
		ProviderSubscriptionID: p.ProviderRefs.SubscriptionID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if p.ProviderRefs.CheckoutSessionID != "" {
		session := p.ProviderRefs.CheckoutSessionID
		l.CheckoutSessionID = &session
	}

	if err := s.store.CreateLicense(ctx, l); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "create license")
		zap.L().Error("failed to create license", zap.String("tier", string(p.Tier)), zap.Error(err))
		return nil, persistenceError("failed to create license", err)
	}

	issuedTotal.WithLabelValues(string(p.Tier)).Inc()
	zap.L().Info("license issued",
		zap.String("license_id", l.ID),
		zap.String("tier", string(l.Tier)),
		zap.Stringer("expires_at", p.Expiry),
	)

	return &IssueResult{LicenseKey: l.LicenseKey, LicenseID: l.ID}, nil
}

// Validate never fails: storage errors collapse to "validation failed".
func (s *Service) Validate(ctx context.Context, key string) ValidationResult {
	ctx, span := s.tracer.Start(ctx, "license.Validate")
	defer span.End()

	result := s.validate(ctx, key)
	if result.Valid {
		validationsTotal.WithLabelValues("valid").Inc()
	} else {
		validationsTotal.WithLabelValues(result.Reason).Inc()
	}
	span.SetAttributes(attribute.Bool("valid", result.Valid), attribute.String("reason", result.Reason))
	return result
}

func (s *Service) validate(ctx context.Context, key string) ValidationResult {
	if _, ok := ParseKey(key); !ok {
		return ValidationResult{Valid: false, Reason: ReasonNotFound}
	}

	l, err := s.store.FindLicenseByKey(ctx, key)
	if err != nil {
		zap.L().Error("failed to look up license", zap.Error(err))
		return ValidationResult{Valid: false, Reason: ReasonValidationFailed}
	}
	if l == nil || !VerifyKeyChecksum(l.LicenseKey, l.CustomerEmail) {
		return ValidationResult{Valid: false, Reason: ReasonNotFound}
	}

	if !l.IsActive {
		return ValidationResult{Valid: false, Reason: ReasonInactive, License: l.View()}
	}

	now := s.now()
	if l.Expiry().ExpiredAt(now) {
		return ValidationResult{Valid: false, Reason: ReasonExpired, License: l.View()}
	}

	if err := s.store.TouchLicenseValidated(ctx, l.ID, now); err != nil {
		zap.L().Error("failed to stamp license validation", zap.String("license_id", l.ID), zap.Error(err))
		return ValidationResult{Valid: false, Reason: ReasonValidationFailed}
	}
	l.LastValidatedAt = &now

	return ValidationResult{Valid: true, License: l.View()}
}

// Renew sets the new expiry and bumps the version. It does not check idempotency;
// callers go through AlreadyProcessed first. A concurrent renewal of the same
// license makes it fail with ErrConflict.
func (s *Service) Renew(ctx context.Context, licenseID string, newExpiry Expiry) (int, error) {
	ctx, span := s.tracer.Start(ctx, "license.Renew", trace.WithAttributes(attribute.String("license_id", licenseID)))
	defer span.End()

	l, err := s.store.FindLicenseByID(ctx, licenseID)
	if err != nil {
		return 0, persistenceError("failed to load license", err)
	}
	if l == nil {
		return 0, notFoundError(fmt.Sprintf("license %s not found", licenseID))
	}

	ok, err := s.store.RenewLicense(ctx, l.ID, l.CurrentVersion, newExpiry.Ptr(), s.now())
	if err != nil {
		span.RecordError(err)
		return 0, persistenceError("failed to renew license", err)
	}
	if !ok {
		span.SetStatus(codes.Error, "version conflict")
		return 0, conflictError(fmt.Sprintf("license %s changed during renewal", l.ID))
	}

	version := l.CurrentVersion + 1
	zap.L().Info("license renewed",
		zap.String("license_id", l.ID),
		zap.Int("version", version),
		zap.Stringer("expires_at", newExpiry),
	)
	return version, nil
}

// IssueSignedFile signs the current state of l. The returned version is not persisted.
// A nil features slice resolves features from the feature policy.
func (s *Service) IssueSignedFile(ctx context.Context, l *License, features []string) (*LicenseFileVersion, error) {
	_, span := s.tracer.Start(ctx, "license.IssueSignedFile", trace.WithAttributes(attribute.String("license_id", l.ID)))
	defer span.End()

	key := s.keys.PrivateKey()
	if key == nil {
		return nil, configurationError("signing requires private key")
	}

	if features == nil && s.features != nil {
		resolved, err := s.features.Features(l)
		if err != nil {
			return nil, signingError("failed to resolve features", err)
		}
		features = resolved
	}
	if features == nil {
		features = []string{}
	}

	now := s.now()
	payload := Payload{
		LicenseKey:    l.LicenseKey,
		Tier:          l.Tier,
		CustomerEmail: l.CustomerEmail,
		IssuedAt:      now,
		ExpiresAt:     l.ExpiresAt,
		Features:      features,
		MaxInstances:  l.MaxInstances,
		InstanceID:    l.InstanceID,
	}.normalized()

	signature, err := s.signer.Sign(payload, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	doc, err := (&File{Version: SchemaVersion, Payload: payload, Signature: signature}).Marshal()
	if err != nil {
		return nil, signingError("failed to encode license file", err)
	}

	signedFilesTotal.Inc()
	return &LicenseFileVersion{
		ID:        s.node.Generate().String(),
		LicenseID: l.ID,
		Version:   l.CurrentVersion,
		Document:  datatypes.JSON(doc),
		Signature: signature,
		ExpiresAt: payload.ExpiresAt,
		DeletesAt: now.Add(s.retention),
		CreatedAt: now,
	}, nil
}

// RecordFileVersion persists v tagged with eventID. It returns ErrAlreadyProcessed
// when another delivery of the same event won the race.
func (s *Service) RecordFileVersion(ctx context.Context, v *LicenseFileVersion, eventID string) error {
	if eventID == "" {
		return errutil.ValidationFailed("event id is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "event_id", Message: "required"}))
	}
	v.EventID = eventID
	if err := s.store.CreateLicenseFileVersion(ctx, v); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return err
		}
		return persistenceError("failed to record license file version", err)
	}
	return nil
}

// Deactivate marks the license inactive. It reports whether the state changed.
func (s *Service) Deactivate(ctx context.Context, licenseID string) (bool, error) {
	return s.setActive(ctx, licenseID, false)
}

// Reactivate marks the license active again. It reports whether the state changed.
func (s *Service) Reactivate(ctx context.Context, licenseID string) (bool, error) {
	return s.setActive(ctx, licenseID, true)
}

func (s *Service) setActive(ctx context.Context, licenseID string, active bool) (bool, error) {
	l, err := s.store.FindLicenseByID(ctx, licenseID)
	if err != nil {
		return false, persistenceError("failed to load license", err)
	}
	if l == nil {
		return false, notFoundError(fmt.Sprintf("license %s not found", licenseID))
	}

	changed, err := s.store.SetLicenseActive(ctx, l.ID, active, s.now())
	if err != nil {
		return false, persistenceError("failed to update license", err)
	}
	if changed {
		zap.L().Info("license activation changed", zap.String("license_id", l.ID), zap.Bool("active", active))
	}
	return changed, nil
}

func (s *Service) FindByID(ctx context.Context, licenseID string) (*License, error) {
	l, err := s.store.FindLicenseByID(ctx, licenseID)
	if err != nil {
		return nil, persistenceError("failed to load license", err)
	}
	return l, nil
}

func (s *Service) FindByProviderRef(ctx context.Context, refs ProviderRefs) (*License, error) {
	l, err := s.store.FindLicenseByProviderRef(ctx, refs)
	if err != nil {
		return nil, persistenceError("failed to load license", err)
	}
	return l, nil
}

func (s *Service) FindBySubscription(ctx context.Context, subscriptionID string) ([]*License, error) {
	ls, err := s.store.FindLicensesBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, persistenceError("failed to load licenses", err)
	}
	return ls, nil
}

// VerifyFile checks a license file document against the custodian's public key.
func (s *Service) VerifyFile(doc []byte) (*File, bool) {
	return s.signer.VerifyFile(doc, s.keys.PublicKey())
}
