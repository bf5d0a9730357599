package license

import (
	"time"

	"gorm.io/datatypes"
)

type Tier string

const (
	TierCommunity  Tier = "COMMUNITY"
	TierDeveloper  Tier = "DEVELOPER"
	TierStartup    Tier = "STARTUP"
	TierBusiness   Tier = "BUSINESS"
	TierEnterprise Tier = "ENTERPRISE"
)

var tierCodes = map[Tier]string{
	TierCommunity:  "COM",
	TierDeveloper:  "DEV",
	TierStartup:    "STR",
	TierBusiness:   "BUS",
	TierEnterprise: "ENT",
}

// tierRank orders plans for feature rules.
var tierRank = map[Tier]int64{
	TierCommunity:  0,
	TierDeveloper:  1,
	TierStartup:    2,
	TierBusiness:   3,
	TierEnterprise: 4,
}

// Code returns the 3-letter code embedded in license keys.
func (t Tier) Code() (string, bool) {
	code, ok := tierCodes[t]
	return code, ok
}

func (t Tier) Valid() bool {
	_, ok := tierCodes[t]
	return ok
}

func TierFromCode(code string) (Tier, bool) {
	for t, c := range tierCodes {
		if c == code {
			return t, true
		}
	}
	return "", false
}

// ProviderRefs links a license to payment provider objects. CheckoutSessionID
// identifies the purchase that issued the license and is unique per license.
type ProviderRefs struct {
	CustomerID        string
	PaymentID         string
	SubscriptionID    string
	CheckoutSessionID string
}

type License struct {
	ID                     string     `gorm:"column:id;primaryKey"`
	LicenseKey             string     `gorm:"column:license_key;uniqueIndex;not null"`
	Tier                   Tier       `gorm:"column:tier;type:varchar(20);not null"`
	CustomerEmail          string     `gorm:"column:customer_email;index;not null"`
	WorkspaceID            *string    `gorm:"column:workspace_id;index"`
	ExpiresAt              *time.Time `gorm:"column:expires_at"`
	IsActive               bool       `gorm:"column:is_active;not null"`
	CurrentVersion         int        `gorm:"column:current_version;not null;default:1"`
	MaxInstances           *int       `gorm:"column:max_instances"`
	InstanceID             *string    `gorm:"column:instance_id"`
	ProviderCustomerID     string     `gorm:"column:provider_customer_id;index"`
	ProviderPaymentID      string     `gorm:"column:provider_payment_id;index"`
	ProviderSubscriptionID string     `gorm:"column:provider_subscription_id;index"`
	CheckoutSessionID      *string    `gorm:"column:checkout_session_id;uniqueIndex"`
	LastValidatedAt        *time.Time `gorm:"column:last_validated_at"`
	DeactivatedAt          *time.Time `gorm:"column:deactivated_at"`
	CreatedAt              time.Time  `gorm:"column:created_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at"`
}

// Expiry returns the tagged expiry of the license.
func (l *License) Expiry() Expiry {
	return ExpiryFromPtr(l.ExpiresAt)
}

// LicenseFileVersion is an immutable signed snapshot of a license. The pair
// (license_id, event_id) is unique and anchors billing event idempotency.
type LicenseFileVersion struct {
	ID        string         `gorm:"column:id;primaryKey"`
	LicenseID string         `gorm:"column:license_id;not null;uniqueIndex:idx_license_file_versions_event,priority:1;index"`
	EventID   string         `gorm:"column:event_id;not null;uniqueIndex:idx_license_file_versions_event,priority:2"`
	Version   int            `gorm:"column:version;not null"`
	Document  datatypes.JSON `gorm:"column:document;not null"`
	Signature string         `gorm:"column:signature;type:text;not null"`
	ExpiresAt *time.Time     `gorm:"column:expires_at"`
	DeletesAt time.Time      `gorm:"column:deletes_at;index;not null"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

// View is the license as exposed to validation callers. It carries no signature material.
type View struct {
	ID              string     `json:"id"`
	LicenseKey      string     `json:"license_key"`
	Tier            Tier       `json:"tier"`
	CustomerEmail   string     `json:"customer_email"`
	WorkspaceID     *string    `json:"workspace_id,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at"`
	IsActive        bool       `json:"is_active"`
	CurrentVersion  int        `json:"current_version"`
	MaxInstances    *int       `json:"max_instances,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
}

func (l *License) View() *View {
	return &View{
		ID:              l.ID,
		LicenseKey:      l.LicenseKey,
		Tier:            l.Tier,
		CustomerEmail:   l.CustomerEmail,
		WorkspaceID:     l.WorkspaceID,
		ExpiresAt:       l.ExpiresAt,
		IsActive:        l.IsActive,
		CurrentVersion:  l.CurrentVersion,
		MaxInstances:    l.MaxInstances,
		LastValidatedAt: l.LastValidatedAt,
	}
}

const (
	ReasonNotFound         = "not found"
	ReasonInactive         = "inactive"
	ReasonExpired          = "expired"
	ReasonValidationFailed = "validation failed"
)

type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	License *View  `json:"license,omitempty"`
}

type IssueParams struct {
	Tier          Tier
	CustomerEmail string
	Expiry        Expiry
	WorkspaceID   *string
	ProviderRefs  ProviderRefs
	MaxInstances  *int
	InstanceID    *string
}

type IssueResult struct {
	LicenseKey string
	LicenseID  string
}
