package notification

type Template string

const (
	TemplateLicenseIssued        Template = "license_issued"
	TemplateRenewalConfirmation  Template = "renewal_confirmation"
	TemplateGracePeriodWarning   Template = "grace_period_warning"
	TemplateLicenseExpired       Template = "license_expired"
	TemplateSubscriptionCanceled Template = "subscription_canceled"
)

var templates = map[Template]string{
	TemplateLicenseIssued:        "Your license is ready",
	TemplateRenewalConfirmation:  "Your license has been renewed",
	TemplateGracePeriodWarning:   "Payment failed: action required",
	TemplateLicenseExpired:       "Your license has expired",
	TemplateSubscriptionCanceled: "Your subscription was canceled",
}

// Subject returns the mail subject for t, empty for unknown templates.
func (t Template) Subject() string {
	return templates[t]
}

func (t Template) Valid() bool {
	_, ok := templates[t]
	return ok
}

// Notification is a templated message about one license. EventID, when set,
// deduplicates sends caused by redelivered billing events.
type Notification struct {
	Template   Template          `json:"template"`
	To         string            `json:"to"`
	LicenseID  string            `json:"license_id,omitempty"`
	LicenseKey string            `json:"license_key,omitempty"`
	EventID    string            `json:"event_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}
