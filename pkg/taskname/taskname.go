package taskname

const (
	// Billing tasks
	BillingEvent = "billing:event"

	// License tasks
	LicenseFileVersionSweep = "license:file_version:sweep"

	// Notification tasks
	NotificationSend = "notification:send"
)
