package license

import "context"

// AlreadyProcessed reports whether a file version exists for (licenseID, eventID),
// meaning the event's effects on this license were already committed.
func (s *Service) AlreadyProcessed(ctx context.Context, licenseID, eventID string) (bool, error) {
	v, err := s.store.FindLicenseFileVersion(ctx, licenseID, eventID)
	if err != nil {
		return false, persistenceError("failed to check processed event", err)
	}
	return v != nil, nil
}
