package service

import "tripsync-server/internal/domain"

// VersionConflictError rejects a stale scalar update and carries the full
// current record, so the caller can show the user both versions and let
// them choose: resubmit stamped with Remote.Version, or discard.
type VersionConflictError struct {
	Remote *domain.TripRecord
}

func (e *VersionConflictError) Error() string {
	return "trip was modified by someone else"
}
