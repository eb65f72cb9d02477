package service

import (
	"context"
	"errors"
	"fmt"

	"tripsync-server/internal/domain"
	"tripsync-server/internal/repository"
)

// TripService owns the version-stamped update flow for the trip's scalar
// metadata. This path is deliberately orthogonal to the collaborative
// itinerary document: whole-record, user-mediated conflict resolution
// instead of automatic merge.
type TripService struct {
	trips   repository.TripRepository
	members repository.MemberRepository
}

func NewTripService(trips repository.TripRepository, members repository.MemberRepository) *TripService {
	return &TripService{trips: trips, members: members}
}

func (s *TripService) Get(ctx context.Context, tripID, userID string) (*domain.TripRecord, error) {
	if _, err := s.members.Role(ctx, tripID, userID); err != nil {
		return nil, err
	}
	return s.trips.Get(ctx, tripID)
}

// Update applies a partial update if the client's expected version still
// matches. On a mismatch it returns a *VersionConflictError holding the
// record at its current version; the compare-and-set itself happens in a
// single statement at the storage layer.
func (s *TripService) Update(ctx context.Context, tripID, userID string, req *domain.UpdateTripRequest) (*domain.TripRecord, error) {
	role, err := s.members.Role(ctx, tripID, userID)
	if err != nil {
		return nil, err
	}
	if !role.CanEdit() {
		return nil, domain.ErrAccessDenied
	}

	if req.StartDate != nil && req.EndDate != nil && *req.EndDate < *req.StartDate {
		return nil, fmt.Errorf("%w: end date before start date", domain.ErrValidation)
	}

	trip, err := s.trips.UpdateWithVersion(ctx, tripID, req)
	if err == nil {
		return trip, nil
	}
	if !errors.Is(err, domain.ErrVersionConflict) {
		return nil, err
	}

	remote, getErr := s.trips.Get(ctx, tripID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &VersionConflictError{Remote: remote}
}
