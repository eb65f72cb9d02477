package service

import (
	"context"
	"errors"
	"testing"

	"tripsync-server/internal/domain"
)

type mockTripRepo struct {
	trips map[string]*domain.TripRecord
}

func newMockTripRepo() *mockTripRepo {
	return &mockTripRepo{trips: make(map[string]*domain.TripRecord)}
}

func (m *mockTripRepo) Get(ctx context.Context, tripID string) (*domain.TripRecord, error) {
	t, ok := m.trips[tripID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (m *mockTripRepo) UpdateWithVersion(ctx context.Context, tripID string, req *domain.UpdateTripRequest) (*domain.TripRecord, error) {
	t, ok := m.trips[tripID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if t.Version != req.ExpectedVersion {
		return nil, domain.ErrVersionConflict
	}
	if req.Title != nil {
		t.Title = *req.Title
	}
	if req.Destination != nil {
		t.Destination = *req.Destination
	}
	if req.Budget != nil {
		t.Budget = *req.Budget
	}
	t.Version++
	copied := *t
	return &copied, nil
}

type mockMemberRepo struct {
	roles map[string]domain.TripRole // "tripID/userID" -> role
}

func newMockMemberRepo() *mockMemberRepo {
	return &mockMemberRepo{roles: make(map[string]domain.TripRole)}
}

func (m *mockMemberRepo) Role(ctx context.Context, tripID, userID string) (domain.TripRole, error) {
	role, ok := m.roles[tripID+"/"+userID]
	if !ok {
		return "", domain.ErrAccessDenied
	}
	return role, nil
}

func (m *mockMemberRepo) Add(ctx context.Context, tripID, userID string, role domain.TripRole) error {
	m.roles[tripID+"/"+userID] = role
	return nil
}

func (m *mockMemberRepo) Remove(ctx context.Context, tripID, userID string) error {
	delete(m.roles, tripID+"/"+userID)
	return nil
}

func strptr(s string) *string { return &s }

func setupTripService() (*TripService, *mockTripRepo, *mockMemberRepo) {
	trips := newMockTripRepo()
	members := newMockMemberRepo()
	trips.trips["trip1"] = &domain.TripRecord{
		ID:          "trip1",
		OwnerID:     "alice",
		Title:       "Summer in Paris",
		Destination: "Paris",
		Version:     3,
	}
	members.roles["trip1/alice"] = domain.RoleOwner
	members.roles["trip1/bob"] = domain.RoleEditor
	members.roles["trip1/carol"] = domain.RoleViewer
	return NewTripService(trips, members), trips, members
}

func TestTripService_UpdateSuccess(t *testing.T) {
	svc, _, _ := setupTripService()

	trip, err := svc.Update(context.Background(), "trip1", "bob", &domain.UpdateTripRequest{
		Title:           strptr("Autumn in Paris"),
		ExpectedVersion: 3,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if trip.Title != "Autumn in Paris" {
		t.Errorf("expected updated title, got %q", trip.Title)
	}
	if trip.Version != 4 {
		t.Errorf("expected version bumped to 4, got %d", trip.Version)
	}
	// Untouched fields survive the partial update.
	if trip.Destination != "Paris" {
		t.Errorf("expected destination untouched, got %q", trip.Destination)
	}
}

func TestTripService_UpdateVersionConflict(t *testing.T) {
	svc, _, _ := setupTripService()

	// Alice's edit lands first and bumps the version to 4.
	if _, err := svc.Update(context.Background(), "trip1", "alice", &domain.UpdateTripRequest{
		Title:           strptr("Winter in Paris"),
		ExpectedVersion: 3,
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Bob still holds version 3; his write must not clobber alice's.
	_, err := svc.Update(context.Background(), "trip1", "bob", &domain.UpdateTripRequest{
		Title:           strptr("Spring in Paris"),
		ExpectedVersion: 3,
	})
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.Remote == nil || conflict.Remote.Version != 4 {
		t.Fatalf("expected conflict to carry the current record, got %+v", conflict.Remote)
	}
	if conflict.Remote.Title != "Winter in Paris" {
		t.Errorf("expected alice's title in the conflict record, got %q", conflict.Remote.Title)
	}

	// A resubmit stamped with the remote's version goes through.
	trip, err := svc.Update(context.Background(), "trip1", "bob", &domain.UpdateTripRequest{
		Title:           strptr("Spring in Paris"),
		ExpectedVersion: conflict.Remote.Version,
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if trip.Version != 5 || trip.Title != "Spring in Paris" {
		t.Errorf("expected resubmit applied, got %+v", trip)
	}
}

func TestTripService_UpdateAuthorization(t *testing.T) {
	svc, _, _ := setupTripService()

	if _, err := svc.Update(context.Background(), "trip1", "carol", &domain.UpdateTripRequest{
		Title:           strptr("x"),
		ExpectedVersion: 3,
	}); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("expected viewers blocked from updates, got %v", err)
	}

	if _, err := svc.Update(context.Background(), "trip1", "mallory", &domain.UpdateTripRequest{
		Title:           strptr("x"),
		ExpectedVersion: 3,
	}); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("expected non-members blocked, got %v", err)
	}
}

func TestTripService_UpdateDateValidation(t *testing.T) {
	svc, _, _ := setupTripService()

	_, err := svc.Update(context.Background(), "trip1", "alice", &domain.UpdateTripRequest{
		StartDate:       strptr("2026-06-10"),
		EndDate:         strptr("2026-06-01"),
		ExpectedVersion: 3,
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error for inverted dates, got %v", err)
	}
}

func TestTripService_Get(t *testing.T) {
	svc, _, _ := setupTripService()

	trip, err := svc.Get(context.Background(), "trip1", "carol")
	if err != nil {
		t.Fatalf("expected viewers to read, got %v", err)
	}
	if trip.ID != "trip1" {
		t.Errorf("expected trip1, got %+v", trip)
	}

	if _, err := svc.Get(context.Background(), "trip1", "mallory"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("expected non-members blocked from reads, got %v", err)
	}
}
