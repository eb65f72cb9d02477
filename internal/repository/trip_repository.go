package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"tripsync-server/internal/domain"
)

const tripColumns = `id, owner_id, title, destination, start_date, end_date,
	budget, travelers, pace, interests, completion, image_url, version,
	created_at, updated_at`

// TripRepository persists the trip's scalar metadata record. The version
// column is the only concurrency control: UpdateWithVersion is a single
// conditional statement, never a read-then-write pair.
type TripRepository interface {
	Get(ctx context.Context, tripID string) (*domain.TripRecord, error)

	// UpdateWithVersion applies the partial update if and only if the
	// stored version equals expectedVersion, incrementing it atomically.
	// Returns domain.ErrVersionConflict when the versions differ and
	// domain.ErrNotFound when the trip does not exist.
	UpdateWithVersion(ctx context.Context, tripID string, req *domain.UpdateTripRequest) (*domain.TripRecord, error)
}

type tripRepository struct {
	db db
}

func NewTripRepository(db db) TripRepository {
	return &tripRepository{db: db}
}

func (r *tripRepository) Get(ctx context.Context, tripID string) (*domain.TripRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM trips WHERE id = @id`, tripColumns)

	row := r.db.QueryRow(ctx, q, pgx.NamedArgs{"id": tripID})
	trip, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repository.Trip.Get: %w", err)
	}
	return trip, nil
}

func (r *tripRepository) UpdateWithVersion(ctx context.Context, tripID string, req *domain.UpdateTripRequest) (*domain.TripRecord, error) {
	// COALESCE keeps the stored value wherever the partial update left
	// the field nil. The version guard and increment happen in the same
	// statement, so two racing writers can never both succeed.
	q := fmt.Sprintf(`
		UPDATE trips SET
			title       = COALESCE(@title, title),
			destination = COALESCE(@destination, destination),
			start_date  = COALESCE(@start_date, start_date),
			end_date    = COALESCE(@end_date, end_date),
			budget      = COALESCE(@budget, budget),
			travelers   = COALESCE(@travelers, travelers),
			pace        = COALESCE(@pace, pace),
			interests   = COALESCE(@interests, interests),
			completion  = COALESCE(@completion, completion),
			image_url   = COALESCE(@image_url, image_url),
			version     = version + 1,
			updated_at  = now()
		WHERE id = @id AND version = @expected_version
		RETURNING %s`, tripColumns)

	var interests any
	if req.Interests != nil {
		interests = *req.Interests
	}

	args := pgx.NamedArgs{
		"id":               tripID,
		"title":            req.Title,
		"destination":      req.Destination,
		"start_date":       req.StartDate,
		"end_date":         req.EndDate,
		"budget":           req.Budget,
		"travelers":        req.Travelers,
		"pace":             req.Pace,
		"interests":        interests,
		"completion":       req.Completion,
		"image_url":        req.ImageURL,
		"expected_version": req.ExpectedVersion,
	}

	row := r.db.QueryRow(ctx, q, args)
	trip, err := scanTrip(row)
	if err == nil {
		return trip, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repository.Trip.UpdateWithVersion: %w", err)
	}

	// No row matched: the trip is missing or the version moved on.
	var current int64
	err = r.db.QueryRow(ctx, `SELECT version FROM trips WHERE id = @id`, pgx.NamedArgs{"id": tripID}).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository.Trip.UpdateWithVersion: %w", err)
	}
	return nil, domain.ErrVersionConflict
}

func scanTrip(s scanner) (*domain.TripRecord, error) {
	var (
		t         domain.TripRecord
		startDate pgtype.Date
		endDate   pgtype.Date
	)

	err := s.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Destination, &startDate, &endDate,
		&t.Budget, &t.Travelers, &t.Pace, &t.Interests, &t.Completion, &t.ImageURL,
		&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if startDate.Valid {
		t.StartDate = startDate.Time.Format("2006-01-02")
	}
	if endDate.Valid {
		t.EndDate = endDate.Time.Format("2006-01-02")
	}
	return &t, nil
}
