package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tripsync-server/internal/domain"
)

// ItineraryRepository stores the collaborative document's durable form:
// the snapshot blob on the trip row plus the comment threads. It
// implements the persistence bridge's Store interface.
type ItineraryRepository interface {
	LoadItinerary(ctx context.Context, tripID string) ([]domain.Day, error)
	LoadComments(ctx context.Context, tripID string) ([]domain.CommentThread, error)
	SaveItinerary(ctx context.Context, tripID string, days []domain.Day, threads []domain.CommentThread) error
}

type itineraryRepository struct {
	db txdb
}

func NewItineraryRepository(db txdb) ItineraryRepository {
	return &itineraryRepository{db: db}
}

func (r *itineraryRepository) LoadItinerary(ctx context.Context, tripID string) ([]domain.Day, error) {
	const q = `SELECT itinerary FROM trips WHERE id = @id`

	var raw []byte
	err := r.db.QueryRow(ctx, q, pgx.NamedArgs{"id": tripID}).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository.Itinerary.Load: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil // trip exists, nothing persisted yet
	}

	var days []domain.Day
	if err := json.Unmarshal(raw, &days); err != nil {
		return nil, fmt.Errorf("repository.Itinerary.Load: decode snapshot: %w", err)
	}
	return days, nil
}

func (r *itineraryRepository) LoadComments(ctx context.Context, tripID string) ([]domain.CommentThread, error) {
	const q = `
		SELECT block_id, resolved, comments
		FROM itinerary_comments
		WHERE trip_id = @trip_id
		ORDER BY block_id`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{"trip_id": tripID})
	if err != nil {
		return nil, fmt.Errorf("repository.Itinerary.LoadComments: %w", err)
	}
	defer rows.Close()

	var threads []domain.CommentThread
	for rows.Next() {
		var (
			t   domain.CommentThread
			raw []byte
		)
		if err := rows.Scan(&t.BlockID, &t.Resolved, &raw); err != nil {
			return nil, fmt.Errorf("repository.Itinerary.LoadComments: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &t.Comments); err != nil {
			return nil, fmt.Errorf("repository.Itinerary.LoadComments: decode: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.Itinerary.LoadComments: rows: %w", err)
	}
	return threads, nil
}

// SaveItinerary writes the full snapshot and replaces the comment rows in
// one transaction, so hydration can never observe half a flush.
func (r *itineraryRepository) SaveItinerary(ctx context.Context, tripID string, days []domain.Day, threads []domain.CommentThread) error {
	if days == nil {
		days = []domain.Day{}
	}
	blob, err := json.Marshal(days)
	if err != nil {
		return fmt.Errorf("repository.Itinerary.Save: encode snapshot: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository.Itinerary.Save: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE trips SET itinerary = @itinerary WHERE id = @id`,
		pgx.NamedArgs{"id": tripID, "itinerary": blob})
	if err != nil {
		return fmt.Errorf("repository.Itinerary.Save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository.Itinerary.Save: %w", domain.ErrNotFound)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM itinerary_comments WHERE trip_id = @trip_id`,
		pgx.NamedArgs{"trip_id": tripID}); err != nil {
		return fmt.Errorf("repository.Itinerary.Save: clear comments: %w", err)
	}

	for _, t := range threads {
		comments, err := json.Marshal(t.Comments)
		if err != nil {
			return fmt.Errorf("repository.Itinerary.Save: encode comments: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO itinerary_comments (trip_id, block_id, resolved, comments)
			 VALUES (@trip_id, @block_id, @resolved, @comments)`,
			pgx.NamedArgs{"trip_id": tripID, "block_id": t.BlockID, "resolved": t.Resolved, "comments": comments}); err != nil {
			return fmt.Errorf("repository.Itinerary.Save: insert comments: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository.Itinerary.Save: commit: %w", err)
	}
	return nil
}
