package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"tripsync-server/internal/domain"
)

// MemberRepository resolves trip membership: the owner or a shared
// collaborator with a role.
type MemberRepository interface {
	Role(ctx context.Context, tripID, userID string) (domain.TripRole, error)
	Add(ctx context.Context, tripID, userID string, role domain.TripRole) error
	Remove(ctx context.Context, tripID, userID string) error
}

type memberRepository struct {
	db db
}

func NewMemberRepository(db db) MemberRepository {
	return &memberRepository{db: db}
}

func (r *memberRepository) Role(ctx context.Context, tripID, userID string) (domain.TripRole, error) {
	const q = `
		SELECT CASE WHEN t.owner_id = @user_id THEN 'owner' ELSE m.role END
		FROM trips t
		LEFT JOIN trip_members m ON m.trip_id = t.id AND m.user_id = @user_id
		WHERE t.id = @trip_id`

	var role pgtype.Text
	err := r.db.QueryRow(ctx, q, pgx.NamedArgs{"trip_id": tripID, "user_id": userID}).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("repository.Member.Role: %w", err)
	}
	if !role.Valid {
		return "", domain.ErrAccessDenied
	}
	return domain.TripRole(role.String), nil
}

func (r *memberRepository) Add(ctx context.Context, tripID, userID string, role domain.TripRole) error {
	const q = `
		INSERT INTO trip_members (trip_id, user_id, role)
		VALUES (@trip_id, @user_id, @role)
		ON CONFLICT (trip_id, user_id) DO UPDATE SET role = EXCLUDED.role`

	_, err := r.db.Exec(ctx, q, pgx.NamedArgs{"trip_id": tripID, "user_id": userID, "role": string(role)})
	if err != nil {
		return fmt.Errorf("repository.Member.Add: %w", err)
	}
	return nil
}

func (r *memberRepository) Remove(ctx context.Context, tripID, userID string) error {
	const q = `DELETE FROM trip_members WHERE trip_id = @trip_id AND user_id = @user_id`

	tag, err := r.db.Exec(ctx, q, pgx.NamedArgs{"trip_id": tripID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("repository.Member.Remove: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
