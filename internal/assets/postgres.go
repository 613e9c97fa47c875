package assets

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresResolver looks up avatar and voice assets in PostgreSQL. The
// tables are owned by the asset CRUD service; this resolver only reads.
type PostgresResolver struct {
	pool *pgxpool.Pool
}

func NewPostgresResolver(ctx context.Context, databaseURL string) (*PostgresResolver, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresResolver{pool: pool}, nil
}

func (r *PostgresResolver) ResolveAvatar(ctx context.Context, avatarID, userID string) (Avatar, error) {
	var a Avatar
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, user_id, is_public, supports_video
		 FROM avatars
		 WHERE id = $1 AND (user_id = $2 OR is_public)`,
		avatarID, userID,
	).Scan(&a.ID, &a.Name, &a.OwnerID, &a.Public, &a.SupportsVideo)
	if errors.Is(err, pgx.ErrNoRows) {
		return Avatar{}, ErrAvatarNotFound
	}
	if err != nil {
		return Avatar{}, fmt.Errorf("resolve avatar: %w", err)
	}
	return a, nil
}

func (r *PostgresResolver) ResolveVoice(ctx context.Context, voiceID string) (Voice, error) {
	var v Voice
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, language FROM voices WHERE id = $1`,
		voiceID,
	).Scan(&v.ID, &v.Name, &v.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return Voice{}, ErrVoiceNotFound
	}
	if err != nil {
		return Voice{}, fmt.Errorf("resolve voice: %w", err)
	}
	return v, nil
}

func (r *PostgresResolver) Close() error {
	r.pool.Close()
	return nil
}

// NewResolver creates a postgres-backed resolver when configured, otherwise
// an in-memory catalog.
func NewResolver(ctx context.Context, databaseURL string) (Resolver, error) {
	if databaseURL == "" {
		return NewInMemoryResolver(), nil
	}
	return NewPostgresResolver(ctx, databaseURL)
}
