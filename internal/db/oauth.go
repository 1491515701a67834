package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"Mailflow/internal/models"
)

func (s *Store) SaveState(ctx context.Context, st *models.OAuthState) error {
	sqlStr, args, err := s.sb.
		Insert("oauth_states").
		Columns("provider", "state", "user_id", "redirect_uri", "expires_at", "used", "created_at").
		Values(st.Provider, st.State, st.UserID, st.RedirectURI, st.ExpiresAt, st.Used, st.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build state insert: %w", err)
	}

	if _, err := s.Pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert oauth state: %w", err)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, provider, state string) (*models.OAuthState, error) {
	sqlStr, args, err := s.sb.
		Select("provider", "state", "user_id", "redirect_uri", "expires_at", "used", "created_at", "used_at").
		From("oauth_states").
		Where(sq.Eq{"provider": provider, "state": state}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build state select: %w", err)
	}

	var st models.OAuthState
	err = s.Pool.QueryRow(ctx, sqlStr, args...).Scan(
		&st.Provider, &st.State, &st.UserID, &st.RedirectURI,
		&st.ExpiresAt, &st.Used, &st.CreatedAt, &st.UsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth state: %w", err)
	}
	return &st, nil
}

// MarkStateUsed flips used from false to true. It reports false if another
// caller redeemed the state first or the record is gone.
func (s *Store) MarkStateUsed(ctx context.Context, provider, state string, usedAt time.Time) (bool, error) {
	sqlStr, args, err := s.sb.
		Update("oauth_states").
		Set("used", true).
		Set("used_at", usedAt).
		Where(sq.Eq{"provider": provider, "state": state, "used": false}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build state redeem: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("redeem oauth state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteState(ctx context.Context, provider, state string) error {
	sqlStr, args, err := s.sb.
		Delete("oauth_states").
		Where(sq.Eq{"provider": provider, "state": state}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build state delete: %w", err)
	}

	if _, err := s.Pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete oauth state: %w", err)
	}
	return nil
}

// DeleteExpiredStates removes states that expired before the cutoff.
func (s *Store) DeleteExpiredStates(ctx context.Context, before time.Time) (int, error) {
	sqlStr, args, err := s.sb.
		Delete("oauth_states").
		Where(sq.Lt{"expires_at": before}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build state cleanup: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup oauth states: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) UpsertConnection(ctx context.Context, c *models.OAuthConnection) error {
	c.UpdatedAt = time.Now().UTC()

	sqlStr, args, err := s.sb.
		Insert("oauth_connections").
		Columns("user_id", "provider", "refresh_token", "scope", "updated_at").
		Values(c.UserID, c.Provider, c.RefreshToken, c.Scope, c.UpdatedAt).
		Suffix("ON CONFLICT (user_id, provider) DO UPDATE SET refresh_token = EXCLUDED.refresh_token, scope = EXCLUDED.scope, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build connection upsert: %w", err)
	}

	if _, err := s.Pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert oauth connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, userID, provider string) (*models.OAuthConnection, error) {
	sqlStr, args, err := s.sb.
		Select("user_id", "provider", "refresh_token", "scope", "updated_at").
		From("oauth_connections").
		Where(sq.Eq{"user_id": userID, "provider": provider}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build connection select: %w", err)
	}

	var c models.OAuthConnection
	err = s.Pool.QueryRow(ctx, sqlStr, args...).Scan(
		&c.UserID, &c.Provider, &c.RefreshToken, &c.Scope, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth connection: %w", err)
	}
	return &c, nil
}
