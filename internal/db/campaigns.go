package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"Mailflow/internal/models"
)

var campaignColumns = []string{
	"id::text", "name", "status", "settings", "scheduled_at", "created_at", "updated_at",
}

func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("marshal campaign settings: %w", err)
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	sqlStr, args, err := s.sb.
		Insert("campaigns").
		Columns("id", "name", "status", "settings", "scheduled_at", "created_at", "updated_at").
		Values(c.ID, c.Name, c.Status, settings, c.ScheduledAt, c.CreatedAt, c.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build campaign insert: %w", err)
	}

	if _, err := s.Pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}

	sqlStr, args, err := s.sb.
		Select(campaignColumns...).
		From("campaigns").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build campaign select: %w", err)
	}

	var (
		c        models.Campaign
		settings []byte
	)
	err = s.Pool.QueryRow(ctx, sqlStr, args...).Scan(
		&c.ID, &c.Name, &c.Status, &settings, &c.ScheduledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &c.Settings); err != nil {
			return nil, fmt.Errorf("decode campaign settings: %w", err)
		}
	}
	return &c, nil
}

// UpdateCampaignStatus overwrites the status unconditionally.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	if !validID(id) {
		return ErrNotFound
	}

	sqlStr, args, err := s.sb.
		Update("campaigns").
		Set("status", status).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build campaign status update: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
