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

// InsertQueueEntries stores entries as queued in one transaction. Recipients
// already queued for the campaign are skipped; only new entries are returned.
func (s *Store) InsertQueueEntries(
	ctx context.Context,
	campaignID string,
	entries []models.EmailQueueEntry,
) ([]models.EmailQueueEntry, error) {

	if !validID(campaignID) {
		return nil, ErrNotFound
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin queue insert: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	inserted := make([]models.EmailQueueEntry, 0, len(entries))

	for _, e := range entries {
		dataJSON, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal queue data: %w", err)
		}

		e.ID = uuid.NewString()
		e.CampaignID = campaignID
		e.Status = models.StatusQueued
		e.DeliveryStatus = models.DeliveryPending
		e.CreatedAt = now
		e.UpdatedAt = now

		sqlStr, args, err := s.sb.
			Insert("email_queue").
			Columns("id", "campaign_id", "recipient", "data", "status", "delivery_status", "created_at", "updated_at").
			Values(e.ID, campaignID, e.Recipient, dataJSON, e.Status, e.DeliveryStatus, now, now).
			Suffix("ON CONFLICT (campaign_id, recipient) DO NOTHING").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build queue insert: %w", err)
		}

		tag, err := tx.Exec(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("insert queue entry: %w", err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, e)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit queue insert: %w", err)
	}
	return inserted, nil
}

func (s *Store) CountQueueStatuses(ctx context.Context, campaignID string) (models.QueueCounts, error) {
	var counts models.QueueCounts
	if !validID(campaignID) {
		return counts, ErrNotFound
	}

	sqlStr, args, err := s.sb.
		Select("status", "COUNT(*)").
		From("email_queue").
		Where(sq.Eq{"campaign_id": campaignID}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return counts, fmt.Errorf("build queue counts: %w", err)
	}

	rows, err := s.Pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return counts, fmt.Errorf("query queue counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.QueueStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan queue counts: %w", err)
		}
		counts.Add(status, n)
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("iterate queue counts: %w", err)
	}
	return counts, nil
}

func (s *Store) GetQueueEntry(ctx context.Context, id string) (*models.EmailQueueEntry, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}

	sqlStr, args, err := s.sb.
		Select(
			"id::text", "campaign_id::text", "recipient", "data", "status", "delivery_status",
			"attempts", "last_error", "created_at", "updated_at", "sent_at",
		).
		From("email_queue").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build queue select: %w", err)
	}

	var (
		e    models.EmailQueueEntry
		data []byte
	)
	err = s.Pool.QueryRow(ctx, sqlStr, args...).Scan(
		&e.ID, &e.CampaignID, &e.Recipient, &data, &e.Status, &e.DeliveryStatus,
		&e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.SentAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("decode queue data: %w", err)
		}
	}
	return &e, nil
}

// QueuedEntryIDs lists the entries of a campaign still waiting for a worker.
func (s *Store) QueuedEntryIDs(ctx context.Context, campaignID string) ([]string, error) {
	if !validID(campaignID) {
		return nil, ErrNotFound
	}

	sqlStr, args, err := s.sb.
		Select("id::text").
		From("email_queue").
		Where(sq.Eq{"campaign_id": campaignID, "status": models.StatusQueued}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build queued ids: %w", err)
	}

	rows, err := s.Pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query queued ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect queued ids: %w", err)
	}
	return ids, nil
}

// CampaignsWithQueuedEntries lists unfrozen campaigns that still have entries
// waiting for a worker.
func (s *Store) CampaignsWithQueuedEntries(ctx context.Context) ([]string, error) {
	sqlStr, args, err := s.sb.
		Select("DISTINCT q.campaign_id::text").
		From("email_queue q").
		Join("campaigns c ON c.id = q.campaign_id").
		Where(sq.Eq{
			"q.status": string(models.StatusQueued),
			"c.status": []string{
				string(models.CampaignDraft),
				string(models.CampaignScheduled),
				string(models.CampaignSending),
			},
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending campaigns: %w", err)
	}

	rows, err := s.Pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending campaigns: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect pending campaigns: %w", err)
	}
	return ids, nil
}

// ClaimEntry moves a queued entry to processing. It reports false when the
// entry was already claimed, so redelivered jobs are not sent twice.
func (s *Store) ClaimEntry(ctx context.Context, id string) (bool, error) {
	sqlStr, args, err := s.sb.
		Update("email_queue").
		Set("status", models.StatusProcessing).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": models.StatusQueued}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build queue claim: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("claim queue entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseEntry hands a claimed entry back to the queue after an interrupted
// send. Entries no longer in processing are left alone.
func (s *Store) ReleaseEntry(ctx context.Context, id string) error {
	sqlStr, args, err := s.sb.
		Update("email_queue").
		Set("status", models.StatusQueued).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": models.StatusProcessing}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build queue release: %w", err)
	}

	if _, err := s.Pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("release queue entry: %w", err)
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, id string) error {
	sqlStr, args, err := s.sb.
		Update("email_queue").
		Set("status", models.StatusSent).
		Set("delivery_status", models.DeliverySent).
		Set("last_error", "").
		Set("sent_at", sq.Expr("NOW()")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build queue mark sent: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark queue entry sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateFailure(ctx context.Context, id string, errorMsg string) error {
	if errorMsg == "" {
		errorMsg = "unknown error"
	}

	sqlStr, args, err := s.sb.
		Update("email_queue").
		Set("status", models.StatusFailed).
		Set("delivery_status", models.DeliveryFailed).
		Set("last_error", errorMsg).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build queue mark failed: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark queue entry failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
