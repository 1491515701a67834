package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"Mailflow/internal/db"
	"Mailflow/internal/metrics"
	"Mailflow/internal/models"
)

// Store is the queue surface a worker mutates. *db.Store implements it.
type Store interface {
	GetQueueEntry(ctx context.Context, id string) (*models.EmailQueueEntry, error)
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ClaimEntry(ctx context.Context, id string) (bool, error)
	ReleaseEntry(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string) error
	UpdateFailure(ctx context.Context, id string, errorMsg string) error
}

type Mailer interface {
	SendWithRetry(ctx context.Context, c *models.Campaign, entry *models.EmailQueueEntry, retries int) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, campaignID string) error
}

type Pool struct {
	Store      Store
	Mailer     Mailer
	Reconciler Reconciler
	Limiter    *rate.Limiter
	Log        *zap.Logger
	Retries    int
}

// Start launches `workers` goroutines draining jobs until ctx is cancelled
// or jobs is closed.
func (p *Pool) Start(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	jobs <-chan models.EmailJob,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			p.Log.Info("worker started", zap.Int("worker_id", id))

			for {
				select {

				case <-ctx.Done():
					p.Log.Info("worker shutting down", zap.Int("worker_id", id))
					return

				case job, ok := <-jobs:
					if !ok {
						p.Log.Info("job channel closed", zap.Int("worker_id", id))
						return
					}

					if err := p.Process(ctx, job); err != nil {
						if ctx.Err() != nil {
							return
						}
						p.Log.Error("job failed",
							zap.Int("worker_id", id),
							zap.String("entry_id", job.EntryID),
							zap.Error(err),
						)
					}
				}
			}
		}(i)
	}
}

// Process delivers one queue entry. It returns an error when the entry could
// not be claimed because of a store or context failure, or when cancellation
// interrupted the send and the entry was put back in the queue. Delivery
// failures are recorded on the entry instead.
func (p *Pool) Process(ctx context.Context, job models.EmailJob) error {

	// ----------------------------
	// Rate Limit
	// ----------------------------
	if err := p.Limiter.Wait(ctx); err != nil {
		return err
	}

	// ----------------------------
	// Load entry + campaign
	// ----------------------------
	entry, err := p.Store.GetQueueEntry(ctx, job.EntryID)
	if errors.Is(err, db.ErrNotFound) {
		p.Log.Warn("queue entry gone", zap.String("entry_id", job.EntryID))
		return nil
	}
	if err != nil {
		return err
	}
	if entry.Status != models.StatusQueued {
		p.Log.Debug("entry already handled",
			zap.String("entry_id", entry.ID),
			zap.String("status", string(entry.Status)),
		)
		return nil
	}

	c, err := p.Store.GetCampaign(ctx, entry.CampaignID)
	if errors.Is(err, db.ErrNotFound) {
		p.Log.Warn("campaign gone", zap.String("campaign_id", entry.CampaignID))
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status.Frozen() {
		// Left queued; Resume dispatches it again.
		p.Log.Info("skipping entry of frozen campaign",
			zap.String("entry_id", entry.ID),
			zap.String("campaign_id", c.ID),
			zap.String("status", string(c.Status)),
		)
		return nil
	}

	// ----------------------------
	// Mark as Processing
	// ----------------------------
	claimed, err := p.Store.ClaimEntry(ctx, entry.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	p.reconcile(ctx, c.ID)

	// The outcome is written even when shutdown interrupts the send.
	storeCtx := context.WithoutCancel(ctx)

	// ----------------------------
	// Send Email
	// ----------------------------
	if err := p.Mailer.SendWithRetry(ctx, c, entry, p.Retries); err != nil {

		if ctx.Err() != nil {
			// Interrupted, not failed: the entry goes back to the queue.
			p.Log.Warn("email send interrupted",
				zap.String("entry_id", entry.ID),
				zap.Error(err),
			)
			if dbErr := p.Store.ReleaseEntry(storeCtx, entry.ID); dbErr != nil {
				p.Log.Error("failed to release entry",
					zap.String("entry_id", entry.ID),
					zap.Error(dbErr),
				)
			}
			p.reconcile(storeCtx, c.ID)
			return ctx.Err()
		}

		p.Log.Error("email send failed",
			zap.String("entry_id", entry.ID),
			zap.String("to", entry.Recipient),
			zap.Error(err),
		)

		if dbErr := p.Store.UpdateFailure(storeCtx, entry.ID, err.Error()); dbErr != nil {
			p.Log.Error("failed to update failure status",
				zap.String("entry_id", entry.ID),
				zap.Error(dbErr),
			)
		}

		metrics.EmailFailures.Inc()
		p.reconcile(storeCtx, c.ID)
		return nil
	}

	// ----------------------------
	// Mark as Sent
	// ----------------------------
	if err := p.Store.MarkSent(storeCtx, entry.ID); err != nil {
		p.Log.Error("failed to update sent status",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
	}

	p.Log.Info("email sent successfully",
		zap.String("entry_id", entry.ID),
		zap.String("to", entry.Recipient),
	)

	metrics.EmailsSent.Inc()
	p.reconcile(storeCtx, c.ID)
	return nil
}

func (p *Pool) reconcile(ctx context.Context, campaignID string) {
	if err := p.Reconciler.Reconcile(ctx, campaignID); err != nil {
		p.Log.Error("campaign reconcile failed",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
	}
}
