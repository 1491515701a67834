package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"Mailflow/internal/db"
	"Mailflow/internal/metrics"
	"Mailflow/internal/models"
)

var ErrNotFound = db.ErrNotFound

// Store is the persistence the reconciler reads and writes.
type Store interface {
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id string, status models.CampaignStatus) error
	CountQueueStatuses(ctx context.Context, campaignID string) (models.QueueCounts, error)
}

// Reconciler re-derives a campaign's status from its queue after queue
// mutations. Calls for the same campaign are serialized within a process;
// across processes the last write wins and the next call corrects it.
type Reconciler struct {
	store Store
	log   *zap.Logger
	locks *keyedMutex
}

func NewReconciler(store Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store: store,
		log:   logger,
		locks: newKeyedMutex(),
	}
}

// Reconcile writes the derived status if it differs from the stored one.
// Store failures are returned unretried.
func (r *Reconciler) Reconcile(ctx context.Context, campaignID string) error {
	unlock := r.lock(campaignID)
	defer unlock()
	return r.reconcileLocked(ctx, campaignID)
}

// lock serializes every status write for one campaign: reconciliations and
// the service's manual transitions.
func (r *Reconciler) lock(campaignID string) (unlock func()) {
	return r.locks.Lock(campaignID)
}

// reconcileLocked expects the caller to hold lock(campaignID).
func (r *Reconciler) reconcileLocked(ctx context.Context, campaignID string) error {
	result, err := r.reconcile(ctx, campaignID)
	if err != nil {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return err
	}
	metrics.Reconciliations.WithLabelValues(result).Inc()
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, campaignID string) (string, error) {
	c, err := r.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
		}
		return "", fmt.Errorf("load campaign: %w", err)
	}
	if c.Status.Frozen() {
		return "frozen", nil
	}

	counts, err := r.store.CountQueueStatuses(ctx, campaignID)
	if err != nil {
		return "", fmt.Errorf("count queue entries: %w", err)
	}
	if counts.Total() == 0 {
		return "empty", nil
	}

	next := DeriveStatus(c.Status, counts)
	if next == c.Status {
		return "unchanged", nil
	}

	if err := r.store.UpdateCampaignStatus(ctx, campaignID, next); err != nil {
		return "", fmt.Errorf("write campaign status: %w", err)
	}

	r.log.Info("campaign status reconciled",
		zap.String("campaign_id", campaignID),
		zap.String("from", string(c.Status)),
		zap.String("to", string(next)),
		zap.Int("queued", counts.Queued),
		zap.Int("processing", counts.Processing),
		zap.Int("sent", counts.Sent),
		zap.Int("failed", counts.Failed),
	)
	metrics.StatusTransitions.WithLabelValues(string(c.Status), string(next)).Inc()
	return "changed", nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
