package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"Mailflow/internal/models"
)

func TestReconcileScenario(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addCampaign("c1", models.CampaignScheduled)
	r := NewReconciler(store, zaptest.NewLogger(t))

	queued := make([]models.QueueStatus, 10)
	for i := range queued {
		queued[i] = models.StatusQueued
	}
	store.setEntries("c1", queued...)

	if err := r.Reconcile(ctx, "c1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := store.status("c1"); got != models.CampaignSending {
		t.Fatalf("status after queueing = %s, want sending", got)
	}

	drained := make([]models.QueueStatus, 0, 10)
	for i := 0; i < 7; i++ {
		drained = append(drained, models.StatusSent)
	}
	for i := 0; i < 3; i++ {
		drained = append(drained, models.StatusFailed)
	}
	store.setEntries("c1", drained...)

	if err := r.Reconcile(ctx, "c1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := store.status("c1"); got != models.CampaignSent {
		t.Fatalf("status after drain = %s, want sent", got)
	}

	writes := store.writeCount()
	if err := r.Reconcile(ctx, "c1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if store.writeCount() != writes {
		t.Fatalf("idempotent reconcile wrote again: %d -> %d", writes, store.writeCount())
	}
}

func TestReconcileFrozenNeverWrites(t *testing.T) {
	for _, status := range []models.CampaignStatus{models.CampaignPaused, models.CampaignCancelled} {
		t.Run(string(status), func(t *testing.T) {
			store := newFakeStore()
			store.addCampaign("c1", status)
			store.setEntries("c1", models.StatusSent, models.StatusQueued, models.StatusFailed)

			r := NewReconciler(store, zaptest.NewLogger(t))
			if err := r.Reconcile(context.Background(), "c1"); err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if store.writeCount() != 0 {
				t.Fatalf("frozen campaign written %d times", store.writeCount())
			}
			if got := store.status("c1"); got != status {
				t.Fatalf("status = %s, want %s", got, status)
			}
		})
	}
}

func TestReconcileWithoutEntriesIsNoop(t *testing.T) {
	store := newFakeStore()
	store.addCampaign("c1", models.CampaignScheduled)

	r := NewReconciler(store, zaptest.NewLogger(t))
	if err := r.Reconcile(context.Background(), "c1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if store.writeCount() != 0 || store.status("c1") != models.CampaignScheduled {
		t.Fatalf("campaign without entries changed: writes=%d status=%s", store.writeCount(), store.status("c1"))
	}
}

func TestReconcileUnknownCampaign(t *testing.T) {
	r := NewReconciler(newFakeStore(), zaptest.NewLogger(t))

	err := r.Reconcile(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReconcilePropagatesStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.addCampaign("c1", models.CampaignSending)
	store.failCount = errStoreDown

	r := NewReconciler(store, zaptest.NewLogger(t))
	if err := r.Reconcile(context.Background(), "c1"); !errors.Is(err, errStoreDown) {
		t.Fatalf("err = %v, want store error", err)
	}
}

func TestReconcileConcurrentCallsConverge(t *testing.T) {
	store := newFakeStore()
	store.addCampaign("c1", models.CampaignScheduled)
	store.setEntries("c1", models.StatusSent, models.StatusFailed)

	r := NewReconciler(store, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Reconcile(context.Background(), "c1"); err != nil {
				t.Errorf("Reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := store.status("c1"); got != models.CampaignSent {
		t.Fatalf("status = %s, want sent", got)
	}
	if store.writeCount() != 1 {
		t.Fatalf("writes = %d, want exactly 1 with serialized reconciliation", store.writeCount())
	}
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Fatalf("locks retained after unlock: %d", len(k.locks))
	}
}
