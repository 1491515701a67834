package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"Mailflow/internal/db"
	"Mailflow/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*models.Campaign
	entries   []models.EmailQueueEntry
	writes    int
	nextID    int
	failCount error
	afterLoad func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{campaigns: make(map[string]*models.Campaign)}
}

func (f *fakeStore) addCampaign(id string, status models.CampaignStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[id] = &models.Campaign{ID: id, Name: id, Status: status}
}

func (f *fakeStore) setEntries(campaignID string, statuses ...models.QueueStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.CampaignID != campaignID {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	for i, s := range statuses {
		f.entries = append(f.entries, models.EmailQueueEntry{
			ID:         fmt.Sprintf("%s-%d", campaignID, i),
			CampaignID: campaignID,
			Recipient:  fmt.Sprintf("r%d@example.com", i),
			Status:     s,
		})
	}
}

func (f *fakeStore) status(id string) models.CampaignStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaigns[id].Status
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// setAfterLoad installs a hook that runs after every GetCampaign read,
// outside the store lock.
func (f *fakeStore) setAfterLoad(hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterLoad = hook
}

func (f *fakeStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	f.mu.Lock()
	c, ok := f.campaigns[id]
	var cp models.Campaign
	if ok {
		cp = *c
	}
	hook := f.afterLoad
	f.mu.Unlock()

	if !ok {
		return nil, db.ErrNotFound
	}
	if hook != nil {
		hook()
	}
	return &cp, nil
}

func (f *fakeStore) UpdateCampaignStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return db.ErrNotFound
	}
	c.Status = status
	f.writes++
	return nil
}

func (f *fakeStore) CountQueueStatuses(ctx context.Context, campaignID string) (models.QueueCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts models.QueueCounts
	if f.failCount != nil {
		return counts, f.failCount
	}
	for _, e := range f.entries {
		if e.CampaignID == campaignID {
			counts.Add(e.Status, 1)
		}
	}
	return counts, nil
}

func (f *fakeStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c.ID = fmt.Sprintf("c%d", f.nextID)
	cp := *c
	f.campaigns[c.ID] = &cp
	return nil
}

func (f *fakeStore) InsertQueueEntries(ctx context.Context, campaignID string, entries []models.EmailQueueEntry) ([]models.EmailQueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inserted []models.EmailQueueEntry
	for _, e := range entries {
		dup := false
		for _, existing := range f.entries {
			if existing.CampaignID == campaignID && existing.Recipient == e.Recipient {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		f.nextID++
		e.ID = fmt.Sprintf("e%d", f.nextID)
		e.CampaignID = campaignID
		e.Status = models.StatusQueued
		f.entries = append(f.entries, e)
		inserted = append(inserted, e)
	}
	return inserted, nil
}

func (f *fakeStore) QueuedEntryIDs(ctx context.Context, campaignID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, e := range f.entries {
		if e.CampaignID == campaignID && e.Status == models.StatusQueued {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (f *fakeStore) CampaignsWithQueuedEntries(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	seen := make(map[string]bool)
	for _, e := range f.entries {
		c, ok := f.campaigns[e.CampaignID]
		if !ok || e.Status != models.StatusQueued || seen[c.ID] {
			continue
		}
		switch c.Status {
		case models.CampaignDraft, models.CampaignScheduled, models.CampaignSending:
			seen[c.ID] = true
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []models.EmailJob
	err  error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, jobs []models.EmailJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, jobs...)
	return nil
}

var errStoreDown = errors.New("store unavailable")
