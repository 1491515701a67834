package campaign

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"Mailflow/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	ErrInvalidInput      = errors.New("invalid campaign input")
	ErrNoRecipients      = errors.New("no valid recipients")
)

// ServiceStore is everything the campaign service persists.
type ServiceStore interface {
	Store
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	InsertQueueEntries(ctx context.Context, campaignID string, entries []models.EmailQueueEntry) ([]models.EmailQueueEntry, error)
	QueuedEntryIDs(ctx context.Context, campaignID string) ([]string, error)
	CampaignsWithQueuedEntries(ctx context.Context) ([]string, error)
}

// Dispatcher hands queued entries to the mailer workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []models.EmailJob) error
}

type Service struct {
	Store      ServiceStore
	Reconciler *Reconciler
	Dispatcher Dispatcher
	Log        *zap.Logger
}

type CreateInput struct {
	Name        string                  `json:"name"`
	Settings    models.CampaignSettings `json:"settings"`
	ScheduledAt *time.Time              `json:"scheduled_at,omitempty"`
}

type Recipient struct {
	Email  string            `json:"email"`
	Fields map[string]string `json:"fields,omitempty"`
}

type SendResult struct {
	CampaignID string                `json:"campaign_id"`
	Queued     int                   `json:"messages_queued"`
	Skipped    int                   `json:"skipped"`
	Status     models.CampaignStatus `json:"status"`
}

type Details struct {
	*models.Campaign
	Stats models.QueueCounts `json:"stats"`
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Campaign, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Settings.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Settings.Content) == "" && in.Settings.TemplateID == "" {
		return nil, fmt.Errorf("%w: content or template_id is required", ErrInvalidInput)
	}

	c := &models.Campaign{
		Name:        name,
		Status:      models.CampaignDraft,
		Settings:    in.Settings,
		ScheduledAt: in.ScheduledAt,
	}
	if c.ScheduledAt != nil {
		c.Status = models.CampaignScheduled
	}

	if err := s.Store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	s.Log.Info("campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("status", string(c.Status)),
	)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Details, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	counts, err := s.Store.CountQueueStatuses(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Details{Campaign: c, Stats: counts}, nil
}

// Send queues one entry per new recipient, reconciles the campaign and
// dispatches the new entries to the workers.
func (s *Service) Send(ctx context.Context, id string, recipients []Recipient) (*SendResult, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case models.CampaignDraft, models.CampaignScheduled, models.CampaignSending:
	default:
		return nil, fmt.Errorf("%w: cannot send campaign in status %s", ErrInvalidTransition, c.Status)
	}

	entries, skipped := normalizeRecipients(recipients)
	if len(entries) == 0 {
		return nil, ErrNoRecipients
	}

	inserted, err := s.Store.InsertQueueEntries(ctx, id, entries)
	if err != nil {
		return nil, err
	}
	skipped += len(entries) - len(inserted)

	// The entries exist now; reconcile and dispatch them even if the caller
	// goes away. RedispatchQueued picks up anything a failed dispatch left.
	ctx = context.WithoutCancel(ctx)

	if err := s.Reconciler.Reconcile(ctx, id); err != nil {
		return nil, err
	}

	jobs := make([]models.EmailJob, 0, len(inserted))
	for _, e := range inserted {
		jobs = append(jobs, models.EmailJob{EntryID: e.ID, CampaignID: id})
	}
	if err := s.Dispatcher.Dispatch(ctx, jobs); err != nil {
		return nil, fmt.Errorf("dispatch queue entries: %w", err)
	}

	status := models.CampaignSending
	if updated, err := s.Store.GetCampaign(ctx, id); err == nil {
		status = updated.Status
	}

	s.Log.Info("campaign send initiated",
		zap.String("campaign_id", id),
		zap.Int("queued", len(inserted)),
		zap.Int("skipped", skipped),
	)

	return &SendResult{
		CampaignID: id,
		Queued:     len(inserted),
		Skipped:    skipped,
		Status:     status,
	}, nil
}

func (s *Service) Pause(ctx context.Context, id string) (*models.Campaign, error) {
	return s.transition(ctx, id, models.CampaignPaused,
		models.CampaignScheduled, models.CampaignSending)
}

func (s *Service) Cancel(ctx context.Context, id string) (*models.Campaign, error) {
	return s.transition(ctx, id, models.CampaignCancelled,
		models.CampaignDraft, models.CampaignScheduled, models.CampaignSending, models.CampaignPaused)
}

// Resume unfreezes a paused campaign, lets the queue decide its status and
// re-dispatches entries the workers skipped while it was paused.
func (s *Service) Resume(ctx context.Context, id string) (*models.Campaign, error) {
	if err := s.unfreeze(ctx, id); err != nil {
		return nil, err
	}
	if _, err := s.dispatchQueued(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.GetCampaign(ctx, id)
}

func (s *Service) unfreeze(ctx context.Context, id string) error {
	unlock := s.Reconciler.lock(id)
	defer unlock()

	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignPaused {
		return fmt.Errorf("%w: cannot resume campaign in status %s", ErrInvalidTransition, c.Status)
	}

	base := models.CampaignDraft
	if c.ScheduledAt != nil {
		base = models.CampaignScheduled
	}
	if err := s.Store.UpdateCampaignStatus(ctx, id, base); err != nil {
		return err
	}
	return s.Reconciler.reconcileLocked(ctx, id)
}

// RedispatchQueued hands every queued entry of an unfrozen campaign back to
// the workers. It runs at startup: jobs buffered in memory or lost to a failed
// dispatch are otherwise never retried. A job for an entry that is already
// being delivered loses the claim and is skipped.
func (s *Service) RedispatchQueued(ctx context.Context) (int, error) {
	ids, err := s.Store.CampaignsWithQueuedEntries(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, id := range ids {
		n, err := s.dispatchQueued(ctx, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Service) dispatchQueued(ctx context.Context, id string) (int, error) {
	ids, err := s.Store.QueuedEntryIDs(ctx, id)
	if err != nil {
		return 0, err
	}
	jobs := make([]models.EmailJob, 0, len(ids))
	for _, entryID := range ids {
		jobs = append(jobs, models.EmailJob{EntryID: entryID, CampaignID: id})
	}
	if err := s.Dispatcher.Dispatch(ctx, jobs); err != nil {
		return 0, fmt.Errorf("dispatch queue entries: %w", err)
	}
	return len(jobs), nil
}

func (s *Service) transition(
	ctx context.Context,
	id string,
	to models.CampaignStatus,
	from ...models.CampaignStatus,
) (*models.Campaign, error) {

	unlock := s.Reconciler.lock(id)
	defer unlock()

	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, f := range from {
		if c.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	if err := s.Store.UpdateCampaignStatus(ctx, id, to); err != nil {
		return nil, err
	}

	s.Log.Info("campaign status changed",
		zap.String("campaign_id", id),
		zap.String("from", string(c.Status)),
		zap.String("to", string(to)),
	)

	c.Status = to
	return c, nil
}

// normalizeRecipients drops malformed and duplicate addresses.
func normalizeRecipients(recipients []Recipient) ([]models.EmailQueueEntry, int) {
	seen := make(map[string]struct{}, len(recipients))
	entries := make([]models.EmailQueueEntry, 0, len(recipients))
	skipped := 0

	for _, r := range recipients {
		addr, err := mail.ParseAddress(strings.TrimSpace(r.Email))
		if err != nil {
			skipped++
			continue
		}
		email := strings.ToLower(addr.Address)
		if _, dup := seen[email]; dup {
			skipped++
			continue
		}
		seen[email] = struct{}{}

		entries = append(entries, models.EmailQueueEntry{
			Recipient: email,
			Data:      r.Fields,
		})
	}
	return entries, skipped
}
