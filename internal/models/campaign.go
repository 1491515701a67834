package models

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Frozen reports whether queue activity must leave the status alone.
func (s CampaignStatus) Frozen() bool {
	return s == CampaignPaused || s == CampaignCancelled
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignSending, CampaignSent, CampaignPaused, CampaignCancelled:
		return true
	}
	return false
}

type CampaignSettings struct {
	Subject     string   `json:"subject"`
	Content     string   `json:"content,omitempty"`
	TemplateID  string   `json:"template_id,omitempty"`
	FromName    string   `json:"from_name,omitempty"`
	TargetTags  []string `json:"target_tags,omitempty"`
	TrackOpens  bool     `json:"track_opens"`
	TrackClicks bool     `json:"track_clicks"`
}

type Campaign struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Status      CampaignStatus   `json:"status"`
	Settings    CampaignSettings `json:"settings"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
