package campaign

import "Mailflow/internal/models"

// DeriveStatus computes the campaign status implied by its queue.
//
// Paused and cancelled campaigns keep their status, as does a campaign with
// no queue entries yet. Otherwise a drained queue with at least one attempt
// means sent, and any remaining queued or processing entry means sending,
// even when nothing has been attempted yet: dispatch has begun.
func DeriveStatus(current models.CampaignStatus, counts models.QueueCounts) models.CampaignStatus {
	if current.Frozen() || counts.Total() == 0 {
		return current
	}

	attempted := counts.Sent > 0 || counts.Failed > 0
	pending := counts.Pending()

	switch {
	case pending == 0 && attempted:
		return models.CampaignSent
	case attempted:
		return models.CampaignSending
	case counts.Queued > 0 || counts.Processing > 0:
		return models.CampaignSending
	default:
		return current
	}
}
