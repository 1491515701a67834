package models

import "time"

// QueueStatus is the lifecycle state of one queued email.
type QueueStatus string

const (
	StatusQueued     QueueStatus = "queued"
	StatusProcessing QueueStatus = "processing"
	StatusSent       QueueStatus = "sent"
	StatusFailed     QueueStatus = "failed"
)

func (s QueueStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSent, StatusFailed:
		return true
	}
	return false
}

// DeliveryStatus tracks what happened to a message after it left the queue.
// It feeds analytics only and never drives campaign status.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryFailed    DeliveryStatus = "failed"
)

// EmailQueueEntry is one recipient of one campaign send.
type EmailQueueEntry struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Recipient  string            `json:"recipient"`
	Data       map[string]string `json:"data,omitempty"`

	Status         QueueStatus    `json:"status"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// QueueCounts buckets the queue entries of a campaign by status.
type QueueCounts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

func (c QueueCounts) Pending() int {
	return c.Queued + c.Processing
}

func (c QueueCounts) Total() int {
	return c.Pending() + c.Sent + c.Failed
}

// Add increments the bucket for status by n. Unknown statuses are ignored.
func (c *QueueCounts) Add(status QueueStatus, n int) {
	switch status {
	case StatusQueued:
		c.Queued += n
	case StatusProcessing:
		c.Processing += n
	case StatusSent:
		c.Sent += n
	case StatusFailed:
		c.Failed += n
	}
}

// EmailJob is what travels from the dispatcher to a worker.
type EmailJob struct {
	EntryID    string `json:"entry_id"`
	CampaignID string `json:"campaign_id"`
}
