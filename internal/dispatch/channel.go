// Package dispatch moves queue entry IDs from the API to the mailer workers,
// either over an in-process channel or through RabbitMQ.
package dispatch

import (
	"context"

	"Mailflow/internal/models"
)

// Handler processes one job. A non-nil error means the job may succeed if
// delivered again.
type Handler func(ctx context.Context, job models.EmailJob) error

// ChannelDispatcher feeds the embedded worker pool.
type ChannelDispatcher struct {
	jobs chan<- models.EmailJob
}

func NewChannelDispatcher(jobs chan<- models.EmailJob) *ChannelDispatcher {
	return &ChannelDispatcher{jobs: jobs}
}

// Dispatch blocks while the channel is full. Entries that did not make it
// stay queued in the database.
func (d *ChannelDispatcher) Dispatch(ctx context.Context, jobs []models.EmailJob) error {
	for _, job := range jobs {
		select {
		case d.jobs <- job:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
