package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"Mailflow/internal/models"
)

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
}

// AMQPPublisher publishes jobs to a durable RabbitMQ queue.
type AMQPPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	q, err := declareQueue(ch, queue)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", queue, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, queue: q.Name}, nil
}

func (p *AMQPPublisher) Dispatch(ctx context.Context, jobs []models.EmailJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := json.Marshal(job)
		if err != nil {
			return err
		}

		err = p.ch.Publish(
			"",      // default exchange
			p.queue, // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    job.EntryID,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish entry %s: %w", job.EntryID, err)
		}
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// AMQPConsumer acknowledges each delivery only after its handler returned.
type AMQPConsumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	prefetch int
	log      *zap.Logger
}

func NewAMQPConsumer(url, queue string, prefetch int, logger *zap.Logger) (*AMQPConsumer, error) {
	if prefetch <= 0 {
		prefetch = 1
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if _, err := declareQueue(ch, queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", queue, err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}

	return &AMQPConsumer{conn: conn, ch: ch, queue: queue, prefetch: prefetch, log: logger}, nil
}

// Run consumes with `workers` goroutines until ctx is cancelled or the
// broker closes the delivery channel.
func (c *AMQPConsumer) Run(ctx context.Context, workers int, handle Handler) error {
	msgs, err := c.ch.Consume(
		c.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						c.log.Warn("amqp delivery channel closed", zap.Int("worker_id", id))
						return
					}
					handleDelivery(ctx, d, handle, c.log)
				}
			}
		}(i)
	}

	c.log.Info("consuming email jobs",
		zap.String("queue", c.queue),
		zap.Int("workers", workers),
		zap.Int("prefetch", c.prefetch),
	)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("amqp delivery channel closed")
}

func (c *AMQPConsumer) Close() error {
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// handleDelivery acks processed and malformed jobs. A failed job is requeued
// once; a redelivered job that fails again is dropped and its entry stays
// queued.
func handleDelivery(ctx context.Context, d amqp.Delivery, handle Handler, log *zap.Logger) {
	var job models.EmailJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.EntryID == "" {
		log.Warn("dropping malformed job", zap.ByteString("body", d.Body), zap.Error(err))
		if err := d.Ack(false); err != nil {
			log.Error("amqp ack failed", zap.Error(err))
		}
		return
	}

	if err := handle(ctx, job); err != nil {
		requeue := !d.Redelivered
		log.Warn("job failed",
			zap.String("entry_id", job.EntryID),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		if err := d.Nack(false, requeue); err != nil {
			log.Error("amqp nack failed", zap.Error(err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error("amqp ack failed", zap.String("entry_id", job.EntryID), zap.Error(err))
	}
}
