package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// HandlerFunc processes one job. A returned error dead-letters the delivery.
type HandlerFunc func(ctx context.Context, jobID string) error

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
	logger      *zap.Logger
}

func NewConsumer(url, queue string, concurrency int, logger *zap.Logger) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, concurrency: concurrency, logger: logger}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run feeds deliveries to a pool of handlers until ctx is cancelled or the
// broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.deliver(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq: delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, workerID int, d amqp.Delivery, handle HandlerFunc) {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		c.logger.Warn("bad job message", zap.Int("worker", workerID), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := handle(ctx, m.JobID); err != nil {
		c.logger.Error("job failed",
			zap.Int("worker", workerID),
			zap.String("job_id", m.JobID),
			zap.Duration("cost", time.Since(start)),
			zap.Error(err),
		)
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Warn("ack failed", zap.String("job_id", m.JobID), zap.Error(err))
	}
	if cost := time.Since(start); cost > 2*time.Second {
		c.logger.Info("slow job", zap.String("job_id", m.JobID), zap.Duration("cost", cost))
	}
}
