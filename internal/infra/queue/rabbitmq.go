package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"coach-crm/internal/domain"
	"coach-crm/internal/infra/metrics"
)

// RabbitOutreachQueue реализует очередь задач через AMQP.
type RabbitOutreachQueue struct {
	url   string
	queue string

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// NewRabbitOutreachQueue создаёт очередь и объявляет durable queue.
func NewRabbitOutreachQueue(url, queue string) (*RabbitOutreachQueue, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	q := &RabbitOutreachQueue{url: url, queue: queue}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitOutreachQueue) connect() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	q.conn = conn
	q.ch = ch
	q.deliveries = nil
	return nil
}

func (q *RabbitOutreachQueue) reconnectLocked() error {
	if q.conn != nil && !q.conn.IsClosed() {
		return nil
	}
	return q.connect()
}

// Enqueue публикует задачу в очередь.
func (q *RabbitOutreachQueue) Enqueue(ctx context.Context, job domain.OutreachJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.reconnectLocked(); err != nil {
		return err
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. Ack с success=false возвращает
// задачу в очередь для повторной доставки.
func (q *RabbitOutreachQueue) Receive(ctx context.Context) (domain.OutreachJob, domain.OutreachAckFunc, error) {
	q.mu.Lock()
	if err := q.reconnectLocked(); err != nil {
		q.mu.Unlock()
		return domain.OutreachJob{}, nil, err
	}
	if q.deliveries == nil {
		deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			q.mu.Unlock()
			return domain.OutreachJob{}, nil, fmt.Errorf("consume: %w", err)
		}
		q.deliveries = deliveries
	}
	deliveries := q.deliveries
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return domain.OutreachJob{}, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			q.mu.Lock()
			q.deliveries = nil
			q.mu.Unlock()
			return domain.OutreachJob{}, nil, errors.New("amqp queue: канал доставки закрыт")
		}
		var job domain.OutreachJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			_ = d.Nack(false, false)
			return domain.OutreachJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}
		return job, ack, nil
	}
}

// Close закрывает соединение с брокером.
func (q *RabbitOutreachQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
