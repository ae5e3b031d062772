package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
)

// failedQueueSuffix names the dead-letter companion of each queue.
const failedQueueSuffix = "-Failed"

// publishRetries bounds publish attempts with exponential backoff.
const publishRetries = 3

// QueueClient manages a RabbitMQ connection with durable queue
// declarations, persistent delivery and a dead-letter companion per queue.
type QueueClient struct {
	url    string
	logger Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	declared map[string]bool
}

// NewQueueClient creates a client; the connection is established lazily.
func NewQueueClient(url string, logger Logger) *QueueClient {
	return &QueueClient{url: url, logger: logger, declared: map[string]bool{}}
}

// Close tears the connection down.
func (q *QueueClient) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		_ = q.channel.Close()
		q.channel = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}

// ensure reconnects and re-declares queues as needed.
func (q *QueueClient) ensure(queueName string) (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn == nil || q.conn.IsClosed() {
		conn, err := amqp.Dial(q.url)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		q.conn = conn
		q.channel = nil
		q.declared = map[string]bool{}
	}
	if q.channel == nil || q.channel.IsClosed() {
		channel, err := q.conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("amqp channel: %w", err)
		}
		q.channel = channel
	}
	if !q.declared[queueName] {
		for _, name := range []string{queueName, queueName + failedQueueSuffix} {
			if _, err := q.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
				return nil, fmt.Errorf("declare queue %s: %w", name, err)
			}
		}
		q.declared[queueName] = true
	}
	return q.channel, nil
}

// Publish ships a JSON message with persistent delivery, retrying with
// exponential backoff.
func (q *QueueClient) Publish(ctx context.Context, queueName string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < publishRetries; attempt++ {
		channel, err := q.ensure(queueName)
		if err != nil {
			lastErr = err
		} else {
			err = channel.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Headers:      amqp.Table{"retry_count": int32(attempt + 1)},
			})
			if err == nil {
				return nil
			}
			lastErr = err
		}
		q.logger.Warn(ctx, "queue publish failed",
			F("queue", queueName), F("attempt", attempt+1), F("error", lastErr.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second << attempt):
		}
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", queueName, publishRetries, lastErr)
}

// Consume delivers messages from queueName to handler until ctx ends.
// Handler errors route the message to the dead-letter queue; the consumer
// keeps going. A panicking handler is not recovered here. A token-bucket
// limiter paces redelivery storms.
func (q *QueueClient) Consume(ctx context.Context, queueName string, prefetch int, handler func(context.Context, []byte) error) error {
	channel, err := q.ensure(queueName)
	if err != nil {
		return err
	}
	if prefetch <= 0 {
		prefetch = 50
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := channel.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}
	q.logger.Info(ctx, "started consuming", F("queue", queueName))

	limiter := rate.NewLimiter(rate.Limit(200), 50)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consumer channel for %s closed", queueName)
			}
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			if err := handler(ctx, delivery.Body); err != nil {
				q.logger.Error(ctx, "message processing failed",
					F("queue", queueName), F("error", err.Error()))
				failed := map[string]interface{}{"error": err.Error(), "original": json.RawMessage(delivery.Body)}
				if pubErr := q.Publish(ctx, queueName+failedQueueSuffix, failed); pubErr != nil {
					q.logger.Error(ctx, "dead-letter publish failed", F("error", pubErr.Error()))
				}
			}
			_ = delivery.Ack(false)
		}
	}
}

// QueueEnvelope is the primary-queue message: a full chat request whose
// result is delivered through the configured channel instead of an HTTP
// return.
type QueueEnvelope struct {
	Body json.RawMessage `json:"body"`
}

// QueueWorkers runs the two consumers: the primary re-enters the chat
// pipeline; the secondary runs post-processing.
type QueueWorkers struct {
	client        *QueueClient
	primaryQueue  string
	subQueue      string
	prefetch      int
	handleChat    func(context.Context, []byte) error
	postProcessor *PostProcessor
	logger        Logger
}

// NewQueueWorkers wires the consumers. handleChat receives the raw request
// envelope and is expected to run the full chat pipeline.
func NewQueueWorkers(client *QueueClient, primaryQueue, subQueue string, prefetch int,
	handleChat func(context.Context, []byte) error, postProcessor *PostProcessor, logger Logger) *QueueWorkers {
	return &QueueWorkers{
		client:        client,
		primaryQueue:  primaryQueue,
		subQueue:      subQueue,
		prefetch:      prefetch,
		handleChat:    handleChat,
		postProcessor: postProcessor,
		logger:        logger,
	}
}

// PublishPost implements PostPublisher.
func (w *QueueWorkers) PublishPost(ctx context.Context, bundle *PostProcessBundle) error {
	return w.client.Publish(ctx, w.subQueue, bundle)
}

// PublishChat defers a chat request to the primary queue.
func (w *QueueWorkers) PublishChat(ctx context.Context, envelope interface{}) error {
	return w.client.Publish(ctx, w.primaryQueue, envelope)
}

// Run starts both consumers and blocks until ctx is cancelled. In-flight
// messages finish before return.
func (w *QueueWorkers) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.client.Consume(ctx, w.primaryQueue, w.prefetch, w.handleChat); err != nil && ctx.Err() == nil {
			w.logger.Error(ctx, "primary consumer stopped", F("error", err.Error()))
		}
	}()
	go func() {
		defer wg.Done()
		if err := w.client.Consume(ctx, w.subQueue, w.prefetch, w.handlePost); err != nil && ctx.Err() == nil {
			w.logger.Error(ctx, "secondary consumer stopped", F("error", err.Error()))
		}
	}()
	wg.Wait()
}

func (w *QueueWorkers) handlePost(ctx context.Context, body []byte) error {
	var bundle PostProcessBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return fmt.Errorf("decode post-process bundle: %w", err)
	}
	w.postProcessor.Process(ctx, &bundle)
	return nil
}
