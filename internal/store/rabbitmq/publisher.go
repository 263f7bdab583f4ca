package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errMissingChatID = errors.New("rabbitmq: title job without chat_id")

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// TitleJob asks the worker to generate and store a chat title.
type TitleJob struct {
	ChatID  string `json:"chat_id"`
	Prompt  string `json:"prompt"`
	Attempt int    `json:"attempt"`
}

func RetryQueue(queue string) string { return queue + ".retry" }
func DeadQueue(queue string) string  { return queue + ".dlq" }

// DeclareTopology declares the main queue with its retry and dead-letter
// queues. Publisher and worker both call it so either may start first.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	// DLQ
	if _, err := ch.QueueDeclare(
		DeadQueue(queue),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		RetryQueue(queue),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DeadQueue(queue),
		},
	)
	return err
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return NewPublisherOnChannel(ch, queue), nil
}

// NewPublisherOnChannel publishes on a channel owned by the caller.
func NewPublisherOnChannel(ch *amqp.Channel, queue string) *Publisher {
	return &Publisher{ch: ch, queue: queue}
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// EnqueueTitle publishes a first-attempt title job.
func (p *Publisher) EnqueueTitle(ctx context.Context, chatID, prompt string) error {
	return p.publish(ctx, p.queue, TitleJob{ChatID: chatID, Prompt: prompt}, 0)
}

// Retry parks job on the retry queue; it returns to the main queue after delay.
func (p *Publisher) Retry(ctx context.Context, job TitleJob, delay time.Duration) error {
	job.Attempt++
	return p.publish(ctx, RetryQueue(p.queue), job, delay)
}

func (p *Publisher) publish(ctx context.Context, queue string, job TitleJob, ttl time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if ttl > 0 {
		msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	)
}

// DecodeTitleJob parses a delivery body.
func DecodeTitleJob(body []byte) (TitleJob, error) {
	var j TitleJob
	if err := json.Unmarshal(body, &j); err != nil {
		return TitleJob{}, err
	}
	if j.ChatID == "" {
		return TitleJob{}, errMissingChatID
	}
	return j, nil
}
