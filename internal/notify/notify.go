// Package notify announces freshly processed distributions on an AMQP queue.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"cms-extractor/internal/state"
)

// Event is the message body for one processed distribution.
type Event struct {
	Type            string `json:"type"` // "distribution_ready"
	RunID           string `json:"run_id"`
	Identifier      string `json:"identifier"`
	DistributionKey string `json:"distribution_key"`
	Title           string `json:"title"`
	LastModified    string `json:"last_modified"`
	OutputFile      string `json:"output_file"`
	ProcessedAt     string `json:"processed_at"`
}

const EventDistributionReady = "distribution_ready"

// NewEvent describes a record merged by run runID.
func NewEvent(runID string, rec state.Record, outputFile string) Event {
	return Event{
		Type:            EventDistributionReady,
		RunID:           runID,
		Identifier:      rec.Identifier,
		DistributionKey: rec.DistributionID,
		Title:           rec.Title,
		LastModified:    rec.LastModified,
		OutputFile:      outputFile,
		ProcessedAt:     rec.LastProcessed,
	}
}

// channel is the part of *amqp.Channel used here.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type AMQPNotifier struct {
	conn  *amqp.Connection
	ch    channel
	queue string
}

// Dial connects to the broker and declares the durable queue.
func Dial(url, queue string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	n, err := newNotifier(ch, queue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	n.conn = conn
	return n, nil
}

func newNotifier(ch channel, queue string) (*AMQPNotifier, error) {
	// durable queue for downstream loaders
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp queue declare %s: %w", queue, err)
	}
	return &AMQPNotifier{ch: ch, queue: queue}, nil
}

// Notify publishes one persistent JSON message per event. It stops at the
// first failure.
func (n *AMQPNotifier) Notify(ctx context.Context, events []Event) (int, error) {
	for i, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return i, fmt.Errorf("encode event: %w", err)
		}
		err = n.ch.PublishWithContext(ctx,
			"", n.queue, false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    ev.RunID + "/" + ev.DistributionKey,
				Type:         ev.Type,
				Body:         body,
			},
		)
		if err != nil {
			return i, fmt.Errorf("publish %s: %w", ev.DistributionKey, err)
		}
	}
	return len(events), nil
}

func (n *AMQPNotifier) Close() error {
	var errs []error
	if n.ch != nil {
		errs = append(errs, n.ch.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}
