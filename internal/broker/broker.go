// Package broker delivers job messages from producers to workers over a topic
// exchange with durable queues and explicit acknowledgement.
package broker

import (
	"context"
	"errors"
	"sync"

	"background-jobs/internal/models"
)

var (
	// ErrNotConnected is returned by every operation before Connect succeeds
	// or after Disconnect.
	ErrNotConnected = errors.New("broker not connected")
	// ErrUnroutable is returned by Publish when no queue binding matches the
	// routing key.
	ErrUnroutable = errors.New("no queue bound for routing key")
	// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
	ErrAlreadySettled = errors.New("delivery already settled")
)

// Broker is the contract the dispatcher and workers depend on.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Ping(ctx context.Context) error

	// DeclareQueue creates queue if needed and binds it to the exchange with
	// a topic pattern. Declaring an existing queue is a no-op apart from
	// refreshing its binding.
	DeclareQueue(ctx context.Context, queue, bindingPattern string) error
	// Publish persists msg on every queue whose binding matches routingKey.
	Publish(ctx context.Context, routingKey string, msg models.Message, priority int) error
	// Consume invokes h for each delivery on queue until ctx is cancelled.
	Consume(ctx context.Context, queue string, h Handler) error
	QueueInfo(ctx context.Context, queue string) (QueueInfo, error)
}

// Handler processes one delivery. It must settle the delivery with Ack or
// Nack; unsettled deliveries are redelivered after the visibility timeout.
type Handler func(ctx context.Context, d *Delivery)

// Acknowledger settles deliveries on the transport that produced them.
type Acknowledger interface {
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, requeue bool) error
}

// Delivery is a message handed to a consumer.
type Delivery struct {
	Acknowledger Acknowledger

	ID          string
	Queue       string
	RoutingKey  string
	Priority    int
	Body        []byte
	Redelivered bool

	mu      sync.Mutex
	settled bool
}

// Ack removes the message from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.Acknowledger.Ack(ctx, d)
}

// Nack rejects the message. With requeue it goes back on the queue, otherwise
// it is parked on the queue's dead-letter stream.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.Acknowledger.Nack(ctx, d, requeue)
}

// Settled reports whether Ack or Nack has been called.
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *Delivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return nil
}

// QueueInfo describes a queue's backlog.
type QueueInfo struct {
	Name string `json:"name"`
	// Messages counts every message on the queue, delivered or not.
	Messages int64 `json:"messages"`
	// Pending counts messages delivered but not yet settled.
	Pending     int64 `json:"pending"`
	Consumers   int64 `json:"consumers"`
	DeadLetters int64 `json:"dead_letters"`
}
