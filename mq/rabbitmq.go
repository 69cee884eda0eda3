package mq

import (
	"context"
	"sync"
	"time"

	"github.com/JellyTony/kuproxy/events"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

type RabbitMQ struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	q    amqp.Queue
	out  chan events.ShareEvent
	once sync.Once
}

func NewRabbitMQ(url, queue string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	_ = ch.Confirm(false)
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare queue %s", queue)
	}
	r := &RabbitMQ{conn: conn, ch: ch, q: q, out: make(chan events.ShareEvent, 1024)}
	go r.consume()
	return r, nil
}

func (r *RabbitMQ) Publish(evt events.ShareEvent) error {
	b, err := sonic.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.ch.PublishWithContext(ctx, "", r.q.Name, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		Body:         b,
	})
}

func (r *RabbitMQ) consume() {
	defer close(r.out)
	msgs, err := r.ch.Consume(r.q.Name, "", false, false, false, false, nil)
	if err != nil {
		logger.WithFields(logger.Fields{"module": "mq", "queue": r.q.Name, "error": err}).Error("consume failed")
		return
	}
	for m := range msgs {
		var evt events.ShareEvent
		if sonic.Unmarshal(m.Body, &evt) == nil {
			r.out <- evt
			_ = m.Ack(false)
		} else {
			_ = m.Nack(false, false)
		}
	}
}

func (r *RabbitMQ) Subscribe() <-chan events.ShareEvent { return r.out }

// Close stops delivery; the subscription channel closes once the consumer drains.
func (r *RabbitMQ) Close() error {
	var err error
	r.once.Do(func() {
		if r.ch != nil {
			_ = r.ch.Close()
		}
		if r.conn != nil {
			err = r.conn.Close()
		}
	})
	return err
}
