package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel the sender uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSender publishes delivery jobs as persistent JSON messages on a
// durable RabbitMQ queue. The connection is opened lazily and reopened after
// any publish error.
type AMQPSender struct {
	URL   string
	Queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   amqpChannel

	// dial opens a channel; replaced in tests.
	dial func(url string) (*amqp.Connection, amqpChannel, error)
}

// NewAMQPSender returns a sender for queue on the broker at url.
func NewAMQPSender(url, queue string) *AMQPSender {
	return &AMQPSender{URL: url, Queue: queue, dial: dialAMQP}
}

func dialAMQP(url string) (*amqp.Connection, amqpChannel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	return conn, ch, nil
}

func (s *AMQPSender) channel() (amqpChannel, error) {
	if s.ch != nil {
		return s.ch, nil
	}
	dial := s.dial
	if dial == nil {
		dial = dialAMQP
	}
	conn, ch, err := dial(s.URL)
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(s.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	s.conn, s.ch = conn, ch
	return ch, nil
}

func (s *AMQPSender) reset() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn, s.ch = nil, nil
}

// Send implements Sender. Broker errors are transient.
func (s *AMQPSender) Send(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel()
	if err != nil {
		return err
	}
	err = ch.Publish("", s.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.TaskID,
		Timestamp:    time.Now().UTC(),
		Type:         msg.Channel,
		Body:         body,
	})
	if err != nil {
		log.Warn().Err(err).Str("task_id", msg.TaskID).Msg("amqp publish failed; reconnecting on next send")
		s.reset()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Close releases the broker connection.
func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil && s.conn == nil {
		return nil
	}
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	s.conn, s.ch = nil, nil
	return errors.Join(errs...)
}
