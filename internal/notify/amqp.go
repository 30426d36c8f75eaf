package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys on the notification exchange.
const (
	RoutingOTP = "otp.deliver"
)

// publisher is satisfied by *amqp.Channel.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender publishes notifications to a topic exchange for delivery workers.
type AMQPSender struct {
	mu       sync.Mutex
	ch       publisher
	closeFns []func() error
	exchange string
	now      func() time.Time
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("notify: declare exchange: %w", err)
	}
	s := newAMQPSender(ch, exchange)
	s.closeFns = []func() error{ch.Close, conn.Close}
	return s, nil
}

func newAMQPSender(ch publisher, exchange string) *AMQPSender {
	return &AMQPSender{ch: ch, exchange: exchange, now: time.Now}
}

type otpMessage struct {
	PatientID string `json:"patient_id"`
	Code      string `json:"code"`
}

// SendOTP publishes the code for the patient's delivery worker.
func (s *AMQPSender) SendOTP(ctx context.Context, patientID, code string) error {
	return s.publish(ctx, RoutingOTP, otpMessage{PatientID: patientID, Code: code}, amqp.Table{
		"patient_id": patientID,
	})
}

// SendGrantEvent publishes ev under its kind as routing key.
func (s *AMQPSender) SendGrantEvent(ctx context.Context, ev Event) error {
	return s.publish(ctx, string(ev.Kind), ev, amqp.Table{
		"grant_id":   ev.GrantID,
		"patient_id": ev.PatientID,
		"doctor_id":  ev.DoctorID,
	})
}

func (s *AMQPSender) publish(ctx context.Context, key string, v any, headers amqp.Table) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    s.now(),
		Body:         body,
		Headers:      headers,
	})
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", key, err)
	}
	return nil
}

// Close releases the channel and connection.
func (s *AMQPSender) Close() error {
	var first error
	for _, fn := range s.closeFns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
