/**
 * @description
 * Publishes pool lifecycle events to a durable topic exchange. The channel runs in confirm
 * mode, so Publish returns only once the broker has taken responsibility for the message.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const appID = "pool-service"

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducerFallback drops events. It stands in when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) Close() {}

var errNotConfirmed = errors.New("broker did not confirm publish")

// EventProducer publishes JSON events. Channels are not safe for concurrent publishing, so
// every publish holds mu.
type EventProducer struct {
	url string

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	exchanges map[string]struct{}
}

// NewEventProducer dials RabbitMQ and opens a confirm-mode channel.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := normalizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	p := &EventProducer{url: cleanURL}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// connectLocked (re)opens the channel, redialling first if the connection is gone.
func (p *EventProducer) connectLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
		if err != nil {
			return fmt.Errorf("dial rabbitmq: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	p.channel = ch
	p.exchanges = make(map[string]struct{})
	return nil
}

// Publish marshals body to JSON and publishes it persistently under routingKey. The routing
// key doubles as the message type.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", routingKey, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         routingKey,
		AppId:        appID,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, msg)
	if err == nil || ctx.Err() != nil {
		return err
	}

	log.Printf("level=warn component=rabbitmq_producer exchange=%s routing_key=%s msg=\"publish failed; reconnecting once\" err=%v", exchange, routingKey, err)
	if p.channel != nil {
		p.channel.Close()
	}
	if reconnectErr := p.connectLocked(); reconnectErr != nil {
		return errors.Join(err, reconnectErr)
	}
	return p.publishLocked(ctx, exchange, routingKey, msg)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, ok := p.exchanges[exchange]; !ok {
		if err := declareTopicExchange(p.channel, exchange); err != nil {
			return err
		}
		p.exchanges[exchange] = struct{}{}
	}

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNotConfirmed
	}
	return nil
}

// Close closes the channel and connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

func declareTopicExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil)
}
