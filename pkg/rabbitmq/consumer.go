package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body. Returning true acknowledges the delivery; false
// re-queues it.
type Handler func(body []byte) bool

// Consumer delivers messages from one durable queue to handlers keyed by routing key.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer dials RabbitMQ. prefetch bounds unacknowledged deliveries; 0 leaves it unbounded.
func NewConsumer(amqpURL string, prefetch int) (*Consumer, error) {
	cleanURL, err := normalizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings binds queueName to each routing key on exchange and dispatches
// deliveries in a background goroutine until the channel closes.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided for queue %s", queueName)
	}

	if err := declareTopicExchange(c.ch, exchange); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", q.Name, routingKey, err)
		}
	}

	deliveries, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	log.Printf("level=info component=rabbitmq_consumer queue=%s exchange=%s bindings=%d msg=\"consuming\"", q.Name, exchange, len(handlers))
	go func() {
		for d := range deliveries {
			settle(handlers, d.RoutingKey, d.Redelivered, d.Body, d)
		}
		log.Printf("level=warn component=rabbitmq_consumer queue=%s msg=\"delivery channel closed\"", q.Name)
	}()
	return nil
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settle runs the handler bound to routingKey and acks or re-queues the delivery. Messages
// with no handler are acknowledged so they cannot block the queue.
func settle(handlers map[string]Handler, routingKey string, redelivered bool, body []byte, d acknowledger) {
	handler, ok := handlers[routingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer routing_key=%s msg=\"no handler; dropping\"", routingKey)
		_ = d.Ack(false)
		return
	}
	if handler(body) {
		_ = d.Ack(false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer routing_key=%s redelivered=%t msg=\"handler failed; re-queuing\"", routingKey, redelivered)
	_ = d.Nack(false, true)
}

// Close closes the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
