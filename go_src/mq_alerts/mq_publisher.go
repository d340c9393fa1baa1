package mq_alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"futuresdash/go_src/configuration"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	defaultAlertQueue = "futuresdash_alerts"
	publishTimeout    = 5 * time.Second
	messageType       = "dashboard_alert"
)

// Alert is the JSON message published for every operator alert.
type Alert struct {
	MessageType string      `json:"message_type"`
	ID          string      `json:"id"`
	Level       string      `json:"level"`
	Source      string      `json:"source"`
	Message     string      `json:"message"`
	Details     interface{} `json:"details,omitempty"`
	ClientID    string      `json:"client_id,omitempty"`
	App         string      `json:"app,omitempty"`
	RaisedAt    time.Time   `json:"raised_at"`
}

// channel is the subset of *amqp.Channel used here.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// connection is the subset of *amqp.Connection used here.
type connection interface {
	Channel() (channel, error)
	IsClosed() bool
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialRabbitMQ(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Allow overriding for tests
var dialFunc = dialRabbitMQ

// Publisher sends alerts to a durable RabbitMQ queue. The broker connection is
// dialed on first use and redialed after a failure.
type Publisher struct {
	url   string
	queue string
	app   string

	mu   sync.Mutex
	conn connection
}

// NewPublisher builds a publisher from the rabbitmq section of cfg.
func NewPublisher(cfg *configuration.Config) (*Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if cfg.RabbitMQ.Host == "" {
		return nil, fmt.Errorf("rabbitmq host is not configured")
	}
	queue := cfg.RabbitMQ.AlertQueue
	if queue == "" {
		queue = defaultAlertQueue
	}
	return &Publisher{url: cfg.AMQPURL(), queue: queue, app: cfg.GlobalSettings.AppName}, nil
}

// Queue returns the queue alerts are published to.
func (p *Publisher) Queue() string {
	return p.queue
}

func (p *Publisher) connectLocked() (connection, error) {
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}
	conn, err := dialFunc(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	p.conn = conn
	logrus.Infof("MQAlerts: Connected to RabbitMQ, publishing to queue '%s'", p.queue)
	return conn, nil
}

func (p *Publisher) resetLocked() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// PublishAlert declares the queue and publishes a as a persistent JSON message.
func (p *Publisher) PublishAlert(ctx context.Context, a Alert) error {
	if a.MessageType == "" {
		a.MessageType = messageType
	}
	if a.App == "" {
		a.App = p.app
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert to JSON: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.connectLocked()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("failed to open a RabbitMQ channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(
		p.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", p.queue, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = ch.PublishWithContext(pubCtx,
		"",      // exchange (default)
		p.queue, // routing key (queue name)
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    a.ID,
			Timestamp:    a.RaisedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish alert to queue '%s': %w", p.queue, err)
	}
	logrus.Debugf("MQAlerts: Published alert %s (%s) to '%s'", a.ID, a.Source, p.queue)
	return nil
}

// Close closes the broker connection, if any.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
	}
	return nil
}
