package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/uma-arai/checkout-notifier/internal/common/config"
	"github.com/uma-arai/checkout-notifier/internal/model"
)

// ReportPublisher はバッチの実行結果を配信するインターフェースです
type ReportPublisher interface {
	PublishRunReport(ctx context.Context, report *model.RunReport) error
}

type RabbitMqClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  config.RabbitMQConfig
}

func NewRabbitMqService(cfg config.RabbitMQConfig) (*RabbitMqClient, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error opening rabbitmq channel: %w", err)
	}
	client := &RabbitMqClient{
		conn:    conn,
		channel: channel,
		config:  cfg,
	}
	if err := client.SetUpExchange(); err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

func (r *RabbitMqClient) Close() error {
	if err := r.channel.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}

// SetUpExchange は実行結果を配信するtopic exchangeを宣言します
// キューの宣言とバインドは購読側が行います
func (r *RabbitMqClient) SetUpExchange() error {
	if err := r.channel.ExchangeDeclare(
		r.config.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

func (r *RabbitMqClient) Publish(ctx context.Context, routingKey string, message any) error {
	publishing, err := newPublishing(message, time.Now())
	if err != nil {
		return err
	}
	if err := r.channel.PublishWithContext(
		ctx,
		r.config.Exchange,
		routingKey,
		false,
		false,
		publishing,
	); err != nil {
		return fmt.Errorf("an error occurred during publishing: %w", err)
	}
	return nil
}

// PublishRunReport は実行結果を配信します
func (r *RabbitMqClient) PublishRunReport(ctx context.Context, report *model.RunReport) error {
	return r.Publish(ctx, r.config.RoutingKey, report)
}

func newPublishing(message any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	p := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
	}
	if report, ok := message.(*model.RunReport); ok {
		p.MessageId = report.RunID
		p.Type = "checkout.run-report"
	}
	return p, nil
}
