// Package ingest accepts import requests from a RabbitMQ queue and hands
// them to the queue manager.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/tab-importer/internal/domain"
	"github.com/cuongbtq/tab-importer/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrInvalidPayload is returned when a message body is not a valid import request
var ErrInvalidPayload = errors.New("invalid import payload")

// Submitter is the part of the queue manager the consumer needs
type Submitter interface {
	Submit(ownerID string, items []domain.Tab) (string, error)
}

// DeliverySource starts a manual-ack consumer
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// ImportMessage is the message body published by other services
type ImportMessage struct {
	OwnerID string       `json:"owner_id"`
	Items   []domain.Tab `json:"items"`
}

// Config holds consumer configuration
type Config struct {
	Logger      *slog.Logger
	Source      DeliverySource
	Submitter   Submitter
	ConsumerTag string
}

// Consumer turns deliveries into submitted jobs
type Consumer struct {
	logger      *slog.Logger
	source      DeliverySource
	submitter   Submitter
	consumerTag string
	wg          sync.WaitGroup
}

// NewConsumer creates a new consumer
func NewConsumer(cfg *Config) *Consumer {
	tag := cfg.ConsumerTag
	if tag == "" {
		tag = "tab-importer"
	}
	return &Consumer{
		logger:      cfg.Logger,
		source:      cfg.Source,
		submitter:   cfg.Submitter,
		consumerTag: tag,
	}
}

// Start begins consuming. It returns once the consumer is registered; the
// dispatch loop runs until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch(ctx, deliveries)
	}()
	return nil
}

// Wait blocks until the dispatch loop has returned
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	c.logger.Info("Import consumer started",
		slog.String("consumer_tag", c.consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Import consumer stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			c.handleDelivery(delivery)
		}
	}
}

func (c *Consumer) handleDelivery(delivery amqp.Delivery) {
	jobID, err := c.handleMessage(delivery.Body)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ACK message",
				slog.String("job_id", jobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeue(err)
	c.logger.Error("Import message rejected",
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
		slog.Bool("requeue", requeue),
		slog.String("error", err.Error()),
	)
	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		c.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.String("error", nackErr.Error()),
		)
	}
}

// handleMessage decodes one import request and submits it
func (c *Consumer) handleMessage(body []byte) (string, error) {
	var msg ImportMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	jobID, err := c.submitter.Submit(msg.OwnerID, msg.Items)
	if err != nil {
		return "", fmt.Errorf("submit import: %w", err)
	}

	c.logger.Info("Import message accepted",
		slog.String("job_id", jobID),
		slog.String("owner_id", msg.OwnerID),
		slog.Int("items", len(msg.Items)),
	)
	return jobID, nil
}

// shouldRequeue sends malformed or invalid requests away for good and keeps
// requests that only failed because the manager is shutting down
func shouldRequeue(err error) bool {
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, domain.ErrInvalidInput) {
		return false
	}
	if errors.Is(err, queue.ErrStopped) {
		return true
	}
	return false
}
