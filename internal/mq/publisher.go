package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeWorkflowPending MessageType = "workflow.pending"
	MessageTypeStepReady       MessageType = "step.ready"
	MessageTypeStepCompleted   MessageType = "step.completed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowPendingPayload — payload для события о новом workflow.
type WorkflowPendingPayload struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
}

// StepReadyPayload — payload для события о шаге, готовом к выполнению.
type StepReadyPayload struct {
	StepID     uuid.UUID `json:"step_id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
}

// StepCompletedPayload — payload для события о терминальном шаге.
type StepCompletedPayload struct {
	StepID       uuid.UUID `json:"step_id"`
	WorkflowID   uuid.UUID `json:"workflow_id"`
	Name         string    `json:"name"`
	Order        int       `json:"order"`
	Status       string    `json:"status"` // COMPLETED или FAILED
	Error        string    `json:"error,omitempty"`
	AttemptCount int       `json:"attempt_count"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishWorkflowPending публикует событие о новом workflow.
// Потребитель: Orchestrator.
func (p *Publisher) PublishWorkflowPending(ctx context.Context, workflowID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeWorkflowPending,
		Payload:   WorkflowPendingPayload{WorkflowID: workflowID},
		Timestamp: time.Now(),
	}
	return p.Publish(ctx, ExchangeWorkflows, RoutingKeyPending, msg)
}

// PublishStepReady публикует событие о шаге, готовом к выполнению.
// Потребитель: Worker.
func (p *Publisher) PublishStepReady(ctx context.Context, stepID, workflowID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeStepReady,
		Payload:   StepReadyPayload{StepID: stepID, WorkflowID: workflowID},
		Timestamp: time.Now(),
	}
	return p.Publish(ctx, ExchangeSteps, RoutingKeyReady, msg)
}

// PublishStepCompleted публикует событие о терминальном шаге.
// Потребитель: Orchestrator.
func (p *Publisher) PublishStepCompleted(ctx context.Context, payload StepCompletedPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeStepCompleted,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	return p.Publish(ctx, ExchangeSteps, RoutingKeyCompleted, msg)
}
