package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventPublisher publishes workflow lifecycle events to NATS for consumption
// by the platform notifications service and reporting pipelines.
//
// Subject convention: approvals.workflow.<event_type> and
// approvals.evaluation.completed.
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so event delivery failures never interrupt workflow
// administration or evaluation.
type EventPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// Event is the JSON schema published to NATS.
type Event struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	OrganizationID string         `json:"organization_id"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// NewEventPublisher creates a publisher backed by the given NATS connection.
// A nil connection yields a disabled publisher; every publish is a no-op.
func NewEventPublisher(conn *nats.Conn, log zerolog.Logger) *EventPublisher {
	return &EventPublisher{conn: conn, log: log}
}

// ConnectNATS dials the NATS server with the service name attached.
func ConnectNATS(url, serviceName string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// PublishWorkflowEvent publishes a workflow configuration event.
// Subject: approvals.workflow.<eventType>
func (p *EventPublisher) PublishWorkflowEvent(ctx context.Context, eventType, organizationID, workflowID, actorID string, payload map[string]any) {
	p.publish(ctx, fmt.Sprintf("approvals.workflow.%s", eventType), &Event{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		OrganizationID: organizationID,
		WorkflowID:     workflowID,
		ActorID:        actorID,
		OccurredAt:     time.Now().UTC(),
		Payload:        payload,
	})
}

// PublishEvaluationCompleted publishes the outcome of a transaction
// evaluation. Subject: approvals.evaluation.completed
func (p *EventPublisher) PublishEvaluationCompleted(ctx context.Context, organizationID, workflowID string, matchedSteps int, payload map[string]any) {
	p.publish(ctx, "approvals.evaluation.completed", &Event{
		EventID:        uuid.NewString(),
		EventType:      "evaluation_completed",
		OrganizationID: organizationID,
		WorkflowID:     workflowID,
		OccurredAt:     time.Now().UTC(),
		Payload:        mergePayload(payload, map[string]any{"matched_steps": matchedSteps}),
	})
}

func (p *EventPublisher) publish(_ context.Context, subject string, event *Event) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("events: failed to marshal event")
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("organization_id", event.OrganizationID).
			Msg("events: failed to publish (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("event_id", event.EventID).
		Msg("events: published")
}

func mergePayload(base, extra map[string]any) map[string]any {
	if base == nil {
		return extra
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}
