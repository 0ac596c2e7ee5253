package service

import (
	"context"

	"github.com/veloretail/be-approvals/internal/workflow"
)

// WorkflowStore persists workflow definitions with their step trees.
// Create and Update are all-or-nothing: Update replaces the entire step
// tree inside one transaction, so a failure leaves the previous tree intact.
type WorkflowStore interface {
	Create(ctx context.Context, organizationID string, def *workflow.Definition) (*workflow.Workflow, error)
	Update(ctx context.Context, workflowID string, def *workflow.Definition) (*workflow.Workflow, error)
	Delete(ctx context.Context, workflowID string) error
	GetByID(ctx context.Context, workflowID string) (*workflow.Workflow, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*workflow.Workflow, error)
}

// OrganizationStore owns the per-organization active-workflow pointer.
type OrganizationStore interface {
	SetActiveWorkflow(ctx context.Context, organizationID, workflowID string) error
	ClearActiveWorkflow(ctx context.Context, organizationID string) error
	GetActiveWorkflowID(ctx context.Context, organizationID string) (*string, error)
}

// AuditStore records workflow configuration changes.
type AuditStore interface {
	Append(ctx context.Context, entry *workflow.AuditEntry) error
	ListByOrganization(ctx context.Context, organizationID string, limit int) ([]*workflow.AuditEntry, error)
}

// DirectoryClient resolves a role reference into the concrete organization
// members eligible to approve. Implemented by the platform membership
// directory; the engine itself never expands roles.
type DirectoryClient interface {
	ResolveApproversForRole(ctx context.Context, organizationID, role string, locationID *string) ([]string, error)
}

// EventPublisher emits workflow lifecycle events. Implementations must be
// non-fatal: publishing failures are logged, never returned.
type EventPublisher interface {
	PublishWorkflowEvent(ctx context.Context, eventType, organizationID, workflowID, actorID string, payload map[string]any)
	PublishEvaluationCompleted(ctx context.Context, organizationID, workflowID string, matchedSteps int, payload map[string]any)
}
