// Package service orchestrates workflow administration and transaction
// evaluation on top of the storage, directory and event collaborators.
package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/veloretail/be-approvals/internal/apperrors"
	"github.com/veloretail/be-approvals/internal/workflow"
)

// ApprovalService is the application-facing API of the approval engine.
type ApprovalService struct {
	workflows WorkflowStore
	orgs      OrganizationStore
	audit     AuditStore
	directory DirectoryClient
	events    EventPublisher
	evaluator *workflow.Evaluator
	log       zerolog.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	workflows WorkflowStore,
	orgs OrganizationStore,
	audit AuditStore,
	directory DirectoryClient,
	events EventPublisher,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		workflows: workflows,
		orgs:      orgs,
		audit:     audit,
		directory: directory,
		events:    events,
		evaluator: workflow.NewEvaluator(log),
		log:       log,
	}
}

// ── Workflow administration ──────────────────────────────────────────────────

// CreateWorkflow validates and persists a new workflow with its step tree.
func (s *ApprovalService) CreateWorkflow(ctx context.Context, organizationID, actorID string, def *workflow.Definition) (*workflow.Workflow, error) {
	if fields := workflow.ValidateDefinition(def); len(fields) > 0 {
		return nil, apperrors.Validation(fields)
	}

	wf, err := s.workflows.Create(ctx, organizationID, def)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("organization_id", organizationID).
		Str("workflow_id", wf.ID).
		Int("steps", len(wf.Steps)).
		Msg("workflow created")

	s.appendAudit(ctx, &workflow.AuditEntry{
		OrganizationID: organizationID,
		WorkflowID:     &wf.ID,
		Action:         "created",
		PerformedBy:    actorID,
		Metadata:       map[string]any{"name": wf.Name, "steps": len(wf.Steps)},
	})
	s.events.PublishWorkflowEvent(ctx, "created", organizationID, wf.ID, actorID, nil)

	return wf, nil
}

// UpdateWorkflow validates the definition and atomically replaces the
// workflow's scalar fields and step tree. Last writer wins; workflow edits
// are rare administrative actions and carry no concurrency token.
func (s *ApprovalService) UpdateWorkflow(ctx context.Context, workflowID, actorID string, def *workflow.Definition) (*workflow.Workflow, error) {
	if fields := workflow.ValidateDefinition(def); len(fields) > 0 {
		return nil, apperrors.Validation(fields)
	}

	wf, err := s.workflows.Update(ctx, workflowID, def)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Int("steps", len(wf.Steps)).
		Msg("workflow updated")

	s.appendAudit(ctx, &workflow.AuditEntry{
		OrganizationID: wf.OrganizationID,
		WorkflowID:     &wf.ID,
		Action:         "updated",
		PerformedBy:    actorID,
		Metadata:       map[string]any{"name": wf.Name, "steps": len(wf.Steps)},
	})
	s.events.PublishWorkflowEvent(ctx, "updated", wf.OrganizationID, wf.ID, actorID, nil)

	return wf, nil
}

// DeleteWorkflow removes a workflow. The store rejects deleting an
// organization's active workflow; deactivate first.
func (s *ApprovalService) DeleteWorkflow(ctx context.Context, workflowID, actorID string) error {
	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	if err := s.workflows.Delete(ctx, workflowID); err != nil {
		return err
	}

	s.appendAudit(ctx, &workflow.AuditEntry{
		OrganizationID: wf.OrganizationID,
		WorkflowID:     &workflowID,
		Action:         "deleted",
		PerformedBy:    actorID,
		Metadata:       map[string]any{"name": wf.Name},
	})
	s.events.PublishWorkflowEvent(ctx, "deleted", wf.OrganizationID, workflowID, actorID, nil)

	return nil
}

// ActivateWorkflow points the organization at the given workflow. The store
// enforces existence, tenant ownership and the eligibility flag.
func (s *ApprovalService) ActivateWorkflow(ctx context.Context, organizationID, workflowID, actorID string) error {
	if err := s.orgs.SetActiveWorkflow(ctx, organizationID, workflowID); err != nil {
		return err
	}

	s.appendAudit(ctx, &workflow.AuditEntry{
		OrganizationID: organizationID,
		WorkflowID:     &workflowID,
		Action:         "activated",
		PerformedBy:    actorID,
	})
	s.events.PublishWorkflowEvent(ctx, "activated", organizationID, workflowID, actorID, nil)

	return nil
}

// DeactivateWorkflow clears the organization's active-workflow pointer.
func (s *ApprovalService) DeactivateWorkflow(ctx context.Context, organizationID, actorID string) error {
	if err := s.orgs.ClearActiveWorkflow(ctx, organizationID); err != nil {
		return err
	}

	s.appendAudit(ctx, &workflow.AuditEntry{
		OrganizationID: organizationID,
		Action:         "deactivated",
		PerformedBy:    actorID,
	})
	s.events.PublishWorkflowEvent(ctx, "deactivated", organizationID, "", actorID, nil)

	return nil
}

// GetWorkflow returns one workflow with its step tree.
func (s *ApprovalService) GetWorkflow(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	return s.workflows.GetByID(ctx, workflowID)
}

// ListWorkflows returns all workflows of an organization.
func (s *ApprovalService) ListWorkflows(ctx context.Context, organizationID string) ([]*workflow.Workflow, error) {
	return s.workflows.ListByOrganization(ctx, organizationID)
}

// GetActiveWorkflow dereferences the organization's pointer. Returns
// (nil, nil) when no workflow is active.
func (s *ApprovalService) GetActiveWorkflow(ctx context.Context, organizationID string) (*workflow.Workflow, error) {
	workflowID, err := s.orgs.GetActiveWorkflowID(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if workflowID == nil {
		return nil, nil
	}
	return s.workflows.GetByID(ctx, *workflowID)
}

// GetAuditTrail returns the newest configuration audit entries.
func (s *ApprovalService) GetAuditTrail(ctx context.Context, organizationID string, limit int) ([]*workflow.AuditEntry, error) {
	return s.audit.ListByOrganization(ctx, organizationID, limit)
}

// ── Evaluation ───────────────────────────────────────────────────────────────

// ResolvedRequirement is an approval requirement with the concrete approver
// set resolved through the membership directory. Approvers stays empty for
// ROLE requirements when the directory is unreachable; the caller can retry
// resolution against the emitted role.
type ResolvedRequirement struct {
	workflow.ApprovalRequirement
	Approvers []string `json:"approvers,omitempty"`
}

// ResolvedMatch is one applying step with resolved requirements.
type ResolvedMatch struct {
	StepNumber   int                   `json:"step_number"`
	StepName     string                `json:"step_name"`
	Requirements []ResolvedRequirement `json:"requirements"`
}

// EvaluationResult is the outcome of evaluating a transaction. Evaluated is
// false when the organization has no active workflow configured; whether
// that means auto-approve or reject is the caller's policy.
type EvaluationResult struct {
	Evaluated    bool            `json:"evaluated"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	Matches      []ResolvedMatch `json:"matches"`
}

// EvaluateTransaction resolves the organization's active workflow, runs the
// rule engine against the transaction and expands role requirements into
// concrete approver IDs.
func (s *ApprovalService) EvaluateTransaction(ctx context.Context, organizationID string, txn workflow.TransactionContext) (*EvaluationResult, error) {
	wf, err := s.GetActiveWorkflow(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		s.log.Debug().
			Str("organization_id", organizationID).
			Msg("evaluation skipped: no active workflow")
		return &EvaluationResult{Evaluated: false}, nil
	}

	result := s.evaluate(ctx, wf, txn)

	s.events.PublishEvaluationCompleted(ctx, organizationID, wf.ID, len(result.Matches), map[string]any{
		"amount":       txn.Amount,
		"submitter_id": txn.SubmitterID,
	})

	return result, nil
}

// EvaluateWorkflow dry-runs a specific workflow against a transaction
// without touching the active pointer or publishing events. Used by
// administrators to test a rule-set before activating it.
func (s *ApprovalService) EvaluateWorkflow(ctx context.Context, workflowID string, txn workflow.TransactionContext) (*EvaluationResult, error) {
	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, wf, txn), nil
}

func (s *ApprovalService) evaluate(ctx context.Context, wf *workflow.Workflow, txn workflow.TransactionContext) *EvaluationResult {
	matches := s.evaluator.Evaluate(wf, txn)

	result := &EvaluationResult{
		Evaluated:    true,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Matches:      make([]ResolvedMatch, 0, len(matches)),
	}

	for _, match := range matches {
		resolved := ResolvedMatch{
			StepNumber:   match.StepNumber,
			StepName:     match.StepName,
			Requirements: make([]ResolvedRequirement, 0, len(match.Requirements)),
		}
		for _, req := range match.Requirements {
			resolved.Requirements = append(resolved.Requirements, s.resolveRequirement(ctx, wf.OrganizationID, req, txn))
		}
		result.Matches = append(result.Matches, resolved)
	}
	return result
}

// resolveRequirement expands a requirement to member IDs. Directory errors
// are non-fatal: the requirement is emitted unresolved with its role intact.
func (s *ApprovalService) resolveRequirement(ctx context.Context, organizationID string, req workflow.ApprovalRequirement, txn workflow.TransactionContext) ResolvedRequirement {
	resolved := ResolvedRequirement{ApprovalRequirement: req}

	switch req.Type {
	case workflow.ActionSpecificMember:
		if req.SpecificMemberID != nil {
			resolved.Approvers = []string{*req.SpecificMemberID}
		}
	case workflow.ActionRole:
		if req.ApproverRole == nil {
			return resolved
		}
		approvers, err := s.directory.ResolveApproversForRole(ctx, organizationID, *req.ApproverRole, txn.LocationID)
		if err != nil {
			s.log.Warn().Err(err).
				Str("organization_id", organizationID).
				Str("role", *req.ApproverRole).
				Msg("could not resolve approvers for role; requirement emitted unresolved")
			return resolved
		}
		resolved.Approvers = approvers
	}
	return resolved
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// appendAudit writes an audit entry and logs a warning on failure; audit
// problems never fail the underlying operation.
func (s *ApprovalService) appendAudit(ctx context.Context, entry *workflow.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("organization_id", entry.OrganizationID).
			Str("action", entry.Action).
			Msg("failed to write audit log entry")
	}
}
