// Package repository provides Postgres-backed persistence for workflow
// definitions, the organization active-workflow pointer and the
// configuration audit log.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/veloretail/be-approvals/internal/apperrors"
	"github.com/veloretail/be-approvals/internal/database"
	"github.com/veloretail/be-approvals/internal/workflow"
)

// WorkflowRepository manages workflow definitions and their step trees.
// A workflow and its steps/conditions/actions are always written together
// in a single transaction.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a workflow and its full step tree in one transaction.
func (r *WorkflowRepository) Create(ctx context.Context, organizationID string, def *workflow.Definition) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{
		OrganizationID: organizationID,
		Name:           def.Name,
		Description:    def.Description,
		IsActive:       def.IsActive,
	}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_workflows
			    (organization_id, name, description, is_active)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			wf.OrganizationID,
			wf.Name,
			wf.Description,
			wf.IsActive,
		).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create workflow")
		}

		steps, err := r.insertStepTree(ctx, tx, wf.ID, def.Steps)
		if err != nil {
			return err
		}
		wf.Steps = steps
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// Update replaces a workflow's scalar fields and its entire step tree in one
// transaction: delete all existing steps (conditions and actions cascade),
// then recreate them from the definition. Partial step edits are not
// supported; the whole step list is resubmitted and swapped. A reader never
// observes a workflow with zero steps mid-update.
func (r *WorkflowRepository) Update(ctx context.Context, workflowID string, def *workflow.Definition) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{
		ID:          workflowID,
		Name:        def.Name,
		Description: def.Description,
		IsActive:    def.IsActive,
	}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_workflows
			SET name        = $2,
			    description = $3,
			    is_active   = $4,
			    updated_at  = NOW()
			WHERE id = $1
			RETURNING organization_id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			wf.ID,
			wf.Name,
			wf.Description,
			wf.IsActive,
		).Scan(&wf.OrganizationID, &wf.CreatedAt, &wf.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("workflow", workflowID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update workflow")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM workflow_steps WHERE workflow_id = $1`, wf.ID); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to delete workflow steps")
		}

		steps, err := r.insertStepTree(ctx, tx, wf.ID, def.Steps)
		if err != nil {
			return err
		}
		wf.Steps = steps
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// Delete removes a workflow. Deleting an organization's active workflow is
// rejected; the caller must move or clear the pointer first.
func (r *WorkflowRepository) Delete(ctx context.Context, workflowID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var isActivePointer bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM organizations WHERE active_workflow_id = $1)`,
			workflowID,
		).Scan(&isActivePointer)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to check active workflow pointer")
		}
		if isActivePointer {
			return apperrors.Conflict("workflow is the organization's active workflow; deactivate it first")
		}

		tag, err := tx.Exec(ctx, `DELETE FROM approval_workflows WHERE id = $1`, workflowID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to delete workflow")
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("workflow", workflowID)
		}
		return nil
	})
}

// GetByID retrieves a workflow with its step tree, steps ordered by
// step_number ascending.
func (r *WorkflowRepository) GetByID(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	query := `
		SELECT id, organization_id, name, description, is_active, created_at, updated_at
		FROM approval_workflows
		WHERE id = $1
	`

	wf := &workflow.Workflow{}
	err := r.db.QueryRow(ctx, query, workflowID).Scan(
		&wf.ID,
		&wf.OrganizationID,
		&wf.Name,
		&wf.Description,
		&wf.IsActive,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("workflow", workflowID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get workflow")
	}

	if err := r.loadStepTree(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListByOrganization returns all of an organization's workflows, each with
// its full step tree.
func (r *WorkflowRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*workflow.Workflow, error) {
	query := `
		SELECT id, organization_id, name, description, is_active, created_at, updated_at
		FROM approval_workflows
		WHERE organization_id = $1
		ORDER BY name ASC
	`

	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list workflows")
	}
	defer rows.Close()

	var workflows []*workflow.Workflow
	for rows.Next() {
		wf := &workflow.Workflow{}
		err := rows.Scan(
			&wf.ID,
			&wf.OrganizationID,
			&wf.Name,
			&wf.Description,
			&wf.IsActive,
			&wf.CreatedAt,
			&wf.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan workflow")
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list workflows")
	}

	for _, wf := range workflows {
		if err := r.loadStepTree(ctx, wf); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

// ── step tree writes ─────────────────────────────────────────────────────────

// insertStepTree writes steps, conditions and actions from a validated
// definition. Every transferred field is named explicitly; nothing is
// forwarded implicitly from the input.
func (r *WorkflowRepository) insertStepTree(ctx context.Context, tx pgx.Tx, workflowID string, defs []workflow.StepDefinition) ([]*workflow.Step, error) {
	stepQuery := `
		INSERT INTO workflow_steps
		    (workflow_id, step_number, name, description, all_conditions_must_match)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	condQuery := `
		INSERT INTO step_conditions
		    (step_id, type, min_amount, max_amount, expense_category_id, location_id)
		VALUES ($1, $2::condition_type, $3, $4, $5, $6)
		RETURNING id
	`
	actionQuery := `
		INSERT INTO step_actions
		    (step_id, type, approver_role, specific_member_id, approval_mode)
		VALUES ($1, $2::action_type, $3, $4, $5::approval_mode)
		RETURNING id
	`

	steps := make([]*workflow.Step, 0, len(defs))
	for _, def := range defs {
		step := &workflow.Step{
			WorkflowID:             workflowID,
			StepNumber:             def.StepNumber,
			Name:                   def.Name,
			Description:            def.Description,
			AllConditionsMustMatch: def.AllConditionsMustMatch,
		}

		err := tx.QueryRow(ctx, stepQuery,
			step.WorkflowID,
			step.StepNumber,
			step.Name,
			step.Description,
			step.AllConditionsMustMatch,
		).Scan(&step.ID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to create workflow step")
		}

		for _, condDef := range def.Conditions {
			cond := &workflow.Condition{
				StepID:            step.ID,
				Type:              condDef.Type,
				MinAmount:         condDef.MinAmount,
				MaxAmount:         condDef.MaxAmount,
				ExpenseCategoryID: condDef.ExpenseCategoryID,
				LocationID:        condDef.LocationID,
			}
			err := tx.QueryRow(ctx, condQuery,
				cond.StepID,
				cond.Type,
				cond.MinAmount,
				cond.MaxAmount,
				cond.ExpenseCategoryID,
				cond.LocationID,
			).Scan(&cond.ID)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to create step condition")
			}
			step.Conditions = append(step.Conditions, cond)
		}

		for _, actionDef := range def.Actions {
			action := &workflow.Action{
				StepID:           step.ID,
				Type:             actionDef.Type,
				ApproverRole:     actionDef.ApproverRole,
				SpecificMemberID: actionDef.SpecificMemberID,
				ApprovalMode:     actionDef.ApprovalMode,
			}
			err := tx.QueryRow(ctx, actionQuery,
				action.StepID,
				action.Type,
				action.ApproverRole,
				action.SpecificMemberID,
				action.ApprovalMode,
			).Scan(&action.ID)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to create step action")
			}
			step.Actions = append(step.Actions, action)
		}

		steps = append(steps, step)
	}
	return steps, nil
}

// ── step tree reads ──────────────────────────────────────────────────────────

func (r *WorkflowRepository) loadStepTree(ctx context.Context, wf *workflow.Workflow) error {
	stepQuery := `
		SELECT id, workflow_id, step_number, name, description, all_conditions_must_match
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_number ASC
	`

	rows, err := r.db.Query(ctx, stepQuery, wf.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to get workflow steps")
	}
	defer rows.Close()

	byID := make(map[string]*workflow.Step)
	for rows.Next() {
		step := &workflow.Step{}
		err := rows.Scan(
			&step.ID,
			&step.WorkflowID,
			&step.StepNumber,
			&step.Name,
			&step.Description,
			&step.AllConditionsMustMatch,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan workflow step")
		}
		wf.Steps = append(wf.Steps, step)
		byID[step.ID] = step
	}
	if err := rows.Err(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to get workflow steps")
	}

	if len(wf.Steps) == 0 {
		return nil
	}

	if err := r.loadConditions(ctx, wf.ID, byID); err != nil {
		return err
	}
	return r.loadActions(ctx, wf.ID, byID)
}

func (r *WorkflowRepository) loadConditions(ctx context.Context, workflowID string, steps map[string]*workflow.Step) error {
	query := `
		SELECT c.id, c.step_id, c.type, c.min_amount, c.max_amount,
		       c.expense_category_id, c.location_id
		FROM step_conditions c
		JOIN workflow_steps s ON s.id = c.step_id
		WHERE s.workflow_id = $1
		ORDER BY s.step_number ASC, c.id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to get step conditions")
	}
	defer rows.Close()

	for rows.Next() {
		cond := &workflow.Condition{}
		err := rows.Scan(
			&cond.ID,
			&cond.StepID,
			&cond.Type,
			&cond.MinAmount,
			&cond.MaxAmount,
			&cond.ExpenseCategoryID,
			&cond.LocationID,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan step condition")
		}
		if step, ok := steps[cond.StepID]; ok {
			step.Conditions = append(step.Conditions, cond)
		}
	}
	return rows.Err()
}

func (r *WorkflowRepository) loadActions(ctx context.Context, workflowID string, steps map[string]*workflow.Step) error {
	query := `
		SELECT a.id, a.step_id, a.type, a.approver_role, a.specific_member_id, a.approval_mode
		FROM step_actions a
		JOIN workflow_steps s ON s.id = a.step_id
		WHERE s.workflow_id = $1
		ORDER BY s.step_number ASC, a.id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to get step actions")
	}
	defer rows.Close()

	for rows.Next() {
		action := &workflow.Action{}
		err := rows.Scan(
			&action.ID,
			&action.StepID,
			&action.Type,
			&action.ApproverRole,
			&action.SpecificMemberID,
			&action.ApprovalMode,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan step action")
		}
		if step, ok := steps[action.StepID]; ok {
			step.Actions = append(step.Actions, action)
		}
	}
	return rows.Err()
}
