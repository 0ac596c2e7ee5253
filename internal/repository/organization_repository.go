package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/veloretail/be-approvals/internal/apperrors"
	"github.com/veloretail/be-approvals/internal/database"
	"github.com/veloretail/be-approvals/internal/workflow"
)

// OrganizationRepository manages the per-organization active-workflow
// pointer. The pointer is a single nullable column; setting a new active
// workflow implicitly replaces the previous one.
type OrganizationRepository struct {
	db *database.DB
}

// NewOrganizationRepository creates a new OrganizationRepository.
func NewOrganizationRepository(db *database.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// GetByID retrieves an organization.
func (r *OrganizationRepository) GetByID(ctx context.Context, organizationID string) (*workflow.Organization, error) {
	query := `
		SELECT id, name, active_workflow_id, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`

	org := &workflow.Organization{}
	err := r.db.QueryRow(ctx, query, organizationID).Scan(
		&org.ID,
		&org.Name,
		&org.ActiveWorkflowID,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("organization", organizationID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get organization")
	}
	return org, nil
}

// SetActiveWorkflow points an organization at a workflow. The workflow must
// exist, belong to the organization, and have its eligibility flag set. The
// checks and the pointer swap run in one transaction so the pointer can
// never be left dangling or crossing tenants.
func (r *OrganizationRepository) SetActiveWorkflow(ctx context.Context, organizationID, workflowID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var ownerID string
		var isActive bool
		err := tx.QueryRow(ctx,
			`SELECT organization_id, is_active FROM approval_workflows WHERE id = $1`,
			workflowID,
		).Scan(&ownerID, &isActive)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("workflow", workflowID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to look up workflow")
		}

		if ownerID != organizationID {
			return apperrors.Forbidden("workflow belongs to a different organization")
		}
		if !isActive {
			return apperrors.Conflict("workflow is not eligible for activation")
		}

		tag, err := tx.Exec(ctx,
			`UPDATE organizations SET active_workflow_id = $2, updated_at = NOW() WHERE id = $1`,
			organizationID, workflowID,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to set active workflow")
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("organization", organizationID)
		}
		return nil
	})
}

// ClearActiveWorkflow resets the organization's pointer to NULL.
func (r *OrganizationRepository) ClearActiveWorkflow(ctx context.Context, organizationID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE organizations SET active_workflow_id = NULL, updated_at = NOW() WHERE id = $1`,
		organizationID,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to clear active workflow")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("organization", organizationID)
	}
	return nil
}

// GetActiveWorkflowID dereferences the pointer; nil when unset.
func (r *OrganizationRepository) GetActiveWorkflowID(ctx context.Context, organizationID string) (*string, error) {
	var workflowID *string
	err := r.db.QueryRow(ctx,
		`SELECT active_workflow_id FROM organizations WHERE id = $1`,
		organizationID,
	).Scan(&workflowID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("organization", organizationID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get active workflow pointer")
	}
	return workflowID, nil
}
