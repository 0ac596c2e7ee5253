package repository

import (
	"context"
	"encoding/json"

	"github.com/veloretail/be-approvals/internal/apperrors"
	"github.com/veloretail/be-approvals/internal/database"
	"github.com/veloretail/be-approvals/internal/workflow"
)

// AuditRepository appends and reads immutable workflow-configuration audit
// entries. Append is the only mutation exposed.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *workflow.AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO workflow_audit_log
		    (organization_id, workflow_id, action, performed_by, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, performed_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.OrganizationID,
		entry.WorkflowID,
		entry.Action,
		entry.PerformedBy,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByOrganization returns the newest audit entries for an organization.
func (r *AuditRepository) ListByOrganization(ctx context.Context, organizationID string, limit int) ([]*workflow.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, organization_id, workflow_id, action, performed_by, performed_at, metadata
		FROM workflow_audit_log
		WHERE organization_id = $1
		ORDER BY performed_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, organizationID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*workflow.AuditEntry
	for rows.Next() {
		entry := &workflow.AuditEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.OrganizationID,
			&entry.WorkflowID,
			&entry.Action,
			&entry.PerformedBy,
			&entry.PerformedAt,
			&metadataJSON,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan audit entry")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list audit entries")
	}
	return entries, nil
}
