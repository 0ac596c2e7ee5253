// Package workflow holds the approval-workflow domain model, the input
// validator and the pure rule-evaluation engine.
package workflow

import "time"

// ConditionType discriminates the predicate kind of a step condition.
type ConditionType string

const (
	ConditionAmountRange     ConditionType = "AMOUNT_RANGE"
	ConditionExpenseCategory ConditionType = "EXPENSE_CATEGORY"
	ConditionLocation        ConditionType = "LOCATION"
)

// ActionType discriminates how a step's approver set is resolved.
type ActionType string

const (
	ActionRole           ActionType = "ROLE"
	ActionSpecificMember ActionType = "SPECIFIC_MEMBER"
)

// ApprovalMode states how many of the resolved approvers must approve.
type ApprovalMode string

const (
	ModeAnyOne ApprovalMode = "ANY_ONE"
	ModeAll    ApprovalMode = "ALL"
)

// MemberRoles are the organization member roles a ROLE action may target.
var MemberRoles = []string{"OWNER", "ADMIN", "MANAGER", "CASHIER", "STAFF"}

// ── Persisted entities ────────────────────────────────────────────────────────

// Workflow is an organization's named, ordered approval rule-set.
// Steps are always ordered by StepNumber ascending.
type Workflow struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    *string   `json:"description,omitempty"`
	IsActive       bool      `json:"is_active"`
	Steps          []*Step   `json:"steps"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Step is one stage of sequential approval. StepNumber is the step's
// identity within its workflow, not an array index; gaps are permitted.
type Step struct {
	ID                     string       `json:"id"`
	WorkflowID             string       `json:"workflow_id"`
	StepNumber             int          `json:"step_number"`
	Name                   string       `json:"name"`
	Description            *string      `json:"description,omitempty"`
	AllConditionsMustMatch bool         `json:"all_conditions_must_match"`
	Conditions             []*Condition `json:"conditions"`
	Actions                []*Action    `json:"actions"`
}

// Condition is a predicate evaluated against a transaction context.
// The payload fields required depend on Type.
type Condition struct {
	ID                string        `json:"id"`
	StepID            string        `json:"step_id"`
	Type              ConditionType `json:"type"`
	MinAmount         *int64        `json:"min_amount,omitempty"` // cents; nil = no lower bound
	MaxAmount         *int64        `json:"max_amount,omitempty"` // cents; nil = no upper bound
	ExpenseCategoryID *string       `json:"expense_category_id,omitempty"`
	LocationID        *string       `json:"location_id,omitempty"`
}

// Action is the approval requirement emitted when a step matches.
type Action struct {
	ID               string       `json:"id"`
	StepID           string       `json:"step_id"`
	Type             ActionType   `json:"type"`
	ApproverRole     *string      `json:"approver_role,omitempty"`
	SpecificMemberID *string      `json:"specific_member_id,omitempty"`
	ApprovalMode     ApprovalMode `json:"approval_mode"`
}

// Organization carries the tenant's active-workflow pointer. The pointer,
// not any workflow-local flag, is authoritative for "which workflow applies".
type Organization struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ActiveWorkflowID *string   `json:"active_workflow_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AuditEntry is one immutable record of a workflow configuration change.
type AuditEntry struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	WorkflowID     *string        `json:"workflow_id,omitempty"`
	Action         string         `json:"action"` // created | updated | deleted | activated | deactivated
	PerformedBy    string         `json:"performed_by"`
	PerformedAt    time.Time      `json:"performed_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ── Input definition ──────────────────────────────────────────────────────────

// Definition is the submitted shape of a workflow. Create persists it as a
// new workflow; Update replaces the whole step tree atomically.
type Definition struct {
	Name        string           `json:"name" validate:"required"`
	Description *string          `json:"description"`
	IsActive    bool             `json:"is_active"`
	Steps       []StepDefinition `json:"steps" validate:"min=1,dive"`
}

// StepDefinition is one submitted step with its conditions and actions.
type StepDefinition struct {
	StepNumber             int                   `json:"step_number" validate:"gt=0"`
	Name                   string                `json:"name" validate:"required"`
	Description            *string               `json:"description"`
	AllConditionsMustMatch bool                  `json:"all_conditions_must_match"`
	Conditions             []ConditionDefinition `json:"conditions" validate:"min=1,dive"`
	Actions                []ActionDefinition    `json:"actions" validate:"min=1,dive"`
}

// ConditionDefinition is one submitted condition.
type ConditionDefinition struct {
	Type              ConditionType `json:"type" validate:"required,oneof=AMOUNT_RANGE EXPENSE_CATEGORY LOCATION"`
	MinAmount         *int64        `json:"min_amount"`
	MaxAmount         *int64        `json:"max_amount"`
	ExpenseCategoryID *string       `json:"expense_category_id"`
	LocationID        *string       `json:"location_id"`
}

// ActionDefinition is one submitted action. An empty ApprovalMode defaults
// to ANY_ONE during validation.
type ActionDefinition struct {
	Type             ActionType   `json:"type" validate:"required,oneof=ROLE SPECIFIC_MEMBER"`
	ApproverRole     *string      `json:"approver_role" validate:"omitempty,oneof=OWNER ADMIN MANAGER CASHIER STAFF"`
	SpecificMemberID *string      `json:"specific_member_id"`
	ApprovalMode     ApprovalMode `json:"approval_mode" validate:"omitempty,oneof=ANY_ONE ALL"`
}

// ── Evaluation ────────────────────────────────────────────────────────────────

// TransactionContext is the incoming transaction the engine evaluates
// workflow steps against. Amount is in minor units (cents).
type TransactionContext struct {
	Amount            int64   `json:"amount"`
	ExpenseCategoryID *string `json:"expense_category_id,omitempty"`
	LocationID        *string `json:"location_id,omitempty"`
	SubmitterID       string  `json:"submitter_id"`
}

// ApprovalRequirement is one approver requirement emitted by a matched step.
// ROLE requirements carry the abstract role; expanding it to concrete
// members is the membership directory's job, not the engine's.
type ApprovalRequirement struct {
	Type             ActionType   `json:"type"`
	ApproverRole     *string      `json:"approver_role,omitempty"`
	SpecificMemberID *string      `json:"specific_member_id,omitempty"`
	Mode             ApprovalMode `json:"mode"`
}

// StepMatch is one applying step with its approval requirements.
type StepMatch struct {
	StepNumber   int                   `json:"step_number"`
	StepName     string                `json:"step_name"`
	Requirements []ApprovalRequirement `json:"requirements"`
}
