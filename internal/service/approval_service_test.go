package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloretail/be-approvals/internal/apperrors"
	"github.com/veloretail/be-approvals/internal/workflow"
)

func i64(v int64) *int64   { return &v }
func str(s string) *string { return &s }

// ── In-memory store fake ─────────────────────────────────────────────────────

// memStore implements WorkflowStore, OrganizationStore and AuditStore with
// the same transactional contract as the Postgres repositories: Update
// either applies the whole definition or leaves the workflow untouched.
type memStore struct {
	workflows map[string]*workflow.Workflow
	active    map[string]*string
	audit     []*workflow.AuditEntry
	nextID    int

	// stepHook is invoked for each step during Create/Update tree builds;
	// a non-nil return simulates a storage failure mid-recreate.
	stepHook func(stepIndex int) error
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]*workflow.Workflow),
		active:    make(map[string]*string),
	}
}

func (m *memStore) buildSteps(workflowID string, defs []workflow.StepDefinition) ([]*workflow.Step, error) {
	steps := make([]*workflow.Step, 0, len(defs))
	for i, def := range defs {
		if m.stepHook != nil {
			if err := m.stepHook(i); err != nil {
				return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to create workflow step")
			}
		}
		step := &workflow.Step{
			ID:                     fmt.Sprintf("%s-step-%d", workflowID, def.StepNumber),
			WorkflowID:             workflowID,
			StepNumber:             def.StepNumber,
			Name:                   def.Name,
			Description:            def.Description,
			AllConditionsMustMatch: def.AllConditionsMustMatch,
		}
		for _, c := range def.Conditions {
			step.Conditions = append(step.Conditions, &workflow.Condition{
				StepID:            step.ID,
				Type:              c.Type,
				MinAmount:         c.MinAmount,
				MaxAmount:         c.MaxAmount,
				ExpenseCategoryID: c.ExpenseCategoryID,
				LocationID:        c.LocationID,
			})
		}
		for _, a := range def.Actions {
			step.Actions = append(step.Actions, &workflow.Action{
				StepID:           step.ID,
				Type:             a.Type,
				ApproverRole:     a.ApproverRole,
				SpecificMemberID: a.SpecificMemberID,
				ApprovalMode:     a.ApprovalMode,
			})
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func (m *memStore) Create(_ context.Context, organizationID string, def *workflow.Definition) (*workflow.Workflow, error) {
	m.nextID++
	wf := &workflow.Workflow{
		ID:             fmt.Sprintf("wf-%d", m.nextID),
		OrganizationID: organizationID,
		Name:           def.Name,
		Description:    def.Description,
		IsActive:       def.IsActive,
	}
	steps, err := m.buildSteps(wf.ID, def.Steps)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	m.workflows[wf.ID] = wf
	return wf, nil
}

func (m *memStore) Update(_ context.Context, workflowID string, def *workflow.Definition) (*workflow.Workflow, error) {
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, apperrors.NotFound("workflow", workflowID)
	}
	// Build the replacement tree first; the swap happens only when every
	// step was written, mirroring the repository's transaction boundary.
	steps, err := m.buildSteps(workflowID, def.Steps)
	if err != nil {
		return nil, err
	}
	wf.Name = def.Name
	wf.Description = def.Description
	wf.IsActive = def.IsActive
	wf.Steps = steps
	return wf, nil
}

func (m *memStore) Delete(_ context.Context, workflowID string) error {
	for _, active := range m.active {
		if active != nil && *active == workflowID {
			return apperrors.Conflict("workflow is the organization's active workflow; deactivate it first")
		}
	}
	if _, ok := m.workflows[workflowID]; !ok {
		return apperrors.NotFound("workflow", workflowID)
	}
	delete(m.workflows, workflowID)
	return nil
}

func (m *memStore) GetByID(_ context.Context, workflowID string) (*workflow.Workflow, error) {
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, apperrors.NotFound("workflow", workflowID)
	}
	return wf, nil
}

func (m *memStore) ListByOrganization(_ context.Context, organizationID string) ([]*workflow.Workflow, error) {
	var out []*workflow.Workflow
	for _, wf := range m.workflows {
		if wf.OrganizationID == organizationID {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (m *memStore) SetActiveWorkflow(_ context.Context, organizationID, workflowID string) error {
	wf, ok := m.workflows[workflowID]
	if !ok {
		return apperrors.NotFound("workflow", workflowID)
	}
	if wf.OrganizationID != organizationID {
		return apperrors.Forbidden("workflow belongs to a different organization")
	}
	if !wf.IsActive {
		return apperrors.Conflict("workflow is not eligible for activation")
	}
	id := workflowID
	m.active[organizationID] = &id
	return nil
}

func (m *memStore) ClearActiveWorkflow(_ context.Context, organizationID string) error {
	m.active[organizationID] = nil
	return nil
}

func (m *memStore) GetActiveWorkflowID(_ context.Context, organizationID string) (*string, error) {
	return m.active[organizationID], nil
}

func (m *memStore) Append(_ context.Context, entry *workflow.AuditEntry) error {
	m.audit = append(m.audit, entry)
	return nil
}

// ── Directory and event fakes ────────────────────────────────────────────────

type fakeDirectory struct {
	members map[string][]string
	err     error
	calls   int
}

func (d *fakeDirectory) ResolveApproversForRole(_ context.Context, _, role string, _ *string) ([]string, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.members[role], nil
}

type publishedEvent struct {
	eventType      string
	organizationID string
	workflowID     string
}

type fakeEvents struct {
	events []publishedEvent
}

func (f *fakeEvents) PublishWorkflowEvent(_ context.Context, eventType, organizationID, workflowID, _ string, _ map[string]any) {
	f.events = append(f.events, publishedEvent{eventType, organizationID, workflowID})
}

func (f *fakeEvents) PublishEvaluationCompleted(_ context.Context, organizationID, workflowID string, _ int, _ map[string]any) {
	f.events = append(f.events, publishedEvent{"evaluation_completed", organizationID, workflowID})
}

// ── Fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	store     *memStore
	directory *fakeDirectory
	events    *fakeEvents
	svc       *ApprovalService
}

// auditAdapter gives the fake a distinct ListByOrganization for the
// AuditStore interface; memStore's own method of that name lists workflows.
type auditAdapter struct{ *memStore }

func (a auditAdapter) ListByOrganization(_ context.Context, organizationID string, _ int) ([]*workflow.AuditEntry, error) {
	var out []*workflow.AuditEntry
	for _, e := range a.audit {
		if e.OrganizationID == organizationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newFixture() *fixture {
	store := newMemStore()
	directory := &fakeDirectory{members: map[string][]string{
		"MANAGER": {"member-mgr-1", "member-mgr-2"},
		"ADMIN":   {"member-admin"},
	}}
	events := &fakeEvents{}
	svc := NewApprovalService(store, store, auditAdapter{store}, directory, events, zerolog.Nop())
	return &fixture{store: store, directory: directory, events: events, svc: svc}
}

func lowValueDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:     "Low Value Expense Approval",
		IsActive: true,
		Steps: []workflow.StepDefinition{
			{
				StepNumber: 1,
				Name:       "Manager approval",
				Conditions: []workflow.ConditionDefinition{
					{Type: workflow.ConditionAmountRange, MaxAmount: i64(10000)},
				},
				Actions: []workflow.ActionDefinition{
					{Type: workflow.ActionRole, ApproverRole: str("MANAGER"), ApprovalMode: workflow.ModeAnyOne},
				},
			},
		},
	}
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestCreateWorkflowRejectsInvalidDefinition(t *testing.T) {
	f := newFixture()

	def := lowValueDefinition()
	def.Steps = nil

	_, err := f.svc.CreateWorkflow(context.Background(), "org-1", "admin", def)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	assert.NotEmpty(t, apperrors.FieldsOf(err))
	assert.Empty(t, f.store.workflows, "invalid definitions must never reach the store")
}

func TestCreateWorkflowPersistsAuditsAndPublishes(t *testing.T) {
	f := newFixture()

	wf, err := f.svc.CreateWorkflow(context.Background(), "org-1", "admin", lowValueDefinition())
	require.NoError(t, err)
	require.NotNil(t, wf)
	assert.Len(t, wf.Steps, 1)

	require.Len(t, f.store.audit, 1)
	assert.Equal(t, "created", f.store.audit[0].Action)
	assert.Equal(t, "admin", f.store.audit[0].PerformedBy)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, "created", f.events.events[0].eventType)
	assert.Equal(t, wf.ID, f.events.events[0].workflowID)
}

func TestUpdateWorkflowNotFound(t *testing.T) {
	f := newFixture()

	_, err := f.svc.UpdateWorkflow(context.Background(), "wf-missing", "admin", lowValueDefinition())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestUpdateWorkflowAtomicityOnMidRecreateFailure(t *testing.T) {
	f := newFixture()

	wf, err := f.svc.CreateWorkflow(context.Background(), "org-1", "admin", lowValueDefinition())
	require.NoError(t, err)
	originalSteps := wf.Steps

	// Two-step replacement definition that fails while writing step 2.
	replacement := lowValueDefinition()
	replacement.Name = "Tiered Expense Approval"
	replacement.Steps = append(replacement.Steps, workflow.StepDefinition{
		StepNumber: 2,
		Name:       "Admin approval",
		Conditions: []workflow.ConditionDefinition{
			{Type: workflow.ConditionAmountRange, MinAmount: i64(10000), MaxAmount: i64(100000)},
		},
		Actions: []workflow.ActionDefinition{
			{Type: workflow.ActionRole, ApproverRole: str("ADMIN"), ApprovalMode: workflow.ModeAnyOne},
		},
	})

	f.store.stepHook = func(stepIndex int) error {
		if stepIndex == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	_, err = f.svc.UpdateWorkflow(context.Background(), wf.ID, "admin", replacement)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInternal, apperrors.CodeOf(err))

	// The stored workflow is unchanged: neither renamed nor left stepless.
	stored, getErr := f.store.GetByID(context.Background(), wf.ID)
	require.NoError(t, getErr)
	assert.Equal(t, "Low Value Expense Approval", stored.Name)
	assert.Equal(t, originalSteps, stored.Steps)
}

func TestActivateWorkflowPointerSemantics(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	w1, err := f.svc.CreateWorkflow(ctx, "org-1", "admin", lowValueDefinition())
	require.NoError(t, err)
	def2 := lowValueDefinition()
	def2.Name = "High Value Expense Approval"
	w2, err := f.svc.CreateWorkflow(ctx, "org-1", "admin", def2)
	require.NoError(t, err)

	require.NoError(t, f.svc.ActivateWorkflow(ctx, "org-1", w1.ID, "admin"))
	require.NoError(t, f.svc.ActivateWorkflow(ctx, "org-1", w2.ID, "admin"))

	active, err := f.svc.GetActiveWorkflow(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, w2.ID, active.ID, "activating W2 implicitly replaces W1")

	// The pointer swap does not touch the per-workflow eligibility flag.
	w1Stored, err := f.svc.GetWorkflow(ctx, w1.ID)
	require.NoError(t, err)
	assert.True(t, w1Stored.IsActive)
}

func TestActivateWorkflowCrossTenantForbidden(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	wf, err := f.svc.CreateWorkflow(ctx, "org-1", "admin", lowValueDefinition())
	require.NoError(t, err)

	err = f.svc.ActivateWorkflow(ctx, "org-2", wf.ID, "admin")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
}

func TestActivateWorkflowIneligibleConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	def := lowValueDefinition()
	def.IsActive = false
	wf, err := f.svc.CreateWorkflow(ctx, "org-1", "admin", def)
	require.NoError(t, err)

	err = f.svc.ActivateWorkflow(ctx, "org-1", wf.ID, "admin")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestDeleteActiveWorkflowConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	wf, err := f.svc.CreateWorkflow(ctx, "org-1", "admin", lowValueDefinition())
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateWorkflow(ctx, "org-1", wf.ID, "admin"))

	err = f.svc.DeleteWorkflow(ctx, wf.ID, "admin")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))

	// After deactivation the delete goes through.
	require.NoError(t, f.svc.DeactivateWorkflow(ctx, "org-1", "admin"))
	require.NoError(t, f.svc.DeleteWorkflow(ctx, wf.ID, "admin"))
}

func TestEvaluateTransactionWithoutActiveWorkflow(t *testing.T) {
	f := newFixture()

	result, err := f.svc.EvaluateTransaction(context.Background(), "org-1", workflow.TransactionContext{
		Amount:      5000,
		SubmitterID: "u1",
	})
	require.NoError(t, err)
	assert.False(t, result.Evaluated)
	assert.Empty(t, result.Matches)
}

func TestEvaluateTransactionResolvesApprovers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	wf, err := f.svc.CreateWorkflow(ctx, "org-1", "admin", lowValueDefinition())
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateWorkflow(ctx, "org-1", wf.ID, "admin"))

	result, err := f.svc.EvaluateTransaction(ctx, "org-1", workflow.TransactionContext{
		Amount:      7500,
		SubmitterID: "u1",
	})
	require.NoError(t, err)
	assert.True(t, result.Evaluated)
	assert.Equal(t, wf.ID, result.WorkflowID)
	require.Len(t, result.Matches, 1)
	require.Len(t, result.Matches[0].Requirements, 1)

	req := result.Matches[0].Requirements[0]
	assert.Equal(t, "MANAGER", *req.ApproverRole)
	assert.Equal(t, []string{"member-mgr-1", "member-mgr-2"}, req.Approvers)

	// Evaluation outcome is published.
	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, "evaluation_completed", last.eventType)
}

func TestEvaluateTransactionDirectoryFailureIsNonFatal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	wf, err := f.svc.CreateWorkflow(ctx, "org-1", "admin", lowValueDefinition())
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateWorkflow(ctx, "org-1", wf.ID, "admin"))

	f.directory.err = errors.New("directory unavailable")

	result, err := f.svc.EvaluateTransaction(ctx, "org-1", workflow.TransactionContext{Amount: 7500, SubmitterID: "u1"})
	require.NoError(t, err, "directory outages must not fail evaluation")
	require.Len(t, result.Matches, 1)

	req := result.Matches[0].Requirements[0]
	assert.Empty(t, req.Approvers)
	assert.Equal(t, "MANAGER", *req.ApproverRole, "role reference survives for later resolution")
}

func TestEvaluateWorkflowDryRunSpecificMember(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	def := lowValueDefinition()
	def.Steps[0].Actions = []workflow.ActionDefinition{
		{Type: workflow.ActionSpecificMember, SpecificMemberID: str("member-cfo"), ApprovalMode: workflow.ModeAll},
	}
	wf, err := f.svc.CreateWorkflow(ctx, "org-1", "admin", def)
	require.NoError(t, err)

	// Dry-run works without the workflow being active.
	result, err := f.svc.EvaluateWorkflow(ctx, wf.ID, workflow.TransactionContext{Amount: 100, SubmitterID: "u1"})
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)

	req := result.Matches[0].Requirements[0]
	assert.Equal(t, []string{"member-cfo"}, req.Approvers)
	assert.Equal(t, workflow.ModeAll, req.Mode)
	assert.Zero(t, f.directory.calls, "specific members never hit the directory")
}
