package workflow

import (
	"sort"

	"github.com/rs/zerolog"
)

// Evaluator walks a workflow's steps against a transaction context and
// returns every applying step with its approval requirements.
//
// Evaluation is deterministic and performs no I/O: the same (workflow,
// context) pair always yields identical output. Conditions whose payload is
// missing for their declared type fail closed (treated as non-matching) and
// are logged at warn level; one malformed condition never prevents sibling
// steps from being evaluated.
type Evaluator struct {
	log zerolog.Logger
}

// NewEvaluator creates an Evaluator that logs malformed rule data to log.
func NewEvaluator(log zerolog.Logger) *Evaluator {
	return &Evaluator{log: log}
}

// Evaluate returns all applying steps in ascending StepNumber order. The
// engine does not stop at the first match: tiered rule-sets legitimately
// produce several applying steps for one transaction. An empty result means
// no step applied; the caller decides what that means.
func (e *Evaluator) Evaluate(wf *Workflow, txn TransactionContext) []StepMatch {
	if wf == nil || len(wf.Steps) == 0 {
		return nil
	}

	steps := make([]*Step, len(wf.Steps))
	copy(steps, wf.Steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].StepNumber < steps[j].StepNumber
	})

	var matches []StepMatch
	for _, step := range steps {
		if !e.stepApplies(wf.ID, step, txn) {
			continue
		}
		matches = append(matches, StepMatch{
			StepNumber:   step.StepNumber,
			StepName:     step.Name,
			Requirements: e.requirements(wf.ID, step),
		})
	}
	return matches
}

// stepApplies combines the step's per-condition results with AND or OR
// semantics. A step with no conditions never applies.
func (e *Evaluator) stepApplies(workflowID string, step *Step, txn TransactionContext) bool {
	if len(step.Conditions) == 0 {
		return false
	}

	if step.AllConditionsMustMatch {
		for _, cond := range step.Conditions {
			if !e.conditionMatches(workflowID, step.StepNumber, cond, txn) {
				return false
			}
		}
		return true
	}

	for _, cond := range step.Conditions {
		if e.conditionMatches(workflowID, step.StepNumber, cond, txn) {
			return true
		}
	}
	return false
}

// conditionMatches evaluates one condition. Amount ranges are lower-bound
// exclusive and upper-bound inclusive, so a 100.00 transaction falls into a
// "up to 100" tier, not a "above 100" tier.
func (e *Evaluator) conditionMatches(workflowID string, stepNumber int, cond *Condition, txn TransactionContext) bool {
	switch cond.Type {
	case ConditionAmountRange:
		if cond.MinAmount == nil && cond.MaxAmount == nil {
			e.warnMalformed(workflowID, stepNumber, "AMOUNT_RANGE condition has no bounds")
			return false
		}
		if cond.MinAmount != nil && txn.Amount <= *cond.MinAmount {
			return false
		}
		if cond.MaxAmount != nil && txn.Amount > *cond.MaxAmount {
			return false
		}
		return true

	case ConditionExpenseCategory:
		if cond.ExpenseCategoryID == nil {
			e.warnMalformed(workflowID, stepNumber, "EXPENSE_CATEGORY condition has no category")
			return false
		}
		return txn.ExpenseCategoryID != nil && *txn.ExpenseCategoryID == *cond.ExpenseCategoryID

	case ConditionLocation:
		if cond.LocationID == nil {
			e.warnMalformed(workflowID, stepNumber, "LOCATION condition has no location")
			return false
		}
		return txn.LocationID != nil && *txn.LocationID == *cond.LocationID
	}

	e.warnMalformed(workflowID, stepNumber, "unknown condition type "+string(cond.Type))
	return false
}

// requirements converts a matched step's actions into approval requirements.
// Actions with a missing payload for their type are skipped, not raised.
func (e *Evaluator) requirements(workflowID string, step *Step) []ApprovalRequirement {
	reqs := make([]ApprovalRequirement, 0, len(step.Actions))
	for _, action := range step.Actions {
		mode := action.ApprovalMode
		if mode == "" {
			mode = ModeAnyOne
		}

		switch action.Type {
		case ActionRole:
			if action.ApproverRole == nil {
				e.warnMalformed(workflowID, step.StepNumber, "ROLE action has no approver role")
				continue
			}
		case ActionSpecificMember:
			if action.SpecificMemberID == nil {
				e.warnMalformed(workflowID, step.StepNumber, "SPECIFIC_MEMBER action has no member")
				continue
			}
		default:
			e.warnMalformed(workflowID, step.StepNumber, "unknown action type "+string(action.Type))
			continue
		}

		reqs = append(reqs, ApprovalRequirement{
			Type:             action.Type,
			ApproverRole:     action.ApproverRole,
			SpecificMemberID: action.SpecificMemberID,
			Mode:             mode,
		})
	}
	return reqs
}

func (e *Evaluator) warnMalformed(workflowID string, stepNumber int, msg string) {
	e.log.Warn().
		Str("workflow_id", workflowID).
		Int("step_number", stepNumber).
		Msg("evaluation: " + msg)
}
