package workflow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/veloretail/be-approvals/internal/apperrors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their json names so errors map onto API payloads.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateDefinition checks the structural contract of a workflow definition
// and returns the full list of field-level violations, empty when valid.
// Side effect on def: an empty ApprovalMode is normalized to ANY_ONE.
//
// Checks, per the workflow schema:
//   - name non-empty, at least one step
//   - step numbers positive and unique within the definition (gaps allowed)
//   - every step has at least one condition and one action
//   - condition payload matches its type (AMOUNT_RANGE needs min and/or max,
//     EXPENSE_CATEGORY needs a category id, LOCATION needs a location id)
//   - action payload matches its type (ROLE needs an approver role,
//     SPECIFIC_MEMBER needs a member id)
func ValidateDefinition(def *Definition) []apperrors.FieldError {
	if def == nil {
		return []apperrors.FieldError{{Field: "", Message: "definition is required"}}
	}

	applyDefaults(def)

	var fields []apperrors.FieldError

	if err := validate.Struct(def); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, apperrors.FieldError{
					Field:   fieldPath(fe),
					Message: tagMessage(fe),
				})
			}
		} else {
			fields = append(fields, apperrors.FieldError{Field: "", Message: err.Error()})
		}
	}

	fields = append(fields, checkStepNumberUniqueness(def)...)
	fields = append(fields, checkPayloadConsistency(def)...)

	return fields
}

func applyDefaults(def *Definition) {
	for i := range def.Steps {
		for j := range def.Steps[i].Actions {
			if def.Steps[i].Actions[j].ApprovalMode == "" {
				def.Steps[i].Actions[j].ApprovalMode = ModeAnyOne
			}
		}
	}
}

// checkStepNumberUniqueness rejects duplicate step numbers. Positivity is
// already enforced by the gt=0 tag.
func checkStepNumberUniqueness(def *Definition) []apperrors.FieldError {
	var fields []apperrors.FieldError
	seen := make(map[int]int, len(def.Steps))
	for i, step := range def.Steps {
		if first, dup := seen[step.StepNumber]; dup {
			fields = append(fields, apperrors.FieldError{
				Field:   fmt.Sprintf("steps[%d].step_number", i),
				Message: fmt.Sprintf("duplicates step number %d of steps[%d]", step.StepNumber, first),
			})
			continue
		}
		seen[step.StepNumber] = i
	}
	return fields
}

// checkPayloadConsistency enforces the cross-field type/payload rules that
// struct tags cannot express.
func checkPayloadConsistency(def *Definition) []apperrors.FieldError {
	var fields []apperrors.FieldError

	for i, step := range def.Steps {
		for j, cond := range step.Conditions {
			path := fmt.Sprintf("steps[%d].conditions[%d]", i, j)
			switch cond.Type {
			case ConditionAmountRange:
				if cond.MinAmount == nil && cond.MaxAmount == nil {
					fields = append(fields, apperrors.FieldError{
						Field:   path + ".min_amount",
						Message: "AMOUNT_RANGE requires min_amount and/or max_amount",
					})
				} else if cond.MinAmount != nil && cond.MaxAmount != nil && *cond.MinAmount >= *cond.MaxAmount {
					fields = append(fields, apperrors.FieldError{
						Field:   path + ".max_amount",
						Message: "max_amount must be greater than min_amount",
					})
				}
			case ConditionExpenseCategory:
				if cond.ExpenseCategoryID == nil || *cond.ExpenseCategoryID == "" {
					fields = append(fields, apperrors.FieldError{
						Field:   path + ".expense_category_id",
						Message: "EXPENSE_CATEGORY requires expense_category_id",
					})
				}
			case ConditionLocation:
				if cond.LocationID == nil || *cond.LocationID == "" {
					fields = append(fields, apperrors.FieldError{
						Field:   path + ".location_id",
						Message: "LOCATION requires location_id",
					})
				}
			}
		}

		for j, action := range step.Actions {
			path := fmt.Sprintf("steps[%d].actions[%d]", i, j)
			switch action.Type {
			case ActionRole:
				if action.ApproverRole == nil || *action.ApproverRole == "" {
					fields = append(fields, apperrors.FieldError{
						Field:   path + ".approver_role",
						Message: "ROLE requires approver_role",
					})
				}
			case ActionSpecificMember:
				if action.SpecificMemberID == nil || *action.SpecificMemberID == "" {
					fields = append(fields, apperrors.FieldError{
						Field:   path + ".specific_member_id",
						Message: "SPECIFIC_MEMBER requires specific_member_id",
					})
				}
			}
		}
	}

	return fields
}

// fieldPath converts a validator namespace like
// "Definition.steps[0].conditions[1].type" into "steps[0].conditions[1].type".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
