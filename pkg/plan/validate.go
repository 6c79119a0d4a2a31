package plan

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/planq/planq/pkg/docstore"
)

// Validator checks a normalized document against the structural rules.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator with the plan-specific rules registered.
func NewValidator() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("timestamp", func(fl validator.FieldLevel) bool {
		return docstore.ValidTimestamp(fl.Field().String())
	})
	v.RegisterStructValidation(statusCoherence, Document{})
	return &Validator{validate: v}
}

// Validate returns nil when the document satisfies every structural rule.
func (v *Validator) Validate(doc *Document) error {
	if err := v.validate.Struct(doc); err != nil {
		return fmt.Errorf("plan %s: %w", doc.PlanRef, err)
	}
	return nil
}

func statusCoherence(sl validator.StructLevel) {
	doc := sl.Current().Interface().(Document)
	for _, step := range doc.Narrative.ImplementationPlan.Entries {
		switch {
		case doc.Status == StatusComplete && step.Status != ProgressComplete:
			sl.ReportError(doc.Status, "status", "Status", "complete_steps", step.ID)
			return
		case doc.Status == StatusDeferred && step.Status == ProgressInProgress:
			sl.ReportError(doc.Status, "status", "Status", "deferred_steps", step.ID)
			return
		}
	}
	if doc.Status == StatusInProgress && stepIndex(doc.Narrative.ImplementationPlan.Entries, ProgressInProgress) < 0 {
		sl.ReportError(doc.Status, "status", "Status", "in_progress_step", "")
	}
}
