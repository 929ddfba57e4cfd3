package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/paulexconde/csat/internal/models"
	"github.com/paulexconde/csat/pkg/fault"
	pkgstore "github.com/paulexconde/csat/pkg/store"
)

// CategoryRules maps every accepted category to its compiled comment rule.
// A nil program means the category only has the base rule.
type CategoryRules struct {
	programs map[string]*vm.Program
}

// ruleEnv returns the variables a rule expression can reference.
func ruleEnv(survey models.Survey, score int, comment string) map[string]any {
	return map[string]any{
		"score":       score,
		"comment":     comment,
		"category":    survey.Category,
		"language":    survey.Language,
		"subject_id":  survey.SubjectID,
		"project_key": survey.ProjectKey(),
	}
}

// CompileRules compiles the comment_required expression of every category.
// The default category is always accepted.
func CompileRules(categories map[string]string) (*CategoryRules, error) {
	rules := &CategoryRules{programs: map[string]*vm.Program{models.DefaultCategory: nil}}

	env := ruleEnv(models.Survey{}, 0, "")
	for name, rule := range categories {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("category name is required")
		}
		rule = strings.TrimSpace(rule)
		if rule == "" {
			rules.programs[name] = nil
			continue
		}

		program, err := expr.Compile(rule, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("category %q: compile comment_required: %w", name, err)
		}
		rules.programs[name] = program
	}
	return rules, nil
}

// Has reports whether category is configured.
func (r *CategoryRules) Has(category string) bool {
	_, ok := r.programs[category]
	return ok
}

// Names lists the configured categories.
func (r *CategoryRules) Names() []string {
	names := make([]string, 0, len(r.programs))
	for name := range r.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validator returns the store hook enforcing the category's extra rule. The
// rule can only add the comment requirement; the base rule has already run.
func (r *CategoryRules) Validator() pkgstore.Validator {
	return func(survey models.Survey, score int, comment string) error {
		program := r.programs[survey.Category]
		if program == nil || strings.TrimSpace(comment) != "" {
			return nil
		}

		required, err := evaluateExpression(program, ruleEnv(survey, score, comment))
		if err != nil {
			return fault.NewInternalError(fmt.Sprintf("evaluate rule for category %q", survey.Category), err)
		}
		if required {
			return fault.Validation(fmt.Sprintf("comment is required for category %q", survey.Category))
		}
		return nil
	}
}

func evaluateExpression(program *vm.Program, input map[string]any) (bool, error) {
	output, err := expr.Run(program, input)
	if err != nil {
		return false, err
	}

	result, ok := output.(bool)
	if !ok {
		return false, errors.New("expression did not return a boolean")
	}

	return result, nil
}
