package aspect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/validation/internal/domain/rules"
	"github.com/ehr/validation/internal/domain/validation"
)

// Issue codes for business rules.
const (
	CodeRuleFailed          = "business-rule"
	CodeRuleEvaluationError = "rule-evaluation-error"
)

// RuleSource lists the rules to evaluate for a resource type.
// *rules.Service implements it.
type RuleSource interface {
	ActiveRulesFor(ctx context.Context, resourceType string) ([]*rules.Rule, error)
}

// ExpressionEvaluator evaluates one FHIRPath expression against a resource.
type ExpressionEvaluator interface {
	Evaluate(expr string, resource []byte) (rules.Result, error)
}

// BusinessRule evaluates every active rule for the resource's type. A rule
// that cannot be evaluated yields one issue and does not stop the others.
type BusinessRule struct {
	source    RuleSource
	evaluator ExpressionEvaluator
}

func NewBusinessRule(source RuleSource, evaluator ExpressionEvaluator) *BusinessRule {
	if evaluator == nil {
		evaluator = rules.NewEvaluator()
	}
	return &BusinessRule{source: source, evaluator: evaluator}
}

func (b *BusinessRule) Aspect() validation.Aspect { return validation.AspectBusinessRule }

func (b *BusinessRule) Validate(ctx context.Context, req validation.AspectRequest) (*validation.AspectReport, error) {
	report := &validation.AspectReport{}
	if b.source == nil {
		return report, nil
	}
	root := rootPath(req.Resource)
	active, err := b.source.ActiveRulesFor(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("load business rules: %w", err)
	}
	if len(active) == 0 {
		return report, nil
	}

	body, err := json.Marshal(req.Resource.Content)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	for _, rule := range active {
		res, err := b.evaluator.Evaluate(rule.Expression, body)
		if err != nil {
			report.Issues = append(report.Issues, validation.Issue{
				Severity:      validation.SeverityError,
				Code:          CodeRuleEvaluationError,
				CanonicalPath: root,
				Message:       fmt.Sprintf("rule %q could not be evaluated: %v", rule.Name, err),
				RuleID:        rule.ID.String(),
			})
			continue
		}
		if !res.Applicable || res.Passed {
			continue
		}
		msg := rule.Description
		if msg == "" {
			msg = rule.Expression
		}
		report.Issues = append(report.Issues, validation.Issue{
			Severity:      rule.Severity,
			Code:          CodeRuleFailed,
			CanonicalPath: root,
			Message:       fmt.Sprintf("rule %q failed: %s", rule.Name, msg),
			RuleID:        rule.ID.String(),
		})
	}
	return report, nil
}
