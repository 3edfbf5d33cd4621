package validation

import (
	"testing"

	"github.com/ehr/validation/internal/platform/fhir"
)

func TestToOperationOutcome(t *testing.T) {
	o := &ValidationOutcome{Aspects: []AspectResult{
		{Aspect: AspectStructural, Issues: []Issue{{Severity: SeverityError, Code: "structure", CanonicalPath: "Patient.id", Message: "bad id"}}},
		{Aspect: AspectReference, Issues: []Issue{{Severity: SeverityWarning, Code: CodeAspectTimeout, CanonicalPath: "Patient", Message: "slow"}}},
		{Aspect: AspectBusinessRule, Issues: []Issue{{Severity: SeverityInfo, Code: "rule-evaluation-error", CanonicalPath: "Patient", Message: "oops", RuleID: "r-1"}}},
	}}
	oo := ToOperationOutcome(o)
	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) != 3 {
		t.Fatalf("unexpected outcome %+v", oo)
	}
	first := oo.Issue[0]
	if first.Severity != fhir.IssueSeverityError || first.Code != "structure" || first.Expression[0] != "Patient.id" {
		t.Errorf("unexpected first issue %+v", first)
	}
	if first.Details.Coding[0].Code != string(AspectStructural) {
		t.Errorf("expected aspect detail, got %+v", first.Details)
	}
	if oo.Issue[1].Code != fhir.IssueTypeTimeout || oo.Issue[1].Severity != fhir.IssueSeverityWarning {
		t.Errorf("unexpected timeout issue %+v", oo.Issue[1])
	}
	if oo.Issue[2].Code != fhir.IssueTypeProcessing || oo.Issue[2].Diagnostics != "oops (rule r-1)" {
		t.Errorf("unexpected rule issue %+v", oo.Issue[2])
	}
}

func TestToOperationOutcome_ValidAndSkipped(t *testing.T) {
	oo := ToOperationOutcome(&ValidationOutcome{IsValid: true, Aspects: []AspectResult{{Aspect: AspectMetadata}}})
	if len(oo.Issue) != 1 || oo.Issue[0].Code != fhir.IssueTypeInformational {
		t.Errorf("expected all-OK issue, got %+v", oo.Issue)
	}
	oo = ToOperationOutcome(&ValidationOutcome{Skipped: true, SkipReason: "excluded"})
	if oo.Issue[0].Diagnostics != "excluded" {
		t.Errorf("expected skip reason, got %+v", oo.Issue)
	}
}
