package validation

import (
	"fmt"

	"github.com/ehr/validation/internal/platform/fhir"
)

// AspectCodingSystem identifies the aspect an OperationOutcome issue came from.
const AspectCodingSystem = "urn:ehr:validation:aspect"

// fhirIssueTypes are the issue codes that are already FHIR issue-type codes.
var fhirIssueTypes = map[string]bool{
	fhir.IssueTypeInvalid: true, fhir.IssueTypeStructure: true, fhir.IssueTypeRequired: true,
	fhir.IssueTypeValue: true, fhir.IssueTypeInvariant: true, fhir.IssueTypeNotFound: true,
	fhir.IssueTypeProcessing: true, fhir.IssueTypeNotSupported: true, fhir.IssueTypeBusinessRule: true,
	fhir.IssueTypeException: true, fhir.IssueTypeTimeout: true, fhir.IssueTypeCodeInvalid: true,
	fhir.IssueTypeIncomplete: true, fhir.IssueTypeConflict: true, fhir.IssueTypeInformational: true,
}

// ToOperationOutcome renders the outcome for FHIR clients. Issues keep the
// canonical aspect order; each carries its aspect as a coded detail.
func ToOperationOutcome(o *ValidationOutcome) *fhir.OperationOutcome {
	b := fhir.NewOutcomeBuilder()
	if o.Skipped {
		b.AddIssue(fhir.IssueSeverityInformation, fhir.IssueTypeInformational, o.SkipReason)
		return b.Build()
	}
	for _, r := range o.Aspects {
		for _, is := range r.Issues {
			details := &fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: AspectCodingSystem, Code: string(r.Aspect)}},
				Text:   is.Code,
			}
			msg := is.Message
			if is.RuleID != "" {
				msg = fmt.Sprintf("%s (rule %s)", msg, is.RuleID)
			}
			b.AddDetailedIssue(outcomeSeverity(is.Severity), outcomeCode(is.Code), msg, is.CanonicalPath, details)
		}
	}
	return b.Build()
}

func outcomeSeverity(s Severity) string {
	switch s {
	case SeverityError:
		return fhir.IssueSeverityError
	case SeverityWarning:
		return fhir.IssueSeverityWarning
	}
	return fhir.IssueSeverityInformation
}

func outcomeCode(code string) string {
	switch {
	case fhirIssueTypes[code]:
		return code
	case code == CodeAspectExecutionError:
		return fhir.IssueTypeException
	case code == CodeAspectTimeout:
		return fhir.IssueTypeTimeout
	}
	return fhir.IssueTypeProcessing
}
