package fhir

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4 spec.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeStructure     = "structure"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeInvariant     = "invariant"
	IssueTypeNotFound      = "not-found"
	IssueTypeProcessing    = "processing"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeBusinessRule  = "business-rule"
	IssueTypeException     = "exception"
	IssueTypeTimeout       = "timeout"
	IssueTypeCodeInvalid   = "code-invalid"
	IssueTypeIncomplete    = "incomplete"
	IssueTypeConflict      = "conflict"
	IssueTypeTooCostly     = "too-costly"
	IssueTypeInformational = "informational"
)

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return NewOutcomeBuilder().AddIssue(severity, code, diagnostics).Build()
}

// OutcomeBuilder provides a fluent API for constructing OperationOutcome resources.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{
			ResourceType: "OperationOutcome",
			Issue:        []OperationOutcomeIssue{},
		},
	}
}

// AddIssue adds a single issue to the OperationOutcome.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddDetailedIssue adds an issue with a coded detail and an optional
// expression path.
func (b *OutcomeBuilder) AddDetailedIssue(severity, code, diagnostics, location string, details *CodeableConcept) *OutcomeBuilder {
	issue := OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Details:     details,
	}
	if location != "" {
		issue.Expression = []string{location}
	}
	b.outcome.Issue = append(b.outcome.Issue, issue)
	return b
}

// Build returns the constructed OperationOutcome. An outcome without issues
// gets the informational "all OK" issue FHIR requires.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	if len(b.outcome.Issue) == 0 {
		b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
			Severity:    IssueSeverityInformation,
			Code:        IssueTypeInformational,
			Diagnostics: "All OK",
		})
	}
	return b.outcome
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}
