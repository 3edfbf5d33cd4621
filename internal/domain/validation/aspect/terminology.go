package aspect

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/validation/internal/domain/terminology"
	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/fhir"
)

// CodeValidator resolves a batch of codes. *terminology.Resolver implements it.
type CodeValidator interface {
	ValidateCodes(ctx context.Context, ts validation.TerminologySettings, queries []terminology.Query, concurrency int) (map[terminology.Query]terminology.Verdict, error)
}

const hl7 = "http://hl7.org/fhir/"

// boundElements are primitive code elements whose code system is fixed by
// the base specification, keyed by index-free path.
var boundElements = map[string]string{
	"Patient.gender":                 hl7 + "administrative-gender",
	"RelatedPerson.gender":           hl7 + "administrative-gender",
	"Practitioner.gender":            hl7 + "administrative-gender",
	"Observation.status":             hl7 + "observation-status",
	"Encounter.status":               hl7 + "encounter-status",
	"ServiceRequest.status":          hl7 + "request-status",
	"ServiceRequest.intent":          hl7 + "request-intent",
	"MedicationRequest.status":       hl7 + "CodeSystem/medicationrequest-status",
	"MedicationRequest.intent":       hl7 + "request-intent",
	"AllergyIntolerance.criticality": hl7 + "allergy-intolerance-criticality",
	"Questionnaire.status":           hl7 + "publication-status",
	"StructureDefinition.status":     hl7 + "publication-status",
	"ValueSet.status":                hl7 + "publication-status",
	"CodeSystem.status":              hl7 + "publication-status",
}

// boundSuffixes bind the data types that appear under many elements, keyed
// by the last two path segments.
var boundSuffixes = map[string]string{
	"text.status":    hl7 + "narrative-status",
	"name.use":       hl7 + "name-use",
	"address.use":    hl7 + "address-use",
	"address.type":   hl7 + "address-type",
	"telecom.system": hl7 + "contact-point-system",
	"telecom.use":    hl7 + "contact-point-use",
	"identifier.use": hl7 + "identifier-use",
}

// Terminology extracts every coded value in a resource, including codings
// nested in extensions and contained resources, and checks each distinct
// (system, code) pair once through the terminology resolver.
type Terminology struct {
	codes CodeValidator
}

func NewTerminology(codes CodeValidator) *Terminology {
	return &Terminology{codes: codes}
}

func (t *Terminology) Aspect() validation.Aspect { return validation.AspectTerminology }

type codeOccurrence struct {
	query terminology.Query
	path  string
}

func (t *Terminology) Validate(ctx context.Context, req validation.AspectRequest) (*validation.AspectReport, error) {
	occurrences := extractCodes(req.Resource.Content, rootPath(req.Resource))
	report := &validation.AspectReport{}
	if len(occurrences) == 0 {
		return report, nil
	}
	if t.codes == nil {
		return nil, fmt.Errorf("terminology validation requested without a resolver")
	}

	queries := make([]terminology.Query, len(occurrences))
	for i, oc := range occurrences {
		queries[i] = oc.query
	}
	var (
		ts          validation.TerminologySettings
		concurrency int
	)
	if req.Settings != nil {
		ts = req.Settings.Terminology
		concurrency = req.Settings.Performance.SubCheckConcurrency
	}
	verdicts, err := t.codes.ValidateCodes(ctx, ts, queries, concurrency)
	if err != nil {
		return nil, err
	}

	for _, oc := range occurrences {
		v, ok := verdicts[oc.query]
		if !ok {
			continue
		}
		if v.Degraded() {
			report.Degraded = true
		}
		switch v.Status {
		case terminology.StatusInvalid:
			msg := fmt.Sprintf("code %q is not valid in code system %s", v.Code, v.System)
			if v.Message != "" {
				msg += ": " + v.Message
			}
			report.Issues = append(report.Issues, validation.Issue{
				Severity:      validation.SeverityError,
				Code:          fhir.IssueTypeCodeInvalid,
				CanonicalPath: oc.path,
				Message:       msg,
			})
		case terminology.StatusUnvalidatable:
			report.Issues = append(report.Issues, validation.Issue{
				Severity:      validation.SeverityWarning,
				Code:          fhir.IssueTypeIncomplete,
				CanonicalPath: oc.path,
				Message:       v.Message,
				Uncapped:      true,
			})
		case terminology.StatusError:
			report.Issues = append(report.Issues, validation.Issue{
				Severity:      validation.SeverityError,
				Code:          fhir.IssueTypeCodeInvalid,
				CanonicalPath: oc.path,
				Message:       v.Message,
			})
		}
	}
	return report, nil
}

// extractCodes walks the resource for Coding-shaped objects (system + code,
// which also covers coded Quantities) and for primitive codes with a fixed
// binding. Occurrences are returned in document order.
func extractCodes(content map[string]any, root string) []codeOccurrence {
	var out []codeOccurrence
	visitObjects(content, root, root, func(path, pattern string, obj map[string]any) {
		system, hasSystem := obj["system"].(string)
		code, hasCode := obj["code"].(string)
		if hasSystem && hasCode && system != "" && code != "" {
			out = append(out, codeOccurrence{
				query: terminology.Query{System: system, Code: code},
				path:  path + ".code",
			})
		}

		for _, k := range sortedKeys(obj) {
			code, ok := obj[k].(string)
			if !ok || code == "" {
				continue
			}
			if system := boundSystem(pattern, k); system != "" {
				out = append(out, codeOccurrence{
					query: terminology.Query{System: system, Code: code},
					path:  path + "." + k,
				})
			}
		}
	})

	if lang, ok := content["language"].(string); ok && lang != "" {
		out = append(out, codeOccurrence{
			query: terminology.Query{System: terminology.SystemBCP47, Code: lang},
			path:  root + ".language",
		})
	}
	return out
}

func boundSystem(pattern, key string) string {
	if system, ok := boundElements[pattern+"."+key]; ok {
		return system
	}
	parent := pattern
	if i := strings.LastIndex(pattern, "."); i >= 0 {
		parent = pattern[i+1:]
	}
	return boundSuffixes[parent+"."+key]
}
