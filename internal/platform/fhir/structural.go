package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// StructuralChecker checks a serialized resource for conformance with the
// base FHIR specification and reports findings as OperationOutcome issues.
// An error means the check itself could not run.
type StructuralChecker interface {
	Check(ctx context.Context, resource []byte, fhirVersion string) ([]OperationOutcomeIssue, error)
}

var (
	// referencePattern matches relative references in the format "ResourceType/id"
	// with an optional "/_history/version" suffix.
	referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[A-Za-z0-9\-\.]{1,64}(/_history/[A-Za-z0-9\-\.]{1,64})?$`)
	idPattern        = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)
)

// knownResourceTypes lists the FHIR R4 resource types the builtin checker accepts.
var knownResourceTypes = map[string]bool{
	"Account": true, "AllergyIntolerance": true, "Appointment": true, "AuditEvent": true,
	"Basic": true, "Binary": true, "Bundle": true, "CapabilityStatement": true,
	"CarePlan": true, "CareTeam": true, "Claim": true, "ClaimResponse": true,
	"CodeSystem": true, "Communication": true, "Composition": true, "Condition": true,
	"Consent": true, "Coverage": true, "Device": true, "DiagnosticReport": true,
	"DocumentReference": true, "Encounter": true, "Endpoint": true, "EpisodeOfCare": true,
	"FamilyMemberHistory": true, "Goal": true, "Group": true, "HealthcareService": true,
	"ImagingStudy": true, "Immunization": true, "Invoice": true, "List": true,
	"Location": true, "Medication": true, "MedicationAdministration": true,
	"MedicationDispense": true, "MedicationRequest": true, "MedicationStatement": true,
	"NutritionOrder": true, "Observation": true, "OperationOutcome": true,
	"Organization": true, "Parameters": true, "Patient": true, "Practitioner": true,
	"PractitionerRole": true, "Procedure": true, "Provenance": true, "Questionnaire": true,
	"QuestionnaireResponse": true, "RelatedPerson": true, "ResearchStudy": true,
	"ResearchSubject": true, "RiskAssessment": true, "Schedule": true,
	"ServiceRequest": true, "Slot": true, "Specimen": true, "StructureDefinition": true,
	"Task": true, "ValueSet": true,
}

// IsKnownResourceType returns true if the resource type is recognized.
func IsKnownResourceType(rt string) bool {
	return knownResourceTypes[rt]
}

// IsValidID reports whether id satisfies the FHIR id datatype.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidateReferenceFormat validates that a relative reference matches
// "ResourceType/id" or "ResourceType/id/_history/vid".
func ValidateReferenceFormat(ref string) bool {
	return referencePattern.MatchString(ref)
}

// BuiltinChecker performs the structural checks that need no external
// tooling: JSON shape, resourceType, id syntax, empty elements and the
// primitive type of well-known fields.
type BuiltinChecker struct{}

func NewBuiltinChecker() *BuiltinChecker { return &BuiltinChecker{} }

func (c *BuiltinChecker) Check(_ context.Context, resource []byte, _ string) ([]OperationOutcomeIssue, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(resource, &doc); err != nil {
		return []OperationOutcomeIssue{{
			Severity:    IssueSeverityError,
			Code:        IssueTypeStructure,
			Diagnostics: "invalid JSON: " + err.Error(),
		}}, nil
	}
	return c.CheckMap(doc), nil
}

// CheckMap runs the builtin checks on an already decoded resource.
func (c *BuiltinChecker) CheckMap(doc map[string]interface{}) []OperationOutcomeIssue {
	var issues []OperationOutcomeIssue
	add := func(severity, code, path, msg string) {
		issues = append(issues, OperationOutcomeIssue{
			Severity:    severity,
			Code:        code,
			Diagnostics: msg,
			Expression:  []string{path},
		})
	}

	rt, present := doc["resourceType"]
	rtStr, isStr := rt.(string)
	switch {
	case !present:
		add(IssueSeverityError, IssueTypeRequired, "resourceType", "resourceType is required")
	case !isStr || rtStr == "":
		add(IssueSeverityError, IssueTypeValue, "resourceType", "resourceType must be a non-empty string")
	case !knownResourceTypes[rtStr]:
		add(IssueSeverityError, IssueTypeValue, "resourceType", fmt.Sprintf("unknown resourceType: %s", rtStr))
	}
	root := rtStr
	if root == "" {
		root = "Resource"
	}

	if id, ok := doc["id"]; ok {
		idStr, isStr := id.(string)
		if !isStr || !IsValidID(idStr) {
			add(IssueSeverityError, IssueTypeValue, root+".id", fmt.Sprintf("id %v does not match the FHIR id format", id))
		}
	}

	if meta, ok := doc["meta"]; ok {
		if _, isObj := meta.(map[string]interface{}); !isObj {
			add(IssueSeverityError, IssueTypeStructure, root+".meta", "meta must be an object")
		}
	}

	if status, ok := doc["status"]; ok {
		if _, isStr := status.(string); !isStr {
			add(IssueSeverityError, IssueTypeValue, root+".status", "status must be a string")
		}
	}

	walkEmpty(doc, root, &issues)
	return issues
}

// walkEmpty reports nulls, empty strings, empty arrays and empty objects,
// which FHIR JSON forbids. Keys are visited in sorted order so the issue list
// is deterministic.
func walkEmpty(obj map[string]interface{}, path string, issues *[]OperationOutcomeIssue) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		current := path + "." + key
		if strings.HasPrefix(key, "_") {
			continue
		}
		switch v := obj[key].(type) {
		case nil:
			*issues = append(*issues, emptyIssue(current, "null values are not allowed"))
		case string:
			if v == "" && key != "div" {
				*issues = append(*issues, emptyIssue(current, "empty strings are not allowed"))
			}
		case map[string]interface{}:
			if len(v) == 0 {
				*issues = append(*issues, emptyIssue(current, "empty objects are not allowed"))
				continue
			}
			if key == "contained" {
				continue
			}
			walkEmpty(v, current, issues)
		case []interface{}:
			if len(v) == 0 {
				*issues = append(*issues, emptyIssue(current, "empty arrays are not allowed"))
				continue
			}
			for i, item := range v {
				itemPath := fmt.Sprintf("%s[%d]", current, i)
				switch iv := item.(type) {
				case nil:
					*issues = append(*issues, emptyIssue(itemPath, "null array items are not allowed"))
				case map[string]interface{}:
					if len(iv) == 0 {
						*issues = append(*issues, emptyIssue(itemPath, "empty objects are not allowed"))
					} else if key != "contained" {
						walkEmpty(iv, itemPath, issues)
					}
				}
			}
		}
	}
}

func emptyIssue(path, msg string) OperationOutcomeIssue {
	return OperationOutcomeIssue{
		Severity:    IssueSeverityError,
		Code:        IssueTypeStructure,
		Diagnostics: msg,
		Expression:  []string{path},
	}
}
