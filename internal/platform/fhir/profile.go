package fhir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// US Core IG v6.1.0 canonical profile URLs shipped with the builtin registry.
const (
	USCorePatientURL            = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient"
	USCoreConditionURL          = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-condition-problems-health-concerns"
	USCoreObservationLabURL     = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-observation-lab"
	USCoreAllergyIntoleranceURL = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-allergyintolerance"
	USCoreMedicationRequestURL  = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-medicationrequest"
	USCoreEncounterURL          = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-encounter"
	USCoreImmunizationURL       = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-immunization"
)

// ProfileDefinition is the subset of a StructureDefinition the profile
// aspect evaluates: cardinality, must-support and required bindings.
type ProfileDefinition struct {
	URL         string
	Name        string
	Type        string
	Version     string
	Constraints []ProfileConstraint
}

// ProfileConstraint is one element rule. Path starts with the resource type.
type ProfileConstraint struct {
	Path        string
	Min         int
	Max         string
	MustSupport bool
	Binding     *ProfileBinding
}

// ProfileBinding is a terminology binding. Codes, when set, is the complete
// value set and is enforced for required bindings.
type ProfileBinding struct {
	Strength string
	ValueSet string
	Codes    []string
}

// ProfileIssue is a single profile finding.
type ProfileIssue struct {
	Severity    string
	Code        string
	Path        string
	Description string
	ProfileURL  string
}

// ProfileRegistry is the local profile cache, keyed by canonical URL.
// Lookups ignore a trailing "|version" on the URL.
type ProfileRegistry struct {
	mu     sync.RWMutex
	byURL  map[string]*ProfileDefinition
	byType map[string][]string
}

func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{
		byURL:  make(map[string]*ProfileDefinition),
		byType: make(map[string][]string),
	}
}

// CanonicalURL strips the "|version" suffix of a canonical reference.
func CanonicalURL(url string) string {
	if i := strings.IndexByte(url, '|'); i >= 0 {
		return url[:i]
	}
	return url
}

// Register adds or replaces a profile definition.
func (r *ProfileRegistry) Register(profile ProfileDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := profile
	p.URL = CanonicalURL(p.URL)
	if _, exists := r.byURL[p.URL]; !exists {
		r.byType[p.Type] = append(r.byType[p.Type], p.URL)
	}
	r.byURL[p.URL] = &p
}

// GetByURL returns the profile with the given canonical URL.
func (r *ProfileRegistry) GetByURL(url string) (*ProfileDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byURL[CanonicalURL(url)]
	return p, ok
}

// URLsForType lists the registered profile URLs for a resource type.
func (r *ProfileRegistry) URLsForType(resourceType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.byType[resourceType]...)
	sort.Strings(out)
	return out
}

func (r *ProfileRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byURL)
}

// ValidateAgainstProfile checks resource against profile. Findings are
// ordered as the profile's constraints.
func ValidateAgainstProfile(resource map[string]interface{}, profile *ProfileDefinition) []ProfileIssue {
	rt, _ := resource["resourceType"].(string)
	if rt != profile.Type {
		return []ProfileIssue{{
			Severity:    IssueSeverityError,
			Code:        IssueTypeStructure,
			Path:        rt,
			Description: fmt.Sprintf("resource type %q does not match profile %q for %q", rt, profile.Name, profile.Type),
			ProfileURL:  profile.URL,
		}}
	}

	var issues []ProfileIssue
	for _, c := range profile.Constraints {
		issues = append(issues, evaluateConstraint(resource, profile, c)...)
	}
	return issues
}

func evaluateConstraint(resource map[string]interface{}, profile *ProfileDefinition, c ProfileConstraint) []ProfileIssue {
	parts := strings.Split(c.Path, ".")
	if len(parts) < 2 {
		return nil
	}
	fieldParts := parts[1:]

	var values []interface{}
	if last := fieldParts[len(fieldParts)-1]; strings.HasSuffix(last, "[x]") {
		values = resolveChoice(resource, fieldParts)
	} else {
		values = resolvePath(resource, fieldParts)
	}
	present := len(values) > 0

	issue := func(severity, code, desc string) ProfileIssue {
		return ProfileIssue{Severity: severity, Code: code, Path: c.Path, Description: desc, ProfileURL: profile.URL}
	}

	// Nested paths are only required when their parent exists.
	if !present && len(fieldParts) > 1 && len(resolvePath(resource, fieldParts[:len(fieldParts)-1])) == 0 {
		return nil
	}

	var issues []ProfileIssue
	if c.Min > 0 && len(values) < c.Min {
		issues = append(issues, issue(IssueSeverityError, IssueTypeRequired,
			fmt.Sprintf("element '%s' is required (min=%d) by profile '%s'", c.Path, c.Min, profile.Name)))
		return issues
	}
	if c.MustSupport && c.Min == 0 && !present {
		issues = append(issues, issue(IssueSeverityInformation, IssueTypeIncomplete,
			fmt.Sprintf("must-support element '%s' is not present", c.Path)))
	}
	if c.Max == "0" && present {
		issues = append(issues, issue(IssueSeverityError, IssueTypeStructure,
			fmt.Sprintf("element '%s' is prohibited (max=0) by profile '%s'", c.Path, profile.Name)))
	} else if limit, err := strconv.Atoi(c.Max); err == nil && len(fieldParts) == 1 && len(values) > limit {
		issues = append(issues, issue(IssueSeverityError, IssueTypeStructure,
			fmt.Sprintf("element '%s' occurs %d times, profile '%s' allows %d", c.Path, len(values), profile.Name, limit)))
	}

	if b := c.Binding; b != nil && b.Strength == "required" && len(b.Codes) > 0 {
		allowed := make(map[string]bool, len(b.Codes))
		for _, code := range b.Codes {
			allowed[code] = true
		}
		for _, v := range values {
			for _, code := range codesOf(v) {
				if !allowed[code] {
					issues = append(issues, issue(IssueSeverityError, IssueTypeCodeInvalid,
						fmt.Sprintf("value '%s' is not in required binding '%s'", code, b.ValueSet)))
				}
			}
		}
	}
	return issues
}

// resolvePath returns every non-empty value reachable at parts, flattening arrays.
func resolvePath(node interface{}, parts []string) []interface{} {
	switch v := node.(type) {
	case []interface{}:
		var out []interface{}
		for _, item := range v {
			out = append(out, resolvePath(item, parts)...)
		}
		return out
	case map[string]interface{}:
		if len(parts) == 0 {
			if len(v) == 0 {
				return nil
			}
			return []interface{}{v}
		}
		child, ok := v[parts[0]]
		if !ok {
			return nil
		}
		return resolvePath(child, parts[1:])
	default:
		if len(parts) > 0 || isEmptyValue(v) {
			return nil
		}
		return []interface{}{v}
	}
}

func resolveChoice(resource map[string]interface{}, parts []string) []interface{} {
	last := parts[len(parts)-1]
	base := strings.TrimSuffix(last, "[x]")
	parents := []interface{}{resource}
	if len(parts) > 1 {
		parents = resolvePath(resource, parts[:len(parts)-1])
	}
	var out []interface{}
	for _, p := range parents {
		m, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if len(k) > len(base) && strings.HasPrefix(k, base) && k[len(base)] >= 'A' && k[len(base)] <= 'Z' {
				out = append(out, resolvePath(m[k], nil)...)
			}
		}
	}
	return out
}

func isEmptyValue(val interface{}) bool {
	switch v := val.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []interface{}:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	}
	return false
}

// codesOf extracts codes from a code primitive, Coding or CodeableConcept.
func codesOf(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]interface{}:
		if code, ok := t["code"].(string); ok {
			return []string{code}
		}
		var out []string
		if codings, ok := t["coding"].([]interface{}); ok {
			for _, c := range codings {
				out = append(out, codesOf(c)...)
			}
		}
		return out
	}
	return nil
}

// ParseStructureDefinition converts a StructureDefinition resource into a
// ProfileDefinition, reading the differential when present and the
// snapshot otherwise.
func ParseStructureDefinition(raw []byte) (*ProfileDefinition, error) {
	var sd struct {
		ResourceType string `json:"resourceType"`
		URL          string `json:"url"`
		Name         string `json:"name"`
		Type         string `json:"type"`
		Version      string `json:"version"`
		Differential *struct {
			Element []sdElement `json:"element"`
		} `json:"differential"`
		Snapshot *struct {
			Element []sdElement `json:"element"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("parse StructureDefinition: %w", err)
	}
	if sd.ResourceType != "StructureDefinition" || sd.URL == "" || sd.Type == "" {
		return nil, fmt.Errorf("parse StructureDefinition: not a StructureDefinition with url and type")
	}

	var elements []sdElement
	switch {
	case sd.Differential != nil && len(sd.Differential.Element) > 0:
		elements = sd.Differential.Element
	case sd.Snapshot != nil:
		elements = sd.Snapshot.Element
	}

	p := &ProfileDefinition{URL: sd.URL, Name: sd.Name, Type: sd.Type, Version: sd.Version}
	for _, el := range elements {
		if !strings.Contains(el.Path, ".") || strings.Contains(el.Path, ":") {
			continue
		}
		c := ProfileConstraint{Path: el.Path, MustSupport: el.MustSupport, Max: el.Max}
		if el.Min != nil {
			c.Min = *el.Min
		}
		if el.Binding != nil {
			c.Binding = &ProfileBinding{Strength: el.Binding.Strength, ValueSet: el.Binding.ValueSet}
		}
		if c.Min == 0 && c.Max == "" && !c.MustSupport && c.Binding == nil {
			continue
		}
		p.Constraints = append(p.Constraints, c)
	}
	return p, nil
}

type sdElement struct {
	Path        string `json:"path"`
	Min         *int   `json:"min"`
	Max         string `json:"max"`
	MustSupport bool   `json:"mustSupport"`
	Binding     *struct {
		Strength string `json:"strength"`
		ValueSet string `json:"valueSet"`
	} `json:"binding"`
}

// LoadProfileDir registers every StructureDefinition JSON file in dir and
// returns how many were loaded.
func LoadProfileDir(reg *ProfileRegistry, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return n, fmt.Errorf("read %s: %w", path, err)
		}
		p, err := ParseStructureDefinition(raw)
		if err != nil {
			return n, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		reg.Register(*p)
		n++
	}
	return n, nil
}

var (
	administrativeGender = []string{"male", "female", "other", "unknown"}
	conditionClinical    = []string{"active", "recurrence", "relapse", "inactive", "remission", "resolved"}
	observationStatus    = []string{"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"}
	medRequestStatus     = []string{"active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown"}
	medRequestIntent     = []string{"proposal", "plan", "order", "original-order", "reflex-order", "filler-order", "instance-order", "option"}
)

// RegisterUSCoreProfiles registers the builtin US Core profiles.
func RegisterUSCoreProfiles(reg *ProfileRegistry) {
	for _, p := range usCoreProfiles() {
		reg.Register(p)
	}
}

func usCoreProfiles() []ProfileDefinition {
	return []ProfileDefinition{
		{
			URL: USCorePatientURL, Name: "USCorePatient", Type: "Patient", Version: "6.1.0",
			Constraints: []ProfileConstraint{
				{Path: "Patient.identifier", Min: 1, Max: "*"},
				{Path: "Patient.identifier.system", Min: 1, Max: "1"},
				{Path: "Patient.identifier.value", Min: 1, Max: "1"},
				{Path: "Patient.name", Min: 1, Max: "*"},
				{Path: "Patient.gender", Min: 1, Max: "1", Binding: &ProfileBinding{
					Strength: "required",
					ValueSet: "http://hl7.org/fhir/ValueSet/administrative-gender",
					Codes:    administrativeGender,
				}},
				{Path: "Patient.birthDate", Max: "1", MustSupport: true},
				{Path: "Patient.address", Max: "*", MustSupport: true},
				{Path: "Patient.telecom", Max: "*", MustSupport: true},
			},
		},
		{
			URL: USCoreConditionURL, Name: "USCoreConditionProblemsHealthConcerns", Type: "Condition", Version: "6.1.0",
			Constraints: []ProfileConstraint{
				{Path: "Condition.clinicalStatus", Max: "1", MustSupport: true, Binding: &ProfileBinding{
					Strength: "required",
					ValueSet: "http://hl7.org/fhir/ValueSet/condition-clinical",
					Codes:    conditionClinical,
				}},
				{Path: "Condition.category", Min: 1, Max: "*"},
				{Path: "Condition.code", Min: 1, Max: "1"},
				{Path: "Condition.subject", Min: 1, Max: "1"},
			},
		},
		{
			URL: USCoreObservationLabURL, Name: "USCoreObservationLab", Type: "Observation", Version: "6.1.0",
			Constraints: []ProfileConstraint{
				{Path: "Observation.status", Min: 1, Max: "1", Binding: &ProfileBinding{
					Strength: "required",
					ValueSet: "http://hl7.org/fhir/ValueSet/observation-status",
					Codes:    observationStatus,
				}},
				{Path: "Observation.category", Min: 1, Max: "*"},
				{Path: "Observation.code", Min: 1, Max: "1"},
				{Path: "Observation.subject", Min: 1, Max: "1"},
				{Path: "Observation.effective[x]", Max: "1", MustSupport: true},
				{Path: "Observation.value[x]", Max: "1", MustSupport: true},
			},
		},
		{
			URL: USCoreAllergyIntoleranceURL, Name: "USCoreAllergyIntolerance", Type: "AllergyIntolerance", Version: "6.1.0",
			Constraints: []ProfileConstraint{
				{Path: "AllergyIntolerance.clinicalStatus", Max: "1", MustSupport: true},
				{Path: "AllergyIntolerance.code", Min: 1, Max: "1"},
				{Path: "AllergyIntolerance.patient", Min: 1, Max: "1"},
			},
		},
		{
			URL: USCoreMedicationRequestURL, Name: "USCoreMedicationRequest", Type: "MedicationRequest", Version: "6.1.0",
			Constraints: []ProfileConstraint{
				{Path: "MedicationRequest.status", Min: 1, Max: "1", Binding: &ProfileBinding{
					Strength: "required",
					ValueSet: "http://hl7.org/fhir/ValueSet/medicationrequest-status",
					Codes:    medRequestStatus,
				}},
				{Path: "MedicationRequest.intent", Min: 1, Max: "1", Binding: &ProfileBinding{
					Strength: "required",
					ValueSet: "http://hl7.org/fhir/ValueSet/medicationrequest-intent",
					Codes:    medRequestIntent,
				}},
				{Path: "MedicationRequest.medication[x]", Min: 1, Max: "1"},
				{Path: "MedicationRequest.subject", Min: 1, Max: "1"},
				{Path: "MedicationRequest.authoredOn", Max: "1", MustSupport: true},
			},
		},
		{
			URL: USCoreEncounterURL, Name: "USCoreEncounter", Type: "Encounter", Version: "6.1.0",
			Constraints: []ProfileConstraint{
				{Path: "Encounter.status", Min: 1, Max: "1"},
				{Path: "Encounter.class", Min: 1, Max: "1"},
				{Path: "Encounter.type", Min: 1, Max: "*"},
				{Path: "Encounter.subject", Min: 1, Max: "1"},
				{Path: "Encounter.period", Max: "1", MustSupport: true},
			},
		},
		{
			URL: USCoreImmunizationURL, Name: "USCoreImmunization", Type: "Immunization", Version: "6.1.0",
			Constraints: []ProfileConstraint{
				{Path: "Immunization.status", Min: 1, Max: "1"},
				{Path: "Immunization.vaccineCode", Min: 1, Max: "1"},
				{Path: "Immunization.patient", Min: 1, Max: "1"},
				{Path: "Immunization.occurrence[x]", Min: 1, Max: "1"},
			},
		},
	}
}
