package fhir

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newUSCoreRegistry() *ProfileRegistry {
	reg := NewProfileRegistry()
	RegisterUSCoreProfiles(reg)
	return reg
}

func TestProfileRegistry_VersionedLookup(t *testing.T) {
	reg := newUSCoreRegistry()
	if _, ok := reg.GetByURL(USCorePatientURL + "|6.1.0"); !ok {
		t.Error("expected versioned canonical to resolve")
	}
	if urls := reg.URLsForType("Patient"); len(urls) != 1 || urls[0] != USCorePatientURL {
		t.Errorf("unexpected urls for Patient: %v", urls)
	}
}

func TestValidateAgainstProfile_Patient(t *testing.T) {
	reg := newUSCoreRegistry()
	p, _ := reg.GetByURL(USCorePatientURL)

	valid := map[string]interface{}{
		"resourceType": "Patient",
		"identifier":   []interface{}{map[string]interface{}{"system": "urn:mrn", "value": "1"}},
		"name":         []interface{}{map[string]interface{}{"family": "Doe"}},
		"gender":       "female",
		"birthDate":    "1970-01-01",
		"address":      []interface{}{map[string]interface{}{"city": "X"}},
		"telecom":      []interface{}{map[string]interface{}{"value": "1"}},
	}
	if issues := ValidateAgainstProfile(valid, p); len(issues) != 0 {
		t.Errorf("expected no issues, got %+v", issues)
	}

	invalid := map[string]interface{}{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": "Doe"}},
		"gender":       "robot",
	}
	issues := ValidateAgainstProfile(invalid, p)
	var required, binding int
	for _, is := range issues {
		switch is.Code {
		case IssueTypeRequired:
			required++
		case IssueTypeCodeInvalid:
			binding++
		}
	}
	if required != 1 {
		t.Errorf("expected 1 required issue (identifier), got %d: %+v", required, issues)
	}
	if binding != 1 {
		t.Errorf("expected 1 binding issue, got %d", binding)
	}
}

func TestValidateAgainstProfile_ChoiceAndTypeMismatch(t *testing.T) {
	reg := newUSCoreRegistry()
	p, _ := reg.GetByURL(USCoreMedicationRequestURL)

	mr := map[string]interface{}{
		"resourceType":              "MedicationRequest",
		"status":                    "active",
		"intent":                    "order",
		"medicationCodeableConcept": map[string]interface{}{"text": "aspirin"},
		"subject":                   map[string]interface{}{"reference": "Patient/1"},
		"authoredOn":                "2024-01-01",
	}
	if issues := ValidateAgainstProfile(mr, p); len(issues) != 0 {
		t.Errorf("expected no issues, got %+v", issues)
	}

	issues := ValidateAgainstProfile(map[string]interface{}{"resourceType": "Patient"}, p)
	if len(issues) != 1 || issues[0].Code != IssueTypeStructure {
		t.Errorf("expected one type mismatch issue, got %+v", issues)
	}
}

const testStructureDefinition = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/strict-patient",
  "name": "StrictPatient",
  "type": "Patient",
  "differential": {"element": [
    {"path": "Patient"},
    {"path": "Patient.birthDate", "min": 1, "max": "1"},
    {"path": "Patient.photo", "max": "0"}
  ]}
}`

func TestParseStructureDefinition(t *testing.T) {
	p, err := ParseStructureDefinition([]byte(testStructureDefinition))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Type != "Patient" || len(p.Constraints) != 2 {
		t.Fatalf("unexpected profile: %+v", p)
	}
	issues := ValidateAgainstProfile(map[string]interface{}{
		"resourceType": "Patient",
		"photo":        []interface{}{map[string]interface{}{"url": "x"}},
	}, p)
	if len(issues) != 2 {
		t.Errorf("expected missing birthDate and prohibited photo, got %+v", issues)
	}
}

func TestLoadProfileDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "strict.json"), []byte(testStructureDefinition), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := NewProfileRegistry()
	n, err := LoadProfileDir(reg, dir)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 profile loaded, got %d (%v)", n, err)
	}
	if _, ok := reg.GetByURL("http://example.org/StructureDefinition/strict-patient"); !ok {
		t.Error("loaded profile not registered")
	}
}

func TestPackageRegistry_Resolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("url") {
		case "http://example.org/StructureDefinition/strict-patient":
			w.Write([]byte(`{"resourceType":"Bundle","entry":[{"resource":` + testStructureDefinition + `}]}`))
		case "http://example.org/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte(`{"resourceType":"Bundle","entry":[]}`))
		}
	}))
	defer srv.Close()

	reg := NewPackageRegistry(srv.URL+"/", nil)
	p, err := reg.Resolve(context.Background(), "http://example.org/StructureDefinition/strict-patient|1.0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Name != "StrictPatient" {
		t.Errorf("unexpected profile %q", p.Name)
	}

	if _, err := reg.Resolve(context.Background(), "http://example.org/missing"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
	if _, err := reg.Resolve(context.Background(), "http://example.org/broken"); !errors.Is(err, ErrRegistryUnavailable) {
		t.Errorf("expected ErrRegistryUnavailable, got %v", err)
	}
}
