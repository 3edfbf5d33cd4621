package aspect

import (
	"context"
	"sync"
	"testing"

	"github.com/ehr/validation/internal/domain/terminology"
	"github.com/ehr/validation/internal/domain/validation"
)

type stubCodes struct {
	mu       sync.Mutex
	verdicts map[terminology.Query]terminology.Verdict
	asked    []terminology.Query
	err      error
}

func (s *stubCodes) ValidateCodes(_ context.Context, _ validation.TerminologySettings, queries []terminology.Query, _ int) (map[terminology.Query]terminology.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.asked = append(s.asked, queries...)
	out := make(map[terminology.Query]terminology.Verdict)
	for _, q := range queries {
		v, ok := s.verdicts[q]
		if !ok {
			v = terminology.Verdict{System: q.System, Code: q.Code, Status: terminology.StatusValid, Valid: true, Source: terminology.SourceLocal}
		}
		out[q] = v
	}
	return out, nil
}

const loinc = "http://loinc.org"

func TestExtractCodes(t *testing.T) {
	res := resourceOf(t, "s1", `{
		"resourceType":"Observation",
		"status":"final",
		"language":"en-US",
		"code":{"coding":[{"system":"http://loinc.org","code":"8867-4"}]},
		"valueQuantity":{"value":72,"system":"http://unitsofmeasure.org","code":"/min"},
		"extension":[{"url":"http://example.org/ext","valueCoding":{"system":"http://snomed.info/sct","code":"123"}}],
		"identifier":[{"system":"urn:mrn","value":"1","use":"official"}]
	}`)
	got := extractCodes(res.Content, "Observation")

	want := map[string]terminology.Query{
		"Observation.status":                        {System: hl7 + "observation-status", Code: "final"},
		"Observation.language":                      {System: terminology.SystemBCP47, Code: "en-US"},
		"Observation.code.coding[0].code":           {System: loinc, Code: "8867-4"},
		"Observation.valueQuantity.code":            {System: "http://unitsofmeasure.org", Code: "/min"},
		"Observation.extension[0].valueCoding.code": {System: "http://snomed.info/sct", Code: "123"},
		"Observation.identifier[0].use":             {System: hl7 + "identifier-use", Code: "official"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d codes, got %d: %+v", len(want), len(got), got)
	}
	for _, oc := range got {
		if w, ok := want[oc.path]; !ok || w != oc.query {
			t.Errorf("unexpected occurrence %+v", oc)
		}
	}
}

func TestTerminology_MapsVerdicts(t *testing.T) {
	codes := &stubCodes{verdicts: map[terminology.Query]terminology.Verdict{
		{System: loinc, Code: "bad"}: {System: loinc, Code: "bad", Status: terminology.StatusInvalid, Source: terminology.SourceRemote},
		{System: loinc, Code: "unknown"}: {System: loinc, Code: "unknown", Status: terminology.StatusUnvalidatable, Valid: true,
			Source: terminology.SourceDegraded, Message: "servers down"},
		{System: "http://example.org/cs", Code: "x"}: {System: "http://example.org/cs", Code: "x", Status: terminology.StatusError,
			Source: terminology.SourceDegraded, Message: "not recognized"},
	}}
	res := resourceOf(t, "s1", `{"resourceType":"Observation","code":{"coding":[
		{"system":"http://loinc.org","code":"bad"},
		{"system":"http://loinc.org","code":"unknown"},
		{"system":"http://example.org/cs","code":"x"},
		{"system":"http://loinc.org","code":"8867-4"}
	]}}`)
	report, err := NewTerminology(codes).Validate(context.Background(), requestFor(res))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !report.Degraded {
		t.Error("expected degraded report")
	}
	if len(report.Issues) != 3 {
		t.Fatalf("expected 3 issues, got %+v", report.Issues)
	}
	if report.Issues[0].Severity != validation.SeverityError || report.Issues[0].CanonicalPath != "Observation.code.coding[0].code" {
		t.Errorf("unexpected invalid-code issue %+v", report.Issues[0])
	}
	if report.Issues[1].Severity != validation.SeverityWarning || !report.Issues[1].Uncapped {
		t.Errorf("unvalidatable code must be an uncapped warning, got %+v", report.Issues[1])
	}
	if report.Issues[2].Severity != validation.SeverityError || report.Issues[2].Uncapped {
		t.Errorf("unknown system must be an error, got %+v", report.Issues[2])
	}
}

func TestTerminology_DuplicatesReportedPerOccurrence(t *testing.T) {
	codes := &stubCodes{verdicts: map[terminology.Query]terminology.Verdict{
		{System: loinc, Code: "bad"}: {System: loinc, Code: "bad", Status: terminology.StatusInvalid},
	}}
	res := resourceOf(t, "s1", `{"resourceType":"Observation",
		"code":{"coding":[{"system":"http://loinc.org","code":"bad"}]},
		"component":[{"code":{"coding":[{"system":"http://loinc.org","code":"bad"}]}}]}`)
	report, err := NewTerminology(codes).Validate(context.Background(), requestFor(res))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(report.Issues) != 2 {
		t.Errorf("expected an issue per occurrence, got %+v", report.Issues)
	}
}

func TestTerminology_NoCodesNoCall(t *testing.T) {
	codes := &stubCodes{}
	res := resourceOf(t, "s1", `{"resourceType":"Basic","id":"b1"}`)
	if _, err := NewTerminology(codes).Validate(context.Background(), requestFor(res)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(codes.asked) != 0 {
		t.Errorf("expected no lookups, got %v", codes.asked)
	}
}

func TestTerminology_ResolverErrorPropagates(t *testing.T) {
	codes := &stubCodes{err: context.DeadlineExceeded}
	res := resourceOf(t, "s1", `{"resourceType":"Patient","gender":"female"}`)
	if _, err := NewTerminology(codes).Validate(context.Background(), requestFor(res)); err == nil {
		t.Error("expected error")
	}
}
