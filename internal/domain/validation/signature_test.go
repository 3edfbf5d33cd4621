package validation

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func TestPathPattern(t *testing.T) {
	tests := map[string]string{
		"Patient.name[0].given[2]": "Patient.name[*].given[*]",
		"Patient.gender":           "Patient.gender",
	}
	for in, want := range tests {
		if got := PathPattern(in); got != want {
			t.Errorf("PathPattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMessageTemplate(t *testing.T) {
	tests := map[string]string{
		`code "8867-4" is not valid in code system http://loinc.org`: `code {value} is not valid in code system {url}`,
		"element occurs 3 times, profile allows 1":                   "element occurs {n} times, profile allows {n}",
		"rule 2b1a4c4e-1111-4c2e-9a8b-000000000001 failed":           "rule {id} failed",
		"referenced resource 'Patient/p1' does not exist":            "referenced resource {value} does not exist",
	}
	for in, want := range tests {
		if got := MessageTemplate(in); got != want {
			t.Errorf("MessageTemplate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignature_StableAcrossInstances(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		i := rapid.IntRange(0, 500).Draw(t, "index")
		j := rapid.IntRange(0, 500).Draw(t, "otherIndex")
		code := rapid.StringMatching(`[A-Z0-9]{1,8}`).Draw(t, "code")
		other := rapid.StringMatching(`[A-Z0-9]{1,8}`).Draw(t, "otherCode")

		a := Issue{
			Severity:      SeverityError,
			Code:          "code-invalid",
			CanonicalPath: fmt.Sprintf("Observation.code.coding[%d].code", i),
			Message:       fmt.Sprintf("code %q is not valid in code system http://loinc.org", code),
		}
		b := a
		b.CanonicalPath = fmt.Sprintf("Observation.code.coding[%d].code", j)
		b.Message = fmt.Sprintf("code %q is not valid in code system http://loinc.org", other)

		if Signature(AspectTerminology, a) != Signature(AspectTerminology, b) {
			t.Fatalf("signatures differ for %+v and %+v", a, b)
		}
		if Signature(AspectTerminology, a) == Signature(AspectProfile, a) {
			t.Fatal("aspect must be part of the signature")
		}
	})
}
