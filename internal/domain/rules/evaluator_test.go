package rules

import (
	"errors"
	"testing"
)

func TestEvaluator_Evaluate(t *testing.T) {
	patient := []byte(`{"resourceType":"Patient","name":[{"family":"Doe"}],"gender":"female"}`)
	tests := []struct {
		name       string
		expr       string
		applicable bool
		passed     bool
	}{
		{"true", "name.exists()", true, true},
		{"false", "telecom.exists()", true, false},
		{"equality", "gender = 'male'", true, false},
		{"empty is not applicable", "deceasedBoolean", false, true},
	}
	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, patient)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got.Applicable != tt.applicable || got.Passed != tt.passed {
				t.Errorf("got %+v, want applicable=%v passed=%v", got, tt.applicable, tt.passed)
			}
		})
	}
}

func TestEvaluator_CompileCachesAndRejects(t *testing.T) {
	e := NewEvaluator()
	if _, err := e.Compile("name.exists()"); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	e.Compile("name.exists()")
	if e.CacheSize() != 1 {
		t.Errorf("expected one cached expression, got %d", e.CacheSize())
	}
	if _, err := e.Compile("name.exists("); !errors.Is(err, ErrInvalidExpression) {
		t.Errorf("expected ErrInvalidExpression, got %v", err)
	}
}

func TestEvaluator_NonBooleanResult(t *testing.T) {
	patient := []byte(`{"resourceType":"Patient","name":[{"family":"Doe"},{"family":"Roe"}],"gender":"female"}`)
	e := NewEvaluator()
	for _, expr := range []string{"gender", "name.family"} {
		if _, err := e.Evaluate(expr, patient); !errors.Is(err, ErrNonBooleanResult) {
			t.Errorf("%s: expected ErrNonBooleanResult, got %v", expr, err)
		}
	}
}
