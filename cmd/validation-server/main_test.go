package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/settings"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSettingsHashCommand(t *testing.T) {
	path := writeFile(t, "settings.yaml", "fhirVersion: R4\naspects:\n  structural: {enabled: true}\n")
	out, err := run(t, settingsCmd(), "hash", "--file", path)
	if err != nil {
		t.Fatalf("settings hash: %v", err)
	}
	want, err := settings.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != want.Hash() {
		t.Errorf("got %q, want %s", out, want.Hash())
	}
}

func TestSettingsHashCommand_RejectsInvalid(t *testing.T) {
	path := writeFile(t, "settings.yaml", "performance: {maxConcurrent: 999}\n")
	if _, err := run(t, settingsCmd(), "hash", "--file", path); !errors.Is(err, validation.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name      string
		resource  string
		wantValid bool
	}{
		{"valid patient", `{"resourceType":"Patient","id":"p1","gender":"female"}`, true},
		{"unknown gender", `{"resourceType":"Patient","id":"p2","gender":"robot"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "resource.json", tt.resource)
			out, err := run(t, validateCmd(), "--file", path)
			if tt.wantValid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.wantValid && !errors.Is(err, errInvalid) {
				t.Fatalf("expected errInvalid, got %v", err)
			}
			if strings.Contains(out, "Usage:") || strings.HasPrefix(out, "Error:") {
				t.Fatalf("stdout must hold only the outcome:\n%s", out)
			}
			var outcome validation.ValidationOutcome
			if err := json.Unmarshal([]byte(out), &outcome); err != nil {
				t.Fatalf("stdout is not an outcome: %v\n%s", err, out)
			}
			if outcome.IsValid != tt.wantValid || len(outcome.Aspects) != len(validation.AllAspects) {
				t.Errorf("unexpected outcome valid=%v aspects=%d", outcome.IsValid, len(outcome.Aspects))
			}
		})
	}
}

func TestValidateCommand_OperationOutcome(t *testing.T) {
	path := writeFile(t, "resource.json", `{"resourceType":"Patient","id":"p3","gender":"robot"}`)
	out, _ := run(t, validateCmd(), "--file", path, "--operation-outcome")
	if !strings.Contains(out, `"resourceType": "OperationOutcome"`) || !strings.Contains(out, "Patient.gender") {
		t.Errorf("unexpected output %s", out)
	}
}
