package aspect

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ehr/validation/internal/domain/validation"
)

func resourceOf(t *testing.T, serverID, body string) *validation.Resource {
	t.Helper()
	content, err := validation.DecodeResource([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rt, _ := content["resourceType"].(string)
	id, _ := content["id"].(string)
	return &validation.Resource{ServerID: serverID, ResourceType: rt, ResourceID: id, Content: content}
}

func requestFor(res *validation.Resource) validation.AspectRequest {
	s := validation.DefaultSettings()
	return validation.AspectRequest{Resource: res, Settings: s}
}

func findIssue(issues []validation.Issue, path string) (validation.Issue, bool) {
	for _, is := range issues {
		if is.CanonicalPath == path {
			return is, true
		}
	}
	return validation.Issue{}, false
}

func TestVisitObjects_PathsAndPatterns(t *testing.T) {
	res := map[string]any{
		"name": []any{map[string]any{"family": "Doe"}, map[string]any{"family": "Roe"}},
		"meta": map[string]any{"versionId": "1"},
	}
	var paths, patterns []string
	visitObjects(res, "Patient", "Patient", func(path, pattern string, _ map[string]any) {
		paths = append(paths, path)
		patterns = append(patterns, pattern)
	})
	wantPaths := []string{"Patient", "Patient.meta", "Patient.name[0]", "Patient.name[1]"}
	if strings.Join(paths, ",") != strings.Join(wantPaths, ",") {
		t.Errorf("paths = %v, want %v", paths, wantPaths)
	}
	if patterns[2] != "Patient.name" || patterns[3] != "Patient.name" {
		t.Errorf("patterns must drop indices, got %v", patterns)
	}
}

func TestNewRegistry_AllAspects(t *testing.T) {
	reg := NewRegistry(Dependencies{})
	for _, a := range validation.AllAspects {
		if _, ok := reg[a]; !ok {
			t.Errorf("registry missing %s", a)
		}
	}
}

func TestMetadata(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		versionID string
		wantPath  string
		wantSev   validation.Severity
	}{
		{"missing meta", `{"resourceType":"Patient","text":{"status":"generated","div":"<div/>"}}`, "", "Patient.meta", validation.SeverityWarning},
		{"bad lastUpdated", `{"resourceType":"Patient","meta":{"versionId":"1","lastUpdated":"yesterday"}}`, "", "Patient.meta.lastUpdated", validation.SeverityError},
		{"future lastUpdated", `{"resourceType":"Patient","meta":{"versionId":"1","lastUpdated":"2999-01-01T00:00:00Z"}}`, "", "Patient.meta.lastUpdated", validation.SeverityWarning},
		{"bad versionId", `{"resourceType":"Patient","meta":{"versionId":"a b","lastUpdated":"2024-01-01T00:00:00Z"}}`, "", "Patient.meta.versionId", validation.SeverityError},
		{"version mismatch", `{"resourceType":"Patient","meta":{"versionId":"2","lastUpdated":"2024-01-01T00:00:00Z"}}`, "3", "Patient.meta.versionId", validation.SeverityWarning},
		{"relative profile", `{"resourceType":"Patient","meta":{"versionId":"1","lastUpdated":"2024-01-01T00:00:00Z","profile":["us-core-patient"]}}`, "", "Patient.meta.profile[0]", validation.SeverityError},
		{"no narrative", `{"resourceType":"Patient","meta":{"versionId":"1","lastUpdated":"2024-01-01T00:00:00Z"}}`, "", "Patient.text", validation.SeverityInfo},
		{"narrative without div", `{"resourceType":"Patient","text":{"status":"generated","div":"plain"}}`, "", "Patient.text.div", validation.SeverityError},
	}
	m := NewMetadata()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := resourceOf(t, "s1", tt.body)
			res.VersionID = tt.versionID
			report, err := m.Validate(context.Background(), requestFor(res))
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			is, ok := findIssue(report.Issues, tt.wantPath)
			if !ok {
				t.Fatalf("expected issue at %s, got %+v", tt.wantPath, report.Issues)
			}
			if is.Severity != tt.wantSev {
				t.Errorf("severity = %s, want %s", is.Severity, tt.wantSev)
			}
		})
	}
}

func TestMetadata_CleanResource(t *testing.T) {
	res := resourceOf(t, "s1", `{"resourceType":"Patient","meta":{"versionId":"1","lastUpdated":"2024-01-01T10:00:00.123+02:00"},"text":{"status":"generated","div":"<div xmlns=\"http://www.w3.org/1999/xhtml\">Jane</div>"}}`)
	report, err := NewMetadata().Validate(context.Background(), requestFor(res))
	if err != nil || len(report.Issues) != 0 {
		t.Errorf("expected no issues, got %+v (%v)", report.Issues, err)
	}
}

func TestMetadata_BundleNeedsNoNarrative(t *testing.T) {
	res := resourceOf(t, "s1", `{"resourceType":"Bundle","meta":{"versionId":"1","lastUpdated":"2024-01-01T00:00:00Z"}}`)
	report, _ := NewMetadata().Validate(context.Background(), requestFor(res))
	if len(report.Issues) != 0 {
		t.Errorf("expected no issues for Bundle, got %+v", report.Issues)
	}
}

func TestSeverityOf(t *testing.T) {
	if severityOf("fatal") != validation.SeverityError || severityOf("warning") != validation.SeverityWarning ||
		severityOf("information") != validation.SeverityInfo {
		t.Error("unexpected severity mapping")
	}
}

var errBoom = errors.New("boom")
