package validation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func groupResult(a Aspect, at time.Time, issues ...Issue) *AspectResult {
	return &AspectResult{Aspect: a, Status: StatusCompleted, ValidatedAt: at, Issues: issues}
}

func TestMemoryGroupStore_Record(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryGroupStore()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	missing := func(path string) Issue {
		return Issue{Severity: SeverityError, Code: "required", CanonicalPath: path, Message: "Element '" + path + "' is required"}
	}

	_ = s.Record(ctx, "s1/Patient/1", groupResult(AspectStructural, t0, missing("Patient.name[0].family")))
	_ = s.Record(ctx, "s1/Patient/1", groupResult(AspectStructural, t0.Add(time.Hour), missing("Patient.name[0].family")))
	_ = s.Record(ctx, "s1/Patient/2", groupResult(AspectStructural, t0.Add(-time.Hour), missing("Patient.name[1].family")))
	_ = s.Record(ctx, "s1/Patient/2", groupResult(AspectMetadata, t0, Issue{Severity: SeverityInfo, Code: "informational", CanonicalPath: "Patient", Message: "no narrative"}))

	groups, err := s.List(ctx, GroupFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	top := groups[0]
	if top.Aspect != AspectStructural || top.TotalResources != 2 {
		t.Errorf("expected structural group with 2 resources first, got %+v", top)
	}
	if !top.FirstSeenAt.Equal(t0.Add(-time.Hour)) || !top.LastSeenAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("unexpected seen window %v..%v", top.FirstSeenAt, top.LastSeenAt)
	}

	got, err := s.Get(ctx, top.Signature)
	if err != nil || got.TotalResources != 2 {
		t.Errorf("Get = %+v, %v", got, err)
	}
}

func TestMemoryGroupStore_FilterAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryGroupStore()
	now := time.Now()
	_ = s.Record(ctx, "a", groupResult(AspectStructural, now,
		Issue{Severity: SeverityError, Code: "structure", CanonicalPath: "Patient.id", Message: "bad id"},
		Issue{Severity: SeverityWarning, Code: "structure", CanonicalPath: "Patient.gender", Message: "odd gender"},
	))
	_ = s.Record(ctx, "a", groupResult(AspectProfile, now,
		Issue{Severity: SeverityError, Code: "required", CanonicalPath: "Patient.name", Message: "name required"},
	))

	tests := []struct {
		name   string
		filter GroupFilter
		want   int
	}{
		{"all", GroupFilter{}, 3},
		{"by aspect", GroupFilter{Aspect: AspectStructural}, 2},
		{"by severity", GroupFilter{Severity: SeverityError}, 2},
		{"both", GroupFilter{Aspect: AspectProfile, Severity: SeverityWarning}, 0},
		{"limit", GroupFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d groups, want %d", len(got), tt.want)
			}
		})
	}
}

func TestMemoryGroupStore_GetUnknown(t *testing.T) {
	_, err := NewMemoryGroupStore().Get(context.Background(), "nope")
	if !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}
