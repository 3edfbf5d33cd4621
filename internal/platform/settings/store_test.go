package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/validation/internal/domain/validation"
)

const sampleYAML = `
fhirVersion: R4
aspects:
  structural: {enabled: true, severity: error}
  terminology: {enabled: true, severity: warning}
  metadata: {enabled: false}
performance:
  maxConcurrent: 3
resourceTypes:
  exclude: [Binary]
terminology:
  mode: online
  servers:
    - id: tx
      url: https://tx.example.org/fhir/
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !s.AspectEnabled(validation.AspectStructural) || s.AspectEnabled(validation.AspectMetadata) {
		t.Errorf("unexpected aspects %+v", s.Aspects)
	}
	if s.Aspects[validation.AspectTerminology].Severity != validation.SeverityWarning {
		t.Error("expected terminology capped at warning")
	}
	if s.Performance.MaxConcurrent != 3 || s.Performance.BatchSize != validation.DefaultBatchSize {
		t.Errorf("unexpected performance %+v", s.Performance)
	}
	if srv := s.Terminology.Servers[0]; srv.Kind != validation.ServerKindHTTP || srv.URL != "https://tx.example.org/fhir" {
		t.Errorf("expected normalized server, got %+v", srv)
	}
	if s.AppliesTo("Binary") {
		t.Error("Binary should be excluded")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "fhirVersion: R4\ncolour: blue\n"},
		{"bad version", "fhirVersion: DSTU2\n"},
		{"offline without cache", "terminology: {mode: offline}\n"},
		{"not yaml", "aspects: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := Parse([]byte("fhirVersion: DSTU2\n")); !errors.Is(err, validation.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestParse_Empty(t *testing.T) {
	s, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.FHIRVersion != "R4" || s.Performance.MaxConcurrent != validation.DefaultMaxConcurrent {
		t.Errorf("expected defaults, got %+v", s)
	}
}

func TestMemoryStore_Update(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil, zerolog.Nop())
	before := m.Current()

	next := before.Clone()
	next.FHIRVersion = "R5"
	got, err := m.Update(ctx, next)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Version != before.Version+1 || got.UpdatedAt.IsZero() {
		t.Errorf("expected bumped version, got %d", got.Version)
	}

	select {
	case ch := <-m.Changes():
		if ch.PreviousHash != before.Hash() || ch.Hash != got.Hash() || ch.Settings.FHIRVersion != "R5" {
			t.Errorf("unexpected change %+v", ch)
		}
	default:
		t.Fatal("expected a published change")
	}

	same, err := m.Update(ctx, got)
	if err != nil {
		t.Fatal(err)
	}
	if same.Version != got.Version {
		t.Error("unchanged settings must not bump the version")
	}
	select {
	case ch := <-m.Changes():
		t.Errorf("unexpected change %+v", ch)
	default:
	}
}

func TestMemoryStore_RejectsInvalid(t *testing.T) {
	m := NewMemoryStore(nil, zerolog.Nop())
	bad := validation.DefaultSettings()
	bad.Performance.MaxConcurrent = 500
	if _, err := m.Update(context.Background(), bad); !errors.Is(err, validation.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if m.Current().Performance.MaxConcurrent != validation.DefaultMaxConcurrent {
		t.Error("rejected settings must not be applied")
	}
}

func TestMemoryStore_KeepsLatestChange(t *testing.T) {
	m := NewMemoryStore(nil, zerolog.Nop())
	for _, v := range []string{"R4B", "R5"} {
		s := m.Current()
		s.FHIRVersion = v
		if _, err := m.Update(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	ch := <-m.Changes()
	if ch.Settings.FHIRVersion != "R5" {
		t.Errorf("expected newest change, got %s", ch.Settings.FHIRVersion)
	}
}

func TestMemoryStore_CurrentIsACopy(t *testing.T) {
	m := NewMemoryStore(nil, zerolog.Nop())
	s := m.Current()
	s.Aspects[validation.AspectProfile] = validation.AspectSettings{Enabled: false}
	if !m.Current().AspectEnabled(validation.AspectProfile) {
		t.Error("mutating a returned copy changed the store")
	}
}

func TestFileStore_UpdateAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := OpenFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer f.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Watch(ctx)

	if f.Current().Performance.MaxConcurrent != 3 {
		t.Fatal("expected file settings to be loaded")
	}

	s := f.Current()
	s.Performance.MaxConcurrent = 7
	if _, err := f.Update(ctx, s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	onDisk, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if onDisk.Performance.MaxConcurrent != 7 {
		t.Error("update was not written to disk")
	}
	<-f.Changes()

	edited := []byte("performance: {maxConcurrent: 9}\n")
	if err := os.WriteFile(path, edited, 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case ch := <-f.Changes():
		if ch.Settings.Performance.MaxConcurrent != 9 {
			t.Errorf("unexpected reloaded settings %+v", ch.Settings.Performance)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestFileStore_MissingFileUsesDefaults(t *testing.T) {
	f, err := OpenFileStore(filepath.Join(t.TempDir(), "absent.yaml"), zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer f.Close()
	if f.Current().Hash() != validation.DefaultSettings().Hash() {
		t.Error("expected default settings")
	}
}

func TestFileStore_InvalidFileFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("fhirVersion: DSTU2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStore(path, zerolog.Nop()); err == nil {
		t.Error("expected invalid settings to be rejected")
	}
}
