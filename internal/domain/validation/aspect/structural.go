package aspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/fhir"
)

// Structural checks a resource against the base FHIR specification using a
// StructuralChecker. When the primary checker cannot run and a fallback is
// configured, the fallback's findings are reported and the result is marked
// degraded.
type Structural struct {
	checker  fhir.StructuralChecker
	fallback fhir.StructuralChecker
}

func NewStructural(checker, fallback fhir.StructuralChecker) *Structural {
	if checker == nil {
		checker, fallback = fhir.NewBuiltinChecker(), nil
	}
	return &Structural{checker: checker, fallback: fallback}
}

func (s *Structural) Aspect() validation.Aspect { return validation.AspectStructural }

func (s *Structural) Validate(ctx context.Context, req validation.AspectRequest) (*validation.AspectReport, error) {
	body, err := json.Marshal(req.Resource.Content)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	fhirVersion := ""
	if req.Settings != nil {
		fhirVersion = req.Settings.FHIRVersion
	}

	report := &validation.AspectReport{}
	found, err := s.checker.Check(ctx, body, fhirVersion)
	if errors.Is(err, fhir.ErrCheckerUnavailable) && s.fallback != nil {
		report.Degraded = true
		report.Issues = append(report.Issues, validation.Issue{
			Severity:      validation.SeverityWarning,
			Code:          fhir.IssueTypeIncomplete,
			CanonicalPath: rootPath(req.Resource),
			Message:       fmt.Sprintf("structural validator unavailable, builtin checks used instead: %v", err),
			Uncapped:      true,
		})
		found, err = s.fallback.Check(ctx, body, fhirVersion)
	}
	if err != nil {
		if errors.Is(err, fhir.ErrCheckerUnavailable) {
			return nil, validation.Transient("structural check", err)
		}
		return nil, err
	}

	root := rootPath(req.Resource)
	for _, oi := range found {
		path := root
		if len(oi.Expression) > 0 && oi.Expression[0] != "" {
			path = oi.Expression[0]
		}
		code := oi.Code
		if code == "" {
			code = fhir.IssueTypeStructure
		}
		report.Issues = append(report.Issues, validation.Issue{
			Severity:      severityOf(oi.Severity),
			Code:          code,
			CanonicalPath: path,
			Message:       oi.Diagnostics,
		})
	}
	return report, nil
}
