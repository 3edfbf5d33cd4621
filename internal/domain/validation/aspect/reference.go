package aspect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/fhir"
)

// Reference checks every Reference element: its format, that contained
// references point at a contained resource, and that relative references
// resolve on the resource's server. Each distinct target is fetched once.
type Reference struct {
	store fhir.ResourceStore
}

func NewReference(store fhir.ResourceStore) *Reference {
	return &Reference{store: store}
}

func (r *Reference) Aspect() validation.Aspect { return validation.AspectReference }

type refTarget struct {
	resourceType string
	id           string
}

func (r *Reference) Validate(ctx context.Context, req validation.AspectRequest) (*validation.AspectReport, error) {
	content := req.Resource.Content
	root := rootPath(req.Resource)
	report := &validation.AspectReport{}
	contained := containedIDs(content)

	targets := make(map[refTarget][]string)
	var order []refTarget
	visitObjects(content, root, root, func(path, _ string, obj map[string]any) {
		raw, present := obj["reference"]
		if !present {
			return
		}
		path += ".reference"
		ref, ok := raw.(string)
		if !ok || ref == "" {
			report.Issues = append(report.Issues, validation.Issue{
				Severity:      validation.SeverityError,
				Code:          fhir.IssueTypeValue,
				CanonicalPath: path,
				Message:       "reference must be a non-empty string",
			})
			return
		}

		switch {
		case strings.HasPrefix(ref, "#"):
			if !contained[ref[1:]] {
				report.Issues = append(report.Issues, validation.Issue{
					Severity:      validation.SeverityError,
					Code:          fhir.IssueTypeNotFound,
					CanonicalPath: path,
					Message:       fmt.Sprintf("contained resource %q not found", ref),
				})
			}
		case isAbsoluteReference(ref):
			// Absolute URLs and urn references are not resolved here.
		case !fhir.ValidateReferenceFormat(ref):
			report.Issues = append(report.Issues, validation.Issue{
				Severity:      validation.SeverityError,
				Code:          fhir.IssueTypeValue,
				CanonicalPath: path,
				Message:       fmt.Sprintf("invalid reference format '%s'; expected 'ResourceType/id'", ref),
			})
		default:
			parts := strings.Split(ref, "/")
			t := refTarget{resourceType: parts[0], id: parts[1]}
			if !fhir.IsKnownResourceType(t.resourceType) {
				report.Issues = append(report.Issues, validation.Issue{
					Severity:      validation.SeverityError,
					Code:          fhir.IssueTypeValue,
					CanonicalPath: path,
					Message:       fmt.Sprintf("reference '%s' names unknown resource type %s", ref, t.resourceType),
				})
				return
			}
			if _, seen := targets[t]; !seen {
				order = append(order, t)
			}
			targets[t] = append(targets[t], path)
		}
	})

	if len(order) == 0 || r.store == nil {
		return report, nil
	}

	errs := make([]error, len(order))
	g, gctx := errgroup.WithContext(ctx)
	if req.Settings != nil && req.Settings.Performance.SubCheckConcurrency > 0 {
		g.SetLimit(req.Settings.Performance.SubCheckConcurrency)
	}
	for i, t := range order {
		g.Go(func() error {
			_, errs[i] = r.store.Get(gctx, req.Resource.ServerID, t.resourceType, t.id)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, t := range order {
		err := errs[i]
		if err == nil {
			continue
		}
		ref := t.resourceType + "/" + t.id
		for _, path := range targets[t] {
			switch {
			case errors.Is(err, fhir.ErrResourceNotFound):
				report.Issues = append(report.Issues, validation.Issue{
					Severity:      validation.SeverityError,
					Code:          fhir.IssueTypeNotFound,
					CanonicalPath: path,
					Message:       fmt.Sprintf("referenced resource %s does not exist", ref),
				})
			case errors.Is(err, fhir.ErrStoreUnavailable), errors.Is(err, fhir.ErrUnknownServer):
				report.Degraded = true
				report.Issues = append(report.Issues, validation.Issue{
					Severity:      validation.SeverityWarning,
					Code:          fhir.IssueTypeIncomplete,
					CanonicalPath: path,
					Message:       fmt.Sprintf("referenced resource %s could not be checked: %v", ref, err),
					Uncapped:      true,
				})
			default:
				return nil, fmt.Errorf("resolve %s: %w", ref, err)
			}
		}
	}
	return report, nil
}

func isAbsoluteReference(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "urn:")
}

func containedIDs(content map[string]any) map[string]bool {
	ids := make(map[string]bool)
	list, _ := content["contained"].([]any)
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			if id, ok := m["id"].(string); ok && id != "" {
				ids[id] = true
			}
		}
	}
	return ids
}
