package aspect

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/fhir"
)

// ProfileResolver fetches profiles missing from the local registry.
type ProfileResolver interface {
	Resolve(ctx context.Context, canonical string) (*fhir.ProfileDefinition, error)
}

// Profile validates a resource against every profile it declares in
// meta.profile. Profiles are looked up in the local registry first and then
// in the package registry; resolved profiles are added to the local registry.
type Profile struct {
	local  *fhir.ProfileRegistry
	remote ProfileResolver
}

func NewProfile(local *fhir.ProfileRegistry, remote ProfileResolver) *Profile {
	if local == nil {
		local = fhir.NewProfileRegistry()
	}
	return &Profile{local: local, remote: remote}
}

func (p *Profile) Aspect() validation.Aspect { return validation.AspectProfile }

func (p *Profile) Validate(ctx context.Context, req validation.AspectRequest) (*validation.AspectReport, error) {
	report := &validation.AspectReport{}
	root := rootPath(req.Resource)

	for _, dp := range declaredProfiles(req.Resource.Content) {
		url := dp.url
		path := fmt.Sprintf("%s.meta.profile[%d]", root, dp.index)
		def, err := p.lookup(ctx, url)
		switch {
		case errors.Is(err, fhir.ErrRegistryUnavailable):
			report.Degraded = true
			report.Issues = append(report.Issues, validation.Issue{
				Severity:      validation.SeverityWarning,
				Code:          fhir.IssueTypeIncomplete,
				CanonicalPath: path,
				Message:       fmt.Sprintf("profile %s could not be resolved: package registry unavailable", url),
				Uncapped:      true,
			})
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			report.Issues = append(report.Issues, validation.Issue{
				Severity:      validation.SeverityWarning,
				Code:          fhir.IssueTypeNotFound,
				CanonicalPath: path,
				Message:       fmt.Sprintf("profile %s could not be resolved: %v", url, err),
			})
			continue
		}

		for _, pi := range fhir.ValidateAgainstProfile(req.Resource.Content, def) {
			report.Issues = append(report.Issues, validation.Issue{
				Severity:      severityOf(pi.Severity),
				Code:          pi.Code,
				CanonicalPath: pi.Path,
				Message:       pi.Description,
			})
		}
	}
	return report, nil
}

func (p *Profile) lookup(ctx context.Context, url string) (*fhir.ProfileDefinition, error) {
	if def, ok := p.local.GetByURL(url); ok {
		return def, nil
	}
	if p.remote == nil {
		return nil, fhir.ErrProfileNotFound
	}
	def, err := p.remote.Resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	p.local.Register(*def)
	return def, nil
}

type declaredProfile struct {
	index int
	url   string
}

// declaredProfiles returns the distinct meta.profile entries in order.
func declaredProfiles(content map[string]any) []declaredProfile {
	meta, _ := content["meta"].(map[string]any)
	raw, _ := meta["profile"].([]any)
	seen := make(map[string]bool, len(raw))
	var out []declaredProfile
	for i, v := range raw {
		url, ok := v.(string)
		if !ok || url == "" || seen[url] {
			continue
		}
		seen[url] = true
		out = append(out, declaredProfile{index: i, url: url})
	}
	return out
}
