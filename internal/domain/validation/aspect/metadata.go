package aspect

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/fhir"
)

var instantPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{1,9})?(Z|[+-]\d{2}:\d{2})$`)

// clockSkew is how far in the future meta.lastUpdated may be before it is
// reported.
const clockSkew = 5 * time.Minute

// withoutNarrative lists resource types that are not DomainResources.
var withoutNarrative = map[string]bool{"Bundle": true, "Binary": true, "Parameters": true}

// Metadata checks meta.lastUpdated, meta.versionId, meta.profile and the
// narrative. It does no I/O.
type Metadata struct {
	now func() time.Time
}

func NewMetadata() *Metadata {
	return &Metadata{now: time.Now}
}

func (m *Metadata) Aspect() validation.Aspect { return validation.AspectMetadata }

func (m *Metadata) Validate(_ context.Context, req validation.AspectRequest) (*validation.AspectReport, error) {
	report := &validation.AspectReport{}
	add := func(sev validation.Severity, code, path, msg string) {
		report.Issues = append(report.Issues, validation.Issue{Severity: sev, Code: code, CanonicalPath: path, Message: msg})
	}
	content := req.Resource.Content
	root := rootPath(req.Resource)

	meta, hasMeta := content["meta"].(map[string]any)
	if !hasMeta {
		add(validation.SeverityWarning, fhir.IssueTypeRequired, root+".meta", "resource has no meta element")
	} else {
		m.checkLastUpdated(meta, root, add)
		m.checkVersionID(meta, req.Resource.VersionID, root, add)
		if profiles, ok := meta["profile"].([]any); ok {
			for i, p := range profiles {
				url, _ := p.(string)
				if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "urn:") {
					add(validation.SeverityError, fhir.IssueTypeValue, fmt.Sprintf("%s.meta.profile[%d]", root, i),
						fmt.Sprintf("meta.profile %v is not a canonical URL", p))
				}
			}
		}
	}

	if !withoutNarrative[root] {
		checkNarrative(content, root, add)
	}
	return report, nil
}

func (m *Metadata) checkLastUpdated(meta map[string]any, root string, add func(validation.Severity, string, string, string)) {
	path := root + ".meta.lastUpdated"
	raw, present := meta["lastUpdated"]
	if !present {
		add(validation.SeverityWarning, fhir.IssueTypeRequired, path, "meta.lastUpdated is missing")
		return
	}
	s, _ := raw.(string)
	if !instantPattern.MatchString(s) {
		add(validation.SeverityError, fhir.IssueTypeValue, path, fmt.Sprintf("meta.lastUpdated %v is not a valid instant", raw))
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		add(validation.SeverityError, fhir.IssueTypeValue, path, fmt.Sprintf("meta.lastUpdated %s is not a valid instant: %v", s, err))
		return
	}
	if ts.After(m.now().Add(clockSkew)) {
		add(validation.SeverityWarning, fhir.IssueTypeValue, path, fmt.Sprintf("meta.lastUpdated %s is in the future", s))
	}
}

func (m *Metadata) checkVersionID(meta map[string]any, fetched, root string, add func(validation.Severity, string, string, string)) {
	path := root + ".meta.versionId"
	raw, present := meta["versionId"]
	if !present {
		add(validation.SeverityInfo, fhir.IssueTypeIncomplete, path, "meta.versionId is missing")
		return
	}
	vid, ok := raw.(string)
	if !ok || !fhir.IsValidID(vid) {
		add(validation.SeverityError, fhir.IssueTypeValue, path, fmt.Sprintf("meta.versionId %v does not match the FHIR id format", raw))
		return
	}
	if fetched != "" && fetched != vid {
		add(validation.SeverityWarning, fhir.IssueTypeConflict, path,
			fmt.Sprintf("meta.versionId %s differs from the fetched version %s", vid, fetched))
	}
}

func checkNarrative(content map[string]any, root string, add func(validation.Severity, string, string, string)) {
	text, present := content["text"].(map[string]any)
	if !present {
		add(validation.SeverityInfo, fhir.IssueTypeIncomplete, root+".text", "resource has no narrative")
		return
	}
	if status, _ := text["status"].(string); status == "" {
		add(validation.SeverityError, fhir.IssueTypeRequired, root+".text.status", "narrative status is required")
	}
	div, _ := text["div"].(string)
	if !strings.HasPrefix(strings.TrimSpace(div), "<div") {
		add(validation.SeverityError, fhir.IssueTypeRequired, root+".text.div", "narrative div must be an XHTML <div> element")
	}
}
