package validation

import (
	"context"
	"fmt"
	"time"
)

// Aspect is one of the six independent validation dimensions.
type Aspect string

const (
	AspectStructural   Aspect = "structural"
	AspectProfile      Aspect = "profile"
	AspectTerminology  Aspect = "terminology"
	AspectReference    Aspect = "reference"
	AspectBusinessRule Aspect = "business_rule"
	AspectMetadata     Aspect = "metadata"
)

// AllAspects lists every aspect in canonical order. Results are always
// reported in this order regardless of execution order.
var AllAspects = []Aspect{
	AspectStructural,
	AspectProfile,
	AspectTerminology,
	AspectReference,
	AspectBusinessRule,
	AspectMetadata,
}

// IsKnown reports whether a is one of the six aspects.
func (a Aspect) IsKnown() bool {
	for _, known := range AllAspects {
		if a == known {
			return true
		}
	}
	return false
}

func (a Aspect) order() int {
	for i, known := range AllAspects {
		if a == known {
			return i
		}
	}
	return len(AllAspects)
}

// ParseAspect converts a string into a known Aspect.
func ParseAspect(s string) (Aspect, error) {
	a := Aspect(s)
	if !a.IsKnown() {
		return "", fmt.Errorf("unknown aspect %q", s)
	}
	return a, nil
}

// Severity of an issue, and the configured severity of an aspect.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Cap lowers s to limit when s is more severe than limit.
func (s Severity) Cap(limit Severity) Severity {
	if limit.rank() == 0 || s.rank() <= limit.rank() {
		return s
	}
	return limit
}

// IsValid reports whether s is a recognized severity.
func (s Severity) IsValid() bool { return s.rank() > 0 }

// Issue codes emitted by the engine itself rather than by an aspect's checks.
const (
	CodeAspectExecutionError = "aspect-execution-error"
	CodeAspectTimeout        = "aspect-timeout"
)

// Issue is a single finding. Issues are values and never mutated after an
// aspect returns them.
type Issue struct {
	Severity      Severity `json:"severity"`
	Code          string   `json:"code"`
	CanonicalPath string   `json:"canonicalPath"`
	Message       string   `json:"message"`
	RuleID        string   `json:"ruleId,omitempty"`

	// Uncapped marks issues whose severity must not be lowered to the
	// aspect's configured severity (degradation warnings, engine issues).
	Uncapped bool `json:"-"`
}

// Resource is a FHIR resource as fetched for one validation run.
type Resource struct {
	ServerID     string         `json:"serverId"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	VersionID    string         `json:"versionId,omitempty"`
	Content      map[string]any `json:"content"`
}

// Key identifies the resource independent of its content.
func (r *Resource) Key() string {
	return r.ServerID + "/" + r.ResourceType + "/" + r.ResourceID
}

// AspectStatus describes how an aspect run ended.
type AspectStatus string

const (
	StatusCompleted AspectStatus = "completed"
	StatusFailed    AspectStatus = "failed"
	StatusTimedOut  AspectStatus = "timed_out"
)

// AspectResult is the outcome of one aspect for one (resource, settings) pair.
type AspectResult struct {
	Aspect          Aspect       `json:"aspect"`
	Status          AspectStatus `json:"status"`
	IsValid         bool         `json:"isValid"`
	Issues          []Issue      `json:"issues"`
	ErrorCount      int          `json:"errorCount"`
	WarningCount    int          `json:"warningCount"`
	InfoCount       int          `json:"infoCount"`
	DurationMs      int64        `json:"durationMs"`
	EngineVersion   string       `json:"engineVersion"`
	SettingsHash    string       `json:"settingsHash"`
	ResourceHash    string       `json:"resourceHash"`
	ValidatedAt     time.Time    `json:"validatedAt"`
	Attempts        int          `json:"attempts"`
	RetryDurationMs int64        `json:"retryDurationMs"`
	FromCache       bool         `json:"fromCache"`
	Degraded        bool         `json:"degraded"`
}

func (r *AspectResult) countIssues() {
	r.ErrorCount, r.WarningCount, r.InfoCount = 0, 0, 0
	for _, is := range r.Issues {
		switch is.Severity {
		case SeverityError:
			r.ErrorCount++
		case SeverityWarning:
			r.WarningCount++
		case SeverityInfo:
			r.InfoCount++
		}
	}
}

// ValidationOutcome aggregates all aspect results for one resource.
type ValidationOutcome struct {
	ServerID          string         `json:"serverId"`
	ResourceType      string         `json:"resourceType"`
	ResourceID        string         `json:"resourceId"`
	VersionID         string         `json:"versionId,omitempty"`
	ResourceHash      string         `json:"resourceHash"`
	SettingsHash      string         `json:"settingsHash"`
	IsValid           bool           `json:"isValid"`
	Aspects           []AspectResult `json:"aspects"`
	ErrorCount        int            `json:"errorCount"`
	WarningCount      int            `json:"warningCount"`
	InfoCount         int            `json:"infoCount"`
	ValidityScore     float64        `json:"validityScore"`
	CompletenessScore float64        `json:"completenessScore"`
	ConfidenceScore   float64        `json:"confidenceScore"`
	DurationMs        int64          `json:"durationMs"`
	ValidatedAt       time.Time      `json:"validatedAt"`
	Skipped           bool           `json:"skipped,omitempty"`
	SkipReason        string         `json:"skipReason,omitempty"`
}

// Result returns the result for aspect a, if it ran.
func (o *ValidationOutcome) Result(a Aspect) (*AspectResult, bool) {
	for i := range o.Aspects {
		if o.Aspects[i].Aspect == a {
			return &o.Aspects[i], true
		}
	}
	return nil, false
}

// AspectRequest is everything an aspect validator receives for one run.
type AspectRequest struct {
	Resource *Resource
	Aspect   AspectSettings
	Settings *Settings
}

// AspectReport is what an aspect validator returns. Validity is derived by
// the orchestrator from the issue severities after capping.
type AspectReport struct {
	Issues []Issue

	// Degraded is set when part of the aspect could not be decided because
	// an external dependency was unavailable.
	Degraded bool
}

// AspectValidator is implemented by each of the six aspects.
type AspectValidator interface {
	Aspect() Aspect
	Validate(ctx context.Context, req AspectRequest) (*AspectReport, error)
}

// Registry maps each aspect to its validator.
type Registry map[Aspect]AspectValidator

// NewRegistry builds a registry from validators, keyed by their Aspect().
func NewRegistry(validators ...AspectValidator) Registry {
	r := make(Registry, len(validators))
	for _, v := range validators {
		r[v.Aspect()] = v
	}
	return r
}

// NewResource wraps decoded content, taking type, id and version from the
// document itself.
func NewResource(serverID string, content map[string]any) *Resource {
	res := &Resource{ServerID: serverID, Content: content}
	res.ResourceType, _ = content["resourceType"].(string)
	res.ResourceID, _ = content["id"].(string)
	if meta, ok := content["meta"].(map[string]any); ok {
		res.VersionID, _ = meta["versionId"].(string)
	}
	return res
}
