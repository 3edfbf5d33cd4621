// Package aspect implements the six validators the orchestrator fans out to.
// Each validator reports data findings as issues and leaves validity,
// severity capping and caching to the orchestrator.
package aspect

import (
	"fmt"
	"sort"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/fhir"
)

// Dependencies are the collaborators the validators are built from. A nil
// collaborator disables the part of an aspect that needs it.
type Dependencies struct {
	Checker         fhir.StructuralChecker
	FallbackChecker fhir.StructuralChecker
	Profiles        *fhir.ProfileRegistry
	PackageRegistry ProfileResolver
	Codes           CodeValidator
	Resources       fhir.ResourceStore
	Rules           RuleSource
	Evaluator       ExpressionEvaluator
}

// NewRegistry builds the registry holding all six validators.
func NewRegistry(deps Dependencies) validation.Registry {
	return validation.NewRegistry(
		NewStructural(deps.Checker, deps.FallbackChecker),
		NewProfile(deps.Profiles, deps.PackageRegistry),
		NewTerminology(deps.Codes),
		NewReference(deps.Resources),
		NewBusinessRule(deps.Rules, deps.Evaluator),
		NewMetadata(),
	)
}

// rootPath is the first segment of every canonical path in a resource.
func rootPath(res *validation.Resource) string {
	if rt, ok := res.Content["resourceType"].(string); ok && rt != "" {
		return rt
	}
	if res.ResourceType != "" {
		return res.ResourceType
	}
	return "Resource"
}

// visitObjects calls fn for every JSON object under node, depth first, with
// keys in sorted order. path carries array indices; pattern does not.
func visitObjects(node any, path, pattern string, fn func(path, pattern string, obj map[string]any)) {
	switch v := node.(type) {
	case map[string]any:
		fn(path, pattern, v)
		for _, k := range sortedKeys(v) {
			visitObjects(v[k], path+"."+k, pattern+"."+k, fn)
		}
	case []any:
		for i, item := range v {
			visitObjects(item, fmt.Sprintf("%s[%d]", path, i), pattern, fn)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// severityOf maps an OperationOutcome severity onto an issue severity.
func severityOf(s string) validation.Severity {
	switch s {
	case fhir.IssueSeverityFatal, fhir.IssueSeverityError:
		return validation.SeverityError
	case fhir.IssueSeverityWarning:
		return validation.SeverityWarning
	}
	return validation.SeverityInfo
}
