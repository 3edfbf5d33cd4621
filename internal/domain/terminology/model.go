package terminology

// CodeSystemURI constants for well-known terminology systems.
const (
	SystemLOINC  = "http://loinc.org"
	SystemICD10  = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemSNOMED = "http://snomed.info/sct"
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemCPT    = "http://www.ama-assn.org/go/cpt"

	SystemUCUM     = "http://unitsofmeasure.org"
	SystemISO3166  = "urn:iso:std:iso:3166"
	SystemBCP47    = "urn:ietf:bcp:47"
	SystemBCP13    = "urn:ietf:bcp:13"
	SystemIANATime = "https://www.iana.org/time-zones"
)

// Query identifies one coded value to check.
type Query struct {
	System string `json:"system"`
	Code   string `json:"code"`
}

func (q Query) key() string { return q.System + "|" + q.Code }

// Status is the decision reached for a code.
type Status string

const (
	// StatusValid and StatusInvalid are authoritative answers from the local
	// table or a remote server.
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	// StatusUnvalidatable means no tier could decide but the system is a
	// recognized external standard. Reported as a warning.
	StatusUnvalidatable Status = "unvalidatable"
	// StatusError means no tier could decide and the system is not recognized.
	StatusError Status = "error"
)

// Source records which tier produced a verdict.
type Source string

const (
	SourceLocal    Source = "local"
	SourceRemote   Source = "remote"
	SourceDegraded Source = "degraded"
)

// Verdict is the resolver's answer for one (system, code) pair.
type Verdict struct {
	System       string   `json:"system"`
	Code         string   `json:"code"`
	Status       Status   `json:"status"`
	Valid        bool     `json:"valid"`
	Source       Source   `json:"source"`
	Server       string   `json:"server,omitempty"`
	ServersTried []string `json:"serversTried"`
	Skipped      []string `json:"skipped,omitempty"`
	FromCache    bool     `json:"fromCache,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// Degraded reports whether the verdict was reached without any authoritative
// source.
func (v Verdict) Degraded() bool { return v.Source == SourceDegraded }

// RemoteResult is what an endpoint returns for a successful call. Known is
// false when the server does not host the code system; the resolver then
// moves on to the next server without counting a failure.
type RemoteResult struct {
	Known   bool
	Valid   bool
	Display string
	Message string
}

// ValidateCodeRequest represents a FHIR CodeSystem $validate-code request.
type ValidateCodeRequest struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// ValidateCodeResponse represents a FHIR CodeSystem $validate-code response.
type ValidateCodeResponse struct {
	ResourceType string                  `json:"resourceType"`
	Parameter    []ValidateCodeParameter `json:"parameter"`
}

// ValidateCodeParameter is a name/value pair in a validate-code response.
type ValidateCodeParameter struct {
	Name         string `json:"name"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
	ValueString  string `json:"valueString,omitempty"`
	ValueURI     string `json:"valueUri,omitempty"`
	ValueCode    string `json:"valueCode,omitempty"`
}

// ParametersFromVerdict renders a verdict as a Parameters resource.
func ParametersFromVerdict(v Verdict) *ValidateCodeResponse {
	valid := v.Valid && v.Status == StatusValid
	resp := &ValidateCodeResponse{
		ResourceType: "Parameters",
		Parameter: []ValidateCodeParameter{
			{Name: "result", ValueBoolean: &valid},
			{Name: "system", ValueURI: v.System},
			{Name: "code", ValueCode: v.Code},
			{Name: "source", ValueString: string(v.Source)},
		},
	}
	if v.Message != "" {
		resp.Parameter = append(resp.Parameter, ValidateCodeParameter{Name: "message", ValueString: v.Message})
	}
	return resp
}

// lookupParam returns the named parameter of a $validate-code response.
func (r *ValidateCodeResponse) lookupParam(name string) (ValidateCodeParameter, bool) {
	for _, p := range r.Parameter {
		if p.Name == name {
			return p, true
		}
	}
	return ValidateCodeParameter{}, false
}
