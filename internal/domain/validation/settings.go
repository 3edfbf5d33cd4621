package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// TerminologyMode selects whether remote terminology servers are consulted.
type TerminologyMode string

const (
	TerminologyOnline  TerminologyMode = "online"
	TerminologyOffline TerminologyMode = "offline"
)

// Terminology server kinds.
const (
	ServerKindHTTP     = "http"
	ServerKindDatabase = "database"
)

// Settings is the configuration applied to one validation run. Every field
// that influences results is part of Hash.
type Settings struct {
	Version       int                       `json:"version" yaml:"version"`
	FHIRVersion   string                    `json:"fhirVersion" yaml:"fhirVersion" validate:"omitempty,oneof=R4 R4B R5"`
	Aspects       map[Aspect]AspectSettings `json:"aspects" yaml:"aspects"`
	Performance   PerformanceSettings       `json:"performance" yaml:"performance"`
	ResourceTypes ResourceTypeFilter        `json:"resourceTypes" yaml:"resourceTypes"`
	Terminology   TerminologySettings       `json:"terminology" yaml:"terminology"`
	UpdatedAt     time.Time                 `json:"updatedAt,omitempty" yaml:"-"`
}

type AspectSettings struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Severity Severity `json:"severity" yaml:"severity" validate:"omitempty,oneof=error warning info"`
}

type PerformanceSettings struct {
	MaxConcurrent       int `json:"maxConcurrent" yaml:"maxConcurrent" validate:"gte=0,lte=64"`
	BatchSize           int `json:"batchSize" yaml:"batchSize" validate:"gte=0,lte=1000"`
	SubCheckConcurrency int `json:"subCheckConcurrency" yaml:"subCheckConcurrency" validate:"gte=0,lte=64"`
	MaxRetryAttempts    int `json:"maxRetryAttempts" yaml:"maxRetryAttempts" validate:"gte=0,lte=5"`
	RetryBackoffMs      int `json:"retryBackoffMs" yaml:"retryBackoffMs" validate:"gte=0,lte=60000"`
	ResourceTimeoutMs   int `json:"resourceTimeoutMs" yaml:"resourceTimeoutMs" validate:"gte=0"`
}

// ResourceTypeFilter restricts which resource types are validated. An empty
// Include means all types; Exclude always wins.
type ResourceTypeFilter struct {
	Include []string `json:"include" yaml:"include"`
	Exclude []string `json:"exclude" yaml:"exclude"`
}

type TerminologySettings struct {
	Mode             TerminologyMode     `json:"mode" yaml:"mode" validate:"omitempty,oneof=online offline"`
	Servers          []TerminologyServer `json:"servers" yaml:"servers" validate:"dive"`
	OfflineCachePath string              `json:"offlineCachePath,omitempty" yaml:"offlineCachePath"`
	CallTimeoutMs    int                 `json:"callTimeoutMs" yaml:"callTimeoutMs" validate:"gte=0"`
}

// TerminologyServer is one entry of the ordered server list. Order is
// significant: servers are tried first to last.
type TerminologyServer struct {
	ID   string      `json:"id" yaml:"id" validate:"required,max=64"`
	Kind string      `json:"kind" yaml:"kind" validate:"omitempty,oneof=http database"`
	URL  string      `json:"url,omitempty" yaml:"url" validate:"omitempty,url"`
	Auth *ServerAuth `json:"auth,omitempty" yaml:"auth"`
}

// ServerAuth configures SMART backend-services authentication. Only the key
// location is recorded here, never key material.
type ServerAuth struct {
	TokenURL string `json:"tokenUrl" yaml:"tokenUrl" validate:"required,url"`
	ClientID string `json:"clientId" yaml:"clientId" validate:"required"`
	KeyFile  string `json:"keyFile" yaml:"keyFile" validate:"required"`
	KeyID    string `json:"keyId,omitempty" yaml:"keyId"`
	Scope    string `json:"scope,omitempty" yaml:"scope"`
}

// Defaults used by Normalize for unset numeric fields.
const (
	DefaultMaxConcurrent       = 5
	DefaultBatchSize           = 50
	DefaultSubCheckConcurrency = 4
	DefaultMaxRetryAttempts    = 1
	DefaultRetryBackoffMs      = 200
	DefaultResourceTimeoutMs   = 30000
	DefaultCallTimeoutMs       = 5000
)

// DefaultSettings enables every aspect at error severity.
func DefaultSettings() *Settings {
	s := &Settings{
		FHIRVersion: "R4",
		Aspects:     make(map[Aspect]AspectSettings, len(AllAspects)),
		Performance: PerformanceSettings{
			MaxConcurrent:       DefaultMaxConcurrent,
			BatchSize:           DefaultBatchSize,
			SubCheckConcurrency: DefaultSubCheckConcurrency,
			MaxRetryAttempts:    DefaultMaxRetryAttempts,
			RetryBackoffMs:      DefaultRetryBackoffMs,
			ResourceTimeoutMs:   DefaultResourceTimeoutMs,
		},
		Terminology: TerminologySettings{
			Mode:          TerminologyOnline,
			CallTimeoutMs: DefaultCallTimeoutMs,
		},
	}
	for _, a := range AllAspects {
		s.Aspects[a] = AspectSettings{Enabled: true, Severity: SeverityError}
	}
	return s
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	c := *s
	c.Aspects = make(map[Aspect]AspectSettings, len(s.Aspects))
	for k, v := range s.Aspects {
		c.Aspects[k] = v
	}
	c.ResourceTypes.Include = append([]string(nil), s.ResourceTypes.Include...)
	c.ResourceTypes.Exclude = append([]string(nil), s.ResourceTypes.Exclude...)
	c.Terminology.Servers = make([]TerminologyServer, len(s.Terminology.Servers))
	for i, srv := range s.Terminology.Servers {
		if srv.Auth != nil {
			a := *srv.Auth
			srv.Auth = &a
		}
		c.Terminology.Servers[i] = srv
	}
	return &c
}

// Normalize fills defaults in place so that equivalent settings hash the same.
func (s *Settings) Normalize() {
	if s.Aspects == nil {
		s.Aspects = make(map[Aspect]AspectSettings, len(AllAspects))
	}
	for _, a := range AllAspects {
		as := s.Aspects[a]
		if as.Severity == "" {
			as.Severity = SeverityError
		}
		s.Aspects[a] = as
	}
	if s.FHIRVersion == "" {
		s.FHIRVersion = "R4"
	}

	p := &s.Performance
	if p.MaxConcurrent == 0 {
		p.MaxConcurrent = DefaultMaxConcurrent
	}
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.SubCheckConcurrency == 0 {
		p.SubCheckConcurrency = DefaultSubCheckConcurrency
	}
	if p.ResourceTimeoutMs == 0 {
		p.ResourceTimeoutMs = DefaultResourceTimeoutMs
	}

	s.ResourceTypes.Include = sortedUnique(s.ResourceTypes.Include)
	s.ResourceTypes.Exclude = sortedUnique(s.ResourceTypes.Exclude)

	t := &s.Terminology
	if t.Mode == "" {
		t.Mode = TerminologyOnline
	}
	if t.CallTimeoutMs == 0 {
		t.CallTimeoutMs = DefaultCallTimeoutMs
	}
	for i := range t.Servers {
		if t.Servers[i].Kind == "" {
			t.Servers[i].Kind = ServerKindHTTP
		}
		t.Servers[i].URL = strings.TrimRight(t.Servers[i].URL, "/")
	}
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

var settingsValidator = validator.New()

// Validate checks field ranges and cross-field rules. It expects normalized
// settings and returns a *ConfigurationError.
func (s *Settings) Validate() error {
	for a := range s.Aspects {
		if !a.IsKnown() {
			return &ConfigurationError{Field: "aspects", Reason: fmt.Sprintf("unknown aspect %q", a)}
		}
	}
	if err := settingsValidator.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{
				Field:  fe.Namespace(),
				Reason: fmt.Sprintf("failed %q constraint", fe.Tag()),
			}
		}
		return &ConfigurationError{Reason: err.Error()}
	}
	for a, as := range s.Aspects {
		if as.Severity != "" && !as.Severity.IsValid() {
			return &ConfigurationError{Field: "aspects." + string(a), Reason: "invalid severity"}
		}
	}

	seen := make(map[string]struct{}, len(s.Terminology.Servers))
	for i, srv := range s.Terminology.Servers {
		field := fmt.Sprintf("terminology.servers[%d]", i)
		if _, dup := seen[srv.ID]; dup {
			return &ConfigurationError{Field: field, Reason: fmt.Sprintf("duplicate server id %q", srv.ID)}
		}
		seen[srv.ID] = struct{}{}
		if srv.Kind == ServerKindHTTP && srv.URL == "" {
			return &ConfigurationError{Field: field, Reason: "http server requires a url"}
		}
		if srv.Kind == ServerKindDatabase && srv.Auth != nil {
			return &ConfigurationError{Field: field, Reason: "database server does not take auth"}
		}
	}
	if s.Terminology.Mode == TerminologyOffline && s.Terminology.OfflineCachePath == "" {
		return &ConfigurationError{Field: "terminology.offlineCachePath", Reason: "offline mode requires a cache path"}
	}

	excluded := make(map[string]struct{}, len(s.ResourceTypes.Exclude))
	for _, t := range s.ResourceTypes.Exclude {
		excluded[t] = struct{}{}
	}
	for _, t := range s.ResourceTypes.Include {
		if _, both := excluded[t]; both {
			return &ConfigurationError{Field: "resourceTypes", Reason: fmt.Sprintf("%q is both included and excluded", t)}
		}
	}
	return nil
}

// AspectEnabled reports whether aspect a is switched on.
func (s *Settings) AspectEnabled(a Aspect) bool {
	return s.Aspects[a].Enabled
}

// EnabledAspects returns the enabled aspects in canonical order.
func (s *Settings) EnabledAspects() []Aspect {
	out := make([]Aspect, 0, len(AllAspects))
	for _, a := range AllAspects {
		if s.AspectEnabled(a) {
			out = append(out, a)
		}
	}
	return out
}

// AppliesTo reports whether resources of type rt are in scope.
func (s *Settings) AppliesTo(rt string) bool {
	for _, t := range s.ResourceTypes.Exclude {
		if t == rt {
			return false
		}
	}
	if len(s.ResourceTypes.Include) == 0 {
		return true
	}
	for _, t := range s.ResourceTypes.Include {
		if t == rt {
			return true
		}
	}
	return false
}

// ResourceTimeout is the wall-clock budget for one resource.
func (s *Settings) ResourceTimeout() time.Duration {
	return time.Duration(s.Performance.ResourceTimeoutMs) * time.Millisecond
}

// CallTimeout bounds a single remote terminology call.
func (s *Settings) CallTimeout() time.Duration {
	return time.Duration(s.Terminology.CallTimeoutMs) * time.Millisecond
}

// Hash returns the settings fingerprint used as part of every cache key.
// Version and UpdatedAt are bookkeeping and excluded; everything else is
// encoded after normalization, so the hash is deterministic.
func (s *Settings) Hash() string {
	c := s.Clone()
	c.Normalize()
	c.Version = 0
	c.UpdatedAt = time.Time{}
	raw, err := json.Marshal(c)
	if err != nil {
		// Settings contains only marshalable fields.
		panic(fmt.Sprintf("settings hash: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// SettingsChange is published whenever the effective settings hash changes.
type SettingsChange struct {
	PreviousHash string
	Hash         string
	Settings     *Settings
}
