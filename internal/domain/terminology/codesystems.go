package terminology

import (
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"golang.org/x/text/language"
)

// CodeSystemTable answers membership questions for code systems that can be
// decided locally. A system present in the table is authoritative.
type CodeSystemTable struct {
	sets       map[string]map[string]struct{}
	predicates map[string]func(code string) bool
}

// NewCodeSystemTable returns a table preloaded with the FHIR core
// vocabularies and the predicate-backed external systems.
func NewCodeSystemTable() *CodeSystemTable {
	t := &CodeSystemTable{
		sets:       make(map[string]map[string]struct{}),
		predicates: make(map[string]func(string) bool),
	}
	for system, codes := range coreVocabularies {
		t.AddSet(system, codes...)
	}
	t.AddPredicate(SystemISO3166, isISO3166Alpha2)
	t.AddPredicate(SystemBCP47, isBCP47)
	t.AddPredicate(SystemBCP13, isMimeType)
	t.AddPredicate(SystemIANATime, isTimeZone)
	t.AddSet(SystemUCUM, commonUCUMUnits...)
	return t
}

// AddSet registers a finite code system, replacing any earlier definition.
func (t *CodeSystemTable) AddSet(system string, codes ...string) {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	t.sets[system] = set
	delete(t.predicates, system)
}

// AddPredicate registers a code system decided by a function.
func (t *CodeSystemTable) AddPredicate(system string, fn func(code string) bool) {
	t.predicates[system] = fn
	delete(t.sets, system)
}

// Lookup reports whether system is known locally and, if so, whether code
// belongs to it.
func (t *CodeSystemTable) Lookup(system, code string) (valid, known bool) {
	if set, ok := t.sets[system]; ok {
		_, valid = set[code]
		return valid, true
	}
	if fn, ok := t.predicates[system]; ok {
		return fn(code), true
	}
	return false, false
}

// Knows reports whether system is decided locally.
func (t *CodeSystemTable) Knows(system string) bool {
	_, known := t.Lookup(system, "")
	return known
}

// Systems returns how many code systems the table decides.
func (t *CodeSystemTable) Systems() int { return len(t.sets) + len(t.predicates) }

const hl7CodeSystem = "http://hl7.org/fhir/"

var coreVocabularies = map[string][]string{
	hl7CodeSystem + "administrative-gender": {"male", "female", "other", "unknown"},
	hl7CodeSystem + "observation-status": {
		"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown",
	},
	hl7CodeSystem + "encounter-status": {
		"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown",
	},
	hl7CodeSystem + "request-status": {
		"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown",
	},
	hl7CodeSystem + "request-intent": {
		"proposal", "plan", "directive", "order", "original-order", "reflex-order", "filler-order", "instance-order", "option",
	},
	hl7CodeSystem + "CodeSystem/medicationrequest-status": {
		"active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown",
	},
	hl7CodeSystem + "publication-status": {"draft", "active", "retired", "unknown"},
	hl7CodeSystem + "narrative-status":   {"generated", "extensions", "additional", "empty"},
	"http://terminology.hl7.org/CodeSystem/condition-clinical": {
		"active", "recurrence", "relapse", "inactive", "remission", "resolved",
	},
	"http://terminology.hl7.org/CodeSystem/condition-ver-status": {
		"unconfirmed", "provisional", "differential", "confirmed", "refuted", "entered-in-error",
	},
	"http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical": {"active", "inactive", "resolved"},
	"http://terminology.hl7.org/CodeSystem/allergyintolerance-verification": {
		"unconfirmed", "confirmed", "refuted", "entered-in-error",
	},
	hl7CodeSystem + "allergy-intolerance-criticality": {"low", "high", "unable-to-assess"},
	hl7CodeSystem + "name-use": {"usual", "official", "temp", "nickname", "anonymous", "old", "maiden"},
	hl7CodeSystem + "address-use": {"home", "work", "temp", "old", "billing"},
	hl7CodeSystem + "address-type": {"postal", "physical", "both"},
	hl7CodeSystem + "contact-point-system": {"phone", "fax", "email", "pager", "url", "sms", "other"},
	hl7CodeSystem + "contact-point-use": {"home", "work", "temp", "old", "mobile"},
	hl7CodeSystem + "identifier-use": {"usual", "official", "temp", "secondary", "old"},
	hl7CodeSystem + "quantity-comparator": {"<", "<=", ">=", ">"},
	"http://terminology.hl7.org/CodeSystem/observation-category": {
		"social-history", "vital-signs", "imaging", "laboratory", "procedure", "survey", "exam", "therapy", "activity",
	},
	"http://terminology.hl7.org/CodeSystem/condition-category": {"problem-list-item", "encounter-diagnosis"},
	"http://terminology.hl7.org/CodeSystem/v3-ActCode": {
		"AMB", "EMER", "FLD", "HH", "IMP", "ACUTE", "NONAC", "OBSENC", "PRENC", "SS", "VR",
	},
}

var commonUCUMUnits = []string{
	"1", "%", "/min", "/h", "/d", "/wk", "/mo", "/a",
	"s", "min", "h", "d", "wk", "mo", "a",
	"g", "mg", "ug", "ng", "kg", "[lb_av]", "[oz_av]",
	"L", "mL", "dL", "uL",
	"m", "cm", "mm", "km", "[in_i]", "[ft_i]",
	"Cel", "[degF]", "K",
	"mm[Hg]", "kPa", "Pa",
	"kg/m2", "g/dL", "mg/dL", "g/L", "mg/L", "ug/L", "ng/mL", "pg/mL",
	"mmol/L", "umol/L", "nmol/L", "pmol/L", "meq/L", "mosm/kg",
	"10*3/uL", "10*6/uL", "10*9/L", "10*12/L", "fL", "pg",
	"U/L", "[IU]/L", "m[IU]/mL", "[iU]", "U",
	"mL/min", "mL/min/{1.73_m2}", "L/min", "{beats}/min", "{breaths}/min",
	"cm[H2O]", "dB", "kcal", "J",
}

var (
	alpha2Pattern = regexp.MustCompile(`^[A-Z]{2}$`)
	mimePattern   = regexp.MustCompile(`^[a-z]+/[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*(\s*;.*)?$`)
)

// Reserved and user-assigned alpha-2 codes that are not countries.
var nonCountryAlpha2 = map[string]bool{
	"AA": true, "QM": true, "QN": true, "QO": true, "QP": true, "QQ": true, "QR": true, "QS": true,
	"QT": true, "QU": true, "QV": true, "QW": true, "QX": true, "QY": true, "QZ": true,
	"XA": true, "XB": true, "XC": true, "XD": true, "XE": true, "XF": true, "XG": true, "XH": true,
	"XI": true, "XJ": true, "XK": true, "XL": true, "XM": true, "XN": true, "XO": true, "XP": true,
	"XQ": true, "XR": true, "XS": true, "XT": true, "XU": true, "XV": true, "XW": true, "XX": true,
	"XY": true, "XZ": true, "ZZ": true,
}

func isISO3166Alpha2(code string) bool {
	if !alpha2Pattern.MatchString(code) || nonCountryAlpha2[code] {
		return false
	}
	r, err := language.ParseRegion(code)
	return err == nil && r.IsCountry()
}

func isBCP47(code string) bool {
	if code == "" {
		return false
	}
	tag, err := language.Parse(code)
	if err != nil {
		return false
	}
	base, conf := tag.Base()
	return conf != language.No && base.String() != "und"
}

func isMimeType(code string) bool {
	if !mimePattern.MatchString(code) {
		return false
	}
	switch strings.SplitN(code, "/", 2)[0] {
	case "application", "audio", "font", "image", "message", "model", "multipart", "text", "video":
		return true
	}
	return false
}

func isTimeZone(code string) bool {
	if code == "" || code == "Local" {
		return false
	}
	_, err := time.LoadLocation(code)
	return err == nil
}

// knownStandards are code systems hosted elsewhere that this service cannot
// decide locally. Failing to reach a server for one of these degrades to a
// warning instead of an error.
var knownStandards = []*regexp.Regexp{
	regexp.MustCompile(`^http://snomed\.info/(sct|id)`),
	regexp.MustCompile(`^http://loinc\.org`),
	regexp.MustCompile(`^http://www\.nlm\.nih\.gov/research/umls/rxnorm`),
	regexp.MustCompile(`^http://hl7\.org/fhir/sid/(icd-9-cm|icd-10|icd-10-cm|icd-10-pcs|icd-11|ndc|cvx)`),
	regexp.MustCompile(`^http://id\.who\.int/icd`),
	regexp.MustCompile(`^http://www\.ama-assn\.org/go/cpt`),
	regexp.MustCompile(`^https?://www\.cms\.gov/Medicare/Coding/HCPCSReleaseCodeSets`),
	regexp.MustCompile(`^http://nucc\.org/provider-taxonomy`),
	regexp.MustCompile(`^http://www\.whocc\.no/atc`),
	regexp.MustCompile(`^http://dicom\.nema\.org/resources/ontology/DCM`),
	regexp.MustCompile(`^http://fdasis\.nlm\.nih\.gov`),
	regexp.MustCompile(`^urn:oid:[0-2](\.\d+)+$`),
	regexp.MustCompile(`^http://terminology\.hl7\.org/CodeSystem/`),
	regexp.MustCompile(`^http://unitsofmeasure\.org`),
}

// IsKnownStandard reports whether system is a recognized external code
// system URI.
func IsKnownStandard(system string) bool {
	for _, re := range knownStandards {
		if re.MatchString(system) {
			return true
		}
	}
	return false
}
