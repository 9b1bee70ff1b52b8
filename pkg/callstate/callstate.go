// Package callstate holds the benefit-verification facts collected over a
// call and the patient identity used to open it.
//
// Every benefit field starts unknown (nil) and latches monotonically: a merge
// can set an unknown field or replace a known value with a newer known value,
// but an unknown incoming value never erases a known one.
package callstate

import (
	"strconv"
	"strings"
)

// State is the structured record of everything learned from the insurance
// representative so far. Nil means the field has not been stated yet.
type State struct {
	VisitLimit            *int     `json:"visit_limit"`
	VisitLimitStructure   *string  `json:"visit_limit_structure"`
	VisitsUsed            *int     `json:"visits_used"`
	Copay                 *float64 `json:"copay"`
	Deductible            *float64 `json:"deductible"`
	DeductibleMet         *float64 `json:"deductible_met"`
	OOPMax                *float64 `json:"oop_max"`
	OOPMet                *float64 `json:"oop_met"`
	AuthorizationRequired *bool    `json:"authorization_required"`
	ReferenceNumber       *string  `json:"reference_number"`
}

// fieldSpec describes one benefit field: its wire name, the explanation shown
// to the model when the field is still unknown, and typed accessors.
type fieldSpec struct {
	name        string
	explanation string
	known       func(*State) bool
	copyFrom    func(dst, src *State)
	format      func(*State) string
}

// fields lists every benefit field in canonical prompt order.
var fields = []fieldSpec{
	{
		name:        "visit_limit",
		explanation: "Whether the visits are limited, and the allowed number.",
		known:       func(s *State) bool { return s.VisitLimit != nil },
		copyFrom:    func(d, s *State) { d.VisitLimit = s.VisitLimit },
		format:      func(s *State) string { return formatInt(s.VisitLimit) },
	},
	{
		name:        "visit_limit_structure",
		explanation: "How the limit is tracked (calendar year, fiscal year, benefit period, etc.) (only if a visit limit exists)",
		known:       func(s *State) bool { return s.VisitLimitStructure != nil },
		copyFrom:    func(d, s *State) { d.VisitLimitStructure = s.VisitLimitStructure },
		format:      func(s *State) string { return formatString(s.VisitLimitStructure) },
	},
	{
		name:        "visits_used",
		explanation: "How many visits have been used prior to this contact (only if a visit limit exists)",
		known:       func(s *State) bool { return s.VisitsUsed != nil },
		copyFrom:    func(d, s *State) { d.VisitsUsed = s.VisitsUsed },
		format:      func(s *State) string { return formatInt(s.VisitsUsed) },
	},
	{
		name:        "copay",
		explanation: "The copay amount per visit.",
		known:       func(s *State) bool { return s.Copay != nil },
		copyFrom:    func(d, s *State) { d.Copay = s.Copay },
		format:      func(s *State) string { return formatFloat(s.Copay) },
	},
	{
		name:        "deductible",
		explanation: "Whether there is a deductible, and the total amount.",
		known:       func(s *State) bool { return s.Deductible != nil },
		copyFrom:    func(d, s *State) { d.Deductible = s.Deductible },
		format:      func(s *State) string { return formatFloat(s.Deductible) },
	},
	{
		name:        "deductible_met",
		explanation: "How much of the deductible has been met (only if a deductible exists)",
		known:       func(s *State) bool { return s.DeductibleMet != nil },
		copyFrom:    func(d, s *State) { d.DeductibleMet = s.DeductibleMet },
		format:      func(s *State) string { return formatFloat(s.DeductibleMet) },
	},
	{
		name:        "oop_max",
		explanation: "Whether there's a cap on out-of-pocket expenses, and the total amount.",
		known:       func(s *State) bool { return s.OOPMax != nil },
		copyFrom:    func(d, s *State) { d.OOPMax = s.OOPMax },
		format:      func(s *State) string { return formatFloat(s.OOPMax) },
	},
	{
		name:        "oop_met",
		explanation: "How much has already been paid toward the out-of-pocket max (only if applicable)",
		known:       func(s *State) bool { return s.OOPMet != nil },
		copyFrom:    func(d, s *State) { d.OOPMet = s.OOPMet },
		format:      func(s *State) string { return formatFloat(s.OOPMet) },
	},
	{
		name:        "authorization_required",
		explanation: "Whether pre-authorization is required before beginning care.",
		known:       func(s *State) bool { return s.AuthorizationRequired != nil },
		copyFrom:    func(d, s *State) { d.AuthorizationRequired = s.AuthorizationRequired },
		format:      func(s *State) string { return formatBool(s.AuthorizationRequired) },
	},
	{
		name:        "reference_number",
		explanation: "The reference number for this call or authorization.",
		known:       func(s *State) bool { return s.ReferenceNumber != nil },
		copyFrom:    func(d, s *State) { d.ReferenceNumber = s.ReferenceNumber },
		format:      func(s *State) string { return formatString(s.ReferenceNumber) },
	},
}

// FieldNames returns every benefit field name in canonical order.
func FieldNames() []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}

// Explanation returns the human-readable explanation for a field name, or ""
// for unknown names.
func Explanation(name string) string {
	for _, f := range fields {
		if f.name == name {
			return f.explanation
		}
	}
	return ""
}

// Merge folds update into s. Fields that are known in update overwrite s
// (last known wins); fields unknown in update leave s untouched. It returns
// the names of the fields taken from update, in canonical order.
func (s *State) Merge(update *State) []string {
	if update == nil {
		return nil
	}
	var learned []string
	for _, f := range fields {
		if f.known(update) {
			f.copyFrom(s, update)
			learned = append(learned, f.name)
		}
	}
	return learned
}

// Missing returns the names of all still-unknown fields in canonical order.
func (s *State) Missing() []string {
	var missing []string
	for _, f := range fields {
		if !f.known(s) {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Complete reports whether every benefit field is known.
func (s *State) Complete() bool {
	for _, f := range fields {
		if !f.known(s) {
			return false
		}
	}
	return true
}

// Lines renders every field as "name value" in canonical order, with "unknown"
// for fields not yet stated. Used by the summarize prompt variant.
func (s *State) Lines() []string {
	lines := make([]string, len(fields))
	for i, f := range fields {
		val := "unknown"
		if f.known(s) {
			val = f.format(s)
		}
		lines[i] = f.name + " " + val
	}
	return lines
}

// MissingLines renders every unknown field as "name - explanation" in
// canonical order. Used by the missing-information prompt variant.
func (s *State) MissingLines() []string {
	var lines []string
	for _, f := range fields {
		if !f.known(s) {
			lines = append(lines, f.name+" - "+f.explanation)
		}
	}
	return lines
}

// String renders the state as a compact single line for logging.
func (s *State) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.name)
		b.WriteByte('=')
		if f.known(s) {
			b.WriteString(f.format(s))
		} else {
			b.WriteString("?")
		}
	}
	b.WriteByte('}')
	return b.String()
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func formatString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
