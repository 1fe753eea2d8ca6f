// Package quality decides whether a scraped record is fit for the downstream
// registry. Validation is pure: same record in, same report out, no I/O.
package quality

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/mesikahq/emr-bridge/internal/patient"
)

// Verdict is the gate's decision for one record.
type Verdict string

const (
	// VerdictValid passes with nothing to note.
	VerdictValid Verdict = "valid"
	// VerdictWarned passes but advisory fields are missing or malformed.
	VerdictWarned Verdict = "warned"
	// VerdictBlocked must not reach the registry.
	VerdictBlocked Verdict = "blocked"
)

// Report is the outcome of validating one record. Record carries the
// normalized copy; the stored original is untouched.
type Report struct {
	CaseID     string         `json:"case_id"`
	Verdict    Verdict        `json:"verdict"`
	Missing    []string       `json:"missing,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Normalized []string       `json:"normalized,omitempty"`
	Record     patient.Record `json:"-"`
}

// displayDateRe matches the EMR's on-screen date format.
var displayDateRe = regexp.MustCompile(`^\d{2}\.\d{2}\.\d{4}$`)

// acronyms stay uppercase when an all-caps field is title-cased.
var acronyms = map[string]bool{
	"COVID": true, "ICU": true, "MRI": true, "CT": true,
	"ARDS": true, "COPD": true, "HIV": true, "ICD": true,
}

// Validate gates one record. A record missing its case number, patient name,
// admission date or birth date is blocked; a missing attending physician or
// ward only warns. All-caps free-text fields are title-cased on the returned
// copy.
func Validate(rec patient.Record) Report {
	rep := Report{CaseID: rec.CaseID, Verdict: VerdictValid}

	requireField(&rep, "case_id", rec.CaseID)
	requireField(&rep, "full_name", rec.FullName)
	requireDate(&rep, "admission_date", rec.AdmissionDate)
	requireDate(&rep, "birth_date", rec.BirthDate)

	if rec.AttendingPhysician == "" {
		rep.Warnings = append(rep.Warnings, "attending_physician missing")
	}
	if rec.Ward == "" {
		rep.Warnings = append(rep.Warnings, "ward missing")
	}
	if rec.TraumaDate != "" && !displayDateRe.MatchString(rec.TraumaDate) {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("trauma_date malformed: %q", rec.TraumaDate))
	}

	normalizeField(&rep, "full_name", &rec.FullName)
	normalizeField(&rep, "address", &rec.Address)
	normalizeField(&rep, "workplace", &rec.Workplace)
	normalizeField(&rep, "diagnosis", &rec.Diagnosis)
	rep.Record = rec

	switch {
	case len(rep.Missing) > 0:
		rep.Verdict = VerdictBlocked
	case len(rep.Warnings) > 0:
		rep.Verdict = VerdictWarned
	}
	return rep
}

// ValidateAll gates a batch and reports in input order.
func ValidateAll(recs []patient.Record) []Report {
	reports := make([]Report, 0, len(recs))
	for _, rec := range recs {
		reports = append(reports, Validate(rec))
	}
	return reports
}

func requireField(rep *Report, name, value string) {
	if strings.TrimSpace(value) == "" {
		rep.Missing = append(rep.Missing, name)
	}
}

func requireDate(rep *Report, name, value string) {
	if strings.TrimSpace(value) == "" {
		rep.Missing = append(rep.Missing, name)
		return
	}
	if !displayDateRe.MatchString(value) {
		rep.Missing = append(rep.Missing, fmt.Sprintf("%s malformed: %q", name, value))
	}
}

func normalizeField(rep *Report, name string, value *string) {
	fixed := TitleCase(*value)
	if fixed != *value {
		*value = fixed
		rep.Normalized = append(rep.Normalized, name)
	}
}

// TitleCase rewrites an all-caps string into title case, word by word.
// Known medical acronyms and words containing digits (diagnosis codes,
// house numbers) are left alone. Mixed-case input is assumed to be
// human-entered and returned unchanged.
func TitleCase(s string) string {
	if s == "" || s != strings.ToUpper(s) || !strings.ContainsFunc(s, unicode.IsLetter) {
		return s
	}
	words := strings.Fields(s)
	for i, w := range words {
		if acronyms[w] || strings.ContainsFunc(w, unicode.IsDigit) {
			continue
		}
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ")
}

func titleWord(w string) string {
	// Hyphenated surnames get each part capitalized.
	parts := strings.Split(strings.ToLower(w), "-")
	for i, p := range parts {
		r := []rune(p)
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
		}
		parts[i] = string(r)
	}
	return strings.Join(parts, "-")
}
