package emr

import (
	"regexp"

	"github.com/mesikahq/emr-bridge/internal/patient"
)

// The EMR renders fields without ids or names, so both extractors read
// positionally and map through the tables below. A UI deploy that reorders
// columns breaks extraction loudly (wrong fields fail the quality gate)
// rather than silently.

// rosterColumns is the roster table's column order, left to right.
var rosterColumns = []string{
	"case_id",
	"full_name",
	"birth_date",
	"ward",
	"bed",
	"attending_physician",
	"admission_date",
}

// detailFields is the render order of the labeled value cells on the case
// detail view.
var detailFields = []string{
	"full_name",
	"birth_date",
	"address",
	"workplace",
	"ward",
	"bed",
	"attending_physician",
	"admission_date",
	"treatment_notes",
	"findings",
}

const (
	rosterTableSelector = "table.hospitalization-list"
	rosterNextSelector  = "a.page-next:not(.disabled)"

	detailMarkerSelector = "#case-card"
	detailValueSelector  = "#case-card .field-value"

	classificationTabSelector  = "#case-card .tab-bar a"
	classificationTabText      = "Класифікація"
	classificationPaneSelector = "#classification-pane"
)

// rosterReadJS returns the visible rows as a string matrix plus whether a
// further page exists.
const rosterReadJS = `() => {
	const rows = Array.from(document.querySelectorAll('table.hospitalization-list tbody tr'))
		.map(tr => Array.from(tr.querySelectorAll('td')).map(td => (td.innerText || '').trim()));
	return { rows, hasNext: !!document.querySelector('a.page-next:not(.disabled)') };
}`

// detailReadJS returns the labeled field values in render order.
const detailReadJS = `() =>
	Array.from(document.querySelectorAll('#case-card .field-value'))
		.map(el => (el.innerText || '').trim())`

// classificationReadJS returns the classification pane's free text.
const classificationReadJS = `() => {
	const pane = document.querySelector('#classification-pane');
	return pane ? pane.innerText.trim() : '';
}`

// diagnosisCodeRe matches ICD-style codes in classification free text.
var diagnosisCodeRe = regexp.MustCompile(`\b[A-Z]\d{2}(?:\.\d{1,2})?\b`)

// traumaDateRe finds the injury date: a dd.mm.yyyy date within a short
// distance after a trauma keyword, in either language the clinic types.
var traumaDateRe = regexp.MustCompile(`(?i)(?:травм\p{L}*|injur\w*|trauma)\D{0,24}?(\d{2}\.\d{2}\.\d{4})`)

func setRecordField(rec *patient.Record, name, value string) {
	switch name {
	case "case_id":
		rec.CaseID = value
	case "full_name":
		rec.FullName = value
	case "birth_date":
		rec.BirthDate = value
	case "address":
		rec.Address = value
	case "workplace":
		rec.Workplace = value
	case "ward":
		rec.Ward = value
	case "bed":
		rec.Bed = value
	case "attending_physician":
		rec.AttendingPhysician = value
	case "admission_date":
		rec.AdmissionDate = value
	case "treatment_notes":
		rec.TreatmentNotes = value
	case "findings":
		rec.Findings = value
	}
}

// parseClassification pulls the code list and injury date out of the
// classification tab's free text. Codes keep first-seen order without
// duplicates.
func parseClassification(text string) (codes []string, traumaDate string) {
	seen := make(map[string]bool)
	for _, code := range diagnosisCodeRe.FindAllString(text, -1) {
		if !seen[code] {
			seen[code] = true
			codes = append(codes, code)
		}
	}
	if m := traumaDateRe.FindStringSubmatch(text); m != nil {
		traumaDate = m[1]
	}
	return codes, traumaDate
}
