package patient

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("patient record not found")
	ErrMissingCaseID = errors.New("patient record has no case id")
)

// EnrichmentStatus tracks how far a record has made it through the
// detail-scrape stage. Failed is not terminal: failed cases are offered
// again on every enrichment pass until a scrape succeeds.
type EnrichmentStatus string

const (
	EnrichmentPending EnrichmentStatus = "pending"
	EnrichmentDone    EnrichmentStatus = "enriched"
	EnrichmentFailed  EnrichmentStatus = "failed"
)

// Record is one hospitalization case as scraped from the EMR. CaseID is the
// EMR's own case number and the natural key everywhere; records are never
// deleted once seen, only updated by later scrapes.
//
// Dates are kept in the EMR's display format (dd.mm.yyyy) rather than parsed
// into time.Time. The quality gate checks the format; the registry receives
// the same text the ward staff see on screen.
type Record struct {
	CaseID string `json:"case_id"`

	// Demographics
	FullName  string `json:"full_name"`
	BirthDate string `json:"birth_date"`
	Address   string `json:"address"`
	Workplace string `json:"workplace"`

	// Administrative
	Ward               string `json:"ward"`
	Bed                string `json:"bed"`
	AttendingPhysician string `json:"attending_physician"`
	AdmissionDate      string `json:"admission_date"`

	// Clinical, filled by the detail pass
	Diagnosis      string   `json:"diagnosis"`
	DiagnosisCodes []string `json:"diagnosis_codes"`
	TraumaDate     string   `json:"trauma_date"`
	TreatmentNotes string   `json:"treatment_notes"`
	Findings       string   `json:"findings"`

	// Scrape metadata
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status"`
	LastScrapedAt    time.Time        `json:"last_scraped_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Validate performs the minimal structural check a record must pass before
// it may enter the store. Completeness is the quality gate's concern.
func (r *Record) Validate() error {
	if r.CaseID == "" {
		return ErrMissingCaseID
	}
	return nil
}

// Merge overlays in onto r. A field the scrape produced always wins; a field
// the scrape left empty keeps the stored value, so a roster-only pass never
// wipes enrichment data and re-running the same scrape is a no-op.
func (r *Record) Merge(in Record) {
	setIf(&r.FullName, in.FullName)
	setIf(&r.BirthDate, in.BirthDate)
	setIf(&r.Address, in.Address)
	setIf(&r.Workplace, in.Workplace)
	setIf(&r.Ward, in.Ward)
	setIf(&r.Bed, in.Bed)
	setIf(&r.AttendingPhysician, in.AttendingPhysician)
	setIf(&r.AdmissionDate, in.AdmissionDate)
	setIf(&r.Diagnosis, in.Diagnosis)
	setIf(&r.TraumaDate, in.TraumaDate)
	setIf(&r.TreatmentNotes, in.TreatmentNotes)
	setIf(&r.Findings, in.Findings)
	if len(in.DiagnosisCodes) > 0 {
		r.DiagnosisCodes = in.DiagnosisCodes
	}
	if in.EnrichmentStatus != "" {
		r.EnrichmentStatus = in.EnrichmentStatus
	}
	if !in.LastScrapedAt.IsZero() {
		r.LastScrapedAt = in.LastScrapedAt
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
