package patient

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Ward      string
	Physician string
}

// UpsertSummary reports what an Upsert call actually did.
type UpsertSummary struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Store is the canonical record store. Upsert applies each record as one
// atomic statement keyed by case id, so concurrent readers see a record
// either before or after a scrape, never mid-merge. Records are never
// removed; discharge just means the roster stops mentioning a case.
//
// ListPending returns every case still owed a successful detail scrape:
// pending and failed alike, so a transient failure is retried on the next
// pass instead of parking the case forever.
type Store interface {
	Upsert(ctx context.Context, recs []Record) (UpsertSummary, error)
	Get(ctx context.Context, caseID string) (*Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	ListPending(ctx context.Context) ([]Record, error)
	MarkEnrichment(ctx context.Context, caseID string, status EnrichmentStatus, scrapedAt time.Time) error
}

type pgStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) Store {
	return &pgStore{db: db}
}

const recordColumns = `case_id, full_name, birth_date, address, workplace,
	ward, bed, attending_physician, admission_date,
	diagnosis, diagnosis_codes, trauma_date, treatment_notes, findings,
	enrichment_status, last_scraped_at, created_at, updated_at`

// upsertQuery merges one scraped record into the table. Non-empty incoming
// values win; empty ones keep what is stored. The xmax = 0 check tells an
// insert apart from an update on the conflict path.
const upsertQuery = `
	INSERT INTO patients (
		case_id, full_name, birth_date, address, workplace,
		ward, bed, attending_physician, admission_date,
		diagnosis, diagnosis_codes, trauma_date, treatment_notes, findings,
		enrichment_status, last_scraped_at, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		COALESCE(NULLIF($15, ''), 'pending'), $16, now(), now()
	)
	ON CONFLICT (case_id) DO UPDATE SET
		full_name           = COALESCE(NULLIF(EXCLUDED.full_name, ''), patients.full_name),
		birth_date          = COALESCE(NULLIF(EXCLUDED.birth_date, ''), patients.birth_date),
		address             = COALESCE(NULLIF(EXCLUDED.address, ''), patients.address),
		workplace           = COALESCE(NULLIF(EXCLUDED.workplace, ''), patients.workplace),
		ward                = COALESCE(NULLIF(EXCLUDED.ward, ''), patients.ward),
		bed                 = COALESCE(NULLIF(EXCLUDED.bed, ''), patients.bed),
		attending_physician = COALESCE(NULLIF(EXCLUDED.attending_physician, ''), patients.attending_physician),
		admission_date      = COALESCE(NULLIF(EXCLUDED.admission_date, ''), patients.admission_date),
		diagnosis           = COALESCE(NULLIF(EXCLUDED.diagnosis, ''), patients.diagnosis),
		diagnosis_codes     = CASE WHEN cardinality(EXCLUDED.diagnosis_codes) > 0
		                           THEN EXCLUDED.diagnosis_codes ELSE patients.diagnosis_codes END,
		trauma_date         = COALESCE(NULLIF(EXCLUDED.trauma_date, ''), patients.trauma_date),
		treatment_notes     = COALESCE(NULLIF(EXCLUDED.treatment_notes, ''), patients.treatment_notes),
		findings            = COALESCE(NULLIF(EXCLUDED.findings, ''), patients.findings),
		enrichment_status   = COALESCE(NULLIF($15, ''), patients.enrichment_status),
		last_scraped_at     = GREATEST(EXCLUDED.last_scraped_at, patients.last_scraped_at),
		updated_at          = now()
	RETURNING (xmax = 0) AS inserted`

func (s *pgStore) Upsert(ctx context.Context, recs []Record) (UpsertSummary, error) {
	var sum UpsertSummary
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return sum, err
		}
		var inserted bool
		err := s.db.QueryRow(ctx, upsertQuery,
			rec.CaseID, rec.FullName, rec.BirthDate, rec.Address, rec.Workplace,
			rec.Ward, rec.Bed, rec.AttendingPhysician, rec.AdmissionDate,
			rec.Diagnosis, rec.DiagnosisCodes, rec.TraumaDate, rec.TreatmentNotes, rec.Findings,
			string(rec.EnrichmentStatus), rec.LastScrapedAt,
		).Scan(&inserted)
		if err != nil {
			return sum, fmt.Errorf("upsert case %s: %w", rec.CaseID, err)
		}
		if inserted {
			sum.Inserted++
		} else {
			sum.Updated++
		}
	}
	return sum, nil
}

func (s *pgStore) Get(ctx context.Context, caseID string) (*Record, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM patients WHERE case_id = $1`, caseID)
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *pgStore) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM patients WHERE TRUE`
	args := make([]interface{}, 0, 2)
	if f.Ward != "" {
		args = append(args, f.Ward)
		query += fmt.Sprintf(" AND ward = $%d", len(args))
	}
	if f.Physician != "" {
		args = append(args, f.Physician)
		query += fmt.Sprintf(" AND attending_physician = $%d", len(args))
	}
	query += " ORDER BY case_id"
	return s.queryRecords(ctx, query, args...)
}

func (s *pgStore) ListPending(ctx context.Context) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM patients
		 WHERE enrichment_status IN ($1, $2) ORDER BY case_id`,
		string(EnrichmentPending), string(EnrichmentFailed))
}

func (s *pgStore) MarkEnrichment(ctx context.Context, caseID string, status EnrichmentStatus, scrapedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE patients
		 SET enrichment_status = $2, last_scraped_at = $3, updated_at = now()
		 WHERE case_id = $1`,
		caseID, string(status), scrapedAt)
	if err != nil {
		return fmt.Errorf("mark enrichment for case %s: %w", caseID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	recs := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var status string
	err := row.Scan(
		&rec.CaseID, &rec.FullName, &rec.BirthDate, &rec.Address, &rec.Workplace,
		&rec.Ward, &rec.Bed, &rec.AttendingPhysician, &rec.AdmissionDate,
		&rec.Diagnosis, &rec.DiagnosisCodes, &rec.TraumaDate, &rec.TreatmentNotes, &rec.Findings,
		&status, &rec.LastScrapedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.EnrichmentStatus = EnrichmentStatus(status)
	return &rec, nil
}
