package patient

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is a map-backed Store used by the pipeline and API tests. It
// mirrors pgStore's merge semantics exactly.
type memStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemStore() Store {
	return &memStore{recs: make(map[string]Record)}
}

func (s *memStore) Upsert(ctx context.Context, recs []Record) (UpsertSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum UpsertSummary
	now := time.Now()
	for _, in := range recs {
		if err := in.Validate(); err != nil {
			return sum, err
		}
		cur, ok := s.recs[in.CaseID]
		if !ok {
			cur = Record{CaseID: in.CaseID, EnrichmentStatus: EnrichmentPending, CreatedAt: now}
			sum.Inserted++
		} else {
			sum.Updated++
		}
		cur.Merge(in)
		cur.UpdatedAt = now
		s.recs[in.CaseID] = cur
	}
	return sum, nil
}

func (s *memStore) Get(ctx context.Context, caseID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *memStore) List(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		if f.Ward != "" && rec.Ward != f.Ward {
			continue
		}
		if f.Physician != "" && rec.AttendingPhysician != f.Physician {
			continue
		}
		out = append(out, rec)
	}
	sortByCaseID(out)
	return out, nil
}

func (s *memStore) ListPending(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range s.recs {
		if rec.EnrichmentStatus == EnrichmentPending || rec.EnrichmentStatus == EnrichmentFailed {
			out = append(out, rec)
		}
	}
	sortByCaseID(out)
	return out, nil
}

func (s *memStore) MarkEnrichment(ctx context.Context, caseID string, status EnrichmentStatus, scrapedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[caseID]
	if !ok {
		return ErrNotFound
	}
	rec.EnrichmentStatus = status
	rec.LastScrapedAt = scrapedAt
	rec.UpdatedAt = time.Now()
	s.recs[caseID] = rec
	return nil
}

func sortByCaseID(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].CaseID < recs[j].CaseID })
}
