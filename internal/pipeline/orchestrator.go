// Package pipeline sequences the scrape: login, roster, per-case
// enrichment, validation, registry merge. One job runs at a time; every
// stage leaves the store in a state a crashed run could restart from.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mesikahq/emr-bridge/internal/emr"
	"github.com/mesikahq/emr-bridge/internal/patient"
)

// Enricher is the detail-scrape dependency, satisfied by emr.DetailEnricher.
type Enricher interface {
	FetchDetails(ctx context.Context, sess *emr.Session, caseID string) (emr.Outcome, error)
}

// BatchSummary reports one enrichment batch.
type BatchSummary struct {
	Enriched int               `json:"enriched"`
	Failed   int               `json:"failed"`
	Errors   map[string]string `json:"errors,omitempty"`
}

func newBatchSummary() BatchSummary {
	return BatchSummary{Errors: make(map[string]string)}
}

// Processed is how many cases the batch fully handled, success or failure.
// A case interrupted by session expiry or cancellation is not processed and
// gets retried by the caller.
func (b BatchSummary) Processed() int {
	return b.Enriched + b.Failed
}

func (b *BatchSummary) merge(o BatchSummary) {
	b.Enriched += o.Enriched
	b.Failed += o.Failed
	for id, reason := range o.Errors {
		b.Errors[id] = reason
	}
}

// Orchestrator walks a case list strictly in order, pacing requests so the
// EMR sees at most one detail fetch per minDelay. One case failing is data;
// session expiry and cancellation stop the batch and surface as the error.
type Orchestrator struct {
	enricher Enricher
	store    patient.Store
	minDelay time.Duration
	logger   *zap.Logger
}

func NewOrchestrator(enricher Enricher, store patient.Store, minDelay time.Duration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		enricher: enricher,
		store:    store,
		minDelay: minDelay,
		logger:   logger,
	}
}

// EnrichBatch enriches caseIDs sequentially. Successful outcomes are
// upserted immediately so a later abort loses nothing already scraped;
// failed outcomes mark the case failed and the walk continues.
func (o *Orchestrator) EnrichBatch(ctx context.Context, sess *emr.Session, caseIDs []string) (BatchSummary, error) {
	sum := newBatchSummary()
	limiter := rate.NewLimiter(limitFor(o.minDelay), 1)

	for _, caseID := range caseIDs {
		if err := limiter.Wait(ctx); err != nil {
			return sum, err
		}

		out, err := o.enricher.FetchDetails(ctx, sess, caseID)
		if err != nil {
			return sum, err
		}

		if !out.OK {
			sum.Failed++
			sum.Errors[caseID] = out.Reason
			o.logger.Warn("case enrichment failed",
				zap.String("case_id", caseID),
				zap.String("reason", out.Reason))
			if err := o.store.MarkEnrichment(ctx, caseID, patient.EnrichmentFailed, time.Now()); err != nil {
				o.logger.Error("mark enrichment failed",
					zap.String("case_id", caseID),
					zap.Error(err))
			}
			continue
		}

		if _, err := o.store.Upsert(ctx, []patient.Record{out.Record}); err != nil {
			sum.Failed++
			sum.Errors[caseID] = "store: " + err.Error()
			continue
		}
		sum.Enriched++
	}
	return sum, nil
}

func limitFor(minDelay time.Duration) rate.Limit {
	if minDelay <= 0 {
		return rate.Inf
	}
	return rate.Every(minDelay)
}
