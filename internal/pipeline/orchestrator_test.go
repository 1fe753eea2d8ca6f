package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesikahq/emr-bridge/internal/emr"
	"github.com/mesikahq/emr-bridge/internal/patient"
)

// scriptedEnricher fakes the detail scrape. Outcomes are keyed by case id;
// unknown cases succeed with a minimal record.
type scriptedEnricher struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]string // case id -> failure reason
	expireOn string            // case id that triggers session expiry
	expired  bool              // expire only once
	block    chan struct{}     // when set, FetchDetails waits for close or ctx
}

func newScriptedEnricher() *scriptedEnricher {
	return &scriptedEnricher{failures: make(map[string]string)}
}

func (e *scriptedEnricher) clearFailure(caseID string) {
	e.mu.Lock()
	delete(e.failures, caseID)
	e.mu.Unlock()
}

func (e *scriptedEnricher) FetchDetails(ctx context.Context, sess *emr.Session, caseID string) (emr.Outcome, error) {
	e.mu.Lock()
	block := e.block
	expire := e.expireOn == caseID && !e.expired
	if expire {
		e.expired = true
	} else {
		e.calls = append(e.calls, caseID)
	}
	reason, failed := e.failures[caseID]
	e.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return emr.Outcome{CaseID: caseID}, ctx.Err()
		case <-block:
		}
	}
	if expire {
		return emr.Outcome{CaseID: caseID, Reason: emr.ErrSessionExpired.Error()}, emr.ErrSessionExpired
	}
	if failed {
		return emr.Outcome{CaseID: caseID, Reason: reason}, nil
	}
	return emr.Outcome{
		CaseID: caseID,
		OK:     true,
		Record: patient.Record{
			CaseID:           caseID,
			Diagnosis:        "Fracture " + caseID,
			EnrichmentStatus: patient.EnrichmentDone,
			LastScrapedAt:    time.Now(),
		},
	}, nil
}

func seedStore(t *testing.T, store patient.Store, ids ...string) {
	t.Helper()
	recs := make([]patient.Record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, patient.Record{CaseID: id, FullName: "Case " + id})
	}
	_, err := store.Upsert(context.Background(), recs)
	require.NoError(t, err)
}

func TestEnrichBatchPartialFailureIsolated(t *testing.T) {
	ctx := context.Background()
	store := patient.NewMemStore()
	seedStore(t, store, "1", "2", "3")

	enricher := newScriptedEnricher()
	enricher.failures["2"] = "case card never rendered"

	o := NewOrchestrator(enricher, store, 0, zap.NewNop())
	sum, err := o.EnrichBatch(ctx, emr.NewSession(nil, ""), []string{"1", "2", "3"})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Enriched)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, "case card never rendered", sum.Errors["2"])

	one, err := store.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, patient.EnrichmentDone, one.EnrichmentStatus)
	assert.Equal(t, "Fracture 1", one.Diagnosis)

	two, err := store.Get(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, patient.EnrichmentFailed, two.EnrichmentStatus)

	three, err := store.Get(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, patient.EnrichmentDone, three.EnrichmentStatus,
		"a failure mid-batch must not stop later cases")
}

func TestEnrichBatchEnforcesMinDelay(t *testing.T) {
	store := patient.NewMemStore()
	seedStore(t, store, "1", "2", "3")

	const minDelay = 30 * time.Millisecond
	o := NewOrchestrator(newScriptedEnricher(), store, minDelay, zap.NewNop())

	start := time.Now()
	sum, err := o.EnrichBatch(context.Background(), emr.NewSession(nil, ""), []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Enriched)
	assert.GreaterOrEqual(t, time.Since(start), 2*minDelay,
		"three calls must be separated by at least two delays")
}

func TestEnrichBatchStopsOnSessionExpiry(t *testing.T) {
	store := patient.NewMemStore()
	seedStore(t, store, "1", "2", "3")

	enricher := newScriptedEnricher()
	enricher.expireOn = "2"

	o := NewOrchestrator(enricher, store, 0, zap.NewNop())
	sum, err := o.EnrichBatch(context.Background(), emr.NewSession(nil, ""), []string{"1", "2", "3"})

	assert.ErrorIs(t, err, emr.ErrSessionExpired)
	assert.Equal(t, 1, sum.Processed(), "the expired case stays unprocessed for the retry")
	assert.NotContains(t, enricher.calls, "3")
}

func TestEnrichBatchHonorsCancel(t *testing.T) {
	store := patient.NewMemStore()
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i+1)
	}
	seedStore(t, store, ids...)

	ctx, cancel := context.WithCancel(context.Background())
	enricher := newScriptedEnricher()
	o := NewOrchestrator(enricher, store, 50*time.Millisecond, zap.NewNop())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	sum, err := o.EnrichBatch(ctx, emr.NewSession(nil, ""), ids)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, sum.Processed(), len(ids))
}
