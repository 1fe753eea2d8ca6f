package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesikahq/emr-bridge/internal/audit"
	"github.com/mesikahq/emr-bridge/internal/emr"
	"github.com/mesikahq/emr-bridge/internal/patient"
	"github.com/mesikahq/emr-bridge/internal/quality"
	"github.com/mesikahq/emr-bridge/internal/registry"
	"github.com/mesikahq/emr-bridge/internal/status"
)

type fakeAuth struct {
	mu     sync.Mutex
	logins int
	err    error
}

func (a *fakeAuth) Login(ctx context.Context, creds emr.Credentials, role string) (*emr.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.logins++
	return emr.NewSession(noopPage{}, role), nil
}

func (a *fakeAuth) loginCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins
}

// noopPage satisfies emr.Page for sessions the fakes never navigate.
type noopPage struct{}

func (noopPage) Navigate(ctx context.Context, url string) error { return nil }
func (noopPage) WaitElement(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (noopPage) Input(ctx context.Context, selector, text string) error     { return nil }
func (noopPage) Click(ctx context.Context, selector string) error           { return nil }
func (noopPage) ClickText(ctx context.Context, selector, text string) error { return nil }
func (noopPage) Eval(ctx context.Context, js string, out interface{}) error { return nil }
func (noopPage) URL(ctx context.Context) (string, error)                    { return "", nil }
func (noopPage) Close() error                                               { return nil }

type fakeRoster struct {
	recs []patient.Record
	err  error
}

func (f *fakeRoster) FetchRoster(ctx context.Context, sess *emr.Session, maxPages int) ([]patient.Record, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.recs, 1, nil
}

type fakeSyncer struct {
	mu      sync.Mutex
	reports []quality.Report
}

func (f *fakeSyncer) Sync(ctx context.Context, reports []quality.Report) (registry.SyncSummary, error) {
	f.mu.Lock()
	f.reports = reports
	f.mu.Unlock()
	sum := registry.SyncSummary{Pushed: make(map[string]int)}
	for _, rep := range reports {
		if rep.Verdict == quality.VerdictBlocked {
			sum.BlockedCount++
			continue
		}
		sum.Pushed[rep.CaseID] = 1
	}
	return sum, nil
}

func rosterRecord(caseID string) patient.Record {
	return patient.Record{
		CaseID:             caseID,
		FullName:           "Case " + caseID,
		BirthDate:          "02.03.1961",
		AdmissionDate:      "15.08.2026",
		Ward:               "Trauma 1",
		AttendingPhysician: "Dr. Bondar",
	}
}

type runnerFixture struct {
	runner   *Runner
	auth     *fakeAuth
	roster   *fakeRoster
	enricher *scriptedEnricher
	syncer   *fakeSyncer
	store    patient.Store
	tracker  *status.Tracker
}

func newRunnerFixture(recs ...patient.Record) *runnerFixture {
	f := &runnerFixture{
		auth:     &fakeAuth{},
		roster:   &fakeRoster{recs: recs},
		enricher: newScriptedEnricher(),
		syncer:   &fakeSyncer{},
		store:    patient.NewMemStore(),
		tracker:  status.NewTracker(nil, zap.NewNop()),
	}
	orch := NewOrchestrator(f.enricher, f.store, 0, zap.NewNop())
	f.runner = NewRunner(
		RunnerConfig{Credentials: emr.Credentials{Username: "zav"}, Role: "Травматологія", MaxPages: 10},
		f.auth, f.roster, orch, f.syncer, f.store, f.tracker, audit.NewNop(), zap.NewNop(),
	)
	return f
}

func waitJob(t *testing.T, tracker *status.Tracker) status.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := tracker.Snapshot()
		if snap.FinishedAt != nil {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never finished")
	return status.Snapshot{}
}

func TestFullRunHappyPath(t *testing.T) {
	f := newRunnerFixture(rosterRecord("1"), rosterRecord("2"))

	job, err := f.runner.Start(KindFull)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	snap := waitJob(t, f.tracker)
	assert.Equal(t, string(StateSynced), snap.State)
	assert.Equal(t, 2, snap.Rostered)
	assert.Equal(t, 2, snap.Enriched)
	assert.Equal(t, 0, snap.Failed)
	assert.Equal(t, 2, snap.Synced)
	assert.NotNil(t, snap.LastSuccess)

	rec, err := f.store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, patient.EnrichmentDone, rec.EnrichmentStatus)
	assert.Equal(t, 1, f.auth.loginCount())
}

func TestSecondTriggerRejectedWhileRunning(t *testing.T) {
	f := newRunnerFixture(rosterRecord("1"))
	f.enricher.block = make(chan struct{})

	job, err := f.runner.Start(KindFull)
	require.NoError(t, err)

	// Wait until the job is inside the enrichment stage and holding the lock.
	require.Eventually(t, func() bool {
		return f.tracker.Snapshot().State == string(StateEnriching)
	}, time.Second, 5*time.Millisecond)

	_, err = f.runner.Start(KindEnrich)
	assert.ErrorIs(t, err, ErrJobRunning)

	close(f.enricher.block)
	waitJob(t, f.tracker)

	// With the lock released a new trigger is accepted.
	job2, err := f.runner.Start(KindRegistry)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, job2.ID)
	waitJob(t, f.tracker)
}

func TestSessionExpiryResumesAfterRelogin(t *testing.T) {
	f := newRunnerFixture(rosterRecord("1"), rosterRecord("2"), rosterRecord("3"))
	f.enricher.expireOn = "2"

	_, err := f.runner.Start(KindFull)
	require.NoError(t, err)

	snap := waitJob(t, f.tracker)
	assert.Equal(t, string(StateSynced), snap.State)
	assert.Equal(t, 3, snap.Enriched, "the case interrupted by expiry is retried")
	assert.Equal(t, 2, f.auth.loginCount(), "expiry triggers exactly one re-login")
}

func TestBadCredentialsFailRunImmediately(t *testing.T) {
	f := newRunnerFixture(rosterRecord("1"))
	f.auth.err = emr.ErrBadCredentials

	_, err := f.runner.Start(KindFull)
	require.NoError(t, err)

	snap := waitJob(t, f.tracker)
	assert.Equal(t, string(StateFailed), snap.State)
	assert.Contains(t, snap.LastError, emr.ErrBadCredentials.Error())

	recs, err := f.store.List(context.Background(), patient.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs, "a failed login must leave the store untouched")
}

func TestEnrichOnlyPassSkipsRosterAndRegistry(t *testing.T) {
	f := newRunnerFixture()
	seedStore(t, f.store, "7", "8")

	_, err := f.runner.Start(KindEnrich)
	require.NoError(t, err)

	snap := waitJob(t, f.tracker)
	assert.Equal(t, string(StateEnriching), snap.State)
	assert.Equal(t, 2, snap.Enriched)
	assert.Equal(t, 0, snap.Rostered)
	f.syncer.mu.Lock()
	assert.Nil(t, f.syncer.reports, "enrich-only must not touch the registry")
	f.syncer.mu.Unlock()
}

func TestRegistryOnlyPassSkipsEMR(t *testing.T) {
	f := newRunnerFixture()
	_, err := f.store.Upsert(context.Background(), []patient.Record{rosterRecord("5")})
	require.NoError(t, err)

	_, err = f.runner.Start(KindRegistry)
	require.NoError(t, err)

	snap := waitJob(t, f.tracker)
	assert.Equal(t, string(StateSynced), snap.State)
	assert.Equal(t, 1, snap.Synced)
	assert.Equal(t, 0, f.auth.loginCount(), "registry-only must not log into the EMR")
}

func TestBlockedRecordsCountedAndExcluded(t *testing.T) {
	incomplete := rosterRecord("9")
	incomplete.BirthDate = ""
	f := newRunnerFixture(rosterRecord("1"), incomplete)

	_, err := f.runner.Start(KindFull)
	require.NoError(t, err)

	snap := waitJob(t, f.tracker)
	assert.Equal(t, 1, snap.Blocked)
	assert.Contains(t, snap.BlockedCases, "9")
	assert.Equal(t, 1, snap.Synced)
}

func TestFailedCaseRetriedOnNextFullRun(t *testing.T) {
	f := newRunnerFixture(rosterRecord("1"))
	f.enricher.failures["1"] = "navigate: timeout"

	_, err := f.runner.Start(KindFull)
	require.NoError(t, err)
	snap := waitJob(t, f.tracker)
	assert.Equal(t, 1, snap.Failed)

	rec, err := f.store.Get(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, patient.EnrichmentFailed, rec.EnrichmentStatus)

	// The timeout was transient; the next run must pick the case up again.
	f.enricher.clearFailure("1")

	job2, err := f.runner.Start(KindFull)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.tracker.Snapshot().JobID == job2.ID
	}, time.Second, 5*time.Millisecond)

	snap = waitJob(t, f.tracker)
	assert.Equal(t, 1, snap.Enriched, "a failed case is re-scraped on the next run")
	assert.Equal(t, 0, snap.Failed)

	rec, err = f.store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, patient.EnrichmentDone, rec.EnrichmentStatus)
}

func TestCancelStopsJob(t *testing.T) {
	f := newRunnerFixture(rosterRecord("1"))
	f.enricher.block = make(chan struct{})

	job, err := f.runner.Start(KindFull)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.tracker.Snapshot().State == string(StateEnriching)
	}, time.Second, 5*time.Millisecond)

	require.True(t, f.runner.Cancel(job.ID))
	snap := waitJob(t, f.tracker)
	assert.Equal(t, string(StateFailed), snap.State)
	assert.Contains(t, snap.LastError, context.Canceled.Error())

	assert.False(t, f.runner.Cancel(job.ID), "a finished job is no longer cancellable")
}
