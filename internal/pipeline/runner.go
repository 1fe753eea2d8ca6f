package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesikahq/emr-bridge/internal/audit"
	"github.com/mesikahq/emr-bridge/internal/emr"
	"github.com/mesikahq/emr-bridge/internal/patient"
	"github.com/mesikahq/emr-bridge/internal/quality"
	"github.com/mesikahq/emr-bridge/internal/registry"
	"github.com/mesikahq/emr-bridge/internal/status"
)

// State names where a job currently is. Expiry mid-run drops the session
// back to StateAuthenticated via a re-login, never further.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateRosterFetched   State = "roster_fetched"
	StateEnriching       State = "enriching"
	StateValidated       State = "validated"
	StateSynced          State = "synced"
	StateFailed          State = "failed"
)

// Kind selects how much of the pipeline a job runs.
type Kind string

const (
	KindFull     Kind = "full"
	KindEnrich   Kind = "enrich"
	KindRegistry Kind = "registry"
)

// Job is the handle a trigger gets back. Completion is observed through the
// status feed, not the handle.
type Job struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	StartedAt time.Time `json:"started_at"`
}

// maxRelogins bounds how often one job re-authenticates after the EMR drops
// its session before the job gives up.
const maxRelogins = 2

// Authenticator logs into the EMR; satisfied by emr.SessionManager.
type Authenticator interface {
	Login(ctx context.Context, creds emr.Credentials, role string) (*emr.Session, error)
}

// RosterFetcher walks the roster; satisfied by emr.RosterExtractor.
type RosterFetcher interface {
	FetchRoster(ctx context.Context, sess *emr.Session, maxPages int) ([]patient.Record, int, error)
}

// RegistrySyncer merges validated records downstream; satisfied by
// registry.Syncer.
type RegistrySyncer interface {
	Sync(ctx context.Context, reports []quality.Report) (registry.SyncSummary, error)
}

// RunnerConfig is the per-deployment pipeline tuning.
type RunnerConfig struct {
	Credentials emr.Credentials
	Role        string
	MaxPages    int
}

// Runner owns the run lock and executes jobs in the background.
type Runner struct {
	cfg      RunnerConfig
	auth     Authenticator
	roster   RosterFetcher
	orch     *Orchestrator
	syncer   RegistrySyncer
	store    patient.Store
	tracker  *status.Tracker
	audit    audit.Service
	logger   *zap.Logger
	lock     *RunLock

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewRunner(
	cfg RunnerConfig,
	auth Authenticator,
	roster RosterFetcher,
	orch *Orchestrator,
	syncer RegistrySyncer,
	store patient.Store,
	tracker *status.Tracker,
	auditSvc audit.Service,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		cfg:     cfg,
		auth:    auth,
		roster:  roster,
		orch:    orch,
		syncer:  syncer,
		store:   store,
		tracker: tracker,
		audit:   auditSvc,
		logger:  logger,
		lock:    &RunLock{},
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start claims the run lock and launches the job. The handle returns
// immediately; a second trigger while the lock is held gets ErrJobRunning.
func (r *Runner) Start(kind Kind) (*Job, error) {
	if !r.lock.TryAcquire() {
		return nil, ErrJobRunning
	}

	job := &Job{ID: uuid.NewString(), Kind: kind, StartedAt: time.Now()}
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.cancels[job.ID] = cancel
	r.mu.Unlock()

	go func() {
		defer r.lock.Release()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.cancels, job.ID)
			r.mu.Unlock()
		}()
		r.run(ctx, job)
	}()

	return job, nil
}

// Cancel stops a running job by handle. Reports whether the job was known.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// counters accumulates what one run accomplished; it ends up in the status
// feed and the JOB_END audit event.
type counters struct {
	Rostered int `json:"rostered"`
	Pages    int `json:"pages"`
	Enriched int `json:"enriched"`
	Failed   int `json:"failed"`
	Blocked  int `json:"blocked"`
	Synced   int `json:"synced"`
	Skipped  int `json:"fields_skipped"`
}

func (r *Runner) run(ctx context.Context, job *Job) {
	started := time.Now()
	r.tracker.Update(func(s *status.Snapshot) {
		*s = status.Snapshot{
			State:       string(StateUnauthenticated),
			JobID:       job.ID,
			JobKind:     string(job.Kind),
			StartedAt:   &started,
			LastSuccess: s.LastSuccess,
		}
	})
	r.logEvent(ctx, audit.EventJobStart, job, "started", nil)

	var c counters
	err := r.execute(ctx, job, &c)
	finished := time.Now()

	if err != nil {
		failedState := r.tracker.Snapshot().State
		r.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.String("stage", failedState),
			zap.Error(err))
		r.tracker.Update(func(s *status.Snapshot) {
			s.State = string(StateFailed)
			s.FinishedAt = &finished
			s.LastError = failedState + ": " + err.Error()
		})
		r.logEvent(ctx, audit.EventJobFail, job, "failed", map[string]interface{}{
			"stage": failedState,
			"error": err.Error(),
		})
		return
	}

	r.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("rostered", c.Rostered),
		zap.Int("enriched", c.Enriched),
		zap.Int("failed", c.Failed),
		zap.Int("blocked", c.Blocked),
		zap.Int("synced", c.Synced),
		zap.Duration("took", finished.Sub(started)))
	r.tracker.Update(func(s *status.Snapshot) {
		s.FinishedAt = &finished
		s.LastSuccess = &finished
		s.LastError = ""
	})
	r.logEvent(ctx, audit.EventJobEnd, job, "success", c)
}

func (r *Runner) execute(ctx context.Context, job *Job, c *counters) error {
	switch job.Kind {
	case KindRegistry:
		return r.registryPass(ctx, job, c)
	case KindEnrich:
		return r.enrichPass(ctx, job, c)
	default:
		return r.fullPass(ctx, job, c)
	}
}

func (r *Runner) fullPass(ctx context.Context, job *Job, c *counters) error {
	sess, err := r.login(ctx, job)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	recs, pages, err := r.roster.FetchRoster(ctx, sess, r.cfg.MaxPages)
	if err != nil {
		return err
	}
	sum, err := r.store.Upsert(ctx, recs)
	if err != nil {
		return err
	}
	c.Rostered = len(recs)
	c.Pages = pages
	r.setState(StateRosterFetched, func(s *status.Snapshot) { s.Rostered = len(recs) })
	r.logEvent(ctx, audit.EventRoster, job, "success", map[string]interface{}{
		"records": len(recs), "pages": pages,
		"inserted": sum.Inserted, "updated": sum.Updated,
	})

	if err := r.enrichPending(ctx, job, &sess, c); err != nil {
		return err
	}
	reports, err := r.validateAll(ctx, job, c)
	if err != nil {
		return err
	}
	return r.syncRegistry(ctx, job, reports, c)
}

func (r *Runner) enrichPass(ctx context.Context, job *Job, c *counters) error {
	sess, err := r.login(ctx, job)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	return r.enrichPending(ctx, job, &sess, c)
}

func (r *Runner) registryPass(ctx context.Context, job *Job, c *counters) error {
	reports, err := r.validateAll(ctx, job, c)
	if err != nil {
		return err
	}
	return r.syncRegistry(ctx, job, reports, c)
}

func (r *Runner) login(ctx context.Context, job *Job) (*emr.Session, error) {
	r.setState(StateUnauthenticated, nil)
	sess, err := r.auth.Login(ctx, r.cfg.Credentials, r.cfg.Role)
	if err != nil {
		r.logEvent(ctx, audit.EventLogin, job, "failure", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	r.setState(StateAuthenticated, nil)
	r.logEvent(ctx, audit.EventLogin, job, "success", nil)
	return sess, nil
}

// enrichPending enriches every case still owed a successful detail scrape
// (pending and previously failed), re-authenticating and resuming
// where it left off when the EMR drops the session mid-batch. The caller's
// session pointer is swapped on re-login so its deferred Close targets the
// live session.
func (r *Runner) enrichPending(ctx context.Context, job *Job, sess **emr.Session, c *counters) error {
	pending, err := r.store.ListPending(ctx)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(pending))
	for _, rec := range pending {
		remaining = append(remaining, rec.CaseID)
	}

	r.setState(StateEnriching, nil)
	total := newBatchSummary()
	relogins := 0
	for len(remaining) > 0 {
		sum, err := r.orch.EnrichBatch(ctx, *sess, remaining)
		total.merge(sum)
		remaining = remaining[sum.Processed():]
		if err == nil {
			break
		}
		if !errors.Is(err, emr.ErrSessionExpired) || relogins >= maxRelogins {
			return err
		}
		relogins++
		r.logger.Warn("session expired mid-batch, re-authenticating",
			zap.String("job_id", job.ID),
			zap.Int("remaining", len(remaining)))
		_ = (*sess).Close()
		fresh, err := r.login(ctx, job)
		if err != nil {
			return err
		}
		*sess = fresh
		r.setState(StateEnriching, nil)
	}

	c.Enriched = total.Enriched
	c.Failed = total.Failed
	r.setState(StateEnriching, func(s *status.Snapshot) {
		s.Enriched = total.Enriched
		s.Failed = total.Failed
		s.Errors = total.Errors
	})
	r.logEvent(ctx, audit.EventEnrich, job, "success", map[string]interface{}{
		"enriched": total.Enriched, "failed": total.Failed,
	})
	return nil
}

func (r *Runner) validateAll(ctx context.Context, job *Job, c *counters) ([]quality.Report, error) {
	recs, err := r.store.List(ctx, patient.Filter{})
	if err != nil {
		return nil, err
	}
	reports := quality.ValidateAll(recs)

	blocked := make([]string, 0)
	warnings := make(map[string][]string)
	for _, rep := range reports {
		switch rep.Verdict {
		case quality.VerdictBlocked:
			blocked = append(blocked, rep.CaseID)
		case quality.VerdictWarned:
			warnings[rep.CaseID] = rep.Warnings
		}
	}
	c.Blocked = len(blocked)
	r.setState(StateValidated, func(s *status.Snapshot) {
		s.Blocked = len(blocked)
		s.BlockedCases = blocked
		s.Warnings = warnings
	})
	r.logEvent(ctx, audit.EventValidate, job, "success", map[string]interface{}{
		"records": len(reports), "blocked": len(blocked), "warned": len(warnings),
	})
	return reports, nil
}

func (r *Runner) syncRegistry(ctx context.Context, job *Job, reports []quality.Report, c *counters) error {
	sum, err := r.syncer.Sync(ctx, reports)
	if err != nil {
		return err
	}
	c.Synced = len(sum.Pushed)
	c.Skipped = sum.FieldsSkipped
	r.setState(StateSynced, func(s *status.Snapshot) {
		s.Synced = len(sum.Pushed)
	})
	r.logEvent(ctx, audit.EventSync, job, "success", map[string]interface{}{
		"pushed": len(sum.Pushed), "blocked": sum.BlockedCount,
		"fields_skipped": sum.FieldsSkipped, "errors": len(sum.Errors),
	})
	return nil
}

func (r *Runner) setState(state State, extra func(*status.Snapshot)) {
	r.tracker.Update(func(s *status.Snapshot) {
		s.State = string(state)
		if extra != nil {
			extra(s)
		}
	})
}

func (r *Runner) logEvent(ctx context.Context, typ audit.EventType, job *Job, outcome string, details interface{}) {
	var raw json.RawMessage
	if details != nil {
		if payload, err := json.Marshal(details); err == nil {
			raw = payload
		}
	}
	event := &audit.AuditEvent{
		EventType:  typ,
		JobID:      job.ID,
		Action:     string(job.Kind),
		Resource:   "pipeline",
		ResourceID: job.ID,
		Status:     outcome,
		Details:    raw,
	}
	// Audit uses its own context: a cancelled job still gets its final events.
	auditCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.audit.LogEvent(auditCtx, event); err != nil {
		r.logger.Warn("audit event dropped", zap.Error(err))
	}
}
