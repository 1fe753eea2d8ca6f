package emr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mesikahq/emr-bridge/internal/patient"
)

// Outcome reports one case's detail scrape. A failed scrape is data, not an
// error: the orchestrator records the reason and moves on.
type Outcome struct {
	CaseID string         `json:"case_id"`
	OK     bool           `json:"ok"`
	Reason string         `json:"reason,omitempty"`
	Record patient.Record `json:"-"`
}

func failed(caseID, reason string) Outcome {
	return Outcome{CaseID: caseID, Reason: reason}
}

// DetailEnricher scrapes one case's detail view plus its classification tab.
type DetailEnricher struct {
	cfg    Config
	logger *zap.Logger
}

func NewDetailEnricher(cfg Config, logger *zap.Logger) *DetailEnricher {
	return &DetailEnricher{cfg: cfg, logger: logger}
}

// FetchDetails navigates to the case view, waits for the card to render,
// reads the labeled fields, switches to the classification tab by its
// visible label and extracts codes and injury date from the free text.
//
// Per-case failures come back inside the Outcome. The returned error is
// reserved for conditions the whole batch must react to: a cancelled
// context, a busy session, or a session the EMR logged out.
func (e *DetailEnricher) FetchDetails(ctx context.Context, sess *Session, caseID string) (Outcome, error) {
	if err := sess.acquire(); err != nil {
		return failed(caseID, err.Error()), err
	}
	defer sess.release()

	if err := sess.page.Navigate(ctx, e.cfg.detailURL(caseID)); err != nil {
		if batchErr := batchLevel(ctx, err); batchErr != nil {
			return failed(caseID, batchErr.Error()), batchErr
		}
		return failed(caseID, fmt.Sprintf("navigate: %v", err)), nil
	}
	if err := sess.checkLoggedIn(ctx); err != nil {
		return failed(caseID, err.Error()), err
	}
	if err := sess.page.WaitElement(ctx, detailMarkerSelector, e.cfg.MarkerTimeout); err != nil {
		return failed(caseID, fmt.Sprintf("case card never rendered: %v", err)), batchLevel(ctx, nil)
	}
	// The card fills in asynchronously after the marker appears.
	if err := e.settle(ctx); err != nil {
		return failed(caseID, err.Error()), err
	}

	var values []string
	if err := sess.page.Eval(ctx, detailReadJS, &values); err != nil {
		return failed(caseID, fmt.Sprintf("read fields: %v", err)), batchLevel(ctx, nil)
	}
	rec := patient.Record{
		CaseID:           caseID,
		EnrichmentStatus: patient.EnrichmentDone,
		LastScrapedAt:    time.Now(),
	}
	for i, name := range detailFields {
		if i >= len(values) {
			break
		}
		setRecordField(&rec, name, values[i])
	}

	if err := sess.page.ClickText(ctx, classificationTabSelector, classificationTabText); err != nil {
		e.logger.Warn("classification tab missing",
			zap.String("case_id", caseID))
		return failed(caseID, ErrTabNotFound.Error()), batchLevel(ctx, nil)
	}
	if err := sess.page.WaitElement(ctx, classificationPaneSelector, e.cfg.MarkerTimeout); err != nil {
		return failed(caseID, fmt.Sprintf("classification pane never rendered: %v", err)), batchLevel(ctx, nil)
	}
	if err := e.settle(ctx); err != nil {
		return failed(caseID, err.Error()), err
	}

	var text string
	if err := sess.page.Eval(ctx, classificationReadJS, &text); err != nil {
		return failed(caseID, fmt.Sprintf("read classification: %v", err)), batchLevel(ctx, nil)
	}
	rec.Diagnosis = firstLine(text)
	rec.DiagnosisCodes, rec.TraumaDate = parseClassification(text)

	return Outcome{CaseID: caseID, OK: true, Record: rec}, nil
}

// settle waits out the EMR's client-side rendering after a marker appears.
func (e *DetailEnricher) settle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.cfg.SettleDelay):
		return nil
	}
}

// batchLevel decides whether a page error must stop the batch. Context
// cancellation always does; anything else stays a per-case failure.
func batchLevel(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
