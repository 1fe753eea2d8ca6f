package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/mesikahq/emr-bridge/internal/quality"
)

// SyncSummary reports one sync pass.
type SyncSummary struct {
	// Pushed maps each non-blocked case to how many fields were written.
	Pushed map[string]int `json:"pushed"`
	// BlockedCount is how many records the quality gate kept out.
	BlockedCount int `json:"blocked_count"`
	// FieldsSkipped counts fields left alone because the registry already
	// had a value.
	FieldsSkipped int `json:"fields_skipped"`
	// Errors maps cases whose registry I/O failed to the reason. Those
	// cases stay eligible for the next pass.
	Errors map[string]string `json:"errors,omitempty"`
}

// Syncer merges validated records into the registry.
type Syncer struct {
	client Client
	logger *zap.Logger
}

func NewSyncer(client Client, logger *zap.Logger) *Syncer {
	return &Syncer{client: client, logger: logger}
}

// Sync pushes every non-blocked report. For each case it reads the current
// field state once, then writes only the locally non-empty fields whose
// registry column is still empty. A failing case is recorded and skipped;
// the pass continues.
func (s *Syncer) Sync(ctx context.Context, reports []quality.Report) (SyncSummary, error) {
	sum := SyncSummary{
		Pushed: make(map[string]int),
		Errors: make(map[string]string),
	}

	for _, rep := range reports {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if rep.Verdict == quality.VerdictBlocked {
			sum.BlockedCount++
			s.logger.Info("record blocked from registry",
				zap.String("case_id", rep.CaseID),
				zap.Strings("missing", rep.Missing))
			continue
		}

		caseID := rep.Record.CaseID
		state, err := s.client.FieldState(ctx, caseID)
		if err != nil {
			sum.Errors[caseID] = err.Error()
			continue
		}

		written, skipped, err := s.pushFields(ctx, caseID, rep, state)
		sum.FieldsSkipped += skipped
		if err != nil {
			sum.Errors[caseID] = err.Error()
			continue
		}
		sum.Pushed[caseID] = written
	}

	s.logger.Info("registry sync finished",
		zap.Int("pushed", len(sum.Pushed)),
		zap.Int("blocked", sum.BlockedCount),
		zap.Int("fields_skipped", sum.FieldsSkipped),
		zap.Int("errors", len(sum.Errors)))
	return sum, nil
}

func (s *Syncer) pushFields(ctx context.Context, caseID string, rep quality.Report, state map[string]bool) (written, skipped int, err error) {
	for _, m := range fieldMap {
		value := localValue(rep.Record, m.local)
		if value == "" {
			continue
		}
		if isEmpty, known := state[m.remote]; known && !isEmpty {
			skipped++
			continue
		}
		if err := s.client.WriteField(ctx, caseID, m.remote, value); err != nil {
			return written, skipped, err
		}
		written++
	}
	return written, skipped, nil
}
