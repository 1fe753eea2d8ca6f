package emr

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mesikahq/emr-bridge/internal/patient"
)

const defaultMaxPages = 50

// rosterPage is what rosterReadJS yields for one page.
type rosterPage struct {
	Rows    [][]string `json:"rows"`
	HasNext bool       `json:"hasNext"`
}

// RosterExtractor walks the paginated hospitalization roster and yields
// summary records. It never visits case detail views.
type RosterExtractor struct {
	cfg    Config
	logger *zap.Logger
}

func NewRosterExtractor(cfg Config, logger *zap.Logger) *RosterExtractor {
	return &RosterExtractor{cfg: cfg, logger: logger}
}

// FetchRoster reads every roster page until the next-page affordance
// disappears or maxPages is hit. maxPages <= 0 falls back to the configured
// ceiling, then the default; the ceiling guards against a pagination widget
// that never reports the end. Returns the records and the number of pages
// visited.
func (e *RosterExtractor) FetchRoster(ctx context.Context, sess *Session, maxPages int) ([]patient.Record, int, error) {
	if err := sess.acquire(); err != nil {
		return nil, 0, err
	}
	defer sess.release()

	if maxPages <= 0 {
		maxPages = e.cfg.MaxPages
	}
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	var recs []patient.Record
	pages := 0
	for pageNum := 1; pageNum <= maxPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return recs, pages, err
		}

		pg, err := e.readPage(ctx, sess, pageNum)
		if err != nil {
			return recs, pages, fmt.Errorf("roster page %d: %w", pageNum, err)
		}
		pages++

		for _, row := range pg.Rows {
			rec, ok := rosterRowToRecord(row)
			if !ok {
				e.logger.Warn("skipping malformed roster row",
					zap.Int("page", pageNum),
					zap.Int("cells", len(row)))
				continue
			}
			recs = append(recs, rec)
		}

		if !pg.HasNext {
			break
		}
		if pageNum == maxPages {
			e.logger.Warn("roster page ceiling reached with more pages remaining",
				zap.Int("max_pages", maxPages))
		}
	}

	e.logger.Info("roster extracted",
		zap.Int("records", len(recs)),
		zap.Int("pages", pages))
	return recs, pages, nil
}

func (e *RosterExtractor) readPage(ctx context.Context, sess *Session, pageNum int) (*rosterPage, error) {
	if err := sess.page.Navigate(ctx, e.cfg.rosterURL(pageNum)); err != nil {
		return nil, err
	}
	if err := sess.checkLoggedIn(ctx); err != nil {
		return nil, err
	}
	if err := sess.page.WaitElement(ctx, rosterTableSelector, e.cfg.MarkerTimeout); err != nil {
		return nil, err
	}

	var pg rosterPage
	if err := sess.page.Eval(ctx, rosterReadJS, &pg); err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	return &pg, nil
}

// rosterRowToRecord maps one row through rosterColumns. Rows with too few
// cells or no case number are noise (group headers, footer rows) and are
// dropped.
func rosterRowToRecord(row []string) (patient.Record, bool) {
	if len(row) < len(rosterColumns) {
		return patient.Record{}, false
	}
	rec := patient.Record{LastScrapedAt: time.Now()}
	for i, name := range rosterColumns {
		setRecordField(&rec, name, row[i])
	}
	if rec.CaseID == "" {
		return patient.Record{}, false
	}
	return rec, true
}
