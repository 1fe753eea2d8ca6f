package emr

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rosterRow(caseID, name string) []string {
	return []string{caseID, name, "02.03.1961", "Trauma 1", "4", "Dr. Bondar", "15.08.2026"}
}

// scriptRoster makes the fake serve the given pages keyed by page number.
func scriptRoster(page *fakePage, pages map[int]rosterPage) {
	page.elements[rosterTableSelector] = true
	page.evalFn = func(url, js string) (interface{}, error) {
		for n, pg := range pages {
			if url == fmt.Sprintf("https://emr.example.test/hospitalizations?page=%d", n) {
				return pg, nil
			}
		}
		return nil, fmt.Errorf("unexpected url %s", url)
	}
}

func TestFetchRosterWalksAllPages(t *testing.T) {
	page := newFakePage()
	scriptRoster(page, map[int]rosterPage{
		1: {Rows: [][]string{rosterRow("1", "ONE"), rosterRow("2", "TWO")}, HasNext: true},
		2: {Rows: [][]string{rosterRow("3", "THREE")}, HasNext: true},
		3: {Rows: [][]string{rosterRow("4", "FOUR")}, HasNext: false},
	})
	sess := NewSession(page, "Травматологія")
	e := NewRosterExtractor(testConfig(), zap.NewNop())

	recs, pages, err := e.FetchRoster(context.Background(), sess, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	require.Len(t, recs, 4)
	assert.Equal(t, "1", recs[0].CaseID)
	assert.Equal(t, "ONE", recs[0].FullName)
	assert.Equal(t, "Dr. Bondar", recs[0].AttendingPhysician)
	assert.Equal(t, "4", recs[3].CaseID)
}

func TestFetchRosterHonorsPageCeiling(t *testing.T) {
	page := newFakePage()
	// Every page claims another follows; the ceiling must stop the walk.
	page.elements[rosterTableSelector] = true
	page.evalFn = func(url, js string) (interface{}, error) {
		return rosterPage{Rows: [][]string{rosterRow("7", "LOOP")}, HasNext: true}, nil
	}
	sess := NewSession(page, "Травматологія")
	e := NewRosterExtractor(testConfig(), zap.NewNop())

	_, pages, err := e.FetchRoster(context.Background(), sess, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, pages)
}

func TestFetchRosterFallsBackToConfiguredCeiling(t *testing.T) {
	page := newFakePage()
	page.elements[rosterTableSelector] = true
	page.evalFn = func(url, js string) (interface{}, error) {
		return rosterPage{Rows: [][]string{rosterRow("7", "LOOP")}, HasNext: true}, nil
	}
	cfg := testConfig()
	cfg.MaxPages = 2
	sess := NewSession(page, "Травматологія")
	e := NewRosterExtractor(cfg, zap.NewNop())

	_, pages, err := e.FetchRoster(context.Background(), sess, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
}

func TestFetchRosterSkipsMalformedRows(t *testing.T) {
	page := newFakePage()
	scriptRoster(page, map[int]rosterPage{
		1: {Rows: [][]string{
			rosterRow("1", "GOOD"),
			{"group header"},
			rosterRow("", "NO CASE NUMBER"),
		}},
	})
	sess := NewSession(page, "Травматологія")
	e := NewRosterExtractor(testConfig(), zap.NewNop())

	recs, _, err := e.FetchRoster(context.Background(), sess, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1", recs[0].CaseID)
}

func TestFetchRosterDetectsLogout(t *testing.T) {
	page := newFakePage()
	page.elements[rosterTableSelector] = true
	page.redirects["https://emr.example.test/hospitalizations?page=1"] = "https://emr.example.test/login"
	sess := NewSession(page, "Травматологія")
	e := NewRosterExtractor(testConfig(), zap.NewNop())

	_, _, err := e.FetchRoster(context.Background(), sess, 0)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, sess.Valid())
}

func TestFetchRosterStopsOnCancel(t *testing.T) {
	page := newFakePage()
	page.elements[rosterTableSelector] = true
	ctx, cancel := context.WithCancel(context.Background())
	page.evalFn = func(url, js string) (interface{}, error) {
		cancel() // cancel mid-walk; the next page boundary must observe it
		return rosterPage{Rows: [][]string{rosterRow("1", "ONE")}, HasNext: true}, nil
	}
	sess := NewSession(page, "Травматологія")
	e := NewRosterExtractor(testConfig(), zap.NewNop())

	recs, pages, err := e.FetchRoster(ctx, sess, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, pages)
	assert.Len(t, recs, 1, "rows read before cancellation are kept")
}
