package emr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const classificationText = `Перелом стегнової кістки
Коди: S72.1, S72.1, T93.1
Дата травми: 02.03.2026, побутова`

func detailValues() []string {
	return []string{
		"KOVALENKO OLEH", "02.03.1961", "Kyiv, Shevchenka 12", "Metro depot",
		"Trauma 1", "4", "Dr. Bondar", "15.08.2026",
		"Osteosynthesis planned", "X-ray: displaced fracture",
	}
}

func scriptDetail(page *fakePage) {
	page.elements[detailMarkerSelector] = true
	page.elements[classificationPaneSelector] = true
	page.evalFn = func(url, js string) (interface{}, error) {
		switch js {
		case detailReadJS:
			return detailValues(), nil
		case classificationReadJS:
			return classificationText, nil
		}
		return nil, nil
	}
}

func TestFetchDetailsHappyPath(t *testing.T) {
	page := newFakePage()
	scriptDetail(page)
	sess := NewSession(page, "Травматологія")
	e := NewDetailEnricher(testConfig(), zap.NewNop())

	out, err := e.FetchDetails(context.Background(), sess, "4821")
	require.NoError(t, err)
	require.True(t, out.OK, "reason: %s", out.Reason)

	rec := out.Record
	assert.Equal(t, "4821", rec.CaseID)
	assert.Equal(t, "KOVALENKO OLEH", rec.FullName)
	assert.Equal(t, "Kyiv, Shevchenka 12", rec.Address)
	assert.Equal(t, "Osteosynthesis planned", rec.TreatmentNotes)
	assert.Equal(t, "Перелом стегнової кістки", rec.Diagnosis)
	assert.Equal(t, []string{"S72.1", "T93.1"}, rec.DiagnosisCodes, "codes deduplicated, order kept")
	assert.Equal(t, "02.03.2026", rec.TraumaDate)
	assert.Contains(t, page.clicks, classificationTabSelector+"|"+classificationTabText)
}

func TestFetchDetailsMarkerTimeoutIsPerCase(t *testing.T) {
	page := newFakePage()
	sess := NewSession(page, "Травматологія")
	e := NewDetailEnricher(testConfig(), zap.NewNop())

	out, err := e.FetchDetails(context.Background(), sess, "4821")
	require.NoError(t, err, "a single slow case must not kill the batch")
	assert.False(t, out.OK)
	assert.Contains(t, out.Reason, "case card")
}

func TestFetchDetailsMissingClassificationTab(t *testing.T) {
	page := newFakePage()
	scriptDetail(page)
	page.missTexts[classificationTabText] = true
	sess := NewSession(page, "Травматологія")
	e := NewDetailEnricher(testConfig(), zap.NewNop())

	out, err := e.FetchDetails(context.Background(), sess, "4821")
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, ErrTabNotFound.Error(), out.Reason)
}

func TestFetchDetailsLogoutStopsBatch(t *testing.T) {
	page := newFakePage()
	scriptDetail(page)
	page.redirects["https://emr.example.test/hospitalizations/4821"] = "https://emr.example.test/login"
	sess := NewSession(page, "Травматологія")
	e := NewDetailEnricher(testConfig(), zap.NewNop())

	out, err := e.FetchDetails(context.Background(), sess, "4821")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, out.OK)
}

func TestParseClassification(t *testing.T) {
	codes, trauma := parseClassification("МКХ: S52.5 та M84.1. Травма від 11.07.2026 на виробництві")
	assert.Equal(t, []string{"S52.5", "M84.1"}, codes)
	assert.Equal(t, "11.07.2026", trauma)

	codes, trauma = parseClassification("no codes here")
	assert.Empty(t, codes)
	assert.Empty(t, trauma)
}
