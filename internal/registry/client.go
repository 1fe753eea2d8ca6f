// Package registry pushes validated records into the regional injury
// registry. The registry is edited by humans; this side only ever fills
// fields that are still empty and never overwrites what a person typed.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Client is one case's worth of registry I/O. FieldState reports which
// registry columns are currently empty; WriteField sets exactly one column.
// Writes are per-field so a failure mid-record leaves the other columns as
// they were.
type Client interface {
	FieldState(ctx context.Context, caseID string) (map[string]bool, error)
	WriteField(ctx context.Context, caseID, field, value string) error
}

type restyClient struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(baseURL, token string, logger *zap.Logger) Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(token)

	return &restyClient{http: http, logger: logger}
}

// fieldStateResponse is the registry's record endpoint payload. Columns the
// registry has never seen for this case are absent and count as empty.
type fieldStateResponse struct {
	CaseID string            `json:"case_id"`
	Fields map[string]string `json:"fields"`
}

func (c *restyClient) FieldState(ctx context.Context, caseID string) (map[string]bool, error) {
	var out fieldStateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("caseID", caseID).
		Get("/records/{caseID}/fields")
	if err != nil {
		return nil, fmt.Errorf("registry field state for case %s: %w", caseID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("registry field state for case %s: status %d", caseID, resp.StatusCode())
	}

	empty := make(map[string]bool, len(out.Fields))
	for name, value := range out.Fields {
		empty[name] = strings.TrimSpace(value) == ""
	}
	return empty, nil
}

func (c *restyClient) WriteField(ctx context.Context, caseID, field, value string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("caseID", caseID).
		SetBody(map[string]string{"field": field, "value": value}).
		Patch("/records/{caseID}/fields")
	if err != nil {
		return fmt.Errorf("registry write %s for case %s: %w", field, caseID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("registry write %s for case %s: status %d", field, caseID, resp.StatusCode())
	}
	c.logger.Debug("registry field written",
		zap.String("case_id", caseID),
		zap.String("field", field))
	return nil
}
