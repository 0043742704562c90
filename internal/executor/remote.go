package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/scrapehook/internal/tracing"
)

// Remote runs jobs on the synchronous scraping service:
// POST <base>/scrape/<job_type> with {"username","password"}.
type Remote struct {
	endpoint string
	jobType  string
	client   *http.Client
}

func NewRemote(baseURL, jobType string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Remote{
		endpoint: strings.TrimRight(baseURL, "/") + "/scrape/" + jobType,
		jobType:  jobType,
		client:   &http.Client{Timeout: timeout},
	}
}

type scrapeRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type scrapeResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Detail json.RawMessage `json:"detail"`
}

func (r *Remote) Execute(ctx context.Context, job Job) (Result, error) {
	body, err := json.Marshal(scrapeRequest{Username: job.Identity, Password: job.Secret})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range tracing.Inject(ctx) {
		req.Header.Set(k, v)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.jobType, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", r.jobType, err)
	}

	var out scrapeResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &JobError{JobType: r.jobType, StatusCode: resp.StatusCode, Detail: detailText(out.Detail, raw, decodeErr)}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%s: decode response: %w", r.jobType, decodeErr)
	}
	if out.Status != "" && out.Status != "success" {
		return nil, &JobError{JobType: r.jobType, StatusCode: resp.StatusCode, Detail: "status " + out.Status}
	}
	return Result(out.Data), nil
}

// detailText prefers a string "detail" field, then the raw JSON detail, then the body.
func detailText(detail json.RawMessage, raw []byte, decodeErr error) string {
	if decodeErr == nil && len(detail) > 0 {
		var s string
		if json.Unmarshal(detail, &s) == nil {
			return s
		}
		return string(detail)
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
