package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/scrapehook/internal/config"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	ok := ExecutorFunc(func(ctx context.Context, job Job) (Result, error) { return Result(`{"ok":true}`), nil })

	require.NoError(t, reg.Register("CMF", ok))
	require.NoError(t, reg.Register("afc", ok))
	assert.ErrorIs(t, reg.Register("cmf", ok), ErrDuplicateType)
	assert.Error(t, reg.Register("  ", ok))
	assert.Error(t, reg.Register("sii", nil))

	e, err := reg.Resolve(" cmf ")
	require.NoError(t, err)
	res, err := e.Execute(context.Background(), Job{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))

	_, err = reg.Resolve("bogus")
	assert.ErrorIs(t, err, ErrUnknownJobType)

	assert.True(t, reg.Has("AFC"))
	assert.False(t, reg.Has("sii"))
	assert.Equal(t, []string{"afc", "cmf"}, reg.Types())
}

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig(config.Executor{Mode: "remote", BaseURL: "http://scraper:8000", JobTypes: []string{"cmf", "afc", "sii"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"afc", "cmf", "sii"}, reg.Types())
	e, _ := reg.Resolve("sii")
	assert.Equal(t, "http://scraper:8000/scrape/sii", e.(*Remote).endpoint)

	reg, err = FromConfig(config.Executor{Mode: "fake", JobTypes: []string{"cmf", "afc"}, FailFirstN: 1})
	require.NoError(t, err)
	a, _ := reg.Resolve("cmf")
	b, _ := reg.Resolve("afc")
	assert.Same(t, a, b)

	_, err = FromConfig(config.Executor{Mode: "browser", JobTypes: []string{"cmf"}})
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestRemoteSuccess(t *testing.T) {
	var got scrapeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/scrape/cmf", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"status":"success","data":{"debt_data":{"data":[]}}}`))
	}))
	defer srv.Close()

	r := NewRemote(srv.URL+"/", "cmf", time.Second)
	res, err := r.Execute(context.Background(), Job{TaskID: "t1", JobType: "cmf", Identity: "12345678-5", Secret: "pw123456"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"debt_data":{"data":[]}}`, string(res))
	assert.Equal(t, scrapeRequest{Username: "12345678-5", Password: "pw123456"}, got)
}

func TestRemoteFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantJobErr bool
		wantDetail string
	}{
		{name: "detail string", status: 500, body: `{"detail":"login failed"}`, wantJobErr: true, wantDetail: "login failed"},
		{name: "non json body", status: 502, body: "bad gateway", wantJobErr: true, wantDetail: "bad gateway"},
		{name: "status not success", status: 200, body: `{"status":"error"}`, wantJobErr: true, wantDetail: "status error"},
		{name: "undecodable 200", status: 200, body: `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewRemote(srv.URL, "afc", time.Second).Execute(context.Background(), Job{JobType: "afc"})
			require.Error(t, err)

			var je *JobError
			if tt.wantJobErr {
				require.True(t, errors.As(err, &je), "want *JobError, got %T", err)
				assert.Equal(t, tt.status, je.StatusCode)
				assert.Equal(t, tt.wantDetail, je.Detail)
				assert.Equal(t, "afc", je.JobType)
			} else {
				assert.False(t, errors.As(err, &je))
			}
		})
	}
}

func TestRemoteContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewRemote(srv.URL, "sii", time.Minute).Execute(ctx, Job{})
	assert.Error(t, err)
}

func TestJobErrorMessage(t *testing.T) {
	assert.Equal(t, "cmf: scraper returned status 500: boom", (&JobError{JobType: "cmf", StatusCode: 500, Detail: "boom"}).Error())
	assert.Equal(t, "cmf: scraper returned status 503", (&JobError{JobType: "cmf", StatusCode: 503}).Error())
}

func TestFlaky(t *testing.T) {
	f := NewFlaky(2)
	ctx := context.Background()
	job := Job{TaskID: "t1", JobType: "cmf", Identity: "u"}

	_, err := f.Execute(ctx, job)
	assert.Error(t, err)
	_, err = f.Execute(ctx, job)
	assert.Error(t, err)
	assert.Equal(t, 2, f.pending("t1"))

	// other tasks are counted separately
	_, err = f.Execute(ctx, Job{TaskID: "t2"})
	assert.Error(t, err)

	res, err := f.Execute(ctx, job)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_type":"cmf","username":"u","attempts":3}`, string(res))
	assert.Zero(t, f.pending("t1"))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewFlaky(0).Execute(canceled, job)
	assert.ErrorIs(t, err, context.Canceled)
}
