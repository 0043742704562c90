package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/scrapehook/internal/auth"
	"github.com/austindbirch/scrapehook/internal/dedup"
	"github.com/austindbirch/scrapehook/internal/executor"
	"github.com/austindbirch/scrapehook/internal/health"
	"github.com/austindbirch/scrapehook/internal/journal"
	"github.com/austindbirch/scrapehook/internal/logging"
	"github.com/austindbirch/scrapehook/internal/queue"
	"github.com/austindbirch/scrapehook/internal/ratelimit"
	"github.com/austindbirch/scrapehook/internal/store"
	"github.com/austindbirch/scrapehook/internal/task"
)

const validRUT = "12345678-5"

type fixture struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	queue  *queue.Queue
	dedup  *dedup.Deduplicator
	jobs   *executor.Registry
	server *Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobs := executor.NewRegistry()
	noop := executor.ExecutorFunc(func(context.Context, executor.Job) (executor.Result, error) { return nil, nil })
	for _, jt := range []string{"cmf", "afc", "sii"} {
		require.NoError(t, jobs.Register(jt, noop))
	}

	q := queue.New(rdb, "", "")
	d := dedup.New(rdb, "", 0)
	opts = append([]Option{
		WithLogger(logging.NewWithWriter("api-test", io.Discard)),
		WithHealthChecks(map[string]health.Checker{"redis": store.Healthcheck(rdb)}),
	}, opts...)

	return &fixture{
		mr:     mr,
		rdb:    rdb,
		queue:  q,
		dedup:  d,
		jobs:   jobs,
		server: New(d, q, q, jobs, opts...),
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func validBody() map[string]string {
	return map[string]string{
		"username":    validRUT,
		"password":    "s3cret-pass",
		"webhook_url": "http://receiver.local/hook",
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitAcceptsThenRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/async/scrape/cmf", validBody())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode(t, rec)
	assert.Equal(t, "accepted", first["status"])
	assert.Equal(t, "CMF scraping task enqueued successfully", first["message"])
	taskID, _ := first["task_id"].(string)
	require.NotEmpty(t, taskID)

	dup, err := f.dedup.IsDuplicate(ctx, validRUT, "http://receiver.local/hook")
	require.NoError(t, err)
	assert.True(t, dup)

	rec = f.do(t, http.MethodPost, "/async/scrape/cmf", validBody())
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode(t, rec)
	assert.Equal(t, "rejected", second["status"])
	assert.Equal(t, "Duplicate task detected within the last 5 minutes.", second["message"])
	assert.NotContains(t, second, "task_id")

	n, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, taskID, got.TaskID)
	assert.Equal(t, "cmf", got.JobType)
	assert.Equal(t, 0, got.Retries)
	assert.Equal(t, task.DefaultMaxRetries, got.MaxRetries)
	assert.Equal(t, "s3cret-pass", got.Secret)
}

func TestSubmitDuplicateExpires(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/async/scrape/afc", validBody()).Code)
	f.mr.FastForward(dedup.DefaultTTL + time.Second)
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/async/scrape/afc", validBody()).Code)
}

func TestSubmitDifferentCallbackIsNotDuplicate(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/async/scrape/sii", validBody()).Code)
	body := validBody()
	body["webhook_url"] = "http://receiver.local/other"
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/async/scrape/sii", body).Code)
}

func TestSubmitNormalizesIdentity(t *testing.T) {
	f := newFixture(t)

	body := validBody()
	body["username"] = "12.345.678-5"
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/async/scrape/cmf", body).Code)

	rec := f.do(t, http.MethodPost, "/async/scrape/cmf", validBody())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", decode(t, rec)["status"])

	got, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, validRUT, got.Identity)
}

func TestSubmitMaxRetriesOption(t *testing.T) {
	f := newFixture(t, WithMaxRetries(1))
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/async/scrape/cmf", validBody()).Code)

	got, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.MaxRetries)
}

func TestSubmitZeroMaxRetriesKeepsDefault(t *testing.T) {
	f := newFixture(t, WithMaxRetries(0))
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/async/scrape/cmf", validBody()).Code)

	got, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.DefaultMaxRetries, got.MaxRetries)
	assert.NoError(t, got.Validate())
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantDetail string
	}{
		{
			name:       "unknown job type",
			path:       "/async/scrape/bank",
			body:       validBody(),
			wantStatus: http.StatusBadRequest,
			wantDetail: `unknown job type: "bank"`,
		},
		{
			name:       "malformed json",
			path:       "/async/scrape/cmf",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantDetail: "invalid JSON body",
		},
		{
			name: "bad rut checksum",
			path: "/async/scrape/cmf",
			body: map[string]string{
				"username": "12345678-9", "password": "s3cret-pass", "webhook_url": "http://x.local",
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantDetail: "username: invalid RUT format or checksum",
		},
		{
			name: "short password",
			path: "/async/scrape/cmf",
			body: map[string]string{
				"username": validRUT, "password": "abc", "webhook_url": "http://x.local",
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantDetail: "password must be at least 6 characters",
		},
		{
			name: "bad webhook url",
			path: "/async/scrape/cmf",
			body: map[string]string{
				"username": validRUT, "password": "s3cret-pass", "webhook_url": "not a url",
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantDetail: "webhook_url must be a valid URL",
		},
		{
			name:       "missing fields",
			path:       "/async/scrape/cmf",
			body:       map[string]string{},
			wantStatus: http.StatusUnprocessableEntity,
			wantDetail: "username is required; password is required; webhook_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantDetail, decode(t, rec)["detail"])
			assert.NotContains(t, rec.Body.String(), "s3cret-pass")

			n, err := f.queue.Size(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestSubmitStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	rec := f.do(t, http.MethodPost, "/async/scrape/cmf", validBody())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "task store unavailable", decode(t, rec)["detail"])
}

func TestSubmitRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f := newFixture(t, WithRateLimiter(ratelimit.NewFixedWindow(rdb, "", 2, time.Minute)))

	for i, cb := range []string{"http://a.local", "http://b.local"} {
		body := validBody()
		body["webhook_url"] = cb
		require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/async/scrape/cmf", body).Code, "request %d", i)
	}

	body := validBody()
	body["webhook_url"] = "http://c.local"
	rec := f.do(t, http.MethodPost, "/async/scrape/cmf", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// inspection routes are not limited
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/queue", nil).Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])

	f.mr.Close()
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})))
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestQueueAndDLQ(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.queue.Enqueue(ctx, task.New(validRUT, "pw-main", "http://cb", "cmf")))
	}
	dead := task.New(validRUT, "pw-dead", "http://cb", "afc")
	dead.Retries = dead.MaxRetries
	require.NoError(t, f.queue.EnqueueDLQ(ctx, dead))

	rec := f.do(t, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sizes := decode(t, rec)
	assert.Equal(t, float64(3), sizes["main"])
	assert.Equal(t, float64(1), sizes["dlq"])

	rec = f.do(t, http.MethodGet, "/v1/dlq?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pw-dead")

	var peek dlqResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peek))
	require.Equal(t, 1, peek.Count)
	assert.Equal(t, dead.TaskID, peek.Tasks[0].TaskID)
	assert.Equal(t, "[REDACTED]", peek.Tasks[0].Secret)

	// peeking never removes
	n, err := f.queue.DLQSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, bad := range []string{"0", "-1", "501", "abc"} {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/dlq?limit="+bad, nil).Code, bad)
	}
}

func TestJobTypes(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/job-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"job_types":["afc","cmf","sii"]}`, rec.Body.String())
}

type stubJournal struct {
	records map[string]*journal.Record
	queued  []string
	runIDs  []string
}

func (s *stubJournal) Queued(_ context.Context, t *task.Task, runID string) error {
	s.queued = append(s.queued, t.TaskID)
	s.runIDs = append(s.runIDs, runID)
	return nil
}

func (s *stubJournal) Get(_ context.Context, id string) (*journal.Record, error) {
	if r, ok := s.records[id]; ok {
		return r, nil
	}
	return nil, journal.ErrNotFound
}

func TestTaskStatus(t *testing.T) {
	j := &stubJournal{records: map[string]*journal.Record{
		"t-1": {TaskID: "t-1", JobType: "cmf", Status: journal.StatusRetrying, Attempts: 2, Retries: 2, MaxRetries: 3},
	}}
	f := newFixture(t, WithJournal(j))

	rec := f.do(t, http.MethodGet, "/v1/tasks/t-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "t-1", body["task_id"])
	assert.Equal(t, journal.StatusRetrying, body["status"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/tasks/missing", nil).Code)
}

func TestTaskStatusJournalDisabled(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/tasks/anything", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "task journal is disabled", decode(t, rec)["detail"])
}

func TestSubmitWritesJournalWithRunID(t *testing.T) {
	j := &stubJournal{}
	f := newFixture(t, WithJournal(j), WithRunID("run-42"))

	rec := f.do(t, http.MethodPost, "/async/scrape/cmf", validBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, j.queued, 1)
	assert.Equal(t, decode(t, rec)["task_id"], j.queued[0])
	assert.Equal(t, []string{"run-42"}, j.runIDs)
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	v, err := auth.NewJWTValidator(string(pubPEM), "scrapehook", "scrapehook-api")
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(string(privPEM), "scrapehook", "scrapehook-api")
	require.NoError(t, err)
	token, err := issuer.Mint("ops", time.Minute)
	require.NoError(t, err)

	f := newFixture(t, WithAuth(v))

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/async/scrape/cmf", validBody()).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/queue", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := f.do(t, http.MethodPost, "/async/scrape/cmf", validBody(), "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestWindow(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Minute, "5 minutes"},
		{time.Minute, "1 minute"},
		{90 * time.Second, "90 seconds"},
		{0, "deduplication window"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, window(tt.in), tt.in.String())
	}
}
