package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func ok(context.Context) error { return nil }

func failing(msg string) Checker {
	return func(context.Context) error { return errors.New(msg) }
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             map[string]Checker
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "no checks",
			checks:             nil,
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name:               "all healthy",
			checks:             map[string]Checker{"redis": ok, "database": ok},
			expectedStatusCode: http.StatusOK,
			expectedStatus: Status{
				OK:      true,
				Message: "ok",
				Checks:  map[string]string{"redis": "ok", "database": "ok"},
			},
		},
		{
			name:               "redis down",
			checks:             map[string]Checker{"redis": failing("connection refused"), "database": ok},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "redis check failed",
				Checks:  map[string]string{"redis": "connection refused", "database": "ok"},
			},
		},
		{
			name:               "first failure in name order wins the message",
			checks:             map[string]Checker{"redis": failing("down"), "database": failing("down")},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "database check failed",
				Checks:  map[string]string{"redis": "down", "database": "down"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()
			HTTPHandler(tt.checks)(rec, req)

			if rec.Code != tt.expectedStatusCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.expectedStatusCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var got Status
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.OK != tt.expectedStatus.OK || got.Message != tt.expectedStatus.Message {
				t.Errorf("status = %+v, want %+v", got, tt.expectedStatus)
			}
			if len(got.Checks) != len(tt.expectedStatus.Checks) {
				t.Fatalf("checks = %v, want %v", got.Checks, tt.expectedStatus.Checks)
			}
			for k, v := range tt.expectedStatus.Checks {
				if got.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, got.Checks[k], v)
				}
			}
		})
	}
}

func TestEvaluateAppliesTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}
	st := Evaluate(context.Background(), map[string]Checker{"slow": slow})
	if !st.OK {
		t.Errorf("Evaluate() = %+v, want ok", st)
	}
}

func TestSyncGRPC(t *testing.T) {
	srv := health.NewServer()
	checks := map[string]Checker{"redis": ok}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		SyncGRPC(ctx, srv, "scrapehook.api", checks, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "scrapehook.api"})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never reported SERVING: %v %v", resp, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SyncGRPC did not return after cancel")
	}

	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ""})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after shutdown = %v, want NOT_SERVING", resp.GetStatus())
	}
}
