package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	h := NewSystemHandler(nil)
	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest("GET", "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	decode(t, rr, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestReadyz(t *testing.T) {
	up := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		checks     map[string]Pinger
		wantStatus int
		want       map[string]string
	}{
		{
			name:       "all up",
			checks:     map[string]Pinger{"key_store": up, "counter_store": up},
			wantStatus: http.StatusOK,
			want:       map[string]string{"key_store": "ok", "counter_store": "ok"},
		},
		{
			name:       "counter store down",
			checks:     map[string]Pinger{"key_store": up, "counter_store": down},
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]string{"key_store": "ok", "counter_store": "error: connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewSystemHandler(tt.checks).Readyz(rr, httptest.NewRequest("GET", "/readyz", nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			decode(t, rr, &body)
			for name, want := range tt.want {
				if body.Checks[name] != want {
					t.Errorf("checks[%s] = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestReadyzBoundsSlowChecks(t *testing.T) {
	var sawDeadline bool
	slow := pingFunc(func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	})
	rr := httptest.NewRecorder()
	NewSystemHandler(map[string]Pinger{"key_store": slow}).Readyz(rr, httptest.NewRequest("GET", "/readyz", nil))
	if !sawDeadline {
		t.Error("readiness checks should run with a deadline")
	}
}
