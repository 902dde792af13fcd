package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/analytics"
	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/handler"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/rotator"
	"classattend/internal/store"
	"classattend/internal/window"
)

const (
	signingKey = "handler-test-key"
	issuer     = "classattend-test"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type server struct {
	router *gin.Engine
	mem    *store.Memory
	now    time.Time
}

func newServer(t *testing.T, health ...handler.HealthCheck) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory(time.UTC, 3)
	for _, s := range []model.Session{
		{ID: "net", Method: model.MethodNetwork, Network: &model.NetworkConfig{AllowedRanges: []string{"10.0.0.0/24"}}},
		{ID: "tok", Method: model.MethodToken},
		{ID: "other", Method: model.MethodNetwork, InstructorID: "t2", Network: &model.NetworkConfig{AllowedRanges: []string{"10.0.0.0/24"}}},
	} {
		s.CourseID = "c1"
		if s.InstructorID == "" {
			s.InstructorID = "t1"
		}
		s.StartsAt = start
		s.EndsAt = start.Add(time.Hour)
		s.Active = true
		mem.PutSession(s)
	}
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("u%d", i)
		mem.PutStudent(model.Student{ID: id, Department: "cs"})
		mem.Enroll(id, "c1")
	}

	srv := &server{mem: mem, now: start.Add(2 * time.Minute)}
	now := func() time.Time { return srv.now }

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	repos := mem.Repositories()
	svc := attendance.NewService(repos, window.DefaultPolicy(), nil, attendance.WithMetrics(m))
	rot := rotator.New(mem, mem, rotator.Config{Interval: 20 * time.Second, Policy: window.DefaultPolicy()}, nil, m)

	srv.router = handler.Router(handler.Deps{
		Service:    svc,
		Rotator:    rot,
		Stats:      analytics.NewAggregator(repos, nil),
		SigningKey: signingKey,
		Issuer:     issuer,
		Gatherer:   reg,
		Health:     health,
		Now:        now,
	})
	return srv
}

func bearer(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, _, err := auth.Issue(subject, role, issuer, signingKey, time.Hour, time.Now())
	require.NoError(t, err)
	return "Bearer " + tok
}

func (s *server) do(t *testing.T, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.9:41000"
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCheckInCreatesThenReportsExisting(t *testing.T) {
	s := newServer(t)
	student := bearer(t, "u1", auth.RoleStudent)
	body := gin.H{"session_id": "net", "method": "network"}

	w := s.do(t, http.MethodPost, "/v1/checkins", student, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)
	rec := first["record"].(map[string]any)
	assert.Equal(t, "present", rec["status"])
	assert.Equal(t, false, first["already_recorded"])

	s.now = s.now.Add(20 * time.Minute)
	w = s.do(t, http.MethodPost, "/v1/checkins", student, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode(t, w)
	assert.Equal(t, true, second["already_recorded"])
	assert.Equal(t, rec["id"], second["record"].(map[string]any)["id"])
	assert.Equal(t, "present", second["record"].(map[string]any)["status"])
}

func TestCheckInErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		body     gin.H
		xff      string
		at       time.Time
		wantCode int
		wantKind string
	}{
		{name: "unknown session", subject: "u1", body: gin.H{"session_id": "nope", "method": "network"}, wantCode: http.StatusNotFound, wantKind: "session_not_found"},
		{name: "not enrolled", subject: "stranger", body: gin.H{"session_id": "net", "method": "network"}, wantCode: http.StatusForbidden, wantKind: "not_enrolled"},
		{name: "too early", subject: "u1", body: gin.H{"session_id": "net", "method": "network"}, at: start.Add(-10 * time.Minute), wantCode: http.StatusConflict, wantKind: "outside_window"},
		{name: "wrong method", subject: "u1", body: gin.H{"session_id": "net", "method": "token", "token": "x"}, wantCode: http.StatusUnprocessableEntity, wantKind: "method_mismatch"},
		{name: "forged token", subject: "u1", body: gin.H{"session_id": "tok", "method": "token", "token": "forged"}, wantCode: http.StatusUnprocessableEntity, wantKind: "token_mismatch"},
		// Forwarded headers from untrusted peers are ignored.
		{name: "spoofed origin", subject: "u1", body: gin.H{"session_id": "net", "method": "network"}, xff: "203.0.113.5", wantCode: http.StatusCreated},
		{name: "missing method", subject: "u1", body: gin.H{"session_id": "net"}, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t)
			if !tt.at.IsZero() {
				s.now = tt.at
			}
			var buf bytes.Buffer
			require.NoError(t, json.NewEncoder(&buf).Encode(tt.body))
			req := httptest.NewRequest(http.MethodPost, "/v1/checkins", &buf)
			req.RemoteAddr = "10.0.0.9:41000"
			req.Header.Set("Authorization", bearer(t, tt.subject, auth.RoleStudent))
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, decode(t, w)["kind"])
			}
		})
	}
}

func TestCheckInOutsideNetwork(t *testing.T) {
	s := newServer(t)
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(gin.H{"session_id": "net", "method": "network"}))
	req := httptest.NewRequest(http.MethodPost, "/v1/checkins", &buf)
	req.RemoteAddr = "172.16.0.1:41000"
	req.Header.Set("Authorization", bearer(t, "u1", auth.RoleStudent))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "origin_not_allowed", decode(t, w)["kind"])
	rec, err := s.mem.GetRecord(context.Background(), "net", "u1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAuthorization(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/checkins", "", gin.H{"session_id": "net", "method": "network"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/v1/checkins", bearer(t, "t1", auth.RoleInstructor), gin.H{"session_id": "net", "method": "network"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions/net/attendance", bearer(t, "u1", auth.RoleStudent), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions/other/attendance", bearer(t, "t1", auth.RoleInstructor), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions/other/attendance", bearer(t, "root", auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenFlow(t *testing.T) {
	s := newServer(t)
	instructor := bearer(t, "t1", auth.RoleInstructor)

	w := s.do(t, http.MethodGet, "/v1/sessions/tok/token", instructor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode(t, w)
	value := first["token"].(map[string]any)["value"].(string)
	assert.NotEmpty(t, value)
	assert.EqualValues(t, 20, first["interval_seconds"])

	// The display polls; an unexpired token is reused.
	w = s.do(t, http.MethodGet, "/v1/sessions/tok/token", instructor, nil)
	assert.Equal(t, value, decode(t, w)["token"].(map[string]any)["value"])

	w = s.do(t, http.MethodPost, "/v1/checkins", bearer(t, "u1", auth.RoleStudent), gin.H{"session_id": "tok", "method": "token", "token": value})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/sessions/tok/token/rotate", instructor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, value, decode(t, w)["token"].(map[string]any)["value"])

	w = s.do(t, http.MethodPost, "/v1/checkins", bearer(t, "u2", auth.RoleStudent), gin.H{"session_id": "tok", "method": "token", "token": value})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "token_expired", decode(t, w)["kind"])

	w = s.do(t, http.MethodGet, "/v1/sessions/tok/token/history", instructor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["tokens"], 2)

	w = s.do(t, http.MethodGet, "/v1/sessions/net/token", instructor, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	s.now = start.Add(time.Hour)
	w = s.do(t, http.MethodGet, "/v1/sessions/tok/token", instructor, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFinalizeAndOverride(t *testing.T) {
	s := newServer(t)
	instructor := bearer(t, "t1", auth.RoleInstructor)

	w := s.do(t, http.MethodPost, "/v1/checkins", bearer(t, "u1", auth.RoleStudent), gin.H{"session_id": "net", "method": "network"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions/net/finalize", instructor, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "outside_window", decode(t, w)["kind"])

	s.now = start.Add(time.Hour)
	w = s.do(t, http.MethodPost, "/v1/sessions/net/finalize", instructor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 3, decode(t, w)["absences"])

	w = s.do(t, http.MethodPut, "/v1/sessions/net/attendance/u2", instructor, gin.H{"status": "late", "reason": "bus strike"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode(t, w)["record"].(map[string]any)
	assert.Equal(t, "late", rec["status"])
	assert.Equal(t, true, rec["manual"])

	w = s.do(t, http.MethodPut, "/v1/sessions/net/attendance/u2", instructor, gin.H{"status": "excused"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions/net/attendance", instructor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["records"], 4)
}

func TestScheduleSession(t *testing.T) {
	s := newServer(t)
	instructor := bearer(t, "t1", auth.RoleInstructor)
	body := gin.H{
		"id": "lab", "course_id": "c1", "instructor_id": "t2",
		"date": "2026-03-03", "start": "14:00", "end": "15:30",
		"method": "geofence", "geofence": gin.H{"latitude": 1.5, "longitude": 2.5, "radius_meters": 50},
	}

	w := s.do(t, http.MethodPost, "/v1/sessions", instructor, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	got, err := s.mem.GetSession(context.Background(), "lab")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.InstructorID)
	assert.Equal(t, time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC), got.StartsAt)

	w = s.do(t, http.MethodPost, "/v1/sessions", instructor, body)
	assert.Equal(t, http.StatusConflict, w.Code)

	body["id"] = "lab2"
	body["end"] = "13:00"
	w = s.do(t, http.MethodPost, "/v1/sessions", instructor, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	s := newServer(t)
	for _, id := range []string{"u1", "u2"} {
		w := s.do(t, http.MethodPost, "/v1/checkins", bearer(t, id, auth.RoleStudent), gin.H{"session_id": "net", "method": "network"})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	s.now = start.Add(time.Hour)
	admin := bearer(t, "root", auth.RoleAdmin)

	w := s.do(t, http.MethodGet, "/v1/stats?session_id=net", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode(t, w)
	assert.EqualValues(t, 4, got["total"])
	assert.EqualValues(t, 2, got["present"])
	assert.EqualValues(t, 2, got["absent"])
	assert.EqualValues(t, 50, got["rate"])

	w = s.do(t, http.MethodGet, "/v1/stats?from=2026-03-03", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["sessions"])

	w = s.do(t, http.MethodGet, "/v1/stats?to=yesterday", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsScopedToInstructor(t *testing.T) {
	s := newServer(t)
	for _, sid := range []string{"net", "other"} {
		w := s.do(t, http.MethodPost, "/v1/checkins", bearer(t, "u1", auth.RoleStudent), gin.H{"session_id": sid, "method": "network"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	s.now = start.Add(time.Hour)
	instructor := bearer(t, "t1", auth.RoleInstructor)

	w := s.do(t, http.MethodGet, "/v1/stats?session_id=other", instructor, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Course-wide stats leave out sessions taught by someone else.
	w = s.do(t, http.MethodGet, "/v1/stats?course_id=c1", instructor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode(t, w)
	assert.EqualValues(t, 2, got["sessions"])
	assert.EqualValues(t, 8, got["total"])

	w = s.do(t, http.MethodGet, "/v1/stats?course_id=c1", bearer(t, "root", auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["sessions"])

	w = s.do(t, http.MethodGet, "/v1/stats?session_id=missing", instructor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["sessions"])
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newServer(t,
		handler.HealthCheck{Name: "db", Check: func(context.Context) bool { return true }},
		handler.HealthCheck{Name: "redis", Check: func(context.Context) bool { return false }},
	)

	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	got := decode(t, w)
	assert.Equal(t, "degraded", got["status"])
	assert.Equal(t, true, got["db"])
	assert.Equal(t, false, got["redis"])

	w = s.do(t, http.MethodPost, "/v1/checkins", bearer(t, "u1", auth.RoleStudent), gin.H{"session_id": "net", "method": "network"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `classattend_checkin_attempts_total{outcome="present"} 1`), w.Body.String())
}
