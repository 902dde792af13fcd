package attendance_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/attendance"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/store"
	"classattend/internal/verify"
	"classattend/internal/window"
)

// Sessions run 09:00-10:00 on 2026-03-02 UTC.
var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const (
	centerLat = 48.8566
	centerLng = 2.3522
)

func at(hhmm string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", "2026-03-02 "+hhmm, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(f float64) *float64 { return &f }

func near(meters float64) model.Evidence {
	lat, lng := verify.Offset(centerLat, centerLng, meters, 90)
	return model.Evidence{Method: model.MethodGeofence, Latitude: ptr(lat), Longitude: ptr(lng)}
}

func baseSession(id string, method model.Method) model.Session {
	s := model.Session{
		ID:           id,
		CourseID:     "c1",
		InstructorID: "t1",
		StartsAt:     start,
		EndsAt:       start.Add(time.Hour),
		Method:       method,
		Active:       true,
	}
	switch method {
	case model.MethodGeofence:
		s.Geofence = &model.GeofenceConfig{Latitude: centerLat, Longitude: centerLng, RadiusMeters: 100}
	case model.MethodNetwork:
		s.Network = &model.NetworkConfig{AllowedRanges: []string{"10.0.0.0/24", "192.168.1.7"}}
	}
	return s
}

type fixture struct {
	mem *store.Memory
	svc *attendance.Service
}

func newFixture(t *testing.T, opts ...attendance.Option) *fixture {
	t.Helper()
	mem := store.NewMemory(time.UTC, 3)
	mem.PutSession(baseSession("geo", model.MethodGeofence))
	mem.PutSession(baseSession("tok", model.MethodToken))
	mem.PutSession(baseSession("net", model.MethodNetwork))
	for i := 1; i <= 10; i++ {
		mem.PutStudent(model.Student{ID: fmt.Sprintf("u%d", i), Department: "cs"})
		mem.Enroll(fmt.Sprintf("u%d", i), "c1")
	}
	mem.PutStudent(model.Student{ID: "outsider"})
	return &fixture{
		mem: mem,
		svc: attendance.NewService(mem.Repositories(), window.DefaultPolicy(), nil, opts...),
	}
}

func TestCheckInStatusByTime(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		want    model.Status
		wantErr error
	}{
		{name: "before grace", now: at("08:54:00"), wantErr: model.ErrOutsideWindow},
		{name: "grace opens", now: at("08:55:00"), want: model.StatusPresent},
		{name: "on time", now: at("09:02:00"), want: model.StatusPresent},
		{name: "late boundary", now: at("09:15:00"), want: model.StatusLate},
		{name: "late", now: at("09:20:00"), want: model.StatusLate},
		{name: "at end", now: at("10:00:00"), wantErr: model.ErrOutsideWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec, err := f.svc.CheckIn(context.Background(), "u1", "geo", near(10), tt.now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, rec)
				stored, _ := f.mem.GetRecord(context.Background(), "geo", "u1")
				assert.Nil(t, stored)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
			require.NotNil(t, rec.CheckedInAt)
			assert.Equal(t, tt.now, *rec.CheckedInAt)
			assert.Equal(t, model.MethodGeofence, rec.Method)
			require.NotNil(t, rec.Evidence.DistanceMeters)
			assert.InDelta(t, 10, *rec.Evidence.DistanceMeters, 0.5)
		})
	}
}

func TestCheckInRejectionOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inactive := baseSession("off", model.MethodGeofence)
	inactive.Active = false
	f.mem.PutSession(inactive)

	_, err := f.svc.CheckIn(ctx, "u1", "missing", near(10), at("09:02:00"))
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = f.svc.CheckIn(ctx, "u1", "off", near(10), at("09:02:00"))
	assert.ErrorIs(t, err, model.ErrSessionInactive)

	// enrollment is checked before window and evidence
	_, err = f.svc.CheckIn(ctx, "outsider", "geo", model.Evidence{}, at("07:00:00"))
	assert.ErrorIs(t, err, model.ErrNotEnrolled)

	// window is checked before evidence
	_, err = f.svc.CheckIn(ctx, "u1", "geo", near(5000), at("08:00:00"))
	assert.ErrorIs(t, err, model.ErrOutsideWindow)

	_, err = f.svc.CheckIn(ctx, "u1", "geo", model.Evidence{Method: model.MethodGeofence}, at("09:02:00"))
	assert.ErrorIs(t, err, model.ErrLocationUnavailable)

	_, err = f.svc.CheckIn(ctx, "u1", "geo", near(150), at("09:02:00"))
	assert.ErrorIs(t, err, model.ErrOutsideGeofence)

	_, err = f.svc.CheckIn(ctx, "u1", "geo", model.Evidence{Method: model.MethodToken, Token: "x"}, at("09:02:00"))
	assert.ErrorIs(t, err, model.ErrMethodMismatch)

	// existing record wins over a closed window
	_, err = f.svc.CheckIn(ctx, "u1", "geo", near(10), at("09:02:00"))
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, "u1", "geo", near(10), at("10:30:00"))
	assert.ErrorIs(t, err, model.ErrAlreadyRecorded)
}

func TestCheckInIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.CheckIn(ctx, "u1", "geo", near(10), at("09:02:00"))
	require.NoError(t, err)

	_, err = f.svc.CheckIn(ctx, "u1", "geo", near(20), at("09:20:00"))
	assert.ErrorIs(t, err, model.ErrAlreadyRecorded)
	assert.Equal(t, model.KindAlreadyRecorded, model.KindOf(err))

	stored, err := f.svc.Record(ctx, "geo", "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, model.StatusPresent, stored.Status)
	assert.Equal(t, at("09:02:00"), *stored.CheckedInAt)
}

func TestConcurrentCheckInsRecordOnce(t *testing.T) {
	const (
		trials   = 25
		attempts = 40
	)
	ctx := context.Background()
	f := newFixture(t)

	for trial := 0; trial < trials; trial++ {
		id := fmt.Sprintf("race-%d", trial)
		f.mem.PutSession(baseSession(id, model.MethodGeofence))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			dupes     int
			others    []error
		)
		gate := make(chan struct{})
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-gate
				_, err := f.svc.CheckIn(ctx, "u1", id, near(10), at("09:02:00"))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, model.ErrAlreadyRecorded):
					dupes++
				default:
					others = append(others, err)
				}
			}()
		}
		close(gate)
		wg.Wait()

		require.Empty(t, others, "trial %d", trial)
		require.Equal(t, 1, successes, "trial %d", trial)
		require.Equal(t, attempts-1, dupes, "trial %d", trial)
	}

	recs, err := f.mem.ListRecords(ctx, attendance.RecordQuery{StudentID: "u1"})
	require.NoError(t, err)
	assert.Len(t, recs, trials)
}

func TestTokenCheckIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	issue := func(value string, issued time.Time) {
		require.NoError(t, f.mem.Rotate(ctx, model.SessionToken{
			SessionID: "tok",
			Value:     value,
			IssuedAt:  issued,
			ExpiresAt: issued.Add(20 * time.Second),
		}))
	}
	issue("old", at("09:01:40"))
	issue("cur", at("09:02:00"))

	_, err := f.svc.CheckIn(ctx, "u1", "tok", model.Evidence{Method: model.MethodToken, Token: "old"}, at("09:02:05"))
	assert.ErrorIs(t, err, model.ErrTokenExpired)

	_, err = f.svc.CheckIn(ctx, "u1", "tok", model.Evidence{Method: model.MethodToken, Token: "forged"}, at("09:02:05"))
	assert.ErrorIs(t, err, model.ErrTokenMismatch)

	_, err = f.svc.CheckIn(ctx, "u2", "tok", model.Evidence{Method: model.MethodToken, Token: "cur"}, at("09:02:20"))
	assert.ErrorIs(t, err, model.ErrTokenExpired)

	rec, err := f.svc.CheckIn(ctx, "u1", "tok", model.Evidence{Method: model.MethodToken, Token: "cur"}, at("09:02:19"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPresent, rec.Status)
	assert.Equal(t, "cur", rec.Evidence.Token)
}

func TestTokenBeyondHistoryIsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t) // three superseded tokens stay hot

	issued := at("09:01:00")
	for i := 0; i < 6; i++ {
		require.NoError(t, f.mem.Rotate(ctx, model.SessionToken{
			SessionID: "tok",
			Value:     fmt.Sprintf("t%d", i),
			IssuedAt:  issued,
			ExpiresAt: issued.Add(20 * time.Second),
		}))
		issued = issued.Add(time.Second)
	}
	state, err := f.mem.TokenState(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, state.Superseded, 3)

	_, err = f.svc.CheckIn(ctx, "u1", "tok", model.Evidence{Method: model.MethodToken, Token: "t0"}, at("09:01:10"))
	assert.ErrorIs(t, err, model.ErrTokenExpired)

	_, err = f.svc.CheckIn(ctx, "u1", "tok", model.Evidence{Method: model.MethodToken, Token: "t9"}, at("09:01:10"))
	assert.ErrorIs(t, err, model.ErrTokenMismatch)

	rec, err := f.svc.CheckIn(ctx, "u1", "tok", model.Evidence{Method: model.MethodToken, Token: "t5"}, at("09:01:10"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPresent, rec.Status)
}

func TestNetworkCheckIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec, err := f.svc.CheckIn(ctx, "u1", "net", model.Evidence{Method: model.MethodNetwork, Address: "::ffff:10.0.0.42"}, at("09:20:00"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusLate, rec.Status)
	assert.Equal(t, "10.0.0.42", rec.Evidence.Address)

	_, err = f.svc.CheckIn(ctx, "u2", "net", model.Evidence{Method: model.MethodNetwork, Address: "10.0.1.1"}, at("09:02:00"))
	assert.ErrorIs(t, err, model.ErrOriginNotAllowed)
}

func TestCancelledCheckInWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.CheckIn(ctx, "u1", "geo", near(10), at("09:02:00"))
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := f.mem.GetRecord(context.Background(), "geo", "u1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

type locatorFunc func(ctx context.Context, fixID string) (float64, float64, error)

func (l locatorFunc) Resolve(ctx context.Context, fixID string) (float64, float64, error) {
	return l(ctx, fixID)
}

func TestLocationFixResolution(t *testing.T) {
	ctx := context.Background()
	fixes := locatorFunc(func(ctx context.Context, fixID string) (float64, float64, error) {
		switch fixID {
		case "inside":
			lat, lng := verify.Offset(centerLat, centerLng, 30, 0)
			return lat, lng, nil
		case "hang":
			<-ctx.Done()
			return 0, 0, ctx.Err()
		}
		return 0, 0, errors.New("unknown fix")
	})
	f := newFixture(t, attendance.WithLocator(fixes, 20*time.Millisecond))

	rec, err := f.svc.CheckIn(ctx, "u1", "geo", model.Evidence{Method: model.MethodGeofence, FixID: "inside"}, at("09:02:00"))
	require.NoError(t, err)
	assert.InDelta(t, 30, *rec.Evidence.DistanceMeters, 0.5)

	started := time.Now()
	_, err = f.svc.CheckIn(ctx, "u2", "geo", model.Evidence{Method: model.MethodGeofence, FixID: "hang"}, at("09:02:00"))
	assert.ErrorIs(t, err, model.ErrLocationUnavailable)
	assert.Less(t, time.Since(started), 2*time.Second)

	_, err = f.svc.CheckIn(ctx, "u3", "geo", model.Evidence{Method: model.MethodGeofence, FixID: "gone"}, at("09:02:00"))
	assert.ErrorIs(t, err, model.ErrLocationUnavailable)

	stored, _ := f.mem.GetRecord(ctx, "geo", "u2")
	assert.Nil(t, stored)
}

func TestCheckInMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := newFixture(t, attendance.WithMetrics(m))

	_, err := f.svc.CheckIn(ctx, "u1", "geo", near(10), at("09:02:00"))
	require.NoError(t, err)
	_, _ = f.svc.CheckIn(ctx, "u1", "geo", near(10), at("09:03:00"))
	_, _ = f.svc.CheckIn(ctx, "u2", "geo", near(500), at("09:03:00"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckIns.WithLabelValues("present")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckIns.WithLabelValues("already_recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckIns.WithLabelValues("outside_geofence")))
}
